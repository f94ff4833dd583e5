package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dbconfig "github.com/bzinkan/SchoolPilot-sub002/pkg/database"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"

	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
)

// Manager implements the DatabaseManager interface on sqlite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pragmas and pending migrations,
// and starts the writer goroutine
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", dbconfig.DSN(config.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logging.OrDiscard(logger).With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
// FUNCTIONAL DISCOVERY: Writes are not retried; a failed heartbeat insert is reported
// to the caller once and the next heartbeat supersedes it anyway
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("database write failed", "error", err)
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CreateHeartbeat appends an immutable heartbeat record
func (m *Manager) CreateHeartbeat(ctx context.Context, record *types.HeartbeatRecord) error {
	tabsJSON, err := json.Marshal(nonNilTabs(record.AllOpenTabs))
	if err != nil {
		return fmt.Errorf("failed to marshal open tabs: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO heartbeats (id, device_id, student_id, school_id, active_tab_url, active_tab_title,
				favicon, screen_locked, flight_path_active, off_task, verdict, all_open_tabs, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			record.ID,
			record.DeviceID,
			record.StudentID,
			record.SchoolID,
			record.ActiveTabURL,
			record.ActiveTabTitle,
			record.Favicon,
			record.ScreenLocked,
			record.FlightPathActive,
			record.OffTask,
			record.Verdict,
			string(tabsJSON),
			record.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert heartbeat: %w", err)
		}
		return nil
	})
}

const heartbeatColumns = `h.id, h.device_id, h.student_id, h.school_id, h.active_tab_url, h.active_tab_title,
	h.favicon, h.screen_locked, h.flight_path_active, h.off_task, h.verdict, h.all_open_tabs, h.timestamp`

// GetHeartbeatsByDevice returns the newest records first
func (m *Manager) GetHeartbeatsByDevice(ctx context.Context, deviceID string, limit int) ([]*types.HeartbeatRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+heartbeatColumns+`
		FROM heartbeats h
		WHERE h.device_id = ?
		ORDER BY h.timestamp DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.HeartbeatRecord
	for rows.Next() {
		record, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating heartbeat rows: %w", err)
	}
	return records, nil
}

// GetLatestHeartbeats returns the most recent record per device in a school
func (m *Manager) GetLatestHeartbeats(ctx context.Context, schoolID string) (map[string]*types.HeartbeatRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+heartbeatColumns+`
		FROM heartbeats h
		JOIN (
			SELECT device_id, MAX(timestamp) AS ts
			FROM heartbeats
			WHERE school_id = ?
			GROUP BY device_id
		) latest ON h.device_id = latest.device_id AND h.timestamp = latest.ts
		WHERE h.school_id = ?
	`, schoolID, schoolID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest heartbeats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	latest := make(map[string]*types.HeartbeatRecord)
	for rows.Next() {
		record, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		latest[record.DeviceID] = record
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating heartbeat rows: %w", err)
	}
	return latest, nil
}

// CreateDeviceEvent appends an arbitrary device event
func (m *Manager) CreateDeviceEvent(ctx context.Context, event *types.DeviceEvent) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO device_events (id, device_id, school_id, event_type, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, event.ID, event.DeviceID, event.SchoolID, event.EventType, string(metadataJSON), event.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert device event: %w", err)
		}
		return nil
	})
}

// GetDeviceEvents returns the newest device events first
func (m *Manager) GetDeviceEvents(ctx context.Context, deviceID string, limit int) ([]*types.DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, device_id, school_id, event_type, metadata, timestamp
		FROM device_events
		WHERE device_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query device events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.DeviceEvent
	for rows.Next() {
		var event types.DeviceEvent
		var metadataJSON string
		if err := rows.Scan(&event.ID, &event.DeviceID, &event.SchoolID, &event.EventType, &metadataJSON, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan device event row: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// GetDevice retrieves a device by id
func (m *Manager) GetDevice(ctx context.Context, deviceID string) (*types.Device, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, school_id, student_id, name, active_policy_id, created_at
		FROM devices WHERE id = ?
	`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return device, nil
}

// ListDevices returns every device registered to a school
func (m *Manager) ListDevices(ctx context.Context, schoolID string) ([]*types.Device, error) {
	return m.queryDevices(ctx, `
		SELECT id, school_id, student_id, name, active_policy_id, created_at
		FROM devices WHERE school_id = ? ORDER BY id
	`, schoolID)
}

// ListAllDevices returns every device, used to warm the directory cache
func (m *Manager) ListAllDevices(ctx context.Context) ([]*types.Device, error) {
	return m.queryDevices(ctx, `
		SELECT id, school_id, student_id, name, active_policy_id, created_at
		FROM devices ORDER BY school_id, id
	`)
}

func (m *Manager) queryDevices(ctx context.Context, query string, args ...interface{}) ([]*types.Device, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []*types.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device rows: %w", err)
	}
	return devices, nil
}

// UpsertDevice inserts a device or updates its directory fields
func (m *Manager) UpsertDevice(ctx context.Context, device *types.Device) error {
	createdAt := device.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO devices (id, school_id, student_id, name, active_policy_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				school_id = excluded.school_id,
				student_id = excluded.student_id,
				name = excluded.name,
				active_policy_id = excluded.active_policy_id
		`, device.ID, device.SchoolID, device.StudentID, device.Name, nullString(device.ActivePolicyID), createdAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert device: %w", err)
		}
		return nil
	})
}

// SetDeviceActivePolicy points a device at a policy, or clears it with nil
func (m *Manager) SetDeviceActivePolicy(ctx context.Context, deviceID string, policyID *string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE devices SET active_policy_id = ? WHERE id = ?`, nullString(policyID), deviceID)
		if err != nil {
			return fmt.Errorf("failed to set active policy: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return interfaces.ErrDeviceNotFound
		}
		return nil
	})
}

// GetPolicy retrieves a policy by id
func (m *Manager) GetPolicy(ctx context.Context, policyID string) (*types.Policy, error) {
	var policy types.Policy
	var allowedJSON, blockedJSON string

	err := m.db.QueryRowContext(ctx, `
		SELECT id, school_id, scope, owner_id, name, allowed_domains, blocked_domains
		FROM policies WHERE id = ?
	`, policyID).Scan(&policy.ID, &policy.SchoolID, &policy.Scope, &policy.OwnerID, &policy.Name, &allowedJSON, &blockedJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to query policy: %w", err)
	}

	if err := json.Unmarshal([]byte(allowedJSON), &policy.AllowedDomains); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed domains: %w", err)
	}
	if err := json.Unmarshal([]byte(blockedJSON), &policy.BlockedDomains); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blocked domains: %w", err)
	}
	return &policy, nil
}

// UpsertPolicy inserts or replaces a policy definition
func (m *Manager) UpsertPolicy(ctx context.Context, policy *types.Policy) error {
	allowedJSON, err := json.Marshal(nonNilStrings(policy.AllowedDomains))
	if err != nil {
		return fmt.Errorf("failed to marshal allowed domains: %w", err)
	}
	blockedJSON, err := json.Marshal(nonNilStrings(policy.BlockedDomains))
	if err != nil {
		return fmt.Errorf("failed to marshal blocked domains: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO policies (id, school_id, scope, owner_id, name, allowed_domains, blocked_domains, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				school_id = excluded.school_id,
				scope = excluded.scope,
				owner_id = excluded.owner_id,
				name = excluded.name,
				allowed_domains = excluded.allowed_domains,
				blocked_domains = excluded.blocked_domains,
				updated_at = excluded.updated_at
		`, policy.ID, policy.SchoolID, policy.Scope, policy.OwnerID, policy.Name,
			string(allowedJSON), string(blockedJSON), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert policy: %w", err)
		}
		return nil
	})
}

// GetStudent retrieves a student by id
func (m *Manager) GetStudent(ctx context.Context, studentID string) (*types.Student, error) {
	var student types.Student
	err := m.db.QueryRowContext(ctx, `
		SELECT id, school_id, name, email FROM students WHERE id = ?
	`, studentID).Scan(&student.ID, &student.SchoolID, &student.Name, &student.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrStudentNotFound
		}
		return nil, fmt.Errorf("failed to query student: %w", err)
	}
	return &student, nil
}

// UpsertStudent inserts or updates a student
func (m *Manager) UpsertStudent(ctx context.Context, student *types.Student) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO students (id, school_id, name, email)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				school_id = excluded.school_id,
				name = excluded.name,
				email = excluded.email
		`, student.ID, student.SchoolID, student.Name, student.Email)
		if err != nil {
			return fmt.Errorf("failed to upsert student: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHeartbeat(row rowScanner) (*types.HeartbeatRecord, error) {
	var record types.HeartbeatRecord
	var tabsJSON string

	err := row.Scan(
		&record.ID,
		&record.DeviceID,
		&record.StudentID,
		&record.SchoolID,
		&record.ActiveTabURL,
		&record.ActiveTabTitle,
		&record.Favicon,
		&record.ScreenLocked,
		&record.FlightPathActive,
		&record.OffTask,
		&record.Verdict,
		&tabsJSON,
		&record.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan heartbeat row: %w", err)
	}

	if err := json.Unmarshal([]byte(tabsJSON), &record.AllOpenTabs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal open tabs: %w", err)
	}
	if len(record.AllOpenTabs) == 0 {
		record.AllOpenTabs = nil
	}
	return &record, nil
}

func scanDevice(row rowScanner) (*types.Device, error) {
	var device types.Device
	var policyID sql.NullString

	if err := row.Scan(&device.ID, &device.SchoolID, &device.StudentID, &device.Name, &policyID, &device.CreatedAt); err != nil {
		return nil, err
	}
	if policyID.Valid {
		device.ActivePolicyID = &policyID.String
	}
	return &device, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nonNilTabs(tabs []types.TabRef) []types.TabRef {
	if tabs == nil {
		return []types.TabRef{}
	}
	return tabs
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
