package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"devices":           "Managed device directory",
	"students":          "Student directory",
	"policies":          "Flight paths and block lists",
	"heartbeats":        "Append-only heartbeat log",
	"device_events":     "Device event audit log",
	"schema_migrations": "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_devices_school":            "School device listing",
	"idx_policies_school":           "School policy listing",
	"idx_heartbeats_device_time":    "Per-device heartbeat history",
	"idx_heartbeats_school_time":    "Latest heartbeat per device in a school",
	"idx_device_events_device_time": "Per-device event history",
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// the store's scan targets and the database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	deviceColumns := map[string]string{
		"id":               "TEXT",
		"school_id":        "TEXT",
		"student_id":       "TEXT",
		"name":             "TEXT",
		"active_policy_id": "TEXT",
		"created_at":       "DATETIME",
	}
	if err := v.validateColumns("devices", deviceColumns); err != nil {
		return fmt.Errorf("devices table structure invalid: %w", err)
	}

	heartbeatColumns := map[string]string{
		"id":                 "TEXT",
		"device_id":          "TEXT",
		"student_id":         "TEXT",
		"school_id":          "TEXT",
		"active_tab_url":     "TEXT",
		"active_tab_title":   "TEXT",
		"favicon":            "TEXT",
		"screen_locked":      "INTEGER",
		"flight_path_active": "INTEGER",
		"off_task":           "INTEGER",
		"verdict":            "TEXT",
		"all_open_tabs":      "TEXT",
		"timestamp":          "DATETIME",
	}
	if err := v.validateColumns("heartbeats", heartbeatColumns); err != nil {
		return fmt.Errorf("heartbeats table structure invalid: %w", err)
	}

	policyColumns := map[string]string{
		"id":              "TEXT",
		"school_id":       "TEXT",
		"scope":           "TEXT",
		"owner_id":        "TEXT",
		"allowed_domains": "TEXT",
		"blocked_domains": "TEXT",
	}
	if err := v.validateColumns("policies", policyColumns); err != nil {
		return fmt.Errorf("policies table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that database constraints are enforced
// ARCHITECTURAL DISCOVERY: A heartbeat for an unknown device and a policy with an
// unknown scope must both be rejected by the database itself
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO heartbeats (id, device_id, school_id, timestamp)
		VALUES ('constraint-probe', 'nonexistent', 'school', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM heartbeats WHERE id = 'constraint-probe'")
		return fmt.Errorf("foreign key constraint not enforced: heartbeats.device_id")
	}

	_, err = v.db.Exec(`
		INSERT INTO policies (id, school_id, scope)
		VALUES ('constraint-probe', 'school', 'district')
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM policies WHERE id = 'constraint-probe'")
		return fmt.Errorf("check constraint not enforced: policy scope")
	}

	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	return v.objectExists("table", tableName)
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	return v.objectExists("index", indexName)
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
