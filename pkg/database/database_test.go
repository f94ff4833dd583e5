package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", DSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// One connection keeps per-connection pragmas observable
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close test database: %v", err)
		}
	})
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config == nil {
		t.Fatal("DefaultConfig should not return nil")
	}

	if config.DatabasePath != "./data/schoolpilot.db" {
		t.Errorf("Expected DatabasePath './data/schoolpilot.db', got %s", config.DatabasePath)
	}
	if config.MaxConnections != 10 {
		t.Errorf("Expected MaxConnections 10, got %d", config.MaxConnections)
	}
	if config.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected ConnMaxLifetime 1 hour, got %v", config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime != time.Minute*10 {
		t.Errorf("Expected ConnMaxIdleTime 10 minutes, got %v", config.ConnMaxIdleTime)
	}
	if config.WriteTimeout != 10*time.Second {
		t.Errorf("Expected WriteTimeout 10s, got %v", config.WriteTimeout)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "empty database path", mutate: func(c *Config) { c.DatabasePath = "" }, wantErr: true},
		{name: "zero max connections", mutate: func(c *Config) { c.MaxConnections = 0 }, wantErr: true},
		{name: "zero lifetime", mutate: func(c *Config) { c.ConnMaxLifetime = 0 }, wantErr: true},
		{name: "zero idle time", mutate: func(c *Config) { c.ConnMaxIdleTime = 0 }, wantErr: true},
		{name: "zero write timeout", mutate: func(c *Config) { c.WriteTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMigrationManager_LoadMigrationsOrdered(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db)

	migrations, err := mgr.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("Expected at least 2 embedded migrations, got %d", len(migrations))
	}
	if migrations[0].Version != "001" || migrations[0].Description != "initial_schema" {
		t.Errorf("Unexpected first migration: %+v", migrations[0])
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Errorf("Migrations not ordered: %s before %s", migrations[i-1].Version, migrations[i].Version)
		}
	}
}

func TestMigrationManager_ApplyMigrations(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db)

	if err := mgr.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if err := mgr.ValidateSchema(); err != nil {
		t.Errorf("ValidateSchema failed after migrations: %v", err)
	}

	// Second run must be a no-op
	if err := mgr.ApplyMigrations(); err != nil {
		t.Errorf("Re-applying migrations should be idempotent: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to count applied migrations: %v", err)
	}
	migrations, _ := mgr.LoadMigrations()
	if count != len(migrations) {
		t.Errorf("Expected %d recorded migrations, got %d", len(migrations), count)
	}
}

func TestMigrationManager_FailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"001_good.sql": {Data: []byte("CREATE TABLE good (id TEXT PRIMARY KEY);")},
		"002_bad.sql":  {Data: []byte("CREATE TABLE half (id TEXT); THIS IS NOT SQL;")},
	}
	mgr := NewMigrationManagerFS(db, source)

	if err := mgr.ApplyMigrations(); err == nil {
		t.Fatal("Expected failure from broken migration")
	}

	var version string
	err := db.QueryRow("SELECT version FROM schema_migrations WHERE version = '002'").Scan(&version)
	if err != sql.ErrNoRows {
		t.Errorf("Broken migration must not be recorded, got %q err=%v", version, err)
	}
	var applied int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = '001'").Scan(&applied); err != nil || applied != 1 {
		t.Errorf("Good migration should be recorded, count=%d err=%v", applied, err)
	}
}

func TestSchema_HeartbeatsRejectUnknownDevice(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	_, err := db.Exec(`INSERT INTO heartbeats (id, device_id, school_id, timestamp) VALUES ('h1', 'ghost', 's1', ?)`, time.Now().UTC())
	if err == nil {
		t.Error("Heartbeat for unknown device should violate the foreign key")
	}

	if _, err := db.Exec(`INSERT INTO devices (id, school_id) VALUES ('d1', 's1')`); err != nil {
		t.Fatalf("Failed to insert device: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO heartbeats (id, device_id, school_id, timestamp) VALUES ('h1', 'd1', 's1', ?)`, time.Now().UTC()); err != nil {
		t.Errorf("Heartbeat for known device should insert: %v", err)
	}
}

func TestDatabase_SQLiteOptimizations(t *testing.T) {
	db := openTestDB(t)

	if err := ApplySQLiteOptimizations(db); err != nil {
		t.Errorf("Failed to apply SQLite optimizations: %v", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to check journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected WAL journal mode, got %s", journalMode)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to check foreign keys setting: %v", err)
	}
	if foreignKeys != 1 {
		t.Error("Foreign keys should be enabled")
	}
}
