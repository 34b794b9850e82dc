// Package store provides storage backends for SessionPipe.
//
// This file implements an SQLite-backed store for jobs, webhook events and the backup schedule.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/SessionPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// sqliteFilePath strips the file: scheme and query parameters from a DSN.
func sqliteFilePath(dsn string) string {
	path, _, _ := strings.Cut(dsn, "?")
	return strings.TrimPrefix(path, "file:")
}

// withBusyTimeout appends the busy timeout to the DSN's query parameters.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&_busy_timeout=5000"
	}
	return dsn + "?_busy_timeout=5000"
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(sqliteFilePath(dsn))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", withBusyTimeout(dsn))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers from the worker pool; SQLite would
	// otherwise answer concurrent writes with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// BackupTo writes a consistent copy of the live database to path.
func (s *SQLiteStore) BackupTo(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("sqlite backup failed: %w", err)
	}
	slog.Info("SQLiteStore.BackupTo: backup written", "path", path)
	return nil
}

func (s *SQLiteStore) InsertWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_events (id, provider, event_type, payload_json, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Provider, ev.EventType, string(ev.Payload), ev.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert webhook event rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, event_type, payload_json, received_at FROM webhook_events WHERE id = ?`, id,
	).Scan(&ev.ID, &ev.Provider, &ev.EventType, &payload, &ev.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event failed: %w", err)
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func (s *SQLiteStore) GetScheduleConfig(ctx context.Context) (*models.ScheduleConfig, error) {
	var cfg models.ScheduleConfig
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, day_of_week, time_of_day, timezone, updated_at FROM schedule_config WHERE id = 1`,
	).Scan(&enabled, &cfg.DayOfWeek, &cfg.Time, &cfg.Timezone, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule config failed: %w", err)
	}
	cfg.Enabled = enabled != 0
	return &cfg, nil
}

func (s *SQLiteStore) SaveScheduleConfig(ctx context.Context, cfg models.ScheduleConfig) error {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_config (id, enabled, day_of_week, time_of_day, timezone, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled, day_of_week = excluded.day_of_week,
		   time_of_day = excluded.time_of_day, timezone = excluded.timezone, updated_at = excluded.updated_at`,
		enabled, cfg.DayOfWeek, cfg.Time, cfg.Timezone, cfg.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save schedule config failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveScheduleConfig", "enabled", cfg.Enabled, "dayOfWeek", cfg.DayOfWeek, "time", cfg.Time)
	return nil
}
