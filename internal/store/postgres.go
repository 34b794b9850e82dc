// Package store provides storage backends for SessionPipe.
//
// This file implements a PostgreSQL-backed store for jobs, webhook events and the backup schedule.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SessionPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, provider, event_type, payload_json, received_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Provider, ev.EventType, string(ev.Payload), ev.ReceivedAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore InsertWebhookEvent failed", "error", err, "id", ev.ID)
		return false, fmt.Errorf("insert webhook event failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert webhook event rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, event_type, payload_json, received_at FROM webhook_events WHERE id = $1`, id,
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

func (s *PostgresStore) GetScheduleConfig(ctx context.Context) (*models.ScheduleConfig, error) {
	var cfg models.ScheduleConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, day_of_week, time_of_day, timezone, updated_at FROM schedule_config WHERE id = 1`,
	).Scan(&cfg.Enabled, &cfg.DayOfWeek, &cfg.Time, &cfg.Timezone, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule config failed: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) SaveScheduleConfig(ctx context.Context, cfg models.ScheduleConfig) error {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_config (id, enabled, day_of_week, time_of_day, timezone, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled, day_of_week = EXCLUDED.day_of_week,
		   time_of_day = EXCLUDED.time_of_day, timezone = EXCLUDED.timezone, updated_at = EXCLUDED.updated_at`,
		cfg.Enabled, cfg.DayOfWeek, cfg.Time, cfg.Timezone, cfg.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveScheduleConfig failed", "error", err)
		return fmt.Errorf("save schedule config failed: %w", err)
	}
	return nil
}
