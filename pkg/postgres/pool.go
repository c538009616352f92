// Package postgres provides PostgreSQL connection pooling and the detection event archive
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool wraps pgxpool.Pool with domain-specific query methods
type Pool struct {
	*pgxpool.Pool
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Pool settings
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	HealthCheck time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        5432,
		Database:    "fieldnode",
		User:        "fieldnode",
		Password:    "fieldnode",
		SSLMode:     "disable",
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		HealthCheck: time.Minute,
	}
}

// ConnectionString builds a PostgreSQL connection string
func (c Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// NewPool creates a new PostgreSQL connection pool
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLife
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdle
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	return connect(ctx, poolCfg)
}

// NewPoolFromURL creates a pool from a connection URL
func NewPoolFromURL(ctx context.Context, url string) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}
	return connect(ctx, poolCfg)
}

func connect(ctx context.Context, poolCfg *pgxpool.Config) (*Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// EnsureSchema creates the archive tables if they do not exist
func (p *Pool) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

// IncrementCounter atomically increments a named counter and returns the new value
func (p *Pool) IncrementCounter(ctx context.Context, counterName string, increment int64) (int64, error) {
	var newValue int64
	err := p.QueryRow(ctx, `SELECT increment_counter($1, $2)`, counterName, increment).Scan(&newValue)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", counterName, err)
	}
	return newValue, nil
}

// GetCounter returns the current value of a named counter
func (p *Pool) GetCounter(ctx context.Context, counterName string) (int64, error) {
	var value int64
	err := p.QueryRow(ctx, `SELECT counter_value FROM system_counters WHERE counter_name = $1`, counterName).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("get counter %s: %w", counterName, err)
	}
	return value, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS detection_events (
		event_id        TEXT PRIMARY KEY,
		node_id         TEXT NOT NULL,
		window_id       TEXT NOT NULL,
		confidence      DOUBLE PRECISION NOT NULL,
		level           SMALLINT NOT NULL,
		modalities      TEXT[] NOT NULL,
		rule            TEXT NOT NULL,
		conflict        DOUBLE PRECISION NOT NULL DEFAULT 0,
		species_hint    TEXT NOT NULL DEFAULT '',
		region          JSONB,
		degraded        BOOLEAN NOT NULL DEFAULT FALSE,
		finalized_by    TEXT NOT NULL,
		power_tier      TEXT NOT NULL,
		config_version  BIGINT NOT NULL,
		result_count    INTEGER NOT NULL,
		window_start    TIMESTAMPTZ NOT NULL,
		window_end      TIMESTAMPTZ NOT NULL,
		occurred_at     TIMESTAMPTZ NOT NULL,
		received_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS detection_events_occurred_idx ON detection_events (occurred_at DESC)`,
	`CREATE INDEX IF NOT EXISTS detection_events_node_idx ON detection_events (node_id, occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS system_counters (
		counter_name  TEXT PRIMARY KEY,
		counter_value BIGINT NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE OR REPLACE FUNCTION increment_counter(name TEXT, delta BIGINT) RETURNS BIGINT AS $$
		INSERT INTO system_counters (counter_name, counter_value) VALUES (name, delta)
		ON CONFLICT (counter_name) DO UPDATE
			SET counter_value = system_counters.counter_value + EXCLUDED.counter_value,
			    updated_at = now()
		RETURNING counter_value
	$$ LANGUAGE SQL`,
}
