// Package clickhouse stores modality result telemetry for offline tuning of the fusion weights
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ResultsTableSQL creates the modality_results table
const ResultsTableSQL = `
	CREATE TABLE IF NOT EXISTS modality_results (
		timestamp DateTime64(3),
		node_id String,
		message_id String,
		modality LowCardinality(String),
		confidence Float64,
		strength Float64,
		species_hint String,
		unavailable UInt8,
		sequence UInt64
	) ENGINE = ReplacingMergeTree()
	ORDER BY (node_id, modality, timestamp, message_id)
	PARTITION BY toYYYYMM(timestamp)
`

// Config holds ClickHouse connection settings
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Store writes and queries result telemetry
type Store struct {
	conn driver.Conn
}

// Open connects, pings and creates the table
func Open(ctx context.Context, cfg Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := conn.Exec(ctx, ResultsTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Insert writes rows in one batch
func (s *Store) Insert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO modality_results")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range rows {
		var unavailable uint8
		if r.Unavailable {
			unavailable = 1
		}
		if err := batch.Append(
			r.Timestamp, r.NodeID, r.MessageID, r.Modality,
			r.Confidence, r.Strength, r.SpeciesHint, unavailable, r.Sequence,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch of %d rows: %w", len(rows), err)
	}
	return nil
}

// ModalityStats aggregates one modality over a period
type ModalityStats struct {
	NodeID         string  `json:"node_id"`
	Modality       string  `json:"modality"`
	Count          uint64  `json:"count"`
	Unavailable    uint64  `json:"unavailable"`
	MeanConfidence float64 `json:"mean_confidence"`
	P90Confidence  float64 `json:"p90_confidence"`
}

// Stats returns per node and modality aggregates since the given time
func (s *Store) Stats(ctx context.Context, since time.Time) ([]ModalityStats, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT node_id, modality, count(), countIf(unavailable = 1),
		       avgIf(confidence, unavailable = 0), quantileIf(0.9)(confidence, unavailable = 0)
		FROM modality_results FINAL
		WHERE timestamp >= ?
		GROUP BY node_id, modality
		ORDER BY node_id, modality`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var out []ModalityStats
	for rows.Next() {
		var st ModalityStats
		if err := rows.Scan(&st.NodeID, &st.Modality, &st.Count, &st.Unavailable, &st.MeanConfidence, &st.P90Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
