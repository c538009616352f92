package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// EventRow is a detection event stored in the archive
type EventRow struct {
	EventID       string           `json:"event_id"`
	NodeID        string           `json:"node_id"`
	WindowID      string           `json:"window_id"`
	Confidence    float64          `json:"confidence"`
	Level         messages.Level   `json:"level"`
	Modalities    []string         `json:"modalities"`
	Rule          string           `json:"rule"`
	Conflict      float64          `json:"conflict"`
	SpeciesHint   string           `json:"species_hint,omitempty"`
	Region        *messages.Region `json:"region,omitempty"`
	Degraded      bool             `json:"degraded"`
	FinalizedBy   string           `json:"finalized_by"`
	PowerTier     string           `json:"power_tier"`
	ConfigVersion uint64           `json:"config_version"`
	ResultCount   int              `json:"result_count"`
	WindowStart   time.Time        `json:"window_start"`
	WindowEnd     time.Time        `json:"window_end"`
	OccurredAt    time.Time        `json:"occurred_at"`
	ReceivedAt    time.Time        `json:"received_at"`
}

// EventFilter narrows ListEvents
type EventFilter struct {
	NodeID   string
	MinLevel messages.Level
	Species  string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

const eventColumns = `
	event_id, node_id, window_id, confidence, level, modalities, rule, conflict,
	species_hint, region, degraded, finalized_by, power_tier, config_version,
	result_count, window_start, window_end, occurred_at, received_at`

// InsertEvent archives an event. Redelivered events are ignored; inserted reports whether the
// row was new.
func (p *Pool) InsertEvent(ctx context.Context, event *messages.DetectionEvent) (inserted bool, err error) {
	var region []byte
	if !event.Region.Empty() {
		if region, err = json.Marshal(event.Region); err != nil {
			return false, fmt.Errorf("failed to encode region: %w", err)
		}
	}

	modalities := make([]string, len(event.Modalities))
	for i, k := range event.Modalities {
		modalities[i] = string(k)
	}

	tag, err := p.Exec(ctx, `
		INSERT INTO detection_events (
			event_id, node_id, window_id, confidence, level, modalities, rule, conflict,
			species_hint, region, degraded, finalized_by, power_tier, config_version,
			result_count, window_start, window_end, occurred_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18
		)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.Envelope.Source, event.WindowID, event.Confidence, int16(event.Level),
		modalities, event.Rule, event.Conflict,
		event.SpeciesHint, region, event.Degraded, event.FinalizedBy, string(event.PowerTier),
		int64(event.Envelope.ConfigVersion),
		event.ResultCount, event.WindowStart, event.WindowEnd, event.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListEvents returns events newest first
func (p *Pool) ListEvents(ctx context.Context, filter EventFilter) ([]EventRow, error) {
	query, args := buildEventQuery(filter)

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []EventRow{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// GetEvent retrieves a single event, or nil when it does not exist
func (p *Pool) GetEvent(ctx context.Context, eventID string) (*EventRow, error) {
	row := p.QueryRow(ctx, `SELECT `+eventColumns+` FROM detection_events WHERE event_id = $1`, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// LevelCount is one bucket of the summary
type LevelCount struct {
	Level messages.Level `json:"level"`
	Count int64          `json:"count"`
}

// Summary aggregates archived events
type Summary struct {
	Total      int64            `json:"total"`
	Degraded   int64            `json:"degraded"`
	ByLevel    []LevelCount     `json:"by_level"`
	ByNode     map[string]int64 `json:"by_node"`
	BySpecies  map[string]int64 `json:"by_species"`
	LastSeenAt *time.Time       `json:"last_seen_at,omitempty"`
}

// Summarize aggregates events that occurred at or after since
func (p *Pool) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	s := &Summary{ByNode: map[string]int64{}, BySpecies: map[string]int64{}}

	err := p.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE degraded), max(occurred_at)
		FROM detection_events WHERE occurred_at >= $1`, since,
	).Scan(&s.Total, &s.Degraded, &s.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize events: %w", err)
	}

	rows, err := p.Query(ctx, `
		SELECT level, count(*) FROM detection_events
		WHERE occurred_at >= $1 GROUP BY level ORDER BY level DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count levels: %w", err)
	}
	for rows.Next() {
		var lc LevelCount
		var level int16
		if err := rows.Scan(&level, &lc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan level count: %w", err)
		}
		lc.Level = messages.Level(level)
		s.ByLevel = append(s.ByLevel, lc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := p.countInto(ctx, `
		SELECT node_id, count(*) FROM detection_events
		WHERE occurred_at >= $1 GROUP BY node_id`, since, s.ByNode); err != nil {
		return nil, err
	}
	if err := p.countInto(ctx, `
		SELECT species_hint, count(*) FROM detection_events
		WHERE occurred_at >= $1 AND species_hint <> '' GROUP BY species_hint`, since, s.BySpecies); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Pool) countInto(ctx context.Context, query string, since time.Time, into map[string]int64) error {
	rows, err := p.Query(ctx, query, since)
	if err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

func buildEventQuery(filter EventFilter) (string, []interface{}) {
	query := `SELECT ` + eventColumns + ` FROM detection_events WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.NodeID != "" {
		query += fmt.Sprintf(" AND node_id = $%d", argNum)
		args = append(args, filter.NodeID)
		argNum++
	}

	if filter.MinLevel > messages.LevelNone {
		query += fmt.Sprintf(" AND level >= $%d", argNum)
		args = append(args, int16(filter.MinLevel))
		argNum++
	}

	if filter.Species != "" {
		query += fmt.Sprintf(" AND species_hint = $%d", argNum)
		args = append(args, filter.Species)
		argNum++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argNum)
		args = append(args, *filter.Since)
		argNum++
	}

	if filter.Until != nil {
		query += fmt.Sprintf(" AND occurred_at < $%d", argNum)
		args = append(args, *filter.Until)
		argNum++
	}

	query += " ORDER BY occurred_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, limit)
	argNum++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	return query, args
}

func scanEvent(row pgx.Row) (*EventRow, error) {
	var e EventRow
	var level int16
	var version int64
	var region []byte

	err := row.Scan(
		&e.EventID, &e.NodeID, &e.WindowID, &e.Confidence, &level, &e.Modalities, &e.Rule, &e.Conflict,
		&e.SpeciesHint, &region, &e.Degraded, &e.FinalizedBy, &e.PowerTier, &version,
		&e.ResultCount, &e.WindowStart, &e.WindowEnd, &e.OccurredAt, &e.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	e.Level = messages.Level(level)
	e.ConfigVersion = uint64(version)
	if len(region) > 0 {
		var r messages.Region
		if err := json.Unmarshal(region, &r); err == nil {
			e.Region = &r
		}
	}
	return &e, nil
}
