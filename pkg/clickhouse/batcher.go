package clickhouse

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// Row is one stored result
type Row struct {
	Timestamp   time.Time
	NodeID      string
	MessageID   string
	Modality    string
	Confidence  float64
	Strength    float64
	SpeciesHint string
	Unavailable bool
	Sequence    uint64
}

// RowFromReport flattens a result report
func RowFromReport(r *messages.ResultReport) Row {
	ts := r.Result.Timestamp
	if ts.IsZero() {
		ts = r.Envelope.Timestamp
	}
	return Row{
		Timestamp:   ts,
		NodeID:      r.Envelope.Source,
		MessageID:   r.Envelope.MessageID,
		Modality:    string(r.Result.Kind),
		Confidence:  r.Result.Confidence,
		Strength:    r.Result.Strength,
		SpeciesHint: r.Result.SpeciesHint,
		Unavailable: r.Result.Unavailable,
		Sequence:    r.Result.Sequence,
	}
}

// Inserter writes a batch of rows
type Inserter interface {
	Insert(ctx context.Context, rows []Row) error
}

// Batcher buffers rows and writes them when the buffer fills or the interval elapses.
// Add is safe for concurrent use.
type Batcher struct {
	store    Inserter
	size     int
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending []Row
	full    chan struct{}
}

// NewBatcher creates a batcher flushing every size rows or interval
func NewBatcher(store Inserter, size int, interval time.Duration, logger zerolog.Logger) *Batcher {
	if size <= 0 {
		size = 500
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Batcher{
		store:    store,
		size:     size,
		interval: interval,
		logger:   logger.With().Str("component", "result_batcher").Logger(),
		full:     make(chan struct{}, 1),
	}
}

// Add buffers a row
func (b *Batcher) Add(row Row) {
	b.mu.Lock()
	b.pending = append(b.pending, row)
	n := len(b.pending)
	b.mu.Unlock()

	if n >= b.size {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered rows
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush writes buffered rows. Rows are put back when the write fails.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	rows := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := b.store.Insert(ctx, rows); err != nil {
		b.mu.Lock()
		b.pending = append(rows, b.pending...)
		b.mu.Unlock()
		return err
	}
	b.logger.Debug().Int("rows", len(rows)).Msg("Flushed result telemetry")
	return nil
}

// Run flushes until ctx is cancelled, then makes a final attempt
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.Flush(final); err != nil {
				b.logger.Error().Err(err).Int("rows", b.Pending()).Msg("Final flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
		case <-b.full:
		}
		if err := b.Flush(ctx); err != nil {
			b.logger.Error().Err(err).Int("rows", b.Pending()).Msg("Failed to flush result telemetry")
		}
	}
}
