package clickhouse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]Row
	err     error
}

func (f *fakeInserter) Insert(_ context.Context, rows []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeInserter) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestRowFromReport(t *testing.T) {
	ts := time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)
	r := messages.UnavailableResult(messages.KindVisual, ts, 12)
	report := messages.NewResultReport("node-5", r)

	row := RowFromReport(report)
	assert.Equal(t, "node-5", row.NodeID)
	assert.Equal(t, "visual", row.Modality)
	assert.Equal(t, report.Envelope.MessageID, row.MessageID)
	assert.True(t, row.Unavailable)
	assert.Equal(t, uint64(12), row.Sequence)
	assert.Equal(t, ts, row.Timestamp)
}

func TestBatcher_FlushRetainsOnFailure(t *testing.T) {
	store := &fakeInserter{err: errors.New("connection refused")}
	b := NewBatcher(store, 10, time.Hour, zerolog.Nop())

	b.Add(Row{NodeID: "a"})
	b.Add(Row{NodeID: "b"})
	assert.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 2, b.Pending())

	store.err = nil
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 0, b.Pending())
	require.Len(t, store.batches, 1)
	assert.Equal(t, "a", store.batches[0][0].NodeID)
}

func TestBatcher_RunFlushesWhenFull(t *testing.T) {
	store := &fakeInserter{}
	b := NewBatcher(store, 3, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	for i := 0; i < 3; i++ {
		b.Add(Row{Sequence: uint64(i)})
	}
	require.Eventually(t, func() bool { return store.rows() == 3 }, time.Second, 5*time.Millisecond)

	b.Add(Row{Sequence: 9})
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 4, store.rows())
}
