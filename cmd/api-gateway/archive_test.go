package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agile-defense/fieldnode/pkg/clickhouse"
	"github.com/agile-defense/fieldnode/pkg/messages"
)

type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte
}

func (m fakeMsg) Subject() string { return m.subject }
func (m fakeMsg) Data() []byte    { return m.data }

type fakeArchive struct {
	seen     map[string]bool
	counter  int64
	fail     error
	inserted []*messages.DetectionEvent
}

func (f *fakeArchive) InsertEvent(_ context.Context, event *messages.DetectionEvent) (bool, error) {
	if f.fail != nil {
		return false, f.fail
	}
	if f.seen[event.EventID] {
		return false, nil
	}
	f.seen[event.EventID] = true
	f.inserted = append(f.inserted, event)
	return true, nil
}

func (f *fakeArchive) IncrementCounter(_ context.Context, _ string, n int64) (int64, error) {
	f.counter += n
	return f.counter, nil
}

type fakeRecorder struct {
	messages map[string]int
	errors   map[string]int
	stages   map[string]int
}

func (r *fakeRecorder) RecordMessage(outcome, kind string) { r.messages[kind+"/"+outcome]++ }
func (r *fakeRecorder) RecordLatency(stage string, _ time.Duration) { r.stages[stage]++ }
func (r *fakeRecorder) RecordError(errorType string) { r.errors[errorType]++ }

type nopInserter struct{}

func (nopInserter) Insert(context.Context, []clickhouse.Row) error { return nil }

var secret = []byte("archive-secret")

func newArchiver() (*archiver, *fakeArchive, *fakeRecorder) {
	db := &fakeArchive{seen: map[string]bool{}}
	rec := &fakeRecorder{messages: map[string]int{}, errors: map[string]int{}, stages: map[string]int{}}
	return &archiver{
		db:      db,
		batcher: clickhouse.NewBatcher(nopInserter{}, 100, time.Minute, zerolog.Nop()),
		secret:  secret,
		tracer:  noop.NewTracerProvider().Tracer("test"),
		record:  rec,
		logger:  zerolog.Nop(),
	}, db, rec
}

func signedEvent(t *testing.T, id string) []byte {
	t.Helper()
	event := &messages.DetectionEvent{
		Envelope:   messages.NewEnvelope("node-5", "fieldnode"),
		EventID:    id,
		Level:      messages.LevelHigh,
		Confidence: 0.82,
		Modalities: []messages.Kind{messages.KindPIR, messages.KindAudio},
		Timestamp:  time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC),
	}
	data, err := messages.MarshalWithSignature(event, secret)
	require.NoError(t, err)
	return data
}

func TestArchiver_HandleEventDeduplicates(t *testing.T) {
	a, db, rec := newArchiver()
	msg := fakeMsg{subject: "event.node-5.high", data: signedEvent(t, "evt-1")}

	require.NoError(t, a.handleEvent(context.Background(), msg))
	require.NoError(t, a.handleEvent(context.Background(), msg))

	require.Len(t, db.inserted, 1)
	assert.Equal(t, "node-5", db.inserted[0].Envelope.Source)
	assert.Equal(t, int64(1), db.counter)
	assert.Equal(t, 1, rec.messages["event/stored"])
	assert.Equal(t, 1, rec.messages["event/duplicate"])
	assert.Equal(t, 2, rec.stages["archive_event"])
}

func TestArchiver_HandleEventRejectsForgery(t *testing.T) {
	a, db, rec := newArchiver()
	a.secret = []byte("other-secret")

	err := a.handleEvent(context.Background(), fakeMsg{subject: "event.node-5.high", data: signedEvent(t, "evt-2")})
	require.Error(t, err)
	assert.Empty(t, db.inserted)

	err = a.handleEvent(context.Background(), fakeMsg{subject: "event.node-5.high", data: []byte("{")})
	assert.Error(t, err)
	assert.Equal(t, 2, rec.messages["event/rejected"])
}

func TestArchiver_HandleEventStoreFailure(t *testing.T) {
	a, db, rec := newArchiver()
	db.fail = errors.New("connection reset")

	err := a.handleEvent(context.Background(), fakeMsg{subject: "event.node-5.high", data: signedEvent(t, "evt-3")})
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 1, rec.errors["archive_insert"])
}

func TestArchiver_HandleResultBuffers(t *testing.T) {
	a, _, rec := newArchiver()
	report := messages.NewResultReport("node-5",
		messages.NewModalityResult(messages.KindAudio, 0.74, 0.6, time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC), 12))
	data, err := messages.MarshalWithSignature(report, secret)
	require.NoError(t, err)

	require.NoError(t, a.handleResult(context.Background(), fakeMsg{subject: report.Subject(), data: data}))
	assert.Equal(t, 1, a.batcher.Pending())
	assert.Equal(t, 1, rec.messages["result/buffered"])
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "postgres://fieldnode:xxxxx@db:5432/fieldnode", maskPassword("postgres://fieldnode:secret@db:5432/fieldnode"))
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t, []string{"localhost:3000", "*.example.org"},
		originPatterns([]string{"http://localhost:3000", "*.example.org"}))
}
