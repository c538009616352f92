package correlator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

var t0 = time.Date(2026, 6, 1, 21, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func res(kind messages.Kind, confidence float64, ms int) messages.ModalityResult {
	return messages.NewModalityResult(kind, confidence, confidence, at(ms), uint64(ms))
}

func newTestCorrelator() *Correlator {
	c := New(Config{Duration: time.Second, MaxSpan: 5 * time.Second})
	n := 0
	c.newID = func() string {
		n++
		return fmt.Sprintf("w%d", n)
	}
	return c
}

func TestIngest_OpensAndAppends(t *testing.T) {
	c := newTestCorrelator()

	adm := c.Ingest(res(messages.KindPIR, 0.8, 0), at(0))
	require.NotNil(t, adm.Window)
	assert.True(t, adm.Opened)
	assert.Equal(t, "w1", adm.Window.ID)

	adm = c.Ingest(res(messages.KindVisual, 0.6, 900), at(900))
	assert.False(t, adm.Opened)
	assert.Nil(t, adm.Evicted)
	assert.Equal(t, "w1", adm.Window.ID)
	assert.Equal(t, 2, adm.Window.Len())
	assert.Equal(t, []messages.Kind{messages.KindPIR, messages.KindVisual}, adm.Window.Kinds())
}

func TestIngest_ZeroConfidenceDoesNotOpen(t *testing.T) {
	c := newTestCorrelator()

	adm := c.Ingest(res(messages.KindAudio, 0, 0), at(0))
	assert.Nil(t, adm.Window)
	assert.False(t, adm.Retained)
	assert.Nil(t, c.Open())

	adm = c.Ingest(messages.UnavailableResult(messages.KindVisual, at(10), 1), at(10))
	assert.Nil(t, adm.Window)
}

func TestIngest_ZeroConfidenceDoesNotExtend(t *testing.T) {
	c := newTestCorrelator()
	c.Ingest(res(messages.KindPIR, 0.8, 0), at(0))

	adm := c.Ingest(res(messages.KindAudio, 0, 800), at(800))
	require.NotNil(t, adm.Window)
	assert.Equal(t, 2, adm.Window.Len())
	assert.Equal(t, at(0), adm.Window.LastActive())

	deadline, ok := c.Deadline()
	require.True(t, ok)
	assert.Equal(t, at(1000), deadline)
}

func TestExpire_AfterInactivity(t *testing.T) {
	c := newTestCorrelator()
	c.Ingest(res(messages.KindPIR, 0.8, 0), at(0))

	assert.Nil(t, c.Expire(at(1000)))
	w := c.Expire(at(1001))
	require.NotNil(t, w)
	assert.Equal(t, "w1", w.ID)
	assert.Equal(t, at(1001), w.ClosedAt)
	assert.Nil(t, c.Open())
	assert.Nil(t, c.Expire(at(5000)))
}

func TestIngest_EvictsExpiredWindowBeforeOpening(t *testing.T) {
	c := newTestCorrelator()
	c.Ingest(res(messages.KindPIR, 0.8, 0), at(0))

	adm := c.Ingest(res(messages.KindAudio, 0.9, 2500), at(2500))
	require.NotNil(t, adm.Evicted)
	assert.Equal(t, "w1", adm.Evicted.ID)
	assert.True(t, adm.Opened)
	assert.Equal(t, "w2", adm.Window.ID)
	assert.Equal(t, 1, adm.Window.Len())
}

func TestExpire_MaxSpanBoundsContinuousActivity(t *testing.T) {
	c := newTestCorrelator()

	var closed *Window
	for ms := 0; ms <= 6000 && closed == nil; ms += 500 {
		adm := c.Ingest(res(messages.KindAudio, 0.9, ms), at(ms))
		closed = adm.Evicted
	}
	require.NotNil(t, closed)
	assert.Equal(t, "w1", closed.ID)
	assert.LessOrEqual(t, closed.ClosedAt.Sub(closed.OpenedAt), 5500*time.Millisecond)
}

func TestWindow_OrderedAndPruned(t *testing.T) {
	c := newTestCorrelator()
	c.Ingest(res(messages.KindPIR, 0.8, 0), at(0))
	c.Ingest(res(messages.KindAudio, 0.7, 600), at(600))
	// Visual arrives late but was captured earlier.
	c.Ingest(res(messages.KindVisual, 0.5, 300), at(900))

	w := c.Open()
	results := w.Results()
	require.Len(t, results, 3)
	assert.Equal(t, messages.KindPIR, results[0].Kind)
	assert.Equal(t, messages.KindVisual, results[1].Kind)
	assert.Equal(t, messages.KindAudio, results[2].Kind)

	c.Ingest(res(messages.KindAudio, 0.7, 1500), at(1500))
	results = w.Results()
	assert.Equal(t, at(600), w.Start())
	assert.Equal(t, at(1500), w.End())
	assert.Len(t, results, 2)
}

func TestWindow_Capacity(t *testing.T) {
	c := New(Config{Duration: time.Minute, Capacity: 3})
	for i := 0; i < 5; i++ {
		c.Ingest(res(messages.KindAudio, 0.5, i*10), at(i*10))
	}

	w := c.Open()
	require.Equal(t, 3, w.Len())
	assert.Equal(t, at(20), w.Start())
}

func TestWindow_EmittedOnce(t *testing.T) {
	c := newTestCorrelator()
	adm := c.Ingest(res(messages.KindPIR, 0.8, 0), at(0))

	assert.True(t, adm.Window.MarkEmitted())
	assert.False(t, adm.Window.MarkEmitted())
	assert.True(t, adm.Window.Emitted())
}

func TestWindow_Latest(t *testing.T) {
	c := newTestCorrelator()
	c.Ingest(res(messages.KindPIR, 0.6, 0), at(0))
	c.Ingest(res(messages.KindPIR, 0.9, 100), at(100))

	r, ok := c.Open().Latest(messages.KindPIR)
	require.True(t, ok)
	assert.Equal(t, 0.9, r.Confidence)

	_, ok = c.Open().Latest(messages.KindVisual)
	assert.False(t, ok)
}

func TestConfigure(t *testing.T) {
	c := newTestCorrelator()
	c.Configure(3*time.Second, time.Second)
	c.Ingest(res(messages.KindPIR, 0.8, 0), at(0))

	deadline, ok := c.Deadline()
	require.True(t, ok)
	assert.Equal(t, at(3000), deadline)
}
