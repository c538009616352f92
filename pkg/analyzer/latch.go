package analyzer

import (
	"sync/atomic"
	"time"
)

// EdgeLatch hands PIR edges from the interrupt path to the processing loop without locks. Signal
// may be called from exactly one producer and Drain from exactly one consumer.
type EdgeLatch struct {
	count atomic.Uint32
	first atomic.Int64
	last  atomic.Int64
}

// Signal records an edge at ts. It only touches atomics.
func (l *EdgeLatch) Signal(ts time.Time) {
	ns := ts.UnixNano()
	l.last.Store(ns)
	l.first.CompareAndSwap(0, ns)
	l.count.Add(1)
}

// Drain takes every edge recorded since the previous drain
func (l *EdgeLatch) Drain() (PIREdge, bool) {
	n := l.count.Swap(0)
	if n == 0 {
		return PIREdge{}, false
	}
	first := l.first.Swap(0)
	last := l.last.Load()
	if first == 0 {
		first = last
	}
	return PIREdge{
		First: time.Unix(0, first).UTC(),
		Last:  time.Unix(0, last).UTC(),
		Count: int(n),
	}, true
}

// Pending reports whether edges await draining
func (l *EdgeLatch) Pending() bool {
	return l.count.Load() > 0
}
