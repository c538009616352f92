// Package correlator groups results that belong to the same physical event into a single open
// correlation window
package correlator

import (
	"sort"
	"time"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// Window is a bounded, time-ordered run of results from one burst of activity
type Window struct {
	ID         string
	OpenedAt   time.Time
	ClosedAt   time.Time
	lastActive time.Time
	entries    []messages.ModalityResult
	emitted    bool
	capacity   int
}

func newWindow(id string, now time.Time, capacity int) *Window {
	return &Window{
		ID:         id,
		OpenedAt:   now,
		lastActive: now,
		capacity:   capacity,
	}
}

// Results returns the entries oldest first
func (w *Window) Results() []messages.ModalityResult {
	out := make([]messages.ModalityResult, len(w.entries))
	copy(out, w.entries)
	return out
}

// Len returns the number of entries held
func (w *Window) Len() int {
	return len(w.entries)
}

// LastActive is the arrival time of the most recent evidence-bearing result
func (w *Window) LastActive() time.Time {
	return w.lastActive
}

// Start returns the timestamp of the oldest entry, or the open time when empty
func (w *Window) Start() time.Time {
	if len(w.entries) == 0 {
		return w.OpenedAt
	}
	return w.entries[0].Timestamp
}

// End returns the timestamp of the newest entry, or the open time when empty
func (w *Window) End() time.Time {
	if len(w.entries) == 0 {
		return w.OpenedAt
	}
	return w.entries[len(w.entries)-1].Timestamp
}

// Kinds returns the distinct modalities with positive evidence, in canonical order
func (w *Window) Kinds() []messages.Kind {
	seen := make(map[messages.Kind]bool, len(messages.AllKinds))
	for _, r := range w.entries {
		if r.Positive() {
			seen[r.Kind] = true
		}
	}
	var out []messages.Kind
	for _, k := range messages.AllKinds {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// Latest returns the most recent entry of kind k
func (w *Window) Latest(k messages.Kind) (messages.ModalityResult, bool) {
	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.entries[i].Kind == k {
			return w.entries[i], true
		}
	}
	return messages.ModalityResult{}, false
}

// Emitted reports whether an event has already been finalized from this window
func (w *Window) Emitted() bool {
	return w.emitted
}

// MarkEmitted latches the window as emitted. It returns false if it already was, so callers
// emit at most one event per window.
func (w *Window) MarkEmitted() bool {
	if w.emitted {
		return false
	}
	w.emitted = true
	return true
}

// insert keeps entries ordered by timestamp, drops entries older than horizon before the newest,
// and holds at most capacity entries by discarding the oldest.
func (w *Window) insert(r messages.ModalityResult, horizon time.Duration) {
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].Timestamp.After(r.Timestamp)
	})
	w.entries = append(w.entries, messages.ModalityResult{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = r

	cutoff := w.End().Add(-horizon)
	drop := 0
	for drop < len(w.entries) && w.entries[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(w.entries) - drop - w.capacity; w.capacity > 0 && over > 0 {
		drop += over
	}
	if drop > 0 {
		w.entries = append(w.entries[:0], w.entries[drop:]...)
	}
}
