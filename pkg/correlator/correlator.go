package correlator

import (
	"time"

	"github.com/google/uuid"

	"github.com/agile-defense/fieldnode/pkg/messages"
)

// DefaultCapacity bounds the entries held by one window
const DefaultCapacity = 64

// Config controls window lifetime
type Config struct {
	Duration time.Duration // Inactivity after which the open window expires
	MaxSpan  time.Duration // Hard bound on how long one window may stay open
	Capacity int
}

// Admission describes what happened to an ingested result
type Admission struct {
	Window   *Window // The window now holding the result; nil if it was not kept
	Opened   bool    // The result opened Window
	Evicted  *Window // A previously open window that expired before the result arrived
	Retained bool
}

// Correlator holds at most one open window. It is not safe for concurrent use; the processing
// loop owns it.
type Correlator struct {
	cfg   Config
	open  *Window
	newID func() string
}

// New creates a correlator
func New(cfg Config) *Correlator {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxSpan < cfg.Duration {
		cfg.MaxSpan = cfg.Duration
	}
	return &Correlator{
		cfg:   cfg,
		newID: func() string { return uuid.New().String() },
	}
}

// Configure replaces the window timing. Call between processing cycles only.
func (c *Correlator) Configure(duration, maxSpan time.Duration) {
	c.cfg.Duration = duration
	c.cfg.MaxSpan = maxSpan
	if c.cfg.MaxSpan < duration {
		c.cfg.MaxSpan = duration
	}
}

// Open returns the open window, or nil
func (c *Correlator) Open() *Window {
	return c.open
}

// Ingest adds r at arrival time now. Results with positive evidence join the open window, or open
// a new one, and refresh its activity. Results without evidence are only kept if a window is
// already open and never extend it. An expired window is evicted first and returned in Admission.
func (c *Correlator) Ingest(r messages.ModalityResult, now time.Time) Admission {
	var adm Admission
	if expired := c.Expire(now); expired != nil {
		adm.Evicted = expired
	}

	if c.open == nil {
		if !r.Positive() {
			return adm
		}
		c.open = newWindow(c.newID(), now, c.cfg.Capacity)
		adm.Opened = true
	}

	c.open.insert(r, c.cfg.Duration)
	if r.Positive() {
		c.open.lastActive = now
	}
	adm.Window = c.open
	adm.Retained = true
	return adm
}

// Deadline returns when the open window will expire absent new evidence
func (c *Correlator) Deadline() (time.Time, bool) {
	if c.open == nil {
		return time.Time{}, false
	}
	idle := c.open.lastActive.Add(c.cfg.Duration)
	if span := c.open.OpenedAt.Add(c.cfg.MaxSpan); span.Before(idle) {
		return span, true
	}
	return idle, true
}

// Expire closes and returns the open window if it has aged past its deadline at now
func (c *Correlator) Expire(now time.Time) *Window {
	deadline, ok := c.Deadline()
	if !ok || !now.After(deadline) {
		return nil
	}
	return c.Close(now)
}

// Close ends the open window, typically after an event has been finalized from it
func (c *Correlator) Close(now time.Time) *Window {
	w := c.open
	if w == nil {
		return nil
	}
	w.ClosedAt = now
	c.open = nil
	return w
}
