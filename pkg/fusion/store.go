package fusion

import (
	"fmt"
	"sync"
)

// Store owns the live Config. Accepted candidates are staged and only become current when the
// processing loop calls Apply between cycles, so a cycle always sees one consistent config.
type Store struct {
	mu      sync.RWMutex
	current Config
	pending *Config
	version uint64
}

// NewStore validates the initial config
func NewStore(initial Config) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Store{current: initial.Clone(), version: 1}, nil
}

// Current returns a copy of the active config and its version
func (s *Store) Current() (Config, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone(), s.version
}

// Propose validates a complete candidate. On success the candidate is staged, replacing any
// earlier staged candidate, and the version it will carry once applied is returned. On failure
// nothing changes.
func (s *Store) Propose(candidate Config) (uint64, error) {
	if err := candidate.Validate(); err != nil {
		return 0, err
	}

	staged := candidate.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &staged
	return s.version + 1, nil
}

// Pending reports whether a staged candidate awaits the next cycle boundary
func (s *Store) Pending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending != nil
}

// Apply promotes the staged candidate, if any. It returns the config the coming cycle must use
// and whether it changed.
func (s *Store) Apply() (Config, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return s.current.Clone(), s.version, false
	}
	s.current = *s.pending
	s.pending = nil
	s.version++
	return s.current.Clone(), s.version, true
}

// String summarizes the active config for logs
func (s *Store) String() string {
	cfg, version := s.Current()
	return fmt.Sprintf("v%d rule=%s window=%v", version, cfg.Rule, cfg.ConfirmationWindow)
}
