package session

import (
	"sync"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
)

// Session tracks one connected client and its effective configuration.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	cfg    protocol.SessionConfig
	closed bool
}

// Config returns a copy of the effective configuration.
func (s *Session) Config() protocol.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ApplyPatch merges the provided fields into the configuration and returns
// the new effective value. Absent fields keep their current values.
func (s *Session) ApplyPatch(patch protocol.ConfigPatch) protocol.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = patch.Apply(s.cfg)
	return s.cfg
}

// Closed reports whether the session has been removed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
