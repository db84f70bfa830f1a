package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
)

// Registry owns the live session set. New sessions start from the defaults
// template; per-session updates never touch the template.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	defaults protocol.SessionConfig

	activeGauge metric.Int64ObservableGauge
}

// NewRegistry creates an empty registry seeded with defaults.
func NewRegistry(log *slog.Logger, defaults protocol.SessionConfig) *Registry {
	r := &Registry{
		log:      log.With("component", "session"),
		sessions: make(map[string]*Session),
		defaults: defaults,
	}
	r.initMetrics()
	return r
}

// GetOrCreate returns the session for id, creating it with the defaults
// template on first use. The second return reports whether it was created.
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		cfg:       r.defaults,
	}
	r.sessions[id] = s
	r.log.Info("session created", "session_id", id)
	return s, true
}

// Get returns the session for id, or nil when unknown.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// UpdateConfig applies the patch to the session and returns the new
// effective configuration.
func (r *Registry) UpdateConfig(id string, patch protocol.ConfigPatch) (protocol.SessionConfig, error) {
	s := r.Get(id)
	if s == nil {
		return protocol.SessionConfig{}, fmt.Errorf("unknown session %q", id)
	}
	cfg := s.ApplyPatch(patch)
	r.log.Info("session config updated", "session_id", id)
	return cfg, nil
}

// Remove drops the session. In-flight work observes the closed flag and
// stops emitting.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.close()
		r.log.Info("session removed", "session_id", id)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session ids in stable order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Defaults returns the template applied to new sessions.
func (r *Registry) Defaults() protocol.SessionConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetDefaults replaces the template for sessions created afterwards.
func (r *Registry) SetDefaults(cfg protocol.SessionConfig) {
	r.mu.Lock()
	r.defaults = cfg
	r.mu.Unlock()
	r.log.Info("session defaults updated")
}

func (r *Registry) initMetrics() {
	meter := otel.GetMeterProvider().Meter("kaiwa.session")
	gauge, err := meter.Int64ObservableGauge("kaiwa.sessions.active",
		metric.WithDescription("Number of live sessions"))
	if err != nil {
		r.log.Warn("register session gauge", "error", err)
		return
	}
	r.activeGauge = gauge
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(r.activeGauge, int64(r.Count()))
		return nil
	}, gauge)
	if err != nil {
		r.log.Warn("register session gauge callback", "error", err)
	}
}
