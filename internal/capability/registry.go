package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Kind identifies an abstract service capability whose providers are
// interchangeable.
type Kind string

const (
	SpeechToText     Kind = "speech_to_text"
	Translation      Kind = "translation"
	AnswerGeneration Kind = "answer_generation"
)

// Shared provider failure taxonomy. Implementations wrap these so
// callers can branch on the class of failure regardless of provider.
var (
	// ErrProviderUnavailable marks a provider with no working backend or
	// credentials. Resolution skips to the next candidate.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderTimeout marks a provider that exceeded its bounded wait.
	ErrProviderTimeout = errors.New("provider timeout")
)

// Unavailable wraps ErrProviderUnavailable with the provider's name.
func Unavailable(provider string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", provider, ErrProviderUnavailable)
	}
	return fmt.Errorf("%s: %w: %v", provider, ErrProviderUnavailable, err)
}

// Timeout wraps ErrProviderTimeout with the provider's name.
func Timeout(provider string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", provider, ErrProviderTimeout)
	}
	return fmt.Errorf("%s: %w: %v", provider, ErrProviderTimeout, err)
}

// Provider is one registered candidate for a capability.
type Provider struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	FlippedAt time.Time `json:"flipped_at,omitempty"`
}

// Registry holds the ordered candidate providers per capability.
// Registration happens at startup; afterwards only health flips mutate
// it, applied under the write lock so readers see consistent snapshots.
type Registry struct {
	log *slog.Logger

	mu   sync.RWMutex
	caps map[Kind][]*Provider

	meter        metric.Meter
	totalGauge   metric.Int64ObservableGauge
	healthyGauge metric.Int64ObservableGauge
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:   log.With(slog.String("component", "capability-registry")),
		caps:  make(map[Kind][]*Provider),
		meter: otel.Meter("github.com/kaiwalabs/kaiwa-core/capability"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register appends a provider to the capability's candidate order.
// Re-registering an existing name is a no-op.
func (r *Registry) Register(kind Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.caps[kind] {
		if p.Name == name {
			return
		}
	}
	r.caps[kind] = append(r.caps[kind], &Provider{Name: name, Healthy: true})
	r.log.Info("provider registered",
		slog.String("capability", string(kind)),
		slog.String("provider", name))
}

// SetHealthy flips a provider's health flag.
func (r *Registry) SetHealthy(kind Kind, name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.caps[kind] {
		if p.Name != name {
			continue
		}
		if p.Healthy != healthy {
			p.Healthy = healthy
			p.FlippedAt = time.Now().UTC()
			r.log.Info("provider health changed",
				slog.String("capability", string(kind)),
				slog.String("provider", name),
				slog.Bool("healthy", healthy))
		}
		return
	}
}

// Candidates returns the healthy provider names for a capability in
// registration order. A hint naming a healthy registered provider is
// moved to the front; an unhealthy or unknown hint falls through to the
// remaining order, which is what makes fallback transparent.
func (r *Registry) Candidates(kind Kind, hint string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := r.caps[kind]
	names := make([]string, 0, len(providers))
	if hint != "" {
		for _, p := range providers {
			if p.Name == hint && p.Healthy {
				names = append(names, p.Name)
				break
			}
		}
	}
	for _, p := range providers {
		if !p.Healthy || p.Name == hint {
			continue
		}
		names = append(names, p.Name)
	}
	return names
}

// Healthy reports whether at least one provider for the capability is
// healthy.
func (r *Registry) Healthy(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.caps[kind] {
		if p.Healthy {
			return true
		}
	}
	return false
}

// Registered reports whether the capability has any providers at all.
func (r *Registry) Registered(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps[kind]) > 0
}

// Names returns every provider registered for the capability in
// registration order, healthy or not.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps[kind]))
	for _, p := range r.caps[kind] {
		names = append(names, p.Name)
	}
	return names
}

// Snapshot copies the full registry state for health and debug views.
func (r *Registry) Snapshot() map[Kind][]Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Kind][]Provider, len(r.caps))
	for kind, providers := range r.caps {
		list := make([]Provider, 0, len(providers))
		for _, p := range providers {
			list = append(list, *p)
		}
		out[kind] = list
	}
	return out
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	total, err := r.meter.Int64ObservableGauge("kaiwa.providers.registered",
		metric.WithDescription("Registered providers across capabilities"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("kaiwa.providers.healthy",
		metric.WithDescription("Healthy providers across capabilities"))
	if err != nil {
		return err
	}
	r.totalGauge = total
	r.healthyGauge = healthy
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		t, h := r.snapshotCounts()
		obs.ObserveInt64(total, t)
		obs.ObserveInt64(healthy, h)
		return nil
	}, total, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	var healthy int64
	for _, providers := range r.caps {
		for _, p := range providers {
			total++
			if p.Healthy {
				healthy++
			}
		}
	}
	return total, healthy
}
