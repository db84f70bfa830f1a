package translate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
)

// Service resolves translation across the configured providers, falling back
// through the configured order until one succeeds.
type Service struct {
	log      *slog.Logger
	registry *capability.Registry
	timeout  time.Duration

	mu    sync.RWMutex
	impls map[string]Translator
}

// NewService creates the resolver. timeout bounds each individual provider call.
func NewService(log *slog.Logger, registry *capability.Registry, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		log:      log.With("component", "translate"),
		registry: registry,
		timeout:  timeout,
		impls:    make(map[string]Translator),
	}
}

// Register adds a provider under name and announces it to the registry.
func (s *Service) Register(name string, tr Translator) {
	s.mu.Lock()
	s.impls[name] = tr
	s.mu.Unlock()
	s.registry.Register(capability.Translation, name)
}

// Providers lists registered provider names.
func (s *Service) Providers() []string {
	return s.registry.Names(capability.Translation)
}

// Translate runs the request against the first healthy provider that answers.
func (s *Service) Translate(ctx context.Context, req Request, hint string) (Result, error) {
	candidates := s.registry.Candidates(capability.Translation, hint)
	if len(candidates) == 0 {
		return Result{}, capability.Unavailable("translation", errors.New("no provider registered"))
	}

	var lastErr error
	for _, name := range candidates {
		s.mu.RLock()
		impl := s.impls[name]
		s.mu.RUnlock()
		if impl == nil {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := impl.Translate(callCtx, req)
		cancel()

		if err == nil {
			res.Provider = name
			if res.SourceLanguage == "" {
				res.SourceLanguage = req.SourceLanguage
			}
			s.log.Debug("translation complete",
				"provider", name,
				"chars", len(res.TranslatedText),
				"seconds", res.ProcessingTime)
			return res, nil
		}

		lastErr = err
		switch {
		case errors.Is(err, capability.ErrProviderUnavailable):
			s.registry.SetHealthy(capability.Translation, name, false)
			s.log.Warn("translation provider unavailable", "provider", name, "error", err)
		case errors.Is(err, capability.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
			s.log.Warn("translation provider timed out", "provider", name, "error", err)
		default:
			s.log.Warn("translation provider failed", "provider", name, "error", err)
		}

		if ctx.Err() != nil {
			return Result{}, capability.Timeout(name, ctx.Err())
		}
	}
	return Result{}, fmt.Errorf("all translation providers failed: %w", lastErr)
}

// Close releases providers that hold network clients.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, impl := range s.impls {
		if closer, ok := impl.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
