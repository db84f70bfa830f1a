package stt

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

// Service resolves transcription across the configured providers. Candidates
// are tried in configured order, preferring the session's requested provider,
// until one succeeds or the stage budget runs out.
type Service struct {
	log      *slog.Logger
	registry *capability.Registry
	timeout  time.Duration

	mu    sync.RWMutex
	impls map[string]Recognizer
}

// NewService creates the resolver. timeout bounds each individual provider call.
func NewService(log *slog.Logger, registry *capability.Registry, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		log:      log.With("component", "stt"),
		registry: registry,
		timeout:  timeout,
		impls:    make(map[string]Recognizer),
	}
}

// Register adds a provider under name and announces it to the registry.
func (s *Service) Register(name string, rec Recognizer) {
	s.mu.Lock()
	s.impls[name] = rec
	s.mu.Unlock()
	s.registry.Register(capability.SpeechToText, name)
}

// Providers lists registered provider names.
func (s *Service) Providers() []string {
	return s.registry.Names(capability.SpeechToText)
}

// Transcribe runs the request against the first healthy provider that
// answers. hint names the session's preferred provider; empty means the
// configured order decides.
func (s *Service) Transcribe(ctx context.Context, req Request, hint string) (Result, error) {
	candidates := s.registry.Candidates(capability.SpeechToText, hint)
	if len(candidates) == 0 {
		return Result{}, capability.Unavailable("speech_to_text", errors.New("no provider registered"))
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
		res, err := impl.Transcribe(callCtx, req)
		cancel()

		if err == nil {
			res.Provider = name
			if res.Language == "" {
				res.Language = req.Language
			}
			s.log.Debug("transcription complete",
				"provider", name,
				"chars", len(res.Text),
				"seconds", res.ProcessingTime)
			return res, nil
		}

		lastErr = err
		switch {
		case errors.Is(err, capability.ErrProviderUnavailable):
			s.registry.SetHealthy(capability.SpeechToText, name, false)
			s.log.Warn("stt provider unavailable", "provider", name, "error", err)
		case errors.Is(err, capability.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
			s.log.Warn("stt provider timed out", "provider", name, "error", err)
		default:
			s.log.Warn("stt provider failed", "provider", name, "error", err)
		}

		if ctx.Err() != nil {
			return Result{}, capability.Timeout(name, ctx.Err())
		}
	}
	return Result{}, fmt.Errorf("all speech-to-text providers failed: %w", lastErr)
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
