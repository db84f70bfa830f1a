package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRecognizer struct {
	result Result
	err    error
	calls  int
}

func (s *stubRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	return s.result, nil
}

func TestMockRecognizerReturnsFixedText(t *testing.T) {
	mock := NewMockRecognizer()
	mock.Delay = 0

	res, err := mock.Transcribe(context.Background(), Request{Language: "auto"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "This is a mock transcription for testing purposes." {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Confidence != 0.95 {
		t.Fatalf("unexpected confidence %v", res.Confidence)
	}
	if res.Language != "en" {
		t.Fatalf("auto should resolve to en, got %q", res.Language)
	}
}

func TestServiceFallsBackToNextProvider(t *testing.T) {
	registry := capability.NewRegistry(newLogger())
	svc := NewService(newLogger(), registry, time.Second)

	broken := &stubRecognizer{err: errors.New("backend exploded")}
	working := &stubRecognizer{result: Result{Text: "hello", Confidence: 0.8}}
	svc.Register("primary", broken)
	svc.Register("secondary", working)

	res, err := svc.Transcribe(context.Background(), Request{Language: "en"}, "")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != "secondary" {
		t.Fatalf("expected fallback to secondary, got %q", res.Provider)
	}
	if broken.calls != 1 || working.calls != 1 {
		t.Fatalf("expected one call each, got %d and %d", broken.calls, working.calls)
	}
}

func TestServiceMarksUnavailableProviderUnhealthy(t *testing.T) {
	registry := capability.NewRegistry(newLogger())
	svc := NewService(newLogger(), registry, time.Second)

	dead := &stubRecognizer{err: capability.Unavailable("primary", errors.New("no credentials"))}
	alive := &stubRecognizer{result: Result{Text: "ok"}}
	svc.Register("primary", dead)
	svc.Register("mock", alive)

	if _, err := svc.Transcribe(context.Background(), Request{}, ""); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got := registry.Candidates(capability.SpeechToText, ""); len(got) != 1 || got[0] != "mock" {
		t.Fatalf("expected only mock healthy, got %v", got)
	}

	// The unhealthy provider must not be called again.
	if _, err := svc.Transcribe(context.Background(), Request{}, ""); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if dead.calls != 1 {
		t.Fatalf("unhealthy provider called %d times", dead.calls)
	}
}

func TestServiceHonorsProviderHint(t *testing.T) {
	registry := capability.NewRegistry(newLogger())
	svc := NewService(newLogger(), registry, time.Second)

	first := &stubRecognizer{result: Result{Text: "first"}}
	second := &stubRecognizer{result: Result{Text: "second"}}
	svc.Register("first", first)
	svc.Register("second", second)

	res, err := svc.Transcribe(context.Background(), Request{}, "second")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Provider != "second" || first.calls != 0 {
		t.Fatalf("hint ignored: provider=%q firstCalls=%d", res.Provider, first.calls)
	}
}

func TestServiceReportsTimeoutWhenBudgetExpires(t *testing.T) {
	registry := capability.NewRegistry(newLogger())
	svc := NewService(newLogger(), registry, time.Second)
	svc.Register("slow", &stubRecognizer{err: context.DeadlineExceeded})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := svc.Transcribe(ctx, Request{}, "")
	if !errors.Is(err, capability.ErrProviderTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestServiceErrorsWithoutProviders(t *testing.T) {
	registry := capability.NewRegistry(newLogger())
	svc := NewService(newLogger(), registry, time.Second)

	_, err := svc.Transcribe(context.Background(), Request{}, "")
	if !errors.Is(err, capability.ErrProviderUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestBaseLanguage(t *testing.T) {
	cases := map[string]string{
		"en-US": "en",
		"zh":    "zh",
		"pt_BR": "pt",
		"auto":  "auto",
	}
	for in, want := range cases {
		if got := baseLanguage(in); got != want {
			t.Errorf("baseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsWav(t *testing.T) {
	wavHeader := append([]byte("RIFF"), 0, 0, 0, 0)
	wavHeader = append(wavHeader, []byte("WAVE")...)
	if !isWav(wavHeader) {
		t.Fatal("RIFF/WAVE header not detected")
	}
	if isWav([]byte("\x00\x01\x02\x03")) {
		t.Fatal("raw pcm misdetected as wav")
	}
}
