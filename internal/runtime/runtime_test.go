package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildProvidersMockOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.AllowMock = true
	cfg.Providers.STT.Order = []string{"mock"}
	cfg.Providers.Translation.Order = []string{"mock"}
	cfg.Providers.Answer.Order = []string{"mock"}

	r := New(cfg, testLogger(), "test")
	registry := capability.NewRegistry(testLogger())

	sttSvc, trSvc, ansSvc, err := r.buildProviders(context.Background(), registry)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	defer sttSvc.Close()
	defer trSvc.Close()
	defer ansSvc.Close()

	for _, kind := range []capability.Kind{capability.SpeechToText, capability.Translation, capability.AnswerGeneration} {
		if !registry.Registered(kind) {
			t.Errorf("expected %s provider registered", kind)
		}
		names := registry.Names(kind)
		if len(names) != 1 || names[0] != "mock" {
			t.Errorf("%s providers = %v, want [mock]", kind, names)
		}
	}
}

func TestBuildProvidersSkipsUnconfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.STT.Order = []string{"local", "openai", "mock"}
	cfg.Providers.Translation.Order = []string{"deepl", "mock"}
	cfg.Providers.Answer.Order = []string{"openai", "anthropic", "mock"}

	r := New(cfg, testLogger(), "test")
	registry := capability.NewRegistry(testLogger())

	sttSvc, trSvc, ansSvc, err := r.buildProviders(context.Background(), registry)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	defer sttSvc.Close()
	defer trSvc.Close()
	defer ansSvc.Close()

	for kind, names := range map[capability.Kind][]string{
		capability.SpeechToText:     registry.Names(capability.SpeechToText),
		capability.Translation:      registry.Names(capability.Translation),
		capability.AnswerGeneration: registry.Names(capability.AnswerGeneration),
	} {
		if len(names) != 1 || names[0] != "mock" {
			t.Errorf("%s providers = %v, want only mock", kind, names)
		}
	}
}

func TestBuildProvidersFailsWithNothingConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.STT.Order = []string{"local", "openai"}
	cfg.Providers.Translation.Order = []string{"deepl"}
	cfg.Providers.Answer.Order = []string{"openai", "anthropic"}

	r := New(cfg, testLogger(), "test")
	registry := capability.NewRegistry(testLogger())

	if _, _, _, err := r.buildProviders(context.Background(), registry); err == nil {
		t.Fatal("expected error when no provider can be configured")
	}
}

func TestBuildAudioSource(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.Source = "wav"
	cfg.Audio.WavPath = "sample.wav"

	r := New(cfg, testLogger(), "test")
	if src := r.buildAudioSource(); src.Name() != "wav" {
		t.Errorf("source name = %q, want wav", src.Name())
	}

	cfg.Audio.Source = "none"
	r = New(cfg, testLogger(), "test")
	if src := r.buildAudioSource(); src.Name() != "none" {
		t.Errorf("source name = %q, want none", src.Name())
	}
}
