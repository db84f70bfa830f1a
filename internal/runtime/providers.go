package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/answer"
	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/stt"
	"github.com/kaiwalabs/kaiwa-core/internal/translate"
)

// buildProviders constructs the three capability services and registers
// every provider named in the configured orders. Providers whose
// configuration is incomplete (missing API key, no command, no
// credentials) are skipped with a log line rather than failing startup,
// so a partially configured daemon still runs with whatever remains.
func (r *Runtime) buildProviders(ctx context.Context, registry *capability.Registry) (*stt.Service, *translate.Service, *answer.Service, error) {
	timeout := time.Duration(r.cfg.Pipeline.StageTimeoutMS) * time.Millisecond

	sttSvc := stt.NewService(r.logger, registry, timeout)
	for _, name := range r.cfg.Providers.STT.Order {
		var (
			rec stt.Recognizer
			err error
		)
		switch name {
		case "local":
			rec, err = stt.NewExecRecognizer(r.cfg.Providers.STT.Local)
		case "openai":
			rec, err = stt.NewOpenAIRecognizer(r.cfg.Providers.STT.OpenAI)
		case "google":
			rec, err = stt.NewGoogleRecognizer(ctx, r.cfg.Providers.STT.Google)
		case "mock":
			rec = stt.NewMockRecognizer()
		default:
			r.logger.Warn("unrecognized stt provider", slog.String("provider", name))
			continue
		}
		if err != nil {
			r.logger.Info("skipping stt provider",
				slog.String("provider", name),
				slog.String("reason", err.Error()))
			continue
		}
		sttSvc.Register(name, rec)
	}

	trSvc := translate.NewService(r.logger, registry, timeout)
	for _, name := range r.cfg.Providers.Translation.Order {
		var (
			tr  translate.Translator
			err error
		)
		switch name {
		case "google_free":
			tr, err = translate.NewGoogleFreeTranslator(r.cfg.Providers.Translation.GoogleFree)
		case "deepl":
			tr, err = translate.NewDeepLTranslator(r.cfg.Providers.Translation.DeepL)
		case "mock":
			tr = translate.NewMockTranslator()
		default:
			r.logger.Warn("unrecognized translation provider", slog.String("provider", name))
			continue
		}
		if err != nil {
			r.logger.Info("skipping translation provider",
				slog.String("provider", name),
				slog.String("reason", err.Error()))
			continue
		}
		trSvc.Register(name, tr)
	}

	ansSvc := answer.NewService(r.logger, registry, timeout)
	for _, name := range r.cfg.Providers.Answer.Order {
		var (
			gen answer.Generator
			err error
		)
		switch name {
		case "openai":
			gen, err = answer.NewOpenAIGenerator(r.cfg.Providers.Answer.OpenAI)
		case "anthropic":
			gen, err = answer.NewAnthropicGenerator(r.cfg.Providers.Answer.Anthropic)
		case "ollama":
			gen, err = answer.NewOllamaGenerator(r.cfg.Providers.Answer.Ollama)
		case "mock":
			gen = answer.NewMockGenerator()
		default:
			r.logger.Warn("unrecognized answer provider", slog.String("provider", name))
			continue
		}
		if err != nil {
			r.logger.Info("skipping answer provider",
				slog.String("provider", name),
				slog.String("reason", err.Error()))
			continue
		}
		ansSvc.Register(name, gen)
	}

	if !registry.Registered(capability.SpeechToText) {
		return nil, nil, nil, fmt.Errorf("no speech-to-text provider could be configured (set providers.allow_mock for development)")
	}
	if !registry.Registered(capability.Translation) {
		return nil, nil, nil, fmt.Errorf("no translation provider could be configured (set providers.allow_mock for development)")
	}
	if !registry.Registered(capability.AnswerGeneration) {
		return nil, nil, nil, fmt.Errorf("no answer provider could be configured (set providers.allow_mock for development)")
	}

	return sttSvc, trSvc, ansSvc, nil
}
