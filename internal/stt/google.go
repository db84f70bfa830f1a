package stt

import (
	"context"
	"fmt"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
)

// googleRecognizer performs synchronous recognition against Cloud Speech.
type googleRecognizer struct {
	client     *speech.Client
	sampleRate int
}

var googleLanguageCodes = map[string]string{
	"en": "en-US",
	"zh": "zh-CN",
	"ja": "ja-JP",
	"ko": "ko-KR",
	"es": "es-ES",
	"fr": "fr-FR",
	"de": "de-DE",
}

// NewGoogleRecognizer builds the google provider using application default
// credentials or an explicit credentials file.
func NewGoogleRecognizer(ctx context.Context, cfg config.GoogleSpeechConfig) (Recognizer, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &googleRecognizer{client: client, sampleRate: rate}, nil
}

func (g *googleRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	lang := googleLanguageCode(req.Language)
	rate := req.SampleRate
	if rate <= 0 {
		rate = g.sampleRate
	}

	recCfg := &speechpb.RecognitionConfig{
		LanguageCode:    lang,
		SampleRateHertz: int32(rate),
	}
	if !isWav(req.Audio) {
		// WAV carries its own header; raw payloads are 16-bit PCM.
		recCfg.Encoding = speechpb.RecognitionConfig_LINEAR16
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: recCfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.Audio},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, capability.Timeout("google", ctx.Err())
		}
		return Result{}, capability.Unavailable("google", err)
	}

	var text string
	var confidence float64
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if text != "" {
			text += " "
		}
		text += alts[0].GetTranscript()
		if c := float64(alts[0].GetConfidence()); c > confidence {
			confidence = c
		}
	}
	if confidence == 0 {
		confidence = 0.9
	}
	return Result{
		Text:           text,
		Confidence:     confidence,
		Language:       baseLanguage(lang),
		ProcessingTime: time.Since(start).Seconds(),
	}, nil
}

func (g *googleRecognizer) Close() error {
	return g.client.Close()
}

func googleLanguageCode(language string) string {
	if language == "" || language == "auto" {
		return "en-US"
	}
	if mapped, ok := googleLanguageCodes[baseLanguage(language)]; ok && len(language) <= 3 {
		return mapped
	}
	return language
}
