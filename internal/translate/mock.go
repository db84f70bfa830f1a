package translate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockTranslator produces tagged pseudo-translations without any backend.
type MockTranslator struct {
	Delay time.Duration
}

// NewMockTranslator creates a mock with a small simulated latency.
func NewMockTranslator() *MockTranslator {
	return &MockTranslator{Delay: 10 * time.Millisecond}
}

func (m *MockTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	var translated string
	switch baseLanguage(req.TargetLanguage) {
	case "zh":
		translated = fmt.Sprintf("[中文翻译] %s", req.Text)
	case "en":
		translated = fmt.Sprintf("[English Translation] %s", req.Text)
	default:
		translated = fmt.Sprintf("[%s Translation] %s", strings.ToUpper(baseLanguage(req.TargetLanguage)), req.Text)
	}

	return Result{
		OriginalText:   req.Text,
		TranslatedText: translated,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		Confidence:     0.90,
		ProcessingTime: time.Since(start).Seconds(),
	}, nil
}
