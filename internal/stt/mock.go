package stt

import (
	"context"
	"time"
)

const mockTranscript = "This is a mock transcription for testing purposes."

// MockRecognizer returns canned transcripts without touching any backend.
type MockRecognizer struct {
	Delay time.Duration
}

// NewMockRecognizer creates a mock with a small simulated latency.
func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{Delay: 10 * time.Millisecond}
}

func (m *MockRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	lang := req.Language
	if lang == "" || lang == "auto" {
		lang = "en"
	}
	return Result{
		Text:           mockTranscript,
		Confidence:     0.95,
		Language:       lang,
		ProcessingTime: time.Since(start).Seconds(),
	}, nil
}
