package stt

import (
	"context"
	"strings"
)

// Request carries one self-contained audio payload to transcribe.
type Request struct {
	Audio      []byte
	Language   string // BCP-47 code or "auto"
	SampleRate int
}

// Result captures recognizer output.
type Result struct {
	Text           string
	Confidence     float64
	Language       string
	ProcessingTime float64 // seconds
	Provider       string
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// baseLanguage strips a region subtag, mapping "en-US" to "en".
func baseLanguage(code string) string {
	if i := strings.IndexAny(code, "-_"); i > 0 {
		return code[:i]
	}
	return code
}
