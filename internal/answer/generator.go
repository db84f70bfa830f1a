package answer

import (
	"context"
)

// Request carries one interview question to answer.
type Request struct {
	Question  string
	Context   string
	Style     string // professional, academic or casual
	MaxLength int    // answer budget in words
	Language  string
}

// Result captures generator output.
type Result struct {
	Question       string
	Answer         string
	Confidence     float64
	ProcessingTime float64 // seconds
	Provider       string
	Metadata       map[string]string
}

// Generator abstracts answer backends.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
