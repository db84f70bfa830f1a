package translate

import (
	"context"
	"strings"
)

// Request carries one text to translate between languages.
type Request struct {
	Text           string
	SourceLanguage string // BCP-47 code or "auto"
	TargetLanguage string
}

// Result captures translator output.
type Result struct {
	OriginalText   string
	TranslatedText string
	SourceLanguage string
	TargetLanguage string
	Confidence     float64
	ProcessingTime float64 // seconds
	Provider       string
}

// Translator abstracts translation backends.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// Needed reports whether translating from source to target does any work.
// Auto-detected sources always translate; otherwise matching base language
// codes make the stage a no-op.
func Needed(source, target string) bool {
	if target == "" {
		return false
	}
	if source == "" || source == "auto" {
		return true
	}
	return !strings.EqualFold(baseLanguage(source), baseLanguage(target))
}

// baseLanguage strips a region subtag, mapping "en-US" to "en".
func baseLanguage(code string) string {
	if i := strings.IndexAny(code, "-_"); i > 0 {
		return code[:i]
	}
	return code
}
