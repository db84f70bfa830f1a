package answer

import (
	"strings"
)

// postProcess normalizes a generated answer: collapses whitespace, trims to
// the word budget preferring a sentence boundary in the trailing third of the
// truncated text, and guarantees terminal punctuation.
func postProcess(text string, maxWords int) string {
	words := strings.Fields(text)
	out := strings.Join(words, " ")

	if maxWords > 0 && len(words) > maxWords {
		out = strings.Join(words[:maxWords], " ")
		if !strings.HasSuffix(out, ".") {
			if idx := strings.LastIndex(out, "."); idx > int(float64(len(out))*0.7) {
				out = out[:idx+1]
			}
		}
	}

	if out != "" && !strings.HasSuffix(out, ".") && !strings.HasSuffix(out, "!") && !strings.HasSuffix(out, "?") {
		out += "."
	}
	return strings.TrimSpace(out)
}
