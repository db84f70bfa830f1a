package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
)

const defaultGoogleFreeEndpoint = "https://translate.googleapis.com/translate_a/single"

// googleFreeTranslator uses the unauthenticated gtx endpoint. No credentials
// required.
type googleFreeTranslator struct {
	endpoint string
	client   *http.Client
}

// NewGoogleFreeTranslator builds the google_free provider.
func NewGoogleFreeTranslator(cfg config.GoogleFreeConfig) (Translator, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultGoogleFreeEndpoint
	}
	return &googleFreeTranslator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (g *googleFreeTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	source := baseLanguage(req.SourceLanguage)
	if source == "" || source == "auto" {
		source = "auto"
	}
	target := baseLanguage(req.TargetLanguage)

	query := url.Values{}
	query.Set("client", "gtx")
	query.Set("sl", source)
	query.Set("tl", target)
	query.Set("dt", "t")
	query.Set("q", req.Text)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, capability.Timeout("google_free", ctx.Err())
		}
		return Result{}, capability.Unavailable("google_free", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("google_free status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	translated, detected, err := parseGoogleFreeResponse(body)
	if err != nil {
		return Result{}, err
	}
	if detected == "" {
		detected = source
	}

	return Result{
		OriginalText:   req.Text,
		TranslatedText: translated,
		SourceLanguage: detected,
		TargetLanguage: req.TargetLanguage,
		Confidence:     0.85,
		ProcessingTime: time.Since(start).Seconds(),
	}, nil
}

// parseGoogleFreeResponse walks the nested array payload the gtx endpoint
// returns: element 0 holds translated segments, element 2 the detected
// source language.
func parseGoogleFreeResponse(body []byte) (string, string, error) {
	var outer []any
	if err := json.Unmarshal(body, &outer); err != nil {
		return "", "", fmt.Errorf("decode translation: %w", err)
	}
	if len(outer) == 0 {
		return "", "", fmt.Errorf("empty translation payload")
	}

	segments, ok := outer[0].([]any)
	if !ok {
		return "", "", fmt.Errorf("unexpected translation payload shape")
	}
	var sb strings.Builder
	for _, seg := range segments {
		parts, ok := seg.([]any)
		if !ok || len(parts) == 0 {
			continue
		}
		if text, ok := parts[0].(string); ok {
			sb.WriteString(text)
		}
	}

	detected := ""
	if len(outer) > 2 {
		if lang, ok := outer[2].(string); ok {
			detected = lang
		}
	}
	return sb.String(), detected, nil
}
