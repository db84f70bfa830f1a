package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
)

const defaultDeepLEndpoint = "https://api-free.deepl.com/v2/translate"

// deeplTranslator calls the DeepL REST API.
type deeplTranslator struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

type deeplResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

// NewDeepLTranslator builds the deepl provider. The API key must be present;
// callers skip registration when it is not configured.
func NewDeepLTranslator(cfg config.DeepLConfig) (Translator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepl api key missing")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultDeepLEndpoint
	}
	return &deeplTranslator{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (d *deeplTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	form := url.Values{}
	form.Set("text", req.Text)
	form.Set("target_lang", strings.ToUpper(baseLanguage(req.TargetLanguage)))
	if req.SourceLanguage != "" && req.SourceLanguage != "auto" {
		form.Set("source_lang", strings.ToUpper(baseLanguage(req.SourceLanguage)))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "DeepL-Auth-Key "+d.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, capability.Timeout("deepl", ctx.Err())
		}
		return Result{}, capability.Unavailable("deepl", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{}, capability.Unavailable("deepl", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("deepl status %d", resp.StatusCode)
	}

	var out deeplResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode translation: %w", err)
	}
	if len(out.Translations) == 0 {
		return Result{}, fmt.Errorf("empty translation payload")
	}

	detected := strings.ToLower(out.Translations[0].DetectedSourceLanguage)
	if detected == "" {
		detected = req.SourceLanguage
	}
	return Result{
		OriginalText:   req.Text,
		TranslatedText: out.Translations[0].Text,
		SourceLanguage: detected,
		TargetLanguage: req.TargetLanguage,
		Confidence:     0.92,
		ProcessingTime: time.Since(start).Seconds(),
	}, nil
}
