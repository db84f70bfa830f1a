package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
)

const (
	defaultAnthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicModel   = "claude-3-haiku-20240307"
	anthropicMaxTokensFloor = 64
)

// anthropicGenerator calls the Anthropic messages endpoint.
type anthropicGenerator struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewAnthropicGenerator builds the anthropic provider. The API key must be
// present; callers skip registration when it is not configured.
func NewAnthropicGenerator(cfg config.AnthropicConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key missing")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultAnthropicURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicGenerator{
		apiKey:   cfg.APIKey,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (g *anthropicGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	p := buildPrompt(req)

	maxTokens := answerTokenBudget(req.MaxLength)
	if maxTokens < anthropicMaxTokensFloor {
		maxTokens = anthropicMaxTokensFloor
	}
	payload := anthropicRequest{
		Model:       g.model,
		MaxTokens:   maxTokens,
		System:      p.System,
		Messages:    []anthropicMessage{{Role: "user", Content: p.User}},
		Temperature: 0.7,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("x-api-key", g.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, capability.Timeout("anthropic", ctx.Err())
		}
		return Result{}, capability.Unavailable("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{}, capability.Unavailable("anthropic", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{}, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	var text string
	for _, block := range out.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, fmt.Errorf("empty response content")
	}

	return Result{
		Question:       req.Question,
		Answer:         postProcess(text, req.MaxLength),
		Confidence:     0.9,
		ProcessingTime: time.Since(start).Seconds(),
		Metadata: map[string]string{
			"style":         req.Style,
			"question_type": QuestionType(req.Question),
			"model":         g.model,
		},
	}, nil
}
