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

const defaultOpenAIChatURL = "https://api.openai.com/v1/chat/completions"

// openaiGenerator calls the OpenAI chat completions endpoint.
type openaiGenerator struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	client      *http.Client
}

type openaiChatRequest struct {
	Model            string              `json:"model"`
	Messages         []openaiChatMessage `json:"messages"`
	MaxTokens        int                 `json:"max_tokens"`
	Temperature      float64             `json:"temperature"`
	TopP             float64             `json:"top_p"`
	FrequencyPenalty float64             `json:"frequency_penalty"`
	PresencePenalty  float64             `json:"presence_penalty"`
}

type openaiChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIGenerator builds the openai provider. The API key must be present;
// callers skip registration when it is not configured.
func NewOpenAIGenerator(cfg config.OpenAIAnswerConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key missing")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIChatURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	return &openaiGenerator{
		apiKey:      cfg.APIKey,
		model:       model,
		endpoint:    endpoint,
		temperature: temperature,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	p := buildPrompt(req)

	payload := openaiChatRequest{
		Model: g.model,
		Messages: []openaiChatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		MaxTokens:        answerTokenBudget(req.MaxLength),
		Temperature:      g.temperature,
		TopP:             0.9,
		FrequencyPenalty: 0.1,
		PresencePenalty:  0.1,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, capability.Timeout("openai", ctx.Err())
		}
		return Result{}, capability.Unavailable("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{}, capability.Unavailable("openai", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{}, fmt.Errorf("openai chat status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Result{}, fmt.Errorf("empty chat response")
	}

	text := strings.TrimSpace(out.Choices[0].Message.Content)
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

// answerTokenBudget doubles the word budget with a hard ceiling.
func answerTokenBudget(maxWords int) int {
	if maxWords <= 0 {
		maxWords = 150
	}
	budget := maxWords * 2
	if budget > 300 {
		budget = 300
	}
	return budget
}
