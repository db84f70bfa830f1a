package answer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
)

// ollamaGenerator talks to a local ollama daemon. Responses stream as NDJSON
// and are accumulated into one answer.
type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaGenerator builds the ollama provider.
func NewOllamaGenerator(cfg config.OllamaConfig) (Generator, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	p := buildPrompt(req)

	payload := ollamaRequest{
		Model:  g.model,
		Prompt: p.User,
		System: p.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: 0.7,
			NumPredict:  answerTokenBudget(req.MaxLength),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, capability.Timeout("ollama", ctx.Err())
		}
		return Result{}, capability.Unavailable("ollama", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var accumulated strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return Result{}, capability.Timeout("ollama", ctx.Err())
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Result{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		accumulated.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read stream: %w", err)
	}

	text := strings.TrimSpace(accumulated.String())
	if text == "" {
		return Result{}, fmt.Errorf("empty response")
	}
	return Result{
		Question:       req.Question,
		Answer:         postProcess(text, req.MaxLength),
		Confidence:     0.85,
		ProcessingTime: time.Since(start).Seconds(),
		Metadata: map[string]string{
			"style":         req.Style,
			"question_type": QuestionType(req.Question),
			"model":         g.model,
		},
	}, nil
}
