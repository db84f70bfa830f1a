package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
)

const defaultOpenAITranscriptionURL = "https://api.openai.com/v1/audio/transcriptions"

// openaiRecognizer calls the OpenAI audio transcription endpoint (Whisper).
type openaiRecognizer struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

type openaiTranscription struct {
	Text string `json:"text"`
}

// NewOpenAIRecognizer builds the openai provider. The API key must be present;
// callers skip registration when it is not configured.
func NewOpenAIRecognizer(cfg config.OpenAISTTConfig) (Recognizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key missing")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAITranscriptionURL
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &openaiRecognizer{
		apiKey:   cfg.APIKey,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (r *openaiRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, fmt.Errorf("build multipart: %w", err)
	}
	payload := req.Audio
	if !isWav(payload) {
		payload, err = pcmToWavBytes(payload, req.SampleRate)
		if err != nil {
			return Result{}, err
		}
	}
	if _, err := part.Write(payload); err != nil {
		return Result{}, fmt.Errorf("write audio part: %w", err)
	}
	if err := writer.WriteField("model", r.model); err != nil {
		return Result{}, fmt.Errorf("write model field: %w", err)
	}
	if req.Language != "" && req.Language != "auto" {
		if err := writer.WriteField("language", baseLanguage(req.Language)); err != nil {
			return Result{}, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(httpReq)
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
		return Result{}, fmt.Errorf("openai transcription status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out openaiTranscription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode transcription: %w", err)
	}
	lang := req.Language
	if lang == "" || lang == "auto" {
		lang = "en"
	}
	return Result{
		Text:           out.Text,
		Confidence:     0.9,
		Language:       lang,
		ProcessingTime: time.Since(start).Seconds(),
	}, nil
}

// pcmToWavBytes wraps raw 16-bit mono PCM in a WAV container in memory.
func pcmToWavBytes(pcm []byte, sampleRate int) ([]byte, error) {
	file, err := os.CreateTemp(os.TempDir(), "kaiwa_enc_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()
	if err := writePCMToWav(file, pcm, sampleRate, 1); err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind wav: %w", err)
	}
	return io.ReadAll(file)
}
