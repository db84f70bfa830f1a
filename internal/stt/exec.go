package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
)

// execRecognizer shells out to a local transcription command, typically a
// whisper wrapper. The command receives a WAV file path and prints a JSON
// object with text and confidence on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.LocalSTTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// NewExecRecognizer builds the local provider from its configured command line.
func NewExecRecognizer(cfg config.LocalSTTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()

	file, err := os.CreateTemp(os.TempDir(), "kaiwa_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if isWav(req.Audio) {
		if _, err := file.Write(req.Audio); err != nil {
			return Result{}, fmt.Errorf("write wav: %w", err)
		}
	} else if err := writePCMToWav(file, req.Audio, req.SampleRate, 1); err != nil {
		return Result{}, err
	}
	if err := file.Sync(); err != nil {
		return Result{}, fmt.Errorf("flush wav: %w", err)
	}

	args := append([]string{}, r.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if req.Language != "" && req.Language != "auto" {
		cmdArgs = append(cmdArgs, "--language", req.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{}, capability.Unavailable("local", err)
		}
		if ctx.Err() != nil {
			return Result{}, capability.Timeout("local", ctx.Err())
		}
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	lang := resp.Language
	if lang == "" {
		lang = req.Language
	}
	return Result{
		Text:           resp.Text,
		Confidence:     resp.Confidence,
		Language:       lang,
		ProcessingTime: time.Since(start).Seconds(),
	}, nil
}

func isWav(payload []byte) bool {
	return len(payload) >= 12 && bytes.HasPrefix(payload, []byte("RIFF")) && bytes.Equal(payload[8:12], []byte("WAVE"))
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
