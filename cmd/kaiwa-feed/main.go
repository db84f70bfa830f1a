// kaiwa-feed replays a WAV file into a kaiwad session and prints the
// staged events as they come back, standing in for a microphone client
// during development.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kaiwalabs/kaiwa-core/internal/audio"
	"github.com/kaiwalabs/kaiwa-core/internal/client"
	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
)

func main() {
	var (
		server   string
		session  string
		wavPath  string
		interval int
		source   string
		target   string
		linger   time.Duration
	)

	flag.StringVar(&server, "server", "ws://localhost:8000", "Daemon WebSocket base URL")
	flag.StringVar(&session, "session", "", "Session identifier (random when empty)")
	flag.StringVar(&wavPath, "wav", "", "Path to the WAV file to replay")
	flag.IntVar(&interval, "interval", 1000, "Chunk interval in milliseconds")
	flag.StringVar(&source, "source-lang", "", "Source language override")
	flag.StringVar(&target, "target-lang", "", "Target language override")
	flag.DurationVar(&linger, "linger", 5*time.Second, "How long to wait for trailing events after the feed ends")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if wavPath == "" {
		logger.Error("missing required -wav flag")
		flag.Usage()
		os.Exit(2)
	}
	if session == "" {
		session = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, server, session, wavPath, interval, source, target, linger); err != nil {
		logger.Error("feed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, server, session, wavPath string, interval int, source, target string, linger time.Duration) error {
	url := strings.TrimRight(server, "/") + "/ws/" + session

	c := client.New(client.Options{
		URL:       url,
		Log:       logger,
		Heartbeat: 20 * time.Second,
		OnEvent: func(ev protocol.Event) {
			printEvent(logger, ev)
		},
	})
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer c.Close()

	if source != "" || target != "" {
		patch := protocol.ConfigPatch{}
		if source != "" {
			patch.SourceLanguage = &source
		}
		if target != "" {
			patch.TargetLanguage = &target
		}
		if err := c.Send(protocol.TypeConfigUpdate, patch); err != nil {
			return fmt.Errorf("send config update: %w", err)
		}
	}

	src := audio.NewWavSource(wavPath, interval)
	chunks, err := src.Stream(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", wavPath, err)
	}

	logger.Info("feeding audio",
		slog.String("session_id", session),
		slog.String("wav", wavPath),
		slog.Int("interval_ms", interval))

	var sent int
	for chunk := range chunks {
		payload := protocol.AudioChunkData{
			AudioData:  base64.StdEncoding.EncodeToString(chunk.Data),
			SampleRate: chunk.SampleRate,
			Language:   source,
		}
		if err := c.Send(protocol.TypeAudioChunk, payload); err != nil {
			return fmt.Errorf("send chunk %d: %w", chunk.Seq, err)
		}
		sent++
		if sent%10 == 0 {
			logger.Info("progress", slog.Int("chunks_sent", sent))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	logger.Info("feed complete, waiting for trailing events",
		slog.Int("chunks_sent", sent),
		slog.Duration("linger", linger))
	select {
	case <-time.After(linger):
	case <-ctx.Done():
	}
	return nil
}

// printEvent renders one staged event per line, decoding the payloads
// that carry text and falling back to the raw JSON for the rest.
func printEvent(logger *slog.Logger, ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeStatus:
		var data protocol.StatusData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			logger.Info("session ready",
				slog.String("session_id", data.SessionID),
				slog.String("message", data.Message))
			return
		}
	case protocol.TypeTranscription:
		var data protocol.TranscriptionData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			logger.Info("transcription",
				slog.Uint64("chunk_id", data.ChunkID),
				slog.String("language", data.Language),
				slog.String("provider", data.Provider),
				slog.String("text", data.Text))
			return
		}
	case protocol.TypeTranslation:
		var data protocol.TranslationData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			logger.Info("translation",
				slog.Uint64("chunk_id", data.ChunkID),
				slog.String("target", data.TargetLanguage),
				slog.String("provider", data.Provider),
				slog.String("text", data.TranslatedText))
			return
		}
	case protocol.TypeAnswer:
		var data protocol.AnswerData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			logger.Info("answer",
				slog.Uint64("chunk_id", data.ChunkID),
				slog.String("provider", data.Provider),
				slog.String("question", data.Question),
				slog.String("text", data.Answer))
			return
		}
	case protocol.TypeError:
		var data protocol.ErrorData
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			logger.Warn("pipeline error",
				slog.String("code", data.Error),
				slog.String("stage", data.Stage),
				slog.String("message", data.Message))
			return
		}
	case protocol.TypePong, protocol.TypeConfigUpdated:
		logger.Debug(ev.Type, slog.String("data", string(ev.Data)))
		return
	}
	logger.Info(ev.Type, slog.String("data", string(ev.Data)))
}
