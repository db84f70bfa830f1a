// Package runtime assembles the daemon: telemetry, the bus, the event
// store, the capability services, the pipeline and the gateway, in
// dependency order, and tears them down in reverse on shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaiwalabs/kaiwa-core/internal/audio"
	"github.com/kaiwalabs/kaiwa-core/internal/bus"
	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
	"github.com/kaiwalabs/kaiwa-core/internal/eventstore"
	"github.com/kaiwalabs/kaiwa-core/internal/gateway"
	"github.com/kaiwalabs/kaiwa-core/internal/natsserver"
	"github.com/kaiwalabs/kaiwa-core/internal/pipeline"
	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
	"github.com/kaiwalabs/kaiwa-core/internal/session"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: version,
	}
}

// Start brings the daemon up and blocks until ctx is canceled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	if store.Persistent() {
		recorder, err := busClient.SubscribeAllSessions(func(ev protocol.Event) {
			if err := store.RecordEvent(context.Background(), ev); err != nil {
				r.logger.Warn("failed to record event",
					slog.String("session_id", ev.SessionID),
					slog.String("type", ev.Type),
					slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe event recorder: %w", err)
		}
		defer recorder.Unsubscribe()

		r.wg.Add(1)
		go r.pruneLoop(ctx, store)
	}

	registry := capability.NewRegistry(r.logger)
	sttSvc, trSvc, ansSvc, err := r.buildProviders(ctx, registry)
	if err != nil {
		return err
	}
	defer sttSvc.Close()
	defer trSvc.Close()
	defer ansSvc.Close()

	sessions := session.NewRegistry(r.logger, protocol.SessionConfig{
		SourceLanguage:  r.cfg.Session.SourceLanguage,
		TargetLanguage:  r.cfg.Session.TargetLanguage,
		AnswerStyle:     r.cfg.Session.AnswerStyle,
		AnswerMaxLength: r.cfg.Session.AnswerMaxLength,
	})

	orchestrator := pipeline.NewOrchestrator(r.logger, r.cfg.Pipeline, busClient, sttSvc, trSvc, ansSvc)
	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer orchestrator.Close()

	gw := gateway.NewServer(gateway.Options{
		Log:          r.logger,
		Sessions:     sessions,
		Pipeline:     orchestrator,
		Stream:       busClient,
		STT:          sttSvc,
		Translate:    trSvc,
		Answer:       ansSvc,
		Capabilities: registry,
		Store:        store,
		Source:       r.buildAudioSource(),
		Retention:    r.cfg.EventStore.RetentionMode,
		Version:      r.version,
		Ready:        r.ready.Load,
	})

	router := gw.Router()
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("version", r.version),
		slog.Bool("embedded_bus", embedded != nil),
		slog.String("retention", r.cfg.EventStore.RetentionMode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildAudioSource() audio.Source {
	switch r.cfg.Audio.Source {
	case "wav":
		return audio.NewWavSource(r.cfg.Audio.WavPath, r.cfg.Audio.ChunkIntervalMS)
	default:
		return audio.NoneSource{}
	}
}

// pruneLoop applies the retention window periodically while the daemon runs.
func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}
