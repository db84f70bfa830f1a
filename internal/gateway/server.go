package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kaiwalabs/kaiwa-core/internal/answer"
	"github.com/kaiwalabs/kaiwa-core/internal/audio"
	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/eventstore"
	"github.com/kaiwalabs/kaiwa-core/internal/pipeline"
	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
	"github.com/kaiwalabs/kaiwa-core/internal/session"
	"github.com/kaiwalabs/kaiwa-core/internal/stt"
	"github.com/kaiwalabs/kaiwa-core/internal/translate"
)

const welcomeMessage = "Connected to Kaiwa"

// sessionCapabilities is announced in the welcome status event.
var sessionCapabilities = []string{"transcription", "translation", "answer_generation"}

// Options carries the collaborators the gateway serves.
type Options struct {
	Log          *slog.Logger
	Sessions     *session.Registry
	Pipeline     *pipeline.Orchestrator
	Stream       pipeline.EventStream
	STT          *stt.Service
	Translate    *translate.Service
	Answer       *answer.Service
	Capabilities *capability.Registry
	Store        *eventstore.Store
	Source       audio.Source
	Retention    string
	Version      string
	Ready        func() bool
}

// Server exposes the session socket and the REST surface.
type Server struct {
	log          *slog.Logger
	sessions     *session.Registry
	pipeline     *pipeline.Orchestrator
	stream       pipeline.EventStream
	stt          *stt.Service
	translate    *translate.Service
	answer       *answer.Service
	capabilities *capability.Registry
	store        *eventstore.Store
	source       audio.Source
	retention    string
	version      string
	ready        func() bool
	upgrader     websocket.Upgrader

	connCounter metric.Int64UpDownCounter
	msgCounter  metric.Int64Counter
}

// NewServer builds the gateway.
func NewServer(opts Options) *Server {
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	source := opts.Source
	if source == nil {
		source = audio.NoneSource{}
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		log:          opts.Log.With("component", "gateway"),
		sessions:     opts.Sessions,
		pipeline:     opts.Pipeline,
		stream:       opts.Stream,
		stt:          opts.STT,
		translate:    opts.Translate,
		answer:       opts.Answer,
		capabilities: opts.Capabilities,
		store:        opts.Store,
		source:       source,
		retention:    opts.Retention,
		version:      version,
		ready:        ready,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.initMetrics()
	return s
}

func (s *Server) initMetrics() {
	meter := otel.GetMeterProvider().Meter("kaiwa.gateway")
	var err error
	s.connCounter, err = meter.Int64UpDownCounter("kaiwa.gateway.connections",
		metric.WithDescription("Open session sockets"))
	if err != nil {
		s.log.Warn("register connection counter", "error", err)
	}
	s.msgCounter, err = meter.Int64Counter("kaiwa.gateway.messages",
		metric.WithDescription("Inbound client messages by type"))
	if err != nil {
		s.log.Warn("register message counter", "error", err)
	}
}

// Router mounts every endpoint on a fresh chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleSession)
	r.Get("/ws/{session_id}", s.handleSession)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/translate", s.handleTranslate)
	r.Post("/generate-answer", s.handleGenerateAnswer)

	r.Get("/config/current", s.handleConfigCurrent)
	r.Post("/config/update", s.handleConfigUpdate)

	r.Get("/audio/devices", s.handleAudioDevices)
	r.Post("/audio/test", s.handleAudioTest)

	r.Get("/sessions/{session_id}/events", s.handleSessionEvents)

	return r
}

// publish pushes a gateway-originated event onto the session stream so the
// socket, the event store and bus consumers all see it.
func (s *Server) publish(sessionID, eventType string, payload any) {
	ev, err := protocol.NewEvent(eventType, sessionID, payload)
	if err != nil {
		s.log.Error("encode event", "session_id", sessionID, "type", eventType, "error", err)
		return
	}
	if err := s.stream.PublishEvent(context.Background(), ev); err != nil {
		s.log.Error("publish event", "session_id", sessionID, "type", eventType, "error", err)
	}
}
