package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaiwalabs/kaiwa-core/internal/answer"
	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
	"github.com/kaiwalabs/kaiwa-core/internal/session"
	"github.com/kaiwalabs/kaiwa-core/internal/stt"
	"github.com/kaiwalabs/kaiwa-core/internal/translate"
)

// Phase names the pipeline stage a session currently occupies.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTranscribing
	PhaseTranslating
	PhaseAnswering
)

func (p Phase) String() string {
	switch p {
	case PhaseTranscribing:
		return "transcribing"
	case PhaseTranslating:
		return "translating"
	case PhaseAnswering:
		return "answering"
	default:
		return "idle"
	}
}

// Stage names used in error events and metrics.
const (
	StageTranscription = "transcription"
	StageTranslation   = "translation"
	StageAnswer        = "answer_generation"
)

// Chunk is one decoded audio payload queued for a session.
type Chunk struct {
	Audio      []byte
	SampleRate int
	Language   string
}

// Orchestrator drives the per-session transcribe, translate, answer
// progression. Each session runs at most one chunk at a time; while a run is
// in flight the newest submitted chunk waits in a single slot and older
// waiting chunks are discarded.
type Orchestrator struct {
	log      *slog.Logger
	cfg      config.PipelineConfig
	stream   EventStream
	stt      *stt.Service
	translat *translate.Service
	answer   *answer.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	states map[string]*sessionState

	tracer       trace.Tracer
	runCounter   metric.Int64Counter
	stageSeconds metric.Float64Histogram
	coalesced    metric.Int64Counter
	metricsOnce  sync.Once
}

type sessionState struct {
	phase     Phase
	running   bool
	pending   *pendingChunk
	nextChunk uint64
}

type pendingChunk struct {
	id    uint64
	chunk Chunk
}

// NewOrchestrator wires the three capability services onto the event stream.
func NewOrchestrator(log *slog.Logger, cfg config.PipelineConfig, stream EventStream, sttSvc *stt.Service, trSvc *translate.Service, ansSvc *answer.Service) *Orchestrator {
	return &Orchestrator{
		log:      log.With("component", "pipeline"),
		cfg:      cfg,
		stream:   stream,
		stt:      sttSvc,
		translat: trSvc,
		answer:   ansSvc,
		states:   make(map[string]*sessionState),
		tracer:   otel.Tracer("kaiwa.pipeline"),
	}
}

// Start prepares the orchestrator for submissions. ctx bounds every run.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.ctx != nil {
		return errors.New("pipeline already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.initMetrics()
	o.log.Info("pipeline started",
		"stage_timeout_ms", o.cfg.StageTimeoutMS)
	return nil
}

// Close stops accepting work and waits for in-flight runs to finish.
func (o *Orchestrator) Close() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.log.Info("pipeline stopped")
}

// Submit queues one chunk for the session and returns its id. While a run is
// active the chunk parks in the pending slot, displacing any older waiter.
func (o *Orchestrator) Submit(sess *session.Session, chunk Chunk) (uint64, error) {
	if o.ctx == nil {
		return 0, errors.New("pipeline not started")
	}
	if o.ctx.Err() != nil {
		return 0, errors.New("pipeline shutting down")
	}
	if sess == nil || sess.Closed() {
		return 0, errors.New("session closed")
	}

	o.mu.Lock()
	st := o.states[sess.ID]
	if st == nil {
		st = &sessionState{}
		o.states[sess.ID] = st
	}
	st.nextChunk++
	id := st.nextChunk

	if st.running {
		if st.pending != nil {
			o.log.Debug("chunk displaced",
				"session_id", sess.ID,
				"dropped_chunk", st.pending.id,
				"new_chunk", id)
			if o.coalesced != nil {
				o.coalesced.Add(o.ctx, 1)
			}
		}
		st.pending = &pendingChunk{id: id, chunk: chunk}
		o.mu.Unlock()
		return id, nil
	}

	st.running = true
	st.phase = PhaseTranscribing
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(sess, id, chunk)
	return id, nil
}

// Phase reports the session's current stage.
func (o *Orchestrator) Phase(sessionID string) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.states[sessionID]; st != nil {
		return st.phase
	}
	return PhaseIdle
}

// RemoveSession drops queued work for the session. An in-flight run notices
// the session's closed flag and stops emitting.
func (o *Orchestrator) RemoveSession(sessionID string) {
	o.mu.Lock()
	delete(o.states, sessionID)
	o.mu.Unlock()
}

func (o *Orchestrator) run(sess *session.Session, chunkID uint64, chunk Chunk) {
	defer o.wg.Done()

	ctx, span := o.tracer.Start(o.ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Int64("chunk.id", int64(chunkID)),
	))
	outcome := "ok"
	defer func() {
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		if o.runCounter != nil {
			o.runCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		o.finishRun(sess)
	}()

	cfg := sess.Config()

	sourceLanguage := chunk.Language
	if sourceLanguage == "" {
		sourceLanguage = cfg.SourceLanguage
	}

	o.setPhase(sess.ID, PhaseTranscribing)
	tRes, err := o.transcribe(ctx, chunk, sourceLanguage, cfg)
	if err != nil {
		outcome = "error"
		o.emitError(sess, chunkID, StageTranscription, err)
		return
	}
	if !o.emit(sess, protocol.TypeTranscription, protocol.TranscriptionData{
		Text:           tRes.Text,
		Confidence:     tRes.Confidence,
		Language:       tRes.Language,
		ProcessingTime: tRes.ProcessingTime,
		Provider:       tRes.Provider,
		ChunkID:        chunkID,
	}) {
		outcome = "dropped"
		return
	}
	if strings.TrimSpace(tRes.Text) == "" {
		o.log.Debug("empty transcription, run ends", "session_id", sess.ID, "chunk_id", chunkID)
		return
	}

	question := tRes.Text
	detected := tRes.Language
	if detected == "" {
		detected = sourceLanguage
	}

	if translate.Needed(detected, cfg.TargetLanguage) {
		o.setPhase(sess.ID, PhaseTranslating)
		trRes, err := o.translateText(ctx, question, detected, cfg)
		if err != nil {
			outcome = "error"
			o.emitError(sess, chunkID, StageTranslation, err)
			return
		}
		if !o.emit(sess, protocol.TypeTranslation, protocol.TranslationData{
			OriginalText:   trRes.OriginalText,
			TranslatedText: trRes.TranslatedText,
			SourceLanguage: trRes.SourceLanguage,
			TargetLanguage: trRes.TargetLanguage,
			Confidence:     trRes.Confidence,
			ProcessingTime: trRes.ProcessingTime,
			Provider:       trRes.Provider,
			ChunkID:        chunkID,
		}) {
			outcome = "dropped"
			return
		}
		question = trRes.TranslatedText
	}

	o.setPhase(sess.ID, PhaseAnswering)
	aRes, err := o.generateAnswer(ctx, question, cfg)
	if err != nil {
		outcome = "error"
		o.emitError(sess, chunkID, StageAnswer, err)
		return
	}
	if !o.emit(sess, protocol.TypeAnswer, protocol.AnswerData{
		Question:       aRes.Question,
		Answer:         aRes.Answer,
		Confidence:     aRes.Confidence,
		ProcessingTime: aRes.ProcessingTime,
		Style:          cfg.AnswerStyle,
		Provider:       aRes.Provider,
		ChunkID:        chunkID,
	}) {
		outcome = "dropped"
	}
}

func (o *Orchestrator) transcribe(ctx context.Context, chunk Chunk, language string, cfg protocol.SessionConfig) (stt.Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(o.cfg.TranscribeTimeoutMS))
	defer cancel()

	start := time.Now()
	res, err := o.stt.Transcribe(stageCtx, stt.Request{
		Audio:      chunk.Audio,
		Language:   language,
		SampleRate: chunk.SampleRate,
	}, providerHint(cfg.STTProvider))
	o.recordStage(StageTranscription, res.Provider, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		return stt.Result{}, err
	}
	return res, nil
}

func (o *Orchestrator) translateText(ctx context.Context, text, source string, cfg protocol.SessionConfig) (translate.Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.translate")
	defer span.End()
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(o.cfg.TranslateTimeoutMS))
	defer cancel()

	start := time.Now()
	res, err := o.translat.Translate(stageCtx, translate.Request{
		Text:           text,
		SourceLanguage: source,
		TargetLanguage: cfg.TargetLanguage,
	}, providerHint(cfg.TranslationProvider))
	o.recordStage(StageTranslation, res.Provider, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		return translate.Result{}, err
	}
	return res, nil
}

func (o *Orchestrator) generateAnswer(ctx context.Context, question string, cfg protocol.SessionConfig) (answer.Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.answer")
	defer span.End()
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout(o.cfg.AnswerTimeoutMS))
	defer cancel()

	start := time.Now()
	res, err := o.answer.Generate(stageCtx, answer.Request{
		Question:  question,
		Style:     cfg.AnswerStyle,
		MaxLength: cfg.AnswerMaxLength,
		Language:  cfg.TargetLanguage,
	}, providerHint(cfg.AnswerProvider))
	o.recordStage(StageAnswer, res.Provider, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		return answer.Result{}, err
	}
	return res, nil
}

// emit publishes one event unless the session went away or the pipeline is
// shutting down. It reports whether the run may continue.
func (o *Orchestrator) emit(sess *session.Session, eventType string, payload any) bool {
	if sess.Closed() || o.ctx.Err() != nil {
		o.log.Debug("event dropped", "session_id", sess.ID, "type", eventType)
		return false
	}
	event, err := protocol.NewEvent(eventType, sess.ID, payload)
	if err != nil {
		o.log.Error("encode event", "session_id", sess.ID, "type", eventType, "error", err)
		return false
	}
	if err := o.stream.PublishEvent(o.ctx, event); err != nil {
		o.log.Error("publish event", "session_id", sess.ID, "type", eventType, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) emitError(sess *session.Session, chunkID uint64, stage string, err error) {
	o.log.Error("stage failed",
		"session_id", sess.ID,
		"chunk_id", chunkID,
		"stage", stage,
		"error", err)
	o.emit(sess, protocol.TypeError, protocol.ErrorData{
		Error:     errorCode(err),
		Message:   err.Error(),
		Stage:     stage,
		ChunkID:   chunkID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// finishRun releases the session's run slot, immediately starting the
// pending chunk when one is parked. A closed session's state is owned by
// RemoveSession; any state found under its id belongs to a newer session.
func (o *Orchestrator) finishRun(sess *session.Session) {
	if sess.Closed() {
		return
	}
	o.mu.Lock()
	st := o.states[sess.ID]
	if st == nil {
		o.mu.Unlock()
		return
	}
	if st.pending != nil && !sess.Closed() && o.ctx.Err() == nil {
		next := st.pending
		st.pending = nil
		st.phase = PhaseTranscribing
		o.mu.Unlock()
		o.wg.Add(1)
		go o.run(sess, next.id, next.chunk)
		return
	}
	st.pending = nil
	st.running = false
	st.phase = PhaseIdle
	o.mu.Unlock()
}

func (o *Orchestrator) setPhase(sessionID string, phase Phase) {
	o.mu.Lock()
	if st := o.states[sessionID]; st != nil {
		st.phase = phase
	}
	o.mu.Unlock()
}

func (o *Orchestrator) stageTimeout(ms int) time.Duration {
	if ms <= 0 {
		ms = o.cfg.StageTimeoutMS
	}
	if ms <= 0 {
		return 10 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

func (o *Orchestrator) recordStage(stage, provider string, elapsed time.Duration, err error) {
	if o.stageSeconds == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.stageSeconds.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

func (o *Orchestrator) initMetrics() {
	o.metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("kaiwa.pipeline")
		var err error
		if o.runCounter, err = meter.Int64Counter("kaiwa.pipeline.runs",
			metric.WithDescription("Completed pipeline runs by outcome")); err != nil {
			o.log.Warn("register run counter", "error", err)
		}
		if o.stageSeconds, err = meter.Float64Histogram("kaiwa.pipeline.stage.seconds",
			metric.WithDescription("Stage latency in seconds")); err != nil {
			o.log.Warn("register stage histogram", "error", err)
		}
		if o.coalesced, err = meter.Int64Counter("kaiwa.pipeline.chunks.coalesced",
			metric.WithDescription("Chunks displaced from the pending slot")); err != nil {
			o.log.Warn("register coalesce counter", "error", err)
		}
	})
}

func providerHint(name string) string {
	if name == "auto" {
		return ""
	}
	return name
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, capability.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, capability.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return "provider_timeout"
	default:
		return "pipeline_error"
	}
}
