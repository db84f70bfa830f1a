package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kaiwalabs/kaiwa-core/internal/answer"
	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
	"github.com/kaiwalabs/kaiwa-core/internal/stt"
	"github.com/kaiwalabs/kaiwa-core/internal/translate"
)

type transcribeRequest struct {
	AudioData  string `json:"audio_data"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Provider   string `json:"provider"`
}

type transcribeResponse struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	Language       string  `json:"language"`
	ProcessingTime float64 `json:"processing_time"`
	Provider       string  `json:"provider"`
}

type translateRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	Provider       string `json:"provider"`
}

type translateResponse struct {
	OriginalText   string  `json:"original_text"`
	TranslatedText string  `json:"translated_text"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	Provider       string  `json:"provider"`
}

type generateAnswerRequest struct {
	Question  string `json:"question"`
	Context   string `json:"context"`
	Style     string `json:"style"`
	MaxLength int    `json:"max_length"`
	Language  string `json:"language"`
	Provider  string `json:"provider"`
}

type generateAnswerResponse struct {
	Question       string            `json:"question"`
	Answer         string            `json:"answer"`
	Confidence     float64           `json:"confidence"`
	ProcessingTime float64           `json:"processing_time"`
	Style          string            `json:"style"`
	Provider       string            `json:"provider"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AudioData == "" {
		s.respondError(w, http.StatusBadRequest, "audio_data is required")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "audio_data is not valid base64")
		return
	}
	if req.Language == "" {
		req.Language = "auto"
	}
	if req.SampleRate == 0 {
		req.SampleRate = 16000
	}

	res, err := s.stt.Transcribe(r.Context(), stt.Request{
		Audio:      pcm,
		Language:   req.Language,
		SampleRate: req.SampleRate,
	}, providerHint(req.Provider))
	if err != nil {
		s.respondError(w, providerStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, transcribeResponse{
		Text:           res.Text,
		Confidence:     res.Confidence,
		Language:       res.Language,
		ProcessingTime: res.ProcessingTime,
		Provider:       res.Provider,
	})
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.SourceLanguage == "" {
		req.SourceLanguage = "auto"
	}
	if req.TargetLanguage == "" {
		req.TargetLanguage = "en"
	}

	res, err := s.translate.Translate(r.Context(), translate.Request{
		Text:           req.Text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	}, providerHint(req.Provider))
	if err != nil {
		s.respondError(w, providerStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, translateResponse{
		OriginalText:   res.OriginalText,
		TranslatedText: res.TranslatedText,
		SourceLanguage: res.SourceLanguage,
		TargetLanguage: res.TargetLanguage,
		Confidence:     res.Confidence,
		ProcessingTime: res.ProcessingTime,
		Provider:       res.Provider,
	})
}

func (s *Server) handleGenerateAnswer(w http.ResponseWriter, r *http.Request) {
	var req generateAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		s.respondError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.Style == "" {
		req.Style = "professional"
	}
	if req.MaxLength == 0 {
		req.MaxLength = 150
	}
	if req.Language == "" {
		req.Language = "en"
	}

	res, err := s.answer.Generate(r.Context(), answer.Request{
		Question:  req.Question,
		Context:   req.Context,
		Style:     req.Style,
		MaxLength: req.MaxLength,
		Language:  req.Language,
	}, providerHint(req.Provider))
	if err != nil {
		s.respondError(w, providerStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, generateAnswerResponse{
		Question:       res.Question,
		Answer:         res.Answer,
		Confidence:     res.Confidence,
		ProcessingTime: res.ProcessingTime,
		Style:          req.Style,
		Provider:       res.Provider,
		Metadata:       res.Metadata,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	services := map[string]string{
		"speech_to_text": healthWord(s.capabilities.Healthy(capability.SpeechToText)),
		"translation":    healthWord(s.capabilities.Healthy(capability.Translation)),
		"ai_generation":  healthWord(s.capabilities.Healthy(capability.AnswerGeneration)),
		"audio_capture":  healthWord(s.source.Available()),
	}
	status := "healthy"
	for _, st := range services {
		if st != "healthy" {
			status = "degraded"
			break
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"services":  services,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
	})
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleConfigCurrent(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.sessions.Defaults())
}

// handleConfigUpdate patches the defaults template applied to new sessions.
// Existing sessions keep their own config until they send config_update.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var patch protocol.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := patch.Apply(s.sessions.Defaults())
	s.sessions.SetDefaults(cfg)
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Configuration updated",
	})
}

func (s *Server) handleAudioDevices(w http.ResponseWriter, _ *http.Request) {
	if !s.source.Available() {
		s.respondError(w, http.StatusServiceUnavailable, "audio capture not available")
		return
	}
	devices, err := s.source.Devices()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleAudioTest(w http.ResponseWriter, r *http.Request) {
	if !s.source.Available() {
		s.respondError(w, http.StatusServiceUnavailable, "audio capture not available")
		return
	}
	level, err := s.source.Probe(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := "low"
	if level > 0.1 {
		status = "good"
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"level": level, "status": status})
}

type sessionEventEntry struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if !s.store.Persistent() {
		s.respondError(w, http.StatusNotFound, "event history is not retained")
		return
	}
	sessionID := chi.URLParam(r, "session_id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.store.ListSessionEvents(r.Context(), sessionID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := make([]sessionEventEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, sessionEventEntry{
			Type:      ev.Type,
			Data:      json.RawMessage(ev.Payload),
			Timestamp: ev.CreatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"session_id":     sessionID,
		"retention_mode": s.retention,
		"events":         entries,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug("write response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, detail string) {
	s.respondJSON(w, status, map[string]string{"detail": detail})
}

// providerHint normalizes the provider field of a request: "auto" and the
// empty string both mean no preference.
func providerHint(p string) string {
	if p == "auto" {
		return ""
	}
	return p
}

// providerStatus maps provider error classes onto HTTP statuses.
func providerStatus(err error) int {
	switch {
	case errors.Is(err, capability.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, capability.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
