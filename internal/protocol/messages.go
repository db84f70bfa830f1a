package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound message types accepted on a session socket.
const (
	TypeAudioChunk   = "audio_chunk"
	TypeConfigUpdate = "config_update"
	TypePing         = "ping"
)

// Outbound event types emitted on a session socket.
const (
	TypeTranscription = "transcription"
	TypeTranslation   = "translation"
	TypeAnswer        = "answer"
	TypeError         = "error"
	TypeStatus        = "status"
	TypeConfigUpdated = "config_updated"
	TypePong          = "pong"
)

// ClientEnvelope wraps every message a client sends.
type ClientEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Event wraps every message emitted for a session, both on the socket
// and on the bus subject carrying that session's events.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent builds an Event with the payload marshaled in place.
func NewEvent(eventType, sessionID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// AudioChunkData is the payload of an inbound audio_chunk message.
type AudioChunkData struct {
	AudioData  string `json:"audio_data"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
}

// SessionConfig is the per-session configuration as it travels on the
// wire: the config_update patch uses pointer fields (ConfigPatch), the
// config_updated echo and the defaults template use this struct.
type SessionConfig struct {
	SourceLanguage      string `json:"source_language"`
	TargetLanguage      string `json:"target_language"`
	AnswerStyle         string `json:"answer_style"`
	AnswerMaxLength     int    `json:"answer_max_length"`
	STTProvider         string `json:"stt_provider,omitempty"`
	TranslationProvider string `json:"translation_provider,omitempty"`
	AnswerProvider      string `json:"answer_provider,omitempty"`
}

// ConfigPatch carries a partial session config; nil fields are left
// untouched by the merge.
type ConfigPatch struct {
	SourceLanguage      *string `json:"source_language,omitempty"`
	TargetLanguage      *string `json:"target_language,omitempty"`
	AnswerStyle         *string `json:"answer_style,omitempty"`
	AnswerMaxLength     *int    `json:"answer_max_length,omitempty"`
	STTProvider         *string `json:"stt_provider,omitempty"`
	TranslationProvider *string `json:"translation_provider,omitempty"`
	AnswerProvider      *string `json:"answer_provider,omitempty"`
}

// Apply merges the patch into cfg and returns the result.
func (p ConfigPatch) Apply(cfg SessionConfig) SessionConfig {
	if p.SourceLanguage != nil {
		cfg.SourceLanguage = *p.SourceLanguage
	}
	if p.TargetLanguage != nil {
		cfg.TargetLanguage = *p.TargetLanguage
	}
	if p.AnswerStyle != nil {
		cfg.AnswerStyle = *p.AnswerStyle
	}
	if p.AnswerMaxLength != nil {
		cfg.AnswerMaxLength = *p.AnswerMaxLength
	}
	if p.STTProvider != nil {
		cfg.STTProvider = *p.STTProvider
	}
	if p.TranslationProvider != nil {
		cfg.TranslationProvider = *p.TranslationProvider
	}
	if p.AnswerProvider != nil {
		cfg.AnswerProvider = *p.AnswerProvider
	}
	return cfg
}

// StatusData is the welcome payload sent when a session socket opens.
type StatusData struct {
	Message      string   `json:"message"`
	SessionID    string   `json:"session_id"`
	Capabilities []string `json:"capabilities"`
}

// TranscriptionData is emitted when the transcription stage completes.
type TranscriptionData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	Language       string  `json:"language"`
	ProcessingTime float64 `json:"processing_time"`
	Provider       string  `json:"provider,omitempty"`
	ChunkID        uint64  `json:"chunk_id,omitempty"`
}

// TranslationData is emitted when the translation stage completes.
type TranslationData struct {
	OriginalText   string  `json:"original_text"`
	TranslatedText string  `json:"translated_text"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	Provider       string  `json:"provider,omitempty"`
	ChunkID        uint64  `json:"chunk_id,omitempty"`
}

// AnswerData is emitted when the answer stage completes.
type AnswerData struct {
	Question       string  `json:"question"`
	Answer         string  `json:"answer"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	Style          string  `json:"style"`
	Provider       string  `json:"provider,omitempty"`
	ChunkID        uint64  `json:"chunk_id,omitempty"`
}

// ErrorData is emitted when a pipeline stage or message handler fails.
type ErrorData struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	ChunkID   uint64 `json:"chunk_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PongData answers a ping.
type PongData struct {
	Timestamp string `json:"timestamp"`
}

const (
	// SubjectSessionEventPrefix carries per-session pipeline events; the
	// final token is the session identifier.
	SubjectSessionEventPrefix = "kaiwa.session.event"

	// SubjectSessionEventWildcard matches every session's events.
	SubjectSessionEventWildcard = "kaiwa.session.event.>"
)

// SessionEventSubject returns the bus subject for one session's events.
func SessionEventSubject(sessionID string) string {
	return SubjectSessionEventPrefix + "." + sanitizeToken(sessionID)
}

// sanitizeToken keeps subjects valid for identifiers that contain
// characters NATS treats as separators or wildcards.
func sanitizeToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, id)
}
