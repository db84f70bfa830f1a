package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kaiwalabs/kaiwa-core/internal/pipeline"
	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
	"github.com/kaiwalabs/kaiwa-core/internal/session"
)

const (
	maxMessageBytes = 8 << 20
	writeTimeout    = 10 * time.Second
	outboundBuffer  = 64
)

// handleSession upgrades the connection and runs one session socket until
// the client disconnects.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	sess, created := s.sessions.GetOrCreate(sessionID)
	s.log.Info("session opened", "session_id", sessionID, "new", created)
	if s.connCounter != nil {
		s.connCounter.Add(r.Context(), 1)
		defer s.connCounter.Add(context.Background(), -1)
	}
	if s.store.Persistent() {
		if err := s.store.AppendSession(context.Background(), sessionID, sess.Config()); err != nil {
			s.log.Warn("record session", "session_id", sessionID, "error", err)
		}
	}

	// Subscribe before the welcome so the first event cannot be missed.
	outbound := make(chan protocol.Event, outboundBuffer)
	sub, err := s.stream.SubscribeSession(sessionID, func(ev protocol.Event) {
		select {
		case outbound <- ev:
		default:
			s.log.Warn("outbound queue full, dropping event", "session_id", sessionID, "type", ev.Type)
		}
	})
	if err != nil {
		s.log.Error("subscribe session events", "session_id", sessionID, "error", err)
		conn.Close()
		s.teardown(sessionID)
		return
	}

	done := make(chan struct{})
	go s.writeLoop(conn, sessionID, outbound, done)

	s.publish(sessionID, protocol.TypeStatus, protocol.StatusData{
		Message:      welcomeMessage,
		SessionID:    sessionID,
		Capabilities: sessionCapabilities,
	})

	s.readLoop(conn, sess)

	if err := sub.Unsubscribe(); err != nil {
		s.log.Warn("unsubscribe session events", "session_id", sessionID, "error", err)
	}
	close(done)
	conn.Close()
	s.teardown(sessionID)
	s.log.Info("session closed", "session_id", sessionID)
}

// teardown releases everything attached to a session after its socket is
// gone.
func (s *Server) teardown(sessionID string) {
	s.sessions.Remove(sessionID)
	s.pipeline.RemoveSession(sessionID)
	if s.retention == "session" && s.store.Persistent() {
		if err := s.store.DeleteSession(context.Background(), sessionID); err != nil {
			s.log.Warn("delete session history", "session_id", sessionID, "error", err)
		}
	}
}

// writeLoop is the only goroutine writing to the socket.
func (s *Server) writeLoop(conn *websocket.Conn, sessionID string, outbound <-chan protocol.Event, done <-chan struct{}) {
	for {
		select {
		case ev := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("session write failed", "session_id", sessionID, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop consumes client messages until the socket errors or closes.
func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	conn.SetReadLimit(maxMessageBytes)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("session read failed", "session_id", sess.ID, "error", err)
			}
			return
		}

		var env protocol.ClientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn("dropping malformed message", "session_id", sess.ID, "error", err)
			continue
		}
		s.dispatch(sess, env)
	}
}

// dispatch routes one inbound envelope. Unknown types are logged and
// ignored so newer clients keep working against older daemons.
func (s *Server) dispatch(sess *session.Session, env protocol.ClientEnvelope) {
	if s.msgCounter != nil {
		s.msgCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", env.Type)))
	}
	switch env.Type {
	case protocol.TypeAudioChunk:
		s.handleAudioChunk(sess, env.Data)
	case protocol.TypeConfigUpdate:
		s.handleConfigPatch(sess, env.Data)
	case protocol.TypePing:
		s.publish(sess.ID, protocol.TypePong, protocol.PongData{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	default:
		s.log.Warn("unknown message type", "session_id", sess.ID, "type", env.Type)
	}
}

func (s *Server) handleAudioChunk(sess *session.Session, raw json.RawMessage) {
	var data protocol.AudioChunkData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.publishError(sess.ID, "invalid_audio", "audio_chunk payload is not valid JSON")
		return
	}
	if data.AudioData == "" {
		s.publishError(sess.ID, "invalid_audio", "audio_chunk payload missing audio_data")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(data.AudioData)
	if err != nil {
		s.publishError(sess.ID, "invalid_audio", "audio_data is not valid base64")
		return
	}

	if _, err := s.pipeline.Submit(sess, pipeline.Chunk{
		Audio:      pcm,
		SampleRate: data.SampleRate,
		Language:   data.Language,
	}); err != nil {
		s.publishError(sess.ID, "pipeline_error", err.Error())
	}
}

func (s *Server) handleConfigPatch(sess *session.Session, raw json.RawMessage) {
	var patch protocol.ConfigPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		s.publishError(sess.ID, "invalid_message", "config_update payload is not valid JSON")
		return
	}
	cfg, err := s.sessions.UpdateConfig(sess.ID, patch)
	if err != nil {
		s.publishError(sess.ID, "invalid_message", err.Error())
		return
	}
	s.log.Info("session config updated", "session_id", sess.ID,
		"source_language", cfg.SourceLanguage, "target_language", cfg.TargetLanguage)
	s.publish(sess.ID, protocol.TypeConfigUpdated, cfg)
}

func (s *Server) publishError(sessionID, code, message string) {
	s.publish(sessionID, protocol.TypeError, protocol.ErrorData{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
