package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaiwalabs/kaiwa-core/internal/answer"
	"github.com/kaiwalabs/kaiwa-core/internal/audio"
	"github.com/kaiwalabs/kaiwa-core/internal/capability"
	"github.com/kaiwalabs/kaiwa-core/internal/config"
	"github.com/kaiwalabs/kaiwa-core/internal/eventstore"
	"github.com/kaiwalabs/kaiwa-core/internal/pipeline"
	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
	"github.com/kaiwalabs/kaiwa-core/internal/session"
	"github.com/kaiwalabs/kaiwa-core/internal/stt"
	"github.com/kaiwalabs/kaiwa-core/internal/translate"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSource struct {
	level   float64
	devices []audio.Device
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Available() bool { return true }

func (s *stubSource) Devices() ([]audio.Device, error) { return s.devices, nil }

func (s *stubSource) Probe(context.Context) (float64, error) { return s.level, nil }

func (s *stubSource) Stream(context.Context) (<-chan audio.Chunk, error) {
	return nil, audio.ErrNoAudio
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	store  *eventstore.Store
	cancel context.CancelFunc
}

func (e *testEnv) close() {
	e.http.Close()
	e.cancel()
}

func newTestEnv(t *testing.T, opts func(*Options)) *testEnv {
	t.Helper()
	log := newLogger()

	registry := capability.NewRegistry(log)
	sttSvc := stt.NewService(log, registry, time.Second)
	sttSvc.Register("mock", stt.NewMockRecognizer())
	trSvc := translate.NewService(log, registry, time.Second)
	trSvc.Register("mock", translate.NewMockTranslator())
	ansSvc := answer.NewService(log, registry, time.Second)
	ansSvc.Register("mock", answer.NewMockGenerator())

	stream := pipeline.NewMemoryStream()
	orc := pipeline.NewOrchestrator(log, config.PipelineConfig{StageTimeoutMS: 2000}, stream, sttSvc, trSvc, ansSvc)
	ctx, cancel := context.WithCancel(context.Background())
	if err := orc.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start orchestrator: %v", err)
	}
	t.Cleanup(orc.Close)

	sessions := session.NewRegistry(log, protocol.SessionConfig{
		SourceLanguage:  "auto",
		TargetLanguage:  "en",
		AnswerStyle:     "professional",
		AnswerMaxLength: 150,
	})

	store, err := eventstore.Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, log)
	if err != nil {
		cancel()
		t.Fatalf("open event store: %v", err)
	}

	o := Options{
		Log:          log,
		Sessions:     sessions,
		Pipeline:     orc,
		Stream:       stream,
		STT:          sttSvc,
		Translate:    trSvc,
		Answer:       ansSvc,
		Capabilities: registry,
		Store:        store,
		Retention:    "ephemeral",
	}
	if opts != nil {
		opts(&o)
	}
	srv := NewServer(o)

	hs := httptest.NewServer(srv.Router())
	env := &testEnv{srv: srv, http: hs, store: o.Store, cancel: cancel}
	t.Cleanup(env.close)
	return env
}

func dialSession(t *testing.T, env *testEnv, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// readUntil drains events until one of the wanted type arrives, failing if
// the socket goes quiet first.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) (protocol.Event, []protocol.Event) {
	t.Helper()
	var seen []protocol.Event
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		if ev.Type == eventType {
			return ev, seen
		}
		seen = append(seen, ev)
	}
	t.Fatalf("no %s event after %d events", eventType, len(seen))
	return protocol.Event{}, nil
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := protocol.ClientEnvelope{Type: msgType, Data: data}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func TestSessionWelcome(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialSession(t, env, "greeting")

	ev := readEvent(t, conn)
	if ev.Type != protocol.TypeStatus {
		t.Fatalf("first event type = %q, want status", ev.Type)
	}
	if ev.SessionID != "greeting" {
		t.Fatalf("session id = %q", ev.SessionID)
	}
	var status protocol.StatusData
	if err := json.Unmarshal(ev.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Message != welcomeMessage {
		t.Fatalf("welcome message = %q", status.Message)
	}
	if len(status.Capabilities) != 3 {
		t.Fatalf("capabilities = %v", status.Capabilities)
	}
}

func TestSessionPingPong(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialSession(t, env, "ping-pong")
	readUntil(t, conn, protocol.TypeStatus)

	sendMessage(t, conn, protocol.TypePing, map[string]any{})
	ev, _ := readUntil(t, conn, protocol.TypePong)
	var pong protocol.PongData
	if err := json.Unmarshal(ev.Data, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, pong.Timestamp); err != nil {
		t.Fatalf("pong timestamp %q: %v", pong.Timestamp, err)
	}
}

func TestSessionAudioRunsPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialSession(t, env, "interview")
	readUntil(t, conn, protocol.TypeStatus)

	// Point the session at Chinese so the translation stage has work to do.
	target := "zh"
	sendMessage(t, conn, protocol.TypeConfigUpdate, protocol.ConfigPatch{TargetLanguage: &target})
	readUntil(t, conn, protocol.TypeConfigUpdated)

	sendMessage(t, conn, protocol.TypeAudioChunk, protocol.AudioChunkData{
		AudioData:  base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x10, 0x20}, 512)),
		SampleRate: 16000,
		Language:   "auto",
	})

	tr, _ := readUntil(t, conn, protocol.TypeTranscription)
	var trData protocol.TranscriptionData
	if err := json.Unmarshal(tr.Data, &trData); err != nil {
		t.Fatalf("decode transcription: %v", err)
	}
	if trData.Text == "" || trData.Provider != "mock" {
		t.Fatalf("transcription = %+v", trData)
	}

	tl, _ := readUntil(t, conn, protocol.TypeTranslation)
	var tlData protocol.TranslationData
	if err := json.Unmarshal(tl.Data, &tlData); err != nil {
		t.Fatalf("decode translation: %v", err)
	}
	if !strings.HasPrefix(tlData.TranslatedText, "[中文翻译]") {
		t.Fatalf("translated text = %q", tlData.TranslatedText)
	}
	if tlData.TargetLanguage != "zh" {
		t.Fatalf("target language = %q", tlData.TargetLanguage)
	}

	ans, _ := readUntil(t, conn, protocol.TypeAnswer)
	var ansData protocol.AnswerData
	if err := json.Unmarshal(ans.Data, &ansData); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if ansData.Answer == "" {
		t.Fatal("empty answer")
	}
	if ansData.Question != tlData.TranslatedText {
		t.Fatalf("answer question = %q, want %q", ansData.Question, tlData.TranslatedText)
	}
}

func TestSessionTranslationSkippedForMatchingLanguages(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialSession(t, env, "same-language")
	readUntil(t, conn, protocol.TypeStatus)

	// Defaults target English and the mock recognizer detects English, so
	// the translation stage stays silent.
	sendMessage(t, conn, protocol.TypeAudioChunk, protocol.AudioChunkData{
		AudioData: base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 0}),
	})

	_, before := readUntil(t, conn, protocol.TypeAnswer)
	for _, ev := range before {
		if ev.Type == protocol.TypeTranslation {
			t.Fatal("translation event emitted for matching languages")
		}
	}
}

func TestSessionRejectsInvalidAudio(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialSession(t, env, "bad-audio")
	readUntil(t, conn, protocol.TypeStatus)

	sendMessage(t, conn, protocol.TypeAudioChunk, protocol.AudioChunkData{AudioData: "!!! not base64 !!!"})
	ev, _ := readUntil(t, conn, protocol.TypeError)
	var errData protocol.ErrorData
	if err := json.Unmarshal(ev.Data, &errData); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errData.Error != "invalid_audio" {
		t.Fatalf("error code = %q", errData.Error)
	}

	// The socket must survive a bad chunk.
	sendMessage(t, conn, protocol.TypePing, map[string]any{})
	readUntil(t, conn, protocol.TypePong)
}

func TestSessionIgnoresUnknownMessageType(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialSession(t, env, "unknown-type")
	readUntil(t, conn, protocol.TypeStatus)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"telepathy","data":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	sendMessage(t, conn, protocol.TypePing, map[string]any{})
	ev, before := readUntil(t, conn, protocol.TypePong)
	if ev.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %q", ev.Type)
	}
	for _, e := range before {
		if e.Type == protocol.TypeError {
			t.Fatalf("unexpected error event: %s", e.Data)
		}
	}
}

func TestSessionConfigUpdateMergesPatch(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialSession(t, env, "patch")
	readUntil(t, conn, protocol.TypeStatus)

	style := "concise"
	sendMessage(t, conn, protocol.TypeConfigUpdate, protocol.ConfigPatch{AnswerStyle: &style})
	ev, _ := readUntil(t, conn, protocol.TypeConfigUpdated)

	var cfg protocol.SessionConfig
	if err := json.Unmarshal(ev.Data, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.AnswerStyle != "concise" {
		t.Fatalf("answer style = %q", cfg.AnswerStyle)
	}
	if cfg.TargetLanguage != "en" || cfg.AnswerMaxLength != 150 {
		t.Fatalf("patch clobbered defaults: %+v", cfg)
	}
}

func TestRESTTranscribe(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]any{
		"audio_data": base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}),
	})
	resp, err := http.Post(env.http.URL+"/transcribe", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Text == "" || out.Provider != "mock" {
		t.Fatalf("response = %+v", out)
	}
}

func TestRESTTranscribeRejectsMissingAudio(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.http.URL+"/transcribe", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["detail"] == "" {
		t.Fatalf("missing detail: %v", out)
	}
}

func TestRESTTranslate(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]any{
		"text":            "hello there",
		"target_language": "zh",
	})
	resp, err := http.Post(env.http.URL+"/translate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.TranslatedText, "hello there") {
		t.Fatalf("translated = %q", out.TranslatedText)
	}
	if out.TargetLanguage != "zh" {
		t.Fatalf("target = %q", out.TargetLanguage)
	}
}

func TestRESTGenerateAnswer(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]any{"question": "What are your greatest strengths?"})
	resp, err := http.Post(env.http.URL+"/generate-answer", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out generateAnswerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Answer == "" || out.Style != "professional" || out.Provider != "mock" {
		t.Fatalf("response = %+v", out)
	}
}

func TestRESTHealthReportsServices(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.http.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
		Version  string            `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, name := range []string{"speech_to_text", "translation", "ai_generation"} {
		if out.Services[name] != "healthy" {
			t.Fatalf("service %s = %q", name, out.Services[name])
		}
	}
	// No capture source is wired, so overall status degrades.
	if out.Services["audio_capture"] != "unhealthy" || out.Status != "degraded" {
		t.Fatalf("status = %q services = %v", out.Status, out.Services)
	}
	if out.Version == "" {
		t.Fatal("missing version")
	}
}

func TestRESTConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.http.URL+"/config/update", "application/json",
		strings.NewReader(`{"target_language":"ja"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var ack map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || ack["status"] != "success" {
		t.Fatalf("status = %d ack = %v", resp.StatusCode, ack)
	}

	resp, err = http.Get(env.http.URL + "/config/current")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var cfg protocol.SessionConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.TargetLanguage != "ja" {
		t.Fatalf("target = %q", cfg.TargetLanguage)
	}
	if cfg.SourceLanguage != "auto" {
		t.Fatalf("update clobbered defaults: %+v", cfg)
	}
}

func TestRESTAudioEndpoints(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Source = &stubSource{
			level:   0.42,
			devices: []audio.Device{{Index: 0, Name: "stub mic", Channels: 1, SampleRate: 16000}},
		}
	})

	resp, err := http.Get(env.http.URL + "/audio/devices")
	if err != nil {
		t.Fatalf("get devices: %v", err)
	}
	var devOut struct {
		Devices []audio.Device `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&devOut); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	resp.Body.Close()
	if len(devOut.Devices) != 1 || devOut.Devices[0].Name != "stub mic" {
		t.Fatalf("devices = %+v", devOut.Devices)
	}

	resp, err = http.Post(env.http.URL+"/audio/test", "application/json", nil)
	if err != nil {
		t.Fatalf("post test: %v", err)
	}
	defer resp.Body.Close()
	var probe struct {
		Level  float64 `json:"level"`
		Status string  `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		t.Fatalf("decode probe: %v", err)
	}
	if probe.Level != 0.42 || probe.Status != "good" {
		t.Fatalf("probe = %+v", probe)
	}
}

func TestRESTAudioUnavailableWithoutSource(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.http.URL + "/audio/devices")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRESTSessionEvents(t *testing.T) {
	log := newLogger()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
	}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := newTestEnv(t, func(o *Options) {
		o.Store = store
		o.Retention = "persistent"
	})

	ctx := context.Background()
	if err := store.AppendSession(ctx, "replay", protocol.SessionConfig{SourceLanguage: "auto", TargetLanguage: "en"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for _, text := range []string{"first", "second"} {
		ev, err := protocol.NewEvent(protocol.TypeTranscription, "replay", protocol.TranscriptionData{Text: text})
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		if err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	resp, err := http.Get(env.http.URL + "/sessions/replay/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		SessionID string              `json:"session_id"`
		Events    []sessionEventEntry `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SessionID != "replay" || len(out.Events) != 2 {
		t.Fatalf("response = %+v", out)
	}
	var first protocol.TranscriptionData
	if err := json.Unmarshal(out.Events[0].Data, &first); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if first.Text != "first" {
		t.Fatalf("first entry text = %q", first.Text)
	}
}

func TestReadyzReflectsReadiness(t *testing.T) {
	var ready atomic.Bool
	env := newTestEnv(t, func(o *Options) {
		o.Ready = ready.Load
	})

	resp, err := http.Get(env.http.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ready.Store(true)
	resp, err = http.Get(env.http.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
