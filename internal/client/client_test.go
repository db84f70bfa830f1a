package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaiwalabs/kaiwa-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type wsServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	inbound chan protocol.ClientEnvelope
	refuse  atomic.Bool
	dials   atomic.Int64
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:   make(chan *websocket.Conn, 8),
		inbound: make(chan protocol.ClientEnvelope, 32),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		if s.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var env protocol.ClientEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			s.inbound <- env
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func (s *wsServer) waitInbound(t *testing.T) protocol.ClientEnvelope {
	t.Helper()
	select {
	case env := <-s.inbound:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message arrived")
		return protocol.ClientEnvelope{}
	}
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 20, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
}

func TestPolicyDelayProgression(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}

	var zero Policy
	if got := zero.Delay(1); got != time.Second {
		t.Errorf("zero policy Delay(1) = %v, want 1s", got)
	}
}

func TestSendBeforeStartFlushesInOrder(t *testing.T) {
	srv := newWSServer(t)
	c := New(Options{URL: srv.url(), Log: newLogger(), Policy: fastPolicy()})
	t.Cleanup(func() { c.Close() })

	for i := 1; i <= 3; i++ {
		if err := c.Send("audio_chunk", map[string]int{"n": i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 1; i <= 3; i++ {
		env := srv.waitInbound(t)
		var payload struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.N != i {
			t.Fatalf("message %d arrived out of order: got %d", i, payload.N)
		}
	}
}

func TestClientReceivesEvents(t *testing.T) {
	srv := newWSServer(t)

	events := make(chan protocol.Event, 8)
	c := New(Options{
		URL:     srv.url(),
		Log:     newLogger(),
		Policy:  fastPolicy(),
		OnEvent: func(ev protocol.Event) { events <- ev },
	})
	t.Cleanup(func() { c.Close() })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn := srv.waitConn(t)
	ev, err := protocol.NewEvent(protocol.TypeStatus, "s1", protocol.StatusData{Message: "hello"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := conn.WriteJSON(ev); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case got := <-events:
		if got.Type != protocol.TypeStatus || got.SessionID != "s1" {
			t.Fatalf("event = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	c := New(Options{URL: srv.url(), Log: newLogger(), Policy: fastPolicy()})
	t.Cleanup(func() { c.Close() })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := srv.waitConn(t)
	first.Close()

	second := srv.waitConn(t)
	if second == nil {
		t.Fatal("no reconnect")
	}

	if err := c.Send(protocol.TypePing, struct{}{}); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	env := srv.waitInbound(t)
	if env.Type != protocol.TypePing {
		t.Fatalf("inbound type = %q", env.Type)
	}
}

func TestQueuedDuringOutageFlushesOnReconnect(t *testing.T) {
	srv := newWSServer(t)
	c := New(Options{URL: srv.url(), Log: newLogger(), Policy: fastPolicy()})
	t.Cleanup(func() { c.Close() })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := srv.waitConn(t)
	srv.refuse.Store(true)
	first.Close()

	// Wait for the client to notice the drop, then queue while it is
	// failing to reconnect.
	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never noticed the drop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i := 1; i <= 2; i++ {
		if err := c.Send("config_update", map[string]int{"n": i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	srv.refuse.Store(false)
	srv.waitConn(t)

	for i := 1; i <= 2; i++ {
		env := srv.waitInbound(t)
		var payload struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.N != i {
			t.Fatalf("flush out of order: got %d want %d", payload.N, i)
		}
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	srv := newWSServer(t)
	c := New(Options{URL: srv.url(), Log: newLogger(), Policy: fastPolicy()})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := srv.waitConn(t)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	conn.Close()

	dialsAfterClose := srv.dials.Load()
	time.Sleep(150 * time.Millisecond)
	if got := srv.dials.Load(); got != dialsAfterClose {
		t.Fatalf("client kept dialing after Close: %d -> %d", dialsAfterClose, got)
	}

	if err := c.Send(protocol.TypePing, struct{}{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
}

func TestStartExhaustsAttempts(t *testing.T) {
	srv := newWSServer(t)
	srv.refuse.Store(true)

	c := New(Options{
		URL:    srv.url(),
		Log:    newLogger(),
		Policy: Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
	})
	t.Cleanup(func() { c.Close() })

	err := c.Start(context.Background())
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("start = %v, want ErrConnectionLost", err)
	}
	if got := srv.dials.Load(); got != 3 {
		t.Fatalf("dial attempts = %d, want 3", got)
	}
}

func TestHeartbeat(t *testing.T) {
	srv := newWSServer(t)
	c := New(Options{
		URL:       srv.url(),
		Log:       newLogger(),
		Policy:    fastPolicy(),
		Heartbeat: 20 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	env := srv.waitInbound(t)
	if env.Type != protocol.TypePing {
		t.Fatalf("heartbeat type = %q", env.Type)
	}
}
