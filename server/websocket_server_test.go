package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/room4-2/liverelay/config"
	"github.com/room4-2/liverelay/gemini"
	"github.com/room4-2/liverelay/session"
)

type stubUpstream struct {
	mu     sync.Mutex
	sent   []gemini.RealtimeInput
	closes int
}

func (u *stubUpstream) Send(input gemini.RealtimeInput) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, input)
	return nil
}

func (u *stubUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closes++
	return nil
}

func (u *stubUpstream) snapshot() ([]gemini.RealtimeInput, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]gemini.RealtimeInput(nil), u.sent...), u.closes
}

type stubDialer struct {
	sessions chan stubSession
}

type stubSession struct {
	upstream *stubUpstream
	handlers gemini.Handlers
}

func (d *stubDialer) Dial(ctx context.Context, cfg gemini.SessionConfig, h gemini.Handlers) (gemini.Upstream, error) {
	up := &stubUpstream{}
	h.OnOpen()
	d.sessions <- stubSession{upstream: up, handlers: h}
	return up, nil
}

type liveTestServer struct {
	srv     *httptest.Server
	dialer  *stubDialer
	manager *session.Manager
}

func newLiveTestServer(t *testing.T, cfg *config.Config) *liveTestServer {
	t.Helper()
	dialer := &stubDialer{sessions: make(chan stubSession, 4)}
	manager := session.NewManager(cfg, dialer)
	s := NewServer(cfg, manager)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		manager.Shutdown()
		srv.Close()
	})
	return &liveTestServer{srv: srv, dialer: dialer, manager: manager}
}

func (l *liveTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(l.srv.URL, "http") + "/ws"
}

func (l *liveTestServer) nextSession(t *testing.T) stubSession {
	t.Helper()
	select {
	case s := <-l.dialer.sessions:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no upstream session dialed")
		return stubSession{}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		GeminiAPIKey:   "k",
		GeminiModel:    "models/test",
		Voice:          "Puck",
		AllowedOrigins: []string{"*"},
		HistoryLimit:   16,
	}
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRelay_ClientToUpstream(t *testing.T) {
	l := newLiveTestServer(t, testConfig())
	conn := mustDialWS(t, l.wsURL())
	defer conn.Close()
	s := l.nextSession(t)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "text", "text": "hello"}); err != nil {
		t.Fatalf("write text: %v", err)
	}

	waitFor(t, "upstream inputs", func() bool {
		sent, _ := s.upstream.snapshot()
		return len(sent) == 2
	})
	sent, _ := s.upstream.snapshot()
	if sent[0].Media == nil || !bytes.Equal(sent[0].Media.Data, pcm) {
		t.Fatalf("audio input=%+v", sent[0])
	}
	if sent[1].Text != "hello" {
		t.Fatalf("text input=%+v", sent[1])
	}
}

func TestRelay_LargeAudioFrameForwardedWhole(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameBytes = config.DefaultMaxFrameBytes
	l := newLiveTestServer(t, cfg)
	conn := mustDialWS(t, l.wsURL())
	defer conn.Close()
	s := l.nextSession(t)

	pcm := make([]byte, 600*1024)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	waitFor(t, "large frame upstream", func() bool {
		sent, _ := s.upstream.snapshot()
		return len(sent) == 1
	})
	sent, closes := s.upstream.snapshot()
	if sent[0].Media == nil || !bytes.Equal(sent[0].Media.Data, pcm) {
		t.Fatalf("upstream got %d bytes, want %d", len(sent[0].Media.Data), len(pcm))
	}
	if closes != 0 {
		t.Fatalf("upstream closed %d times", closes)
	}
}

func TestRelay_FrameOverConfiguredLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameBytes = 1024
	l := newLiveTestServer(t, cfg)
	conn := mustDialWS(t, l.wsURL())
	defer conn.Close()
	s := l.nextSession(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 4096)); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected oversized frame to close the connection")
	}
	waitFor(t, "upstream close", func() bool {
		_, closes := s.upstream.snapshot()
		return closes == 1
	})
}

func TestRelay_UpstreamToClient(t *testing.T) {
	l := newLiveTestServer(t, testConfig())
	conn := mustDialWS(t, l.wsURL())
	defer conn.Close()
	s := l.nextSession(t)

	x := []byte{0xde, 0xad, 0xbe, 0xef}
	s.handlers.OnMessage(gemini.AudioChunk{Data: base64.StdEncoding.EncodeToString(x)})
	s.handlers.OnMessage(gemini.TranscriptText{Parts: []string{"He", "llo"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(data, x) {
		t.Fatalf("audio frame type=%d data=%v", mt, data)
	}

	mt, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read text: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mt != websocket.TextMessage || msg["type"] != "text" || msg["text"] != "Hello" {
		t.Fatalf("text frame=%s", data)
	}
}

func TestRelay_ClientCloseClosesUpstream(t *testing.T) {
	l := newLiveTestServer(t, testConfig())
	conn := mustDialWS(t, l.wsURL())
	s := l.nextSession(t)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	waitFor(t, "upstream close", func() bool {
		_, closes := s.upstream.snapshot()
		return closes == 1
	})
	waitFor(t, "session removed", func() bool { return l.manager.GetActiveSessionCount() == 0 })
}

func TestRelay_UpstreamCloseClosesClient(t *testing.T) {
	l := newLiveTestServer(t, testConfig())
	conn := mustDialWS(t, l.wsURL())
	defer conn.Close()
	s := l.nextSession(t)

	s.handlers.OnClose("upstream finished")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestRelay_MaxSessionsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	l := newLiveTestServer(t, cfg)

	first := mustDialWS(t, l.wsURL())
	defer first.Close()
	l.nextSession(t)

	second := mustDialWS(t, l.wsURL())
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"type":"error"`) {
		t.Fatalf("frame=%s", data)
	}
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected try-again-later close, got %v", err)
	}
}

func TestRelay_OriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://allowed.test"}
	l := newLiveTestServer(t, cfg)

	header := http.Header{"Origin": {"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(l.wsURL(), header)
	if err == nil {
		t.Fatalf("expected origin rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v", resp)
	}

	header = http.Header{"Origin": {"http://allowed.test"}}
	conn, _, err := websocket.DefaultDialer.Dial(l.wsURL(), header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestHealthAndStatic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>relay</h1>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	cfg := testConfig()
	cfg.StaticDir = dir
	l := newLiveTestServer(t, cfg)

	resp, err := http.Get(l.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `{"status":"ok","sessions":0}` {
		t.Fatalf("health=%s", body)
	}

	resp, err = http.Get(l.srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "relay") {
		t.Fatalf("index=%s", body)
	}
}
