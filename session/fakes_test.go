package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/room4-2/liverelay/gemini"
)

type clientFrame struct {
	messageType int
	data        []byte
}

type recordedWrite struct {
	messageType int
	data        string
}

// fakeClientConn stands in for the browser websocket
type fakeClientConn struct {
	inbound chan clientFrame
	hangup  chan struct{}
	closed  chan struct{}

	mu         sync.Mutex
	writes     []recordedWrite
	closes     int
	hangupOnce sync.Once
	closeOnce  sync.Once
}

func newFakeClientConn() *fakeClientConn {
	return &fakeClientConn{
		inbound: make(chan clientFrame, 16),
		hangup:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (f *fakeClientConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.inbound:
		return frame.messageType, frame.data, nil
	case <-f.hangup:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeClientConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed connection")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeClientConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeClientConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeClientConn) sendBinary(data []byte) {
	f.inbound <- clientFrame{messageType: websocket.BinaryMessage, data: data}
}

func (f *fakeClientConn) sendText(data string) {
	f.inbound <- clientFrame{messageType: websocket.TextMessage, data: []byte(data)}
}

func (f *fakeClientConn) hangUp() {
	f.hangupOnce.Do(func() { close(f.hangup) })
}

// dataWrites returns everything except the closing handshake
func (f *fakeClientConn) dataWrites() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedWrite
	for _, w := range f.writes {
		if w.messageType != websocket.CloseMessage {
			out = append(out, w)
		}
	}
	return out
}

func (f *fakeClientConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeUpstream records realtime input
type fakeUpstream struct {
	mu     sync.Mutex
	sent   []gemini.RealtimeInput
	closes int
	closed bool
}

func (u *fakeUpstream) Send(input gemini.RealtimeInput) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return gemini.ErrClosed
	}
	u.sent = append(u.sent, input)
	return nil
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closes++
	if u.closed {
		return errors.New("already closed")
	}
	u.closed = true
	return nil
}

func (u *fakeUpstream) sentInputs() []gemini.RealtimeInput {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]gemini.RealtimeInput(nil), u.sent...)
}

func (u *fakeUpstream) closeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closes
}

// fakeDialer hands out fakeUpstreams and keeps the handlers so tests
// can play the upstream receive goroutine.
type fakeDialer struct {
	err     error
	release chan struct{} // when set, Dial waits for it

	mu        sync.Mutex
	upstreams []*fakeUpstream
	handlers  []gemini.Handlers
	configs   []gemini.SessionConfig
}

func (d *fakeDialer) Dial(ctx context.Context, cfg gemini.SessionConfig, h gemini.Handlers) (gemini.Upstream, error) {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	up := &fakeUpstream{}
	d.mu.Lock()
	d.upstreams = append(d.upstreams, up)
	d.handlers = append(d.handlers, h)
	d.configs = append(d.configs, cfg)
	d.mu.Unlock()
	h.OnOpen()
	return up, nil
}

func (d *fakeDialer) last() (*fakeUpstream, gemini.Handlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.upstreams)
	return d.upstreams[n-1], d.handlers[n-1]
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

func waitDone(t *testing.T, cs *ClientSession) {
	t.Helper()
	select {
	case <-cs.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s not closed, state=%s", cs.ID, cs.State())
	}
}
