package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/room4-2/liverelay/gemini"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	flushTimeout    = 500 * time.Millisecond
)

// ClientConn is the browser side of a connection. *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// State is the lifecycle state of a connection
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ClientSession pairs one browser connection with one upstream session
type ClientSession struct {
	ID         string
	ClientConn ClientConn
	CreatedAt  time.Time

	history *History

	writeChan chan outboundFrame

	mu             sync.RWMutex
	state          State
	upstream       gemini.Upstream
	upstreamClosed bool
	upstreamDone   bool
	clientDone     bool
	lastActivity   time.Time

	closingOnce sync.Once
	closing     chan struct{} // closed on entering CLOSING
	done        chan struct{} // closed on entering CLOSED
}

// NewClientSession creates a connection in the CONNECTING state
func NewClientSession(id string, clientConn ClientConn, historyLimit int) *ClientSession {
	now := time.Now()
	return &ClientSession{
		ID:           id,
		ClientConn:   clientConn,
		CreatedAt:    now,
		history:      NewHistory(historyLimit),
		writeChan:    make(chan outboundFrame, writeBufferSize),
		state:        StateConnecting,
		lastActivity: now,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (cs *ClientSession) tag() string {
	if len(cs.ID) > 8 {
		return cs.ID[:8]
	}
	return cs.ID
}

// Connect starts the client writer and opens the upstream session.
// On failure the client receives an error frame and is closed.
func (cs *ClientSession) Connect(ctx context.Context, dialer gemini.Dialer, cfg gemini.SessionConfig) error {
	go cs.writePump()

	upstream, err := dialer.Dial(ctx, cfg, cs.upstreamHandlers())
	if err != nil {
		log.Printf("❌ [%s] Failed to open Gemini session: %v", cs.tag(), err)
		cs.handleUpstreamEvent(gemini.ErrorEvent{Err: fmt.Errorf("failed to open upstream session: %w", err)})
		cs.mu.Lock()
		cs.upstreamClosed = true
		cs.mu.Unlock()
		cs.markUpstreamDone()
		cs.beginClosing()
		return err
	}

	cs.attachUpstream(upstream)
	return nil
}

// attachUpstream stores the handle and moves CONNECTING to OPEN. A close
// requested while dialing is applied now.
func (cs *ClientSession) attachUpstream(upstream gemini.Upstream) {
	cs.mu.Lock()
	cs.upstream = upstream
	if cs.state == StateConnecting {
		cs.state = StateOpen
	}
	closing := cs.state >= StateClosing
	cs.mu.Unlock()

	if closing {
		cs.closeUpstream()
	}
}

// Start attaches the client message handler. It must be called after
// Connect succeeded so client data always has an open session to go to.
func (cs *ClientSession) Start() {
	go cs.readPump()
}

func (cs *ClientSession) upstreamHandlers() gemini.Handlers {
	return gemini.Handlers{
		OnOpen: func() {
			log.Printf("🔗 [%s] Gemini session open", cs.tag())
		},
		OnMessage: cs.handleUpstreamEvent,
		OnError: func(err error) {
			cs.handleUpstreamEvent(gemini.ErrorEvent{Err: err})
		},
		OnClose: func(reason string) {
			cs.handleUpstreamEvent(gemini.CloseEvent{Reason: reason})
		},
	}
}

// handleUpstreamEvent records the event and applies it to the client side
func (cs *ClientSession) handleUpstreamEvent(ev gemini.Event) {
	cs.touch()
	cs.history.Append(ev)

	action, err := translateEvent(ev)
	if err != nil {
		log.Printf("⚠️ [%s] Dropping upstream %s event: %v", cs.tag(), ev.Kind(), err)
		return
	}

	switch e := ev.(type) {
	case gemini.ErrorEvent:
		log.Printf("❌ [%s] Gemini session error: %v", cs.tag(), e.Message())
	case gemini.CloseEvent:
		log.Printf("🔌 [%s] Gemini session closed (%s)", cs.tag(), e.Reason)
	}

	if action.frame != nil {
		cs.send(*action.frame)
	}
	if action.closeClient {
		cs.beginClosing()
		cs.closeUpstream()
	}
}

// readPump forwards client frames upstream in arrival order
func (cs *ClientSession) readPump() {
	defer cs.Close()

	for {
		messageType, data, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if !cs.IsClosing() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("⚠️ [%s] Client read error: %v", cs.tag(), err)
			}
			log.Printf("👋 [%s] Client disconnected", cs.tag())
			return
		}
		cs.touch()

		input, err := translateClientFrame(messageType, data)
		if err != nil {
			log.Printf("⚠️ [%s] Ignoring client message: %v", cs.tag(), err)
			continue
		}
		if input == nil {
			log.Printf("⏭️ [%s] turnComplete received, turn detection is automatic", cs.tag())
			continue
		}

		upstream := cs.Upstream()
		if upstream == nil {
			continue
		}
		if err := upstream.Send(*input); err != nil {
			if errors.Is(err, gemini.ErrClosed) {
				continue
			}
			log.Printf("❌ [%s] Failed to send to Gemini: %v", cs.tag(), err)
			continue
		}
		if input.Media == nil {
			log.Printf("📤 [%s] Sent text to Gemini: %s", cs.tag(), input.Text)
		}
	}
}

// writePump is the only writer of the client socket. On close it
// flushes queued frames, sends a close frame and releases the socket.
func (cs *ClientSession) writePump() {
	defer func() {
		cs.flushPending()
		_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = cs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = cs.ClientConn.Close()
		cs.markClientDone()
	}()

	for {
		select {
		case <-cs.closing:
			return
		case frame := <-cs.writeChan:
			if err := cs.writeFrame(frame, writeTimeout); err != nil {
				if !cs.IsClosing() {
					log.Printf("⚠️ [%s] Client write error: %v", cs.tag(), err)
				}
				cs.beginClosing()
				return
			}
		}
	}
}

func (cs *ClientSession) flushPending() {
	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		select {
		case frame := <-cs.writeChan:
			if err := cs.writeFrame(frame, flushTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (cs *ClientSession) writeFrame(frame outboundFrame, timeout time.Duration) error {
	if err := cs.ClientConn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return cs.ClientConn.WriteMessage(frame.messageType, frame.data)
}

// send queues a frame for the client if it is still open
func (cs *ClientSession) send(frame outboundFrame) bool {
	if !cs.ClientOpen() {
		return false
	}
	select {
	case cs.writeChan <- frame:
		return true
	case <-cs.closing:
		return false
	}
}

// Close closes both sides. Safe to call any number of times.
func (cs *ClientSession) Close() {
	cs.beginClosing()
	cs.closeUpstream()
}

func (cs *ClientSession) beginClosing() {
	cs.closingOnce.Do(func() {
		cs.mu.Lock()
		if cs.state < StateClosing {
			cs.state = StateClosing
		}
		cs.mu.Unlock()
		close(cs.closing)
	})
}

// closeUpstream closes the upstream handle at most once. Without a
// handle yet, attachUpstream closes it on arrival.
func (cs *ClientSession) closeUpstream() {
	cs.mu.Lock()
	if cs.upstreamClosed || cs.upstream == nil {
		cs.mu.Unlock()
		return
	}
	cs.upstreamClosed = true
	upstream := cs.upstream
	cs.mu.Unlock()

	// Closing an already closed session is not worth reporting
	_ = upstream.Close()
	cs.markUpstreamDone()
}

func (cs *ClientSession) markClientDone() {
	cs.mu.Lock()
	cs.clientDone = true
	cs.mu.Unlock()
	cs.maybeClosed()
}

func (cs *ClientSession) markUpstreamDone() {
	cs.mu.Lock()
	cs.upstreamDone = true
	cs.mu.Unlock()
	cs.maybeClosed()
}

func (cs *ClientSession) maybeClosed() {
	cs.mu.Lock()
	if cs.state == StateClosed || !cs.clientDone || !cs.upstreamDone {
		cs.mu.Unlock()
		return
	}
	cs.state = StateClosed
	cs.mu.Unlock()

	log.Printf("🧹 [%s] Releasing history: %d events kept, %d dropped", cs.tag(), cs.history.Len(), cs.history.Dropped())
	cs.history.Clear()
	close(cs.done)
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.lastActivity = time.Now()
	cs.mu.Unlock()
}

// Upstream returns the upstream handle, nil while connecting
func (cs *ClientSession) Upstream() gemini.Upstream {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.upstream
}

// State returns the current lifecycle state
func (cs *ClientSession) State() State {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.state
}

// ClientOpen reports whether frames may still be sent to the client
func (cs *ClientSession) ClientOpen() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.state < StateClosing && !cs.clientDone
}

// IsClosing reports whether closing has started
func (cs *ClientSession) IsClosing() bool {
	return cs.State() >= StateClosing
}

// LastActivity returns the time of the last frame in either direction
func (cs *ClientSession) LastActivity() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lastActivity
}

// History returns the recorded upstream events
func (cs *ClientSession) History() *History {
	return cs.history
}

// Done is closed once both sides are closed
func (cs *ClientSession) Done() <-chan struct{} {
	return cs.done
}
