package gemini

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	// Gemini Live API WebSocket endpoint
	LiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultSetupTimeout = 15 * time.Second
	wireWriteTimeout    = 10 * time.Second
)

// Wire protocol messages (BidiGenerateContent JSON)
type wireSetupMessage struct {
	Setup wireSetup `json:"setup"`
}

type wireSetup struct {
	Model             string               `json:"model"`
	GenerationConfig  wireGenerationConfig `json:"generationConfig"`
	SystemInstruction *wireContent         `json:"systemInstruction,omitempty"`
}

type wireGenerationConfig struct {
	ResponseModalities []string          `json:"responseModalities"`
	SpeechConfig       *wireSpeechConfig `json:"speechConfig,omitempty"`
}

type wireSpeechConfig struct {
	VoiceConfig wireVoiceConfig `json:"voiceConfig"`
}

type wireVoiceConfig struct {
	PrebuiltVoiceConfig wirePrebuiltVoice `json:"prebuiltVoiceConfig"`
}

type wirePrebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       string    `json:"text,omitempty"`
	InlineData *wireBlob `json:"inlineData,omitempty"`
}

type wireBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type wireClientMessage struct {
	RealtimeInput *wireRealtimeInput `json:"realtimeInput,omitempty"`
}

type wireRealtimeInput struct {
	MediaChunks []wireBlob `json:"mediaChunks,omitempty"`
	Text        *string    `json:"text,omitempty"`
}

type wireServerMessage struct {
	SetupComplete *struct{}          `json:"setupComplete,omitempty"`
	ServerContent *wireServerContent `json:"serverContent,omitempty"`
	GoAway        *wireGoAway        `json:"goAway,omitempty"`
}

type wireServerContent struct {
	ModelTurn    *wireContent `json:"modelTurn,omitempty"`
	TurnComplete bool         `json:"turnComplete,omitempty"`
	Interrupted  bool         `json:"interrupted,omitempty"`
}

type wireGoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// WireDialer speaks the Live protocol directly over a websocket.
// Audio payloads stay base64 until the relay decodes them.
type WireDialer struct {
	APIKey       string
	URL          string // defaults to LiveURL
	SetupTimeout time.Duration
	Dialer       *websocket.Dialer
}

// NewWireDialer creates a raw websocket dialer for the Live endpoint
func NewWireDialer(apiKey string) *WireDialer {
	return &WireDialer{
		APIKey:       apiKey,
		URL:          LiveURL,
		SetupTimeout: defaultSetupTimeout,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
	}
}

func (d *WireDialer) endpoint() (string, error) {
	raw := d.URL
	if raw == "" {
		raw = LiveURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse the Live endpoint")
	}
	q := u.Query()
	q.Set("key", d.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects, sends the setup message and waits for setupComplete
func (d *WireDialer) Dial(ctx context.Context, cfg SessionConfig, h Handlers) (Upstream, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{"User-Agent": {"liverelay"}}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "failed to dial Gemini Live (HTTP %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "failed to dial Gemini Live")
	}

	ws := &wireSession{conn: conn}
	if err := ws.setup(ctx, cfg, d.setupTimeout()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	h.open()
	go receiveLoop(ws.receive, ws.IsClosed, h)

	log.Printf("✅ Connected to Gemini Live via websocket (%s)", cfg.Model)
	return ws, nil
}

func (d *WireDialer) setupTimeout() time.Duration {
	if d.SetupTimeout <= 0 {
		return defaultSetupTimeout
	}
	return d.SetupTimeout
}

func newWireSetup(cfg SessionConfig) wireSetupMessage {
	msg := wireSetupMessage{
		Setup: wireSetup{
			Model: cfg.Model,
			GenerationConfig: wireGenerationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &wireContent{
			Parts: []wirePart{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &wireSpeechConfig{
			VoiceConfig: wireVoiceConfig{
				PrebuiltVoiceConfig: wirePrebuiltVoice{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// wireSession is an open raw websocket Live session
type wireSession struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

func (ws *wireSession) setup(ctx context.Context, cfg SessionConfig, timeout time.Duration) error {
	if err := ws.writeJSON(newWireSetup(cfg)); err != nil {
		return errors.Wrap(err, "failed to send setup")
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.conn.SetReadDeadline(deadline)
	defer ws.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := ws.read()
		if err != nil {
			return errors.Wrap(err, "failed waiting for setupComplete")
		}
		if msg == nil {
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
		log.Printf("⚠️ Ignoring Gemini message received before setupComplete")
	}
}

// read returns nil, nil for frames that are not valid JSON
func (ws *wireSession) read() (*wireServerMessage, error) {
	_, data, err := ws.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg wireServerMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		log.Printf("⚠️ Failed to parse Gemini message: %v", err)
		return nil, nil
	}
	return &msg, nil
}

func (ws *wireSession) receive() ([]Event, error) {
	for {
		msg, err := ws.read()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			log.Printf("⚠️ Gemini goAway received (time left %s)", msg.GoAway.TimeLeft)
		}
		return eventsFromWire(msg), nil
	}
}

func eventsFromWire(msg *wireServerMessage) []Event {
	var (
		audio  []AudioChunk
		texts  []string
		status TurnStatus
	)
	status.SetupComplete = msg.SetupComplete != nil

	if sc := msg.ServerContent; sc != nil {
		status.TurnComplete = sc.TurnComplete
		status.Interrupted = sc.Interrupted
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && part.InlineData.Data != "" {
					audio = append(audio, AudioChunk{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType})
					continue
				}
				if part.Text != "" {
					texts = append(texts, part.Text)
				}
			}
		}
	}

	return eventsFromParts(audio, texts, status)
}

func (ws *wireSession) writeJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wireWriteTimeout))
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

// Send forwards one realtime frame
func (ws *wireSession) Send(input RealtimeInput) error {
	if ws.IsClosed() {
		return ErrClosed
	}

	var ri wireRealtimeInput
	switch {
	case input.Media != nil:
		ri.MediaChunks = []wireBlob{{
			MIMEType: input.Media.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(input.Media.Data),
		}}
	default:
		text := input.Text
		ri.Text = &text
	}

	if err := ws.writeJSON(wireClientMessage{RealtimeInput: &ri}); err != nil {
		return errors.Wrap(err, "failed to send realtime input")
	}
	return nil
}

// IsClosed reports whether Close has been called
func (ws *wireSession) IsClosed() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.closed
}

// Close sends a close frame and releases the socket
func (ws *wireSession) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	ws.mu.Unlock()

	_ = ws.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return ws.conn.Close()
}
