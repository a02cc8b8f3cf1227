package gemini

import (
	"context"
	"errors"
)

// AudioInputMIMEType describes client audio: 16-bit little-endian mono PCM at 16 kHz
const AudioInputMIMEType = "audio/pcm;rate=16000"

// ErrClosed is returned by Send after the session has been closed
var ErrClosed = errors.New("gemini session is closed")

// SessionConfig is fixed for the lifetime of a session. The response
// modality is always audio.
type SessionConfig struct {
	Model             string
	SystemInstruction string
	Voice             string
}

// MediaChunk is a realtime media input. Data holds raw bytes and is
// base64-encoded on the wire.
type MediaChunk struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

// RealtimeInput is one realtime frame sent upstream: media when Media is
// set, otherwise text (which may be empty).
type RealtimeInput struct {
	Media *MediaChunk `json:"media,omitempty"`
	Text  string      `json:"text,omitempty"`
}

// NewAudioInput wraps raw client PCM as realtime media
func NewAudioInput(pcm []byte) RealtimeInput {
	return RealtimeInput{Media: &MediaChunk{Data: pcm, MIMEType: AudioInputMIMEType}}
}

// NewTextInput wraps user text as realtime text input
func NewTextInput(text string) RealtimeInput {
	return RealtimeInput{Text: text}
}

// Handlers receive session callbacks. OnOpen fires before Dial returns.
// OnMessage is called from a single receive goroutine in arrival order.
// OnClose fires exactly once when the receive loop ends.
type Handlers struct {
	OnOpen    func()
	OnMessage func(Event)
	OnError   func(error)
	OnClose   func(reason string)
}

func (h Handlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handlers) message(ev Event) {
	if h.OnMessage != nil {
		h.OnMessage(ev)
	}
}

func (h Handlers) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handlers) close(reason string) {
	if h.OnClose != nil {
		h.OnClose(reason)
	}
}

// Upstream is an open realtime session
type Upstream interface {
	Send(input RealtimeInput) error
	Close() error
}

// Dialer opens realtime sessions. Dial blocks until the session is open.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig, h Handlers) (Upstream, error)
}
