package messages

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client message types
const (
	TypeTurnComplete = "turnComplete"
)

var (
	ErrMissingType = errors.New("message missing 'type' field")
	ErrMissingText = errors.New("text message missing 'text' field")
)

// ClientMessage is a JSON control frame from the browser.
// Audio never arrives this way; it comes as raw binary frames.
type ClientMessage struct {
	Type string  `json:"type"` // "text" or "turnComplete"
	Text *string `json:"text,omitempty"`
}

// ParseClientMessage decodes a text frame. Unknown types are returned
// without error so the caller can decide what to log.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid client message: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	if msg.Type == TypeText && msg.Text == nil {
		return nil, ErrMissingText
	}
	return &msg, nil
}

// TextValue returns the text payload. An empty string is a valid payload.
func (m *ClientMessage) TextValue() string {
	if m == nil || m.Text == nil {
		return ""
	}
	return *m.Text
}
