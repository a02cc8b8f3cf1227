package messages

import "github.com/bytedance/sonic"

// Message types shared by both directions
const (
	TypeText  = "text"
	TypeError = "error"
)

// ServerMessage is a JSON frame sent to the browser. Exactly one of Text
// or Error is set, matching Type.
type ServerMessage struct {
	Type  string `json:"type"` // "text" or "error"
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewTextMessage creates a transcript text message
func NewTextMessage(text string) *ServerMessage {
	return &ServerMessage{Type: TypeText, Text: text}
}

// NewErrorMessage creates an error message
func NewErrorMessage(message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Error: message}
}

// Encode serializes the message for a websocket text frame
func (m *ServerMessage) Encode() ([]byte, error) {
	return sonic.Marshal(m)
}
