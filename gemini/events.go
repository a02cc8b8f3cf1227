package gemini

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Event is an upstream event. The set of implementations is closed:
// AudioChunk, TranscriptText, TurnStatus, ErrorEvent and CloseEvent.
type Event interface {
	Kind() string
	isEvent()
}

// AudioChunk is base64-encoded PCM audio (24 kHz, mono, 16-bit)
type AudioChunk struct {
	Data     string
	MIMEType string
}

// TranscriptText holds the text parts of one model turn message, in arrival order
type TranscriptText struct {
	Parts []string
}

// TurnStatus is a message without audio or text: setup, turn or interruption signals
type TurnStatus struct {
	SetupComplete bool
	TurnComplete  bool
	Interrupted   bool
}

// ErrorEvent reports an upstream failure
type ErrorEvent struct {
	Err error
}

// CloseEvent reports that the upstream session has ended
type CloseEvent struct {
	Reason string
}

func (AudioChunk) Kind() string     { return "audio" }
func (TranscriptText) Kind() string { return "text" }
func (TurnStatus) Kind() string     { return "status" }
func (ErrorEvent) Kind() string     { return "error" }
func (CloseEvent) Kind() string     { return "close" }

func (AudioChunk) isEvent()     {}
func (TranscriptText) isEvent() {}
func (TurnStatus) isEvent()     {}
func (ErrorEvent) isEvent()     {}
func (CloseEvent) isEvent()     {}

// Text concatenates the parts with no separator
func (t TranscriptText) Text() string {
	return strings.Join(t.Parts, "")
}

// Message returns the error text, never empty
func (e ErrorEvent) Message() string {
	if e.Err == nil {
		return "unknown upstream error"
	}
	return e.Err.Error()
}

// eventsFromParts maps one model turn to events. Audio wins: when any
// part carries inline data, text parts of the same message are ignored.
func eventsFromParts(audio []AudioChunk, texts []string, status TurnStatus) []Event {
	if len(audio) > 0 {
		events := make([]Event, 0, len(audio))
		for _, a := range audio {
			events = append(events, a)
		}
		return events
	}
	if len(texts) > 0 {
		return []Event{TranscriptText{Parts: texts}}
	}
	return []Event{status}
}

// EventsFromLiveMessage converts an SDK server message into events
func EventsFromLiveMessage(resp *genai.LiveServerMessage) []Event {
	if resp == nil {
		return nil
	}

	var (
		audio  []AudioChunk
		texts  []string
		status TurnStatus
	)
	status.SetupComplete = resp.SetupComplete != nil

	if sc := resp.ServerContent; sc != nil {
		status.TurnComplete = sc.TurnComplete
		status.Interrupted = sc.Interrupted
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					// SDK decodes inline data; re-encode so both backends hand over base64
					audio = append(audio, AudioChunk{
						Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
						MIMEType: part.InlineData.MIMEType,
					})
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

// receiveLoop pulls events until next fails, then reports the failure
// through h and fires OnClose exactly once.
func receiveLoop(next func() ([]Event, error), closedByRelay func() bool, h Handlers) {
	reason := ""
	defer func() { h.close(reason) }()

	for {
		events, err := next()
		if err != nil {
			reason = classifyReceiveError(err, closedByRelay(), h)
			return
		}
		for _, ev := range events {
			h.message(ev)
		}
	}
}

func classifyReceiveError(err error, closedByRelay bool, h Handlers) string {
	if closedByRelay {
		return "closed by relay"
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		reason := closeErr.Text
		if reason == "" {
			reason = fmt.Sprintf("close code %d", closeErr.Code)
		}
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		default:
			log.Printf("❌ Gemini session closed abnormally: %v", err)
			h.error(fmt.Errorf("gemini session closed: %s", reason))
		}
		return reason
	}

	log.Printf("❌ Gemini receive error: %v", err)
	h.error(err)
	return err.Error()
}
