package session

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/room4-2/liverelay/gemini"
	"github.com/room4-2/liverelay/messages"
)

var errUnknownMessageType = errors.New("unknown message type")

type outboundFrame struct {
	messageType int
	data        []byte
}

// translateClientFrame maps one client frame to an upstream input.
// A nil input with a nil error means the frame is recognised but needs
// no upstream call.
func translateClientFrame(messageType int, data []byte) (*gemini.RealtimeInput, error) {
	switch messageType {
	case websocket.BinaryMessage:
		// Raw PCM, forwarded without length or alignment checks
		input := gemini.NewAudioInput(data)
		return &input, nil

	case websocket.TextMessage:
		msg, err := messages.ParseClientMessage(data)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case messages.TypeText:
			input := gemini.NewTextInput(msg.TextValue())
			return &input, nil
		case messages.TypeTurnComplete:
			// Reserved for explicit turn-taking; upstream VAD detects turn ends
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: %q", errUnknownMessageType, msg.Type)
		}

	default:
		return nil, fmt.Errorf("unsupported websocket frame type %d", messageType)
	}
}

// upstreamAction is the client-side effect of one upstream event
type upstreamAction struct {
	frame       *outboundFrame
	closeClient bool
}

// translateEvent maps one upstream event to its client-side effect
func translateEvent(ev gemini.Event) (upstreamAction, error) {
	switch e := ev.(type) {
	case gemini.AudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(e.Data)
		if err != nil {
			return upstreamAction{}, fmt.Errorf("failed to decode audio chunk: %w", err)
		}
		if len(pcm) == 0 {
			return upstreamAction{}, nil
		}
		return upstreamAction{frame: &outboundFrame{messageType: websocket.BinaryMessage, data: pcm}}, nil

	case gemini.TranscriptText:
		text := e.Text()
		if text == "" {
			return upstreamAction{}, nil
		}
		return jsonAction(messages.NewTextMessage(text))

	case gemini.ErrorEvent:
		return jsonAction(messages.NewErrorMessage(e.Message()))

	case gemini.CloseEvent:
		return upstreamAction{closeClient: true}, nil

	case gemini.TurnStatus:
		return upstreamAction{}, nil

	default:
		return upstreamAction{}, fmt.Errorf("unhandled upstream event %T", ev)
	}
}

func jsonAction(msg *messages.ServerMessage) (upstreamAction, error) {
	data, err := msg.Encode()
	if err != nil {
		return upstreamAction{}, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return upstreamAction{frame: &outboundFrame{messageType: websocket.TextMessage, data: data}}, nil
}
