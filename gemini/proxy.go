package gemini

import (
	"context"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"
)

// liveSession is the part of *genai.Session the proxy uses
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// SDKDialer opens sessions through the official GenAI SDK
type SDKDialer struct {
	APIKey string
}

// NewSDKDialer creates a dialer for the Gemini Developer API
func NewSDKDialer(apiKey string) *SDKDialer {
	return &SDKDialer{APIKey: apiKey}
}

// Dial connects a Live session and waits for setup to complete
func (d *SDKDialer) Dial(ctx context.Context, cfg SessionConfig, h Handlers) (Upstream, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	session, err := client.Live.Connect(ctx, cfg.Model, LiveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}

	p, err := startProxy(session, h)
	if err != nil {
		return nil, err
	}
	log.Printf("✅ Connected to Gemini Live via SDK (%s)", cfg.Model)
	return p, nil
}

// LiveConnectConfig builds the fixed session configuration
func LiveConnectConfig(cfg SessionConfig) *genai.LiveConnectConfig {
	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: cfg.SystemInstruction},
			},
		}
	}
	if cfg.Voice != "" {
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: cfg.Voice,
				},
			},
		}
	}
	return config
}

// Proxy is an open SDK Live session
type Proxy struct {
	session liveSession

	mu     sync.RWMutex
	closed bool
}

// startProxy consumes the setup acknowledgement, fires OnOpen and starts
// the receive goroutine. A first message that is not the setup
// acknowledgement is delivered as a regular event.
func startProxy(session liveSession, h Handlers) (*Proxy, error) {
	first, err := session.Receive()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to complete Live setup: %w", err)
	}

	p := &Proxy{session: session}
	h.open()

	go func() {
		if first.SetupComplete == nil {
			for _, ev := range EventsFromLiveMessage(first) {
				h.message(ev)
			}
		}
		receiveLoop(p.receive, p.IsClosed, h)
	}()
	return p, nil
}

func (p *Proxy) receive() ([]Event, error) {
	resp, err := p.session.Receive()
	if err != nil {
		return nil, err
	}
	return EventsFromLiveMessage(resp), nil
}

// Send forwards one realtime frame
func (p *Proxy) Send(input RealtimeInput) error {
	if p.IsClosed() {
		return ErrClosed
	}

	var live genai.LiveRealtimeInput
	switch {
	case input.Media != nil:
		live.Media = &genai.Blob{
			MIMEType: input.Media.MIMEType,
			Data:     input.Media.Data,
		}
	default:
		live.Text = input.Text
	}

	if err := p.session.SendRealtimeInput(live); err != nil {
		return fmt.Errorf("failed to send realtime input: %w", err)
	}
	return nil
}

// IsClosed reports whether Close has been called
func (p *Proxy) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close terminates the Gemini connection
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.session.Close()
}
