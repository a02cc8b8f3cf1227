package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/room4-2/liverelay/config"
	"github.com/room4-2/liverelay/gemini"
)

func main() {
	prompt := flag.String("text", "Hello! Say hi back in one sentence.", "Text to send to the model")
	wait := flag.Duration("wait", 10*time.Second, "How long to wait for the reply")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var dialer gemini.Dialer = gemini.NewSDKDialer(cfg.GeminiAPIKey)
	if cfg.UpstreamTransport == config.TransportWire {
		dialer = gemini.NewWireDialer(cfg.GeminiAPIKey)
	}

	done := make(chan struct{})
	var audioBytes int

	handlers := gemini.Handlers{
		OnOpen: func() {
			log.Printf("🔗 Session open (%s transport)", cfg.UpstreamTransport)
		},
		OnMessage: func(ev gemini.Event) {
			switch e := ev.(type) {
			case gemini.AudioChunk:
				audioBytes += len(e.Data) * 3 / 4
				log.Printf("🔊 Received audio chunk (%s)", e.MIMEType)
			case gemini.TranscriptText:
				log.Printf("💬 Received text: %s", e.Text())
			case gemini.TurnStatus:
				if e.TurnComplete {
					log.Println("✅ Turn complete")
				}
			}
		},
		OnError: func(err error) {
			log.Printf("❌ Error: %v", err)
		},
		OnClose: func(reason string) {
			log.Printf("🔌 Closed: %s", reason)
			close(done)
		},
	}

	sessionConfig := gemini.SessionConfig{
		Model:             cfg.GeminiModel,
		SystemInstruction: "You are a helpful assistant. Keep responses brief.",
		Voice:             cfg.Voice,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	upstream, err := dialer.Dial(ctx, sessionConfig, handlers)
	cancel()
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}

	if err := upstream.Send(gemini.NewTextInput(*prompt)); err != nil {
		log.Fatalf("Failed to send text: %v", err)
	}

	log.Println("Waiting for response...")
	select {
	case <-done:
	case <-time.After(*wait):
		_ = upstream.Close()
		<-done
	}
	log.Printf("Done, roughly %d bytes of audio received", audioBytes)
}
