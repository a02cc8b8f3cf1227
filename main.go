package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/room4-2/liverelay/config"
	"github.com/room4-2/liverelay/gemini"
	"github.com/room4-2/liverelay/server"
	"github.com/room4-2/liverelay/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var dialer gemini.Dialer
	switch cfg.UpstreamTransport {
	case config.TransportWire:
		dialer = gemini.NewWireDialer(cfg.GeminiAPIKey)
	default:
		dialer = gemini.NewSDKDialer(cfg.GeminiAPIKey)
	}
	log.Printf("🤖 Using %s upstream transport, model %s", cfg.UpstreamTransport, cfg.GeminiModel)

	// Create session manager
	sessionManager := session.NewManager(cfg, dialer)

	// Start cleanup routine
	ctx, cancel := context.WithCancel(context.Background())
	go sessionManager.StartCleanupRoutine(ctx)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	srv := server.NewServer(cfg, sessionManager)

	go func() {
		<-sigChan
		log.Println("\nReceived shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
