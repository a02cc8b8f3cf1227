package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/room4-2/liverelay/config"
	"github.com/room4-2/liverelay/messages"
	"github.com/room4-2/liverelay/session"

	"github.com/gorilla/websocket"
)

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
}

func NewServer(cfg *config.Config, sessionManager *session.Manager) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024, // 64KB for audio chunks
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin
				return origin == "" || cfg.OriginAllowed(origin)
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes: /ws, /health and static assets
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.config.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.StaticDir)))
	}
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Printf("🚀 Relay server starting on port %d", s.config.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost:%d/ws", s.config.Port)
	if s.config.StaticDir != "" {
		log.Printf("📁 Serving static files from %s", s.config.StaticDir)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown closes every live connection, then stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down server...")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	if s.config.MaxFrameBytes > 0 {
		conn.SetReadLimit(s.config.MaxFrameBytes)
	}

	log.Printf("🆕 New client connected from %s", r.RemoteAddr)

	// Opens the upstream session before any client data is read
	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		log.Printf("Failed to create session: %v", err)
		if errors.Is(err, session.ErrMaxSessions) {
			rejectClient(conn, err)
		}
		return
	}

	log.Printf("✅ New session created: %s", clientSession.ID)

	clientSession.Start()

	// Wait for both sides to close
	<-clientSession.Done()

	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	log.Printf("🔌 Session closed: %s", clientSession.ID)
}

// rejectClient reports an error on a connection that never got a session
func rejectClient(conn *websocket.Conn, err error) {
	if data, encErr := messages.NewErrorMessage(err.Error()).Encode(); encErr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.GetActiveSessionCount())
}
