package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/room4-2/liverelay/config"
	"github.com/room4-2/liverelay/gemini"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrMaxSessions is returned when MAX_SESSIONS connections are already live
var ErrMaxSessions = errors.New("maximum sessions reached")

const (
	cleanupInterval = 1 * time.Minute
	presenceTTL     = 30 * time.Minute
)

// Manager tracks live connections so they can be counted, swept when
// idle and closed on shutdown. Connections share no other state.
type Manager struct {
	sessions      map[string]*ClientSession
	mu            sync.RWMutex
	redis         *redis.Client
	config        *config.Config
	dialer        gemini.Dialer
	sessionConfig gemini.SessionConfig
}

// NewManager creates a session manager. When REDIS_URL is set, presence
// records are mirrored to Redis; an unreachable Redis is not fatal.
func NewManager(cfg *config.Config, dialer gemini.Dialer) *Manager {
	sm := &Manager{
		sessions: make(map[string]*ClientSession),
		config:   cfg,
		dialer:   dialer,
		sessionConfig: gemini.SessionConfig{
			Model:             cfg.GeminiModel,
			SystemInstruction: DefaultSystemPrompt,
			Voice:             cfg.Voice,
		},
	}

	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("⚠️ Redis unavailable at %s, presence disabled: %v", cfg.RedisURL, err)
			_ = redisClient.Close()
		} else {
			sm.redis = redisClient
		}
	}

	return sm
}

// SessionConfig returns the fixed upstream configuration
func (sm *Manager) SessionConfig() gemini.SessionConfig {
	return sm.sessionConfig
}

// CreateSession registers a connection and opens its upstream session.
// The connection is registered while dialing so the limit holds.
func (sm *Manager) CreateSession(ctx context.Context, clientConn ClientConn) (*ClientSession, error) {
	sm.mu.Lock()
	if sm.config.MaxSessions > 0 && len(sm.sessions) >= sm.config.MaxSessions {
		sm.mu.Unlock()
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	session := NewClientSession(sessionID, clientConn, sm.config.HistoryLimit)
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	if err := session.Connect(ctx, sm.dialer, sm.sessionConfig); err != nil {
		_ = sm.RemoveSession(ctx, sessionID)
		return nil, err
	}

	sm.storePresence(ctx, session)
	return session, nil
}

// storePresence mirrors session metadata to Redis
func (sm *Manager) storePresence(ctx context.Context, session *ClientSession) {
	if sm.redis == nil {
		return
	}
	key := "session:" + session.ID
	sm.redis.HSet(ctx, key, map[string]interface{}{
		"created_at":    session.CreatedAt.Format(time.RFC3339),
		"last_activity": session.LastActivity().Format(time.RFC3339),
		"status":        session.State().String(),
	})
	sm.redis.SAdd(ctx, "active_sessions", session.ID)
	sm.redis.Expire(ctx, key, sm.presenceTTL())
}

func (sm *Manager) presenceTTL() time.Duration {
	if sm.config.IdleTimeout > 0 {
		return sm.config.IdleTimeout
	}
	return presenceTTL
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession closes and forgets a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	if exists {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()

	if !exists {
		return nil
	}

	session.Close()

	if sm.redis != nil {
		sm.redis.Del(ctx, "session:"+sessionID)
		sm.redis.SRem(ctx, "active_sessions", sessionID)
	}

	return nil
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions closes sessions idle longer than IDLE_TIMEOUT
// and refreshes presence for the rest. It returns the number closed.
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) int {
	var idle, active []*ClientSession

	now := time.Now()
	sm.mu.RLock()
	for _, session := range sm.sessions {
		if sm.config.IdleTimeout > 0 && now.Sub(session.LastActivity()) > sm.config.IdleTimeout {
			idle = append(idle, session)
		} else {
			active = append(active, session)
		}
	}
	sm.mu.RUnlock()

	for _, session := range idle {
		log.Printf("⏰ [%s] Closing idle session", session.tag())
		_ = sm.RemoveSession(ctx, session.ID)
	}
	for _, session := range active {
		sm.storePresence(ctx, session)
	}
	return len(idle)
}

// StartCleanupRoutine runs periodic cleanup until ctx is done. It returns
// immediately when there is nothing to sweep or refresh.
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	sm.runCleanup(ctx, cleanupInterval)
}

func (sm *Manager) runCleanup(ctx context.Context, interval time.Duration) {
	if sm.config.IdleTimeout <= 0 && sm.redis == nil {
		return
	}
	if sm.config.IdleTimeout > 0 && sm.config.IdleTimeout < interval {
		interval = sm.config.IdleTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*ClientSession, 0, len(sm.sessions))
	for id, session := range sm.sessions {
		sessions = append(sessions, session)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}

	if sm.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, session := range sessions {
			sm.redis.Del(ctx, "session:"+session.ID)
			sm.redis.SRem(ctx, "active_sessions", session.ID)
		}
		_ = sm.redis.Close()
	}
}
