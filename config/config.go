package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingAPIKey is returned when neither GEMINI_API_KEY nor GOOGLE_API_KEY is set.
var ErrMissingAPIKey = errors.New("GEMINI_API_KEY (or GOOGLE_API_KEY) environment variable is required")

// Upstream transports
const (
	TransportSDK  = "sdk"  // google.golang.org/genai Live client
	TransportWire = "wire" // raw BidiGenerateContent websocket
)

const (
	DefaultModel = "models/gemini-2.0-flash-live-001"
	DefaultVoice = "Puck"

	// DefaultMaxFrameBytes caps a single client frame at 100 MiB
	DefaultMaxFrameBytes = 100 << 20
)

// Config holds all relay configuration. It is built once at startup and
// passed by pointer to the server and the session manager.
type Config struct {
	Port              int
	GeminiAPIKey      string
	GeminiModel       string
	Voice             string
	UpstreamTransport string // "sdk" or "wire"
	AllowedOrigins    []string
	StaticDir         string // Served on "/" when non-empty
	MaxSessions       int    // 0 means unlimited
	IdleTimeout       time.Duration
	HistoryLimit      int   // Upstream events retained per connection, 0 disables
	MaxFrameBytes     int64 // Largest client frame accepted, 0 means no limit
	RedisURL          string
	RedisPassword     string
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup function
func FromEnv(getenv func(string) string) (*Config, error) {
	config := &Config{
		Port:              8080,
		GeminiModel:       DefaultModel,
		Voice:             DefaultVoice,
		UpstreamTransport: TransportSDK,
		AllowedOrigins:    []string{"*"},
		StaticDir:         "public",
		HistoryLimit:      256,
		MaxFrameBytes:     DefaultMaxFrameBytes,
	}

	// Required: GEMINI_API_KEY, falling back to GOOGLE_API_KEY
	config.GeminiAPIKey = getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		config.GeminiAPIKey = getenv("GOOGLE_API_KEY")
	}
	if config.GeminiAPIKey == "" {
		return nil, ErrMissingAPIKey
	}

	// Optional: PORT
	if port := getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT: %d out of range", p)
		}
		config.Port = p
	}

	// Optional: GEMINI_MODEL
	if model := getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}

	// Optional: GEMINI_VOICE
	if voice := getenv("GEMINI_VOICE"); voice != "" {
		config.Voice = voice
	}

	// Optional: UPSTREAM_TRANSPORT ("sdk" or "wire")
	if transport := getenv("UPSTREAM_TRANSPORT"); transport != "" {
		switch transport {
		case TransportSDK, TransportWire:
			config.UpstreamTransport = transport
		default:
			return nil, fmt.Errorf("invalid UPSTREAM_TRANSPORT: must be 'sdk' or 'wire'")
		}
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, o)
			}
		}
	}

	// Optional: STATIC_DIR ("-" disables static serving)
	if dir := getenv("STATIC_DIR"); dir != "" {
		if dir == "-" {
			dir = ""
		}
		config.StaticDir = dir
	}

	// Optional: MAX_SESSIONS
	if maxSessions := getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil || m < 0 {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %q", maxSessions)
		}
		config.MaxSessions = m
	}

	// Optional: IDLE_TIMEOUT (in seconds)
	if timeout := getenv("IDLE_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil || t < 0 {
			return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %q", timeout)
		}
		config.IdleTimeout = time.Duration(t) * time.Second
	}

	// Optional: HISTORY_LIMIT
	if limit := getenv("HISTORY_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l < 0 {
			return nil, fmt.Errorf("invalid HISTORY_LIMIT: %q", limit)
		}
		config.HistoryLimit = l
	}

	// Optional: MAX_FRAME_BYTES
	if frame := getenv("MAX_FRAME_BYTES"); frame != "" {
		n, err := strconv.ParseInt(frame, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid MAX_FRAME_BYTES: %q", frame)
		}
		config.MaxFrameBytes = n
	}

	// Optional: REDIS_URL, REDIS_PASSWORD
	config.RedisURL = getenv("REDIS_URL")
	config.RedisPassword = getenv("REDIS_PASSWORD")

	return config, nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// OriginAllowed reports whether a browser origin may upgrade
func (c *Config) OriginAllowed(origin string) bool {
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
