// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort            string
	ServerReadTimeout     time.Duration
	ServerWriteTimeout    time.Duration
	ServerShutdownTimeout time.Duration
	NodeID                string

	// JWT settings
	JWTSecret string

	// Websocket settings
	WSWriteWait      time.Duration
	WSPongWait       time.Duration
	WSPingInterval   time.Duration
	WSMaxMessageSize int64
	WSSendBuffer     int
	WSAuthTimeout    time.Duration
	// Origin patterns for websocket upgrades. Empty admits same-host
	// origins only; "*" admits all.
	WSAllowedOrigins []string

	// Presence settings
	TypingExpiry        time.Duration
	TypingSweepInterval time.Duration

	// Conversation store: memory or jetstream
	ConversationStore string
	JetStreamReplicas int

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	NATSMaxReconnects int
	NATSReconnectWait time.Duration

	// Database settings
	DBDriver       string
	DBDSN          string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBLogLevel     string

	// Relay settings: none, nats or redis
	RelayBackend  string
	RelaySubject  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Classifier settings
	ClassifierURL           string
	ClassifierTimeout       time.Duration
	ClassifierMinConfidence float64
	AnthropicAPIKey         string
	OpenAIAPIKey            string
	DefaultLLM              string
	LLMModel                string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		// Server
		ServerPort:            getEnv("PORT", "8080"),
		ServerReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ServerShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		NodeID:                getEnv("NODE_ID", hostname),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Websocket
		WSWriteWait:      getDurationEnv("WS_WRITE_WAIT", 10*time.Second),
		WSPongWait:       getDurationEnv("WS_PONG_WAIT", 60*time.Second),
		WSPingInterval:   getDurationEnv("WS_PING_INTERVAL", 54*time.Second),
		WSMaxMessageSize: int64(getIntEnv("WS_MAX_MESSAGE_SIZE", 64*1024)),
		WSSendBuffer:     getIntEnv("WS_SEND_BUFFER", 256),
		WSAuthTimeout:    getDurationEnv("WS_AUTH_TIMEOUT", 30*time.Second),
		WSAllowedOrigins: getListEnv("WS_ALLOWED_ORIGINS"),

		// Presence
		TypingExpiry:        getDurationEnv("TYPING_EXPIRY", 2*time.Second),
		TypingSweepInterval: getDurationEnv("TYPING_SWEEP_INTERVAL", 250*time.Millisecond),

		// Conversation store
		ConversationStore: strings.ToLower(getEnv("CONVERSATION_STORE", "memory")),
		JetStreamReplicas: getIntEnv("JETSTREAM_REPLICAS", 1),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		NATSMaxReconnects: getIntEnv("NATS_MAX_RECONNECTS", -1),
		NATSReconnectWait: getDurationEnv("NATS_RECONNECT_WAIT", 2*time.Second),

		// Database
		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBDSN:          getEnv("DB_DSN", "file:realtime.db?_busy_timeout=5000"),
		DBMaxOpenConns: getIntEnv("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns: getIntEnv("DB_MAX_IDLE_CONNS", 5),
		DBLogLevel:     getEnv("DB_LOG_LEVEL", "warn"),

		// Relay
		RelayBackend:  strings.ToLower(getEnv("RELAY_BACKEND", "none")),
		RelaySubject:  getEnv("RELAY_SUBJECT", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		// Classifier
		ClassifierURL:           getEnv("CLASSIFIER_URL", ""),
		ClassifierTimeout:       getDurationEnv("CLASSIFIER_TIMEOUT", 10*time.Second),
		ClassifierMinConfidence: getFloatEnv("CLASSIFIER_MIN_CONFIDENCE", 0.5),
		AnthropicAPIKey:         getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:              strings.ToLower(getEnv("DEFAULT_LLM", "anthropic")),
		LLMModel:                getEnv("LLM_MODEL", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated value, dropping empty entries.
func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
