package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 2*time.Second, cfg.TypingExpiry)
	assert.Equal(t, 250*time.Millisecond, cfg.TypingSweepInterval)
	assert.Equal(t, "memory", cfg.ConversationStore)
	assert.Equal(t, "none", cfg.RelayBackend)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 0.5, cfg.ClassifierMinConfidence)
	assert.Empty(t, cfg.WSAllowedOrigins)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TYPING_EXPIRY", "3s")
	t.Setenv("WS_SEND_BUFFER", "512")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://portal.city.gov, ,https://*.city.gov")
	t.Setenv("RELAY_BACKEND", "Redis")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("CLASSIFIER_MIN_CONFIDENCE", "0.7")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("NODE_ID", "node-a")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 3*time.Second, cfg.TypingExpiry)
	assert.Equal(t, 512, cfg.WSSendBuffer)
	assert.Equal(t, []string{"https://portal.city.gov", "https://*.city.gov"}, cfg.WSAllowedOrigins)
	assert.Equal(t, "redis", cfg.RelayBackend)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 0.7, cfg.ClassifierMinConfidence)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, "node-a", cfg.NodeID)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("WS_SEND_BUFFER", "lots")
	t.Setenv("TYPING_EXPIRY", "soon")
	t.Setenv("TRACING_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, 256, cfg.WSSendBuffer)
	assert.Equal(t, 2*time.Second, cfg.TypingExpiry)
	assert.False(t, cfg.TracingEnabled)
}
