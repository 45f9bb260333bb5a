// Package config provides configuration for the web chat client and its
// conversation backend.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the web chat configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Client settings
	BackendURL string // base URL the streaming client posts to
	Model      string // model requested by the chat session
	Jailbreak  string

	// Storage
	DatabaseURL string // empty or "memory" keeps conversations in memory

	// Upstream LLM settings
	LiteLLMURL    string
	LiteLLMAPIKey string
	LLMTimeout    time.Duration
	FallbackModel string

	// Mode is "MOCK" to answer locally without a backend.
	Mode string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel  string
	LogFormat string
}

// ModeMock selects the local echo streamer and mock LLM client.
const ModeMock = "MOCK"

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 8080),
		BackendURL:     getEnv("BACKEND_URL", "http://localhost:8080"),
		Model:          getEnv("DEFAULT_MODEL", "gemini-2.5-flash"),
		Jailbreak:      getEnv("JAILBREAK", "false"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:webchat.db?cache=shared&mode=rwc"),
		LiteLLMURL:     getEnv("LITELLM_URL", "http://localhost:4000"),
		LiteLLMAPIKey:  getEnv("LITELLM_API_KEY", ""),
		LLMTimeout:     time.Duration(getEnvInt("LLM_TIMEOUT_MS", 60000)) * time.Millisecond,
		FallbackModel:  getEnv("FALLBACK_MODEL", "gemini-2.5-flash"),
		Mode:           getEnv("GOGO_MODE", ""),
		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "console"),
	}
}

// MockMode reports whether responses are simulated locally.
func (c *Config) MockMode() bool {
	return c.Mode == ModeMock
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
