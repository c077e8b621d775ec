package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Probe modes for the connectivity worker.
const (
	ProbeModeNone = "none"
	ProbeModeHTTP = "http"
	ProbeModeWS   = "ws"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	// ─── Session controller ────────────────────────────────────────────
	APIBaseURL     string
	APIToken       string
	StudentID      string
	RequestTimeout time.Duration

	DebounceWindow    time.Duration
	HeartbeatInterval time.Duration
	SaveRetryDelay    time.Duration
	FlushTimeout      time.Duration
	TickInterval      time.Duration

	SubmitRetryAttempts  int
	SubmitRetryBaseDelay time.Duration
	SubmitRetryMaxDelay  time.Duration

	ProbeMode     string
	ProbeInterval time.Duration
	StreamURL     string

	// RedisURL enables the local snapshot journal. Empty disables it.
	RedisURL    string
	SnapshotTTL time.Duration

	// ─── Stub backend (cmd/devserver) ──────────────────────────────────
	ServerPort  string
	GinMode     string
	JWTSecret   string
	JWTExpiry   time.Duration
	FixturePath string

	// TokenPasswordHash, when set, is the bcrypt hash callers must match to
	// obtain a student token.
	TokenPasswordHash string
	// AttemptDuration is the window given to fixtures that carry no endDate.
	AttemptDuration time.Duration
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // .env is optional

	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "pretty"),

		APIBaseURL:     strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080/api"), "/"),
		APIToken:       getEnv("API_TOKEN", ""),
		StudentID:      getEnv("STUDENT_ID", ""),
		RequestTimeout: getEnvSeconds("REQUEST_TIMEOUT_SECONDS", 15),

		DebounceWindow:    getEnvMillis("AUTOSAVE_DEBOUNCE_MS", 1000),
		HeartbeatInterval: getEnvSeconds("AUTOSAVE_HEARTBEAT_SECONDS", 30),
		SaveRetryDelay:    getEnvSeconds("AUTOSAVE_RETRY_SECONDS", 5),
		FlushTimeout:      getEnvSeconds("SUBMIT_FLUSH_TIMEOUT_SECONDS", 5),
		TickInterval:      getEnvMillis("COUNTDOWN_TICK_MS", 1000),

		SubmitRetryAttempts:  getEnvInt("SUBMIT_RETRY_ATTEMPTS", 5),
		SubmitRetryBaseDelay: getEnvMillis("SUBMIT_RETRY_BASE_MS", 2000),
		SubmitRetryMaxDelay:  getEnvSeconds("SUBMIT_RETRY_MAX_SECONDS", 30),

		ProbeMode:     strings.ToLower(getEnv("PROBE_MODE", ProbeModeHTTP)),
		ProbeInterval: getEnvSeconds("PROBE_INTERVAL_SECONDS", 10),
		StreamURL:     getEnv("STREAM_URL", ""),

		RedisURL:    getEnv("REDIS_URL", ""),
		SnapshotTTL: time.Duration(getEnvInt("SNAPSHOT_TTL_HOURS", 24)) * time.Hour,

		ServerPort:        getEnv("SERVER_PORT", "8080"),
		GinMode:           getEnv("GIN_MODE", "debug"),
		JWTSecret:         getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),
		JWTExpiry:         time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 24)) * time.Hour,
		FixturePath:       getEnv("FIXTURE_PATH", "./fixtures/assessments.json"),
		TokenPasswordHash: getEnv("TOKEN_PASSWORD_HASH", ""),
		AttemptDuration:   time.Duration(getEnvInt("ATTEMPT_DURATION_MINUTES", 60)) * time.Minute,
		AllowedOrigins:    parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
