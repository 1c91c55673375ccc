package watch

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL string // Required: PantMig REST API base URL
	ChannelURL string // Required: websocket push endpoint
	BusURL     string // Optional: NATS URL for cross-context sync (empty: in-process only)

	DatabaseFile string // Optional: SQLite credential store path (empty: in-memory)

	Email    string // Optional: credentials for a fresh login when no session is stored
	Password string

	SnapshotSize int // Optional: recent-notification snapshot size (default: 50)

	LogLevel  string        // Log level (debug, info, warn, error) (default: info)
	LogFormat string        // Log format (json, text) (default: text)
	DrainWait time.Duration // Graceful shutdown timeout (default: 5s)
}

func LoadConfig() Config {
	// Best-effort: a missing .env file is not an error.
	_ = godotenv.Load()

	return Config{
		APIBaseURL:   getEnvOrDefault("PANTMIG_API_URL", "https://api.pantmig.dk"),
		ChannelURL:   getEnvOrDefault("PANTMIG_WS_URL", "wss://api.pantmig.dk/ws/notifications"),
		BusURL:       os.Getenv("PANTMIG_BUS_URL"),
		DatabaseFile: os.Getenv("PANTMIG_DB_FILE"),
		Email:        os.Getenv("PANTMIG_EMAIL"),
		Password:     os.Getenv("PANTMIG_PASSWORD"),
		SnapshotSize: getEnvIntOrDefault("PANTMIG_SNAPSHOT_SIZE", 50),
		LogLevel:     getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:    getEnvOrDefault("LOG_FORMAT", "text"),
		DrainWait:    getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 5*time.Second),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	return defaultValue
}
