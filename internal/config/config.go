package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"

	NotifyBackendStore = "store"
	NotifyBackendRedis = "redis"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	NotifyBackend string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	ViewWindow       time.Duration
	ViewPollInterval time.Duration
	HistoryLimit     int

	Retention             time.Duration
	RetentionScanInterval time.Duration

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64

	RateLimitPerMinute        int
	RateLimitBurst            int
	StationRateLimitPerMinute int
	StationRateLimitBurst     int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment
// variables win over it.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:     readString("PORT", "8080"),
		Env:      readString("APP_ENV", "development"),
		LogLevel: readString("LOG_LEVEL", "info"),

		StoreDriver: strings.ToLower(readString("STORE_DRIVER", StoreDriverSQLite)),
		DatabaseURL: os.Getenv("DB_DSN"),
		SQLitePath:  readString("SQLITE_PATH", "clinic-queue.db"),

		NotifyBackend: strings.ToLower(readString("NOTIFY_BACKEND", NotifyBackendStore)),
		RedisAddr:     readString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),
		RedisChannel:  readString("REDIS_CHANNEL", "clinic:tickets"),

		ViewWindow:       readDurationHours("VIEW_WINDOW_HOURS", 24),
		ViewPollInterval: readDurationSeconds("VIEW_POLL_SECONDS", 5),
		HistoryLimit:     readInt("HISTORY_LIMIT", 4),

		Retention:             readDurationDays("RETENTION_DAYS", 0),
		RetentionScanInterval: readDurationSeconds("RETENTION_SCAN_INTERVAL_SECONDS", 3600),

		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:     readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio: readFloat("OTEL_TRACES_SAMPLER_ARG", 1),

		RateLimitPerMinute:        readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:            readInt("RATE_LIMIT_BURST", 30),
		StationRateLimitPerMinute: readInt("STATION_RATE_LIMIT_PER_MIN", 600),
		StationRateLimitBurst:     readInt("STATION_RATE_LIMIT_BURST", 120),
	}
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationHours(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Hour
}

func readDurationDays(key string, fallback int) time.Duration {
	return readDurationHours(key, fallback) * 24
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
