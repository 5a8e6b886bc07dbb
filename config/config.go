package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port     string // default: 8080
	APIToken string // empty disables request authentication

	// Store
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisTLS      bool

	// Database (optional; job history is dropped when unset)
	PostgresDSN string

	// Workers
	WorkerMin int // default: 2
	WorkerMax int // default: 8

	// Notifications
	NotifyChannel string // default: "discord"

	// Engines
	OllamaBaseURL string
	OllamaModel   string // default: "llama3.2"
	AgentBaseURL  string
	AgentID       string
	AgentAPIKey   string
	EngineTimeout time.Duration // default: 120s

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // requests per minute, default: 60
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		APIToken:             os.Getenv("API_TOKEN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisUsername:        os.Getenv("REDIS_USERNAME"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisTLS:             getEnv("REDIS_TLS", "false") == "true",
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		NotifyChannel:        getEnv("NOTIFY_CHANNEL", "discord"),
		OllamaBaseURL:        os.Getenv("OLLAMA_BASE_URL"),
		OllamaModel:          getEnv("OLLAMA_MODEL", "llama3.2"),
		AgentBaseURL:         os.Getenv("AGENT_BASE_URL"),
		AgentID:              os.Getenv("AGENT_ID"),
		AgentAPIKey:          os.Getenv("AGENT_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	cfg.WorkerMin, err = getEnvInt("WORKER_MIN", 2)
	if err != nil {
		return nil, err
	}
	cfg.WorkerMax, err = getEnvInt("WORKER_MAX", 8)
	if err != nil {
		return nil, err
	}

	timeoutSec, err := getEnvInt("ENGINE_TIMEOUT_SECONDS", 120)
	if err != nil {
		return nil, err
	}
	cfg.EngineTimeout = time.Duration(timeoutSec) * time.Second

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "60")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	// Validation
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.WorkerMin < 1 {
		return nil, fmt.Errorf("WORKER_MIN must be at least 1")
	}
	if cfg.WorkerMax < cfg.WorkerMin {
		return nil, fmt.Errorf("WORKER_MAX must be >= WORKER_MIN")
	}
	if cfg.OllamaBaseURL == "" && cfg.AgentBaseURL == "" {
		return nil, fmt.Errorf("at least one engine is required: set OLLAMA_BASE_URL or AGENT_BASE_URL")
	}
	if cfg.AgentBaseURL != "" && cfg.AgentID == "" {
		return nil, fmt.Errorf("AGENT_ID is required when AGENT_BASE_URL is set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
