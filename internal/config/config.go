package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App         AppConfig
	Ai          AIConfig
	Diagnostics DiagnosticsConfig
	Rag         RagConfig
	Telemetry   TelemetryConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	StreamLogFilePath  string
	CorsAllowedOrigins string
	NatsURL            string
	RedisURL           string
	ArchiveTTL         time.Duration
}

type AIConfig struct {
	LLMProvider       string // "ollama"
	OllamaBaseURL     string
	LLMModel          string // e.g. "gpt-oss:20b"
	EmbeddingProvider string // "ollama"
	EmbeddingModel    string // e.g. "nomic-embed-text"
	KeepAlive         string
	Temperature       float64
	MaxTokens         int
	WarmupTimeout     time.Duration
}

type DiagnosticsConfig struct {
	ProbabilityThreshold float64
	IdleWait             time.Duration
	RetryBackoff         time.Duration
}

type RagConfig struct {
	StoreDir string
	DefaultK int
}

type TelemetryConfig struct {
	OtelEnabled  bool
	OtelEndpoint string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "8000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/app.log"),
			StreamLogFilePath:  getEnv("STREAM_LOG_FILE_PATH", "logs/llm_stream.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:1420,https://tauri.localhost,tauri://localhost"),
			NatsURL:            getEnv("NATS_URL", ""),
			RedisURL:           getEnv("REDIS_URL", ""),
			ArchiveTTL:         getEnvAsDuration("ARCHIVE_TTL", 7*24*time.Hour),
		},
		Ai: AIConfig{
			LLMProvider:       getEnv("LLM_PROVIDER", "ollama"),
			OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			LLMModel:          getEnv("LLM_MODEL", "gpt-oss:20b"),
			EmbeddingProvider: getEnv("EMBEDDING_PROVIDER", "ollama"),
			EmbeddingModel:    getEnv("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
			KeepAlive:         getEnv("LLM_KEEP_ALIVE", "30m"),
			Temperature:       getEnvAsFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:         getEnvAsInt("LLM_MAX_TOKENS", 4096),
			WarmupTimeout:     getEnvAsDuration("LLM_WARMUP_TIMEOUT", 20*time.Second),
		},
		Diagnostics: DiagnosticsConfig{
			ProbabilityThreshold: getEnvAsFloat("DIAGNOSIS_PROBABILITY_THRESHOLD", 10),
			IdleWait:             getEnvAsDuration("DIAGNOSIS_IDLE_WAIT", 250*time.Millisecond),
			RetryBackoff:         getEnvAsDuration("DIAGNOSIS_RETRY_BACKOFF", 2*time.Second),
		},
		Rag: RagConfig{
			StoreDir: getEnv("RAG_STORE_DIR", "rag/store"),
			DefaultK: getEnvAsInt("RAG_DEFAULT_K", 10),
		},
		Telemetry: TelemetryConfig{
			OtelEnabled:  getEnvAsBool("OTEL_ENABLED", false),
			OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
