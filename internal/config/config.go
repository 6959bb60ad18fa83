// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	HandlerTimeout      time.Duration // per-request budget for RPC handlers
	MaxConcurrent       int           // bounded worker pool; excess requests are rejected
	MaxRequestBodyBytes int64

	// Storage settings.
	StoragePath      string // SQLite database file; empty keeps everything in memory
	GraphJournalPath string // append-only edge journal; empty disables durability

	// Guardrail settings.
	RulesDirs            []string // directories scanned for *.yaml rule files
	GuardrailJournalPath string   // evaluation journal (JSONL); empty disables

	// Vector backend: "memory", "qdrant", or "pgvector".
	VectorBackend    string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string
	PgvectorURL      string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "hash"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // must match the chosen model's output
	OllamaURL           string
	OllamaModel         string

	// Auth: comma-separated agent:secret pairs; empty disables auth.
	AuthTokens string

	// Rate limiting per agent; zero disables.
	RateLimitRPS   float64
	RateLimitBurst int

	// Deliberation tracker.
	TrackerTTL time.Duration

	// Startup behavior.
	ReindexOnStart bool

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with defaults that
// bring up a self-contained in-memory instance.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("CSTP_PORT", 8228),
		ReadTimeout:          envDuration("CSTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("CSTP_WRITE_TIMEOUT", 30*time.Second),
		HandlerTimeout:       envDuration("CSTP_HANDLER_TIMEOUT", 15*time.Second),
		MaxConcurrent:        envInt("CSTP_MAX_CONCURRENT", 64),
		MaxRequestBodyBytes:  int64(envInt("CSTP_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		StoragePath:          envStr("CSTP_STORAGE_PATH", ""),
		GraphJournalPath:     envStr("CSTP_GRAPH_JOURNAL", ""),
		RulesDirs:            envList("CSTP_RULES_DIRS", "guardrails"),
		GuardrailJournalPath: envStr("CSTP_GUARDRAIL_JOURNAL", ""),
		VectorBackend:        envStr("CSTP_VECTOR_BACKEND", "memory"),
		QdrantURL:            envStr("QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:         envStr("QDRANT_API_KEY", ""),
		QdrantCollection:     envStr("CSTP_QDRANT_COLLECTION", "cstp_decisions"),
		PgvectorURL:          envStr("CSTP_PGVECTOR_URL", ""),
		EmbeddingProvider:    envStr("CSTP_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:         envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:       envStr("CSTP_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:  envInt("CSTP_EMBEDDING_DIMENSIONS", 256),
		OllamaURL:            envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:          envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		AuthTokens:           envStr("CSTP_AUTH_TOKENS", ""),
		RateLimitRPS:         envFloat("CSTP_RATE_LIMIT_RPS", 10),
		RateLimitBurst:       envInt("CSTP_RATE_LIMIT_BURST", 20),
		TrackerTTL:           envDuration("CSTP_TRACKER_TTL", 5*time.Minute),
		ReindexOnStart:       envBool("CSTP_REINDEX_ON_START", false),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "cstp"),
		LogLevel:             envStr("CSTP_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: CSTP_PORT %d out of range", c.Port)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: CSTP_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CSTP_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: CSTP_MAX_CONCURRENT must be positive")
	}
	switch c.VectorBackend {
	case "memory", "qdrant", "pgvector":
	default:
		return fmt.Errorf("config: unknown CSTP_VECTOR_BACKEND %q", c.VectorBackend)
	}
	if c.VectorBackend == "pgvector" && c.PgvectorURL == "" {
		return fmt.Errorf("config: CSTP_PGVECTOR_URL is required with the pgvector backend")
	}
	switch c.EmbeddingProvider {
	case "auto", "openai", "ollama", "hash":
	default:
		return fmt.Errorf("config: unknown CSTP_EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key, defaultVal string) []string {
	raw := envStr(key, defaultVal)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
