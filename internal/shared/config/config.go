package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	CORSAllowOrigin []string
	DatabaseURL     string
	JWTSecret       string
	JWTIssuer       string
	AllowGuests     bool

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	Batch     BatchConfig
	Reconcile ReconcileConfig
}

// BatchConfig configures the batch provider and job bookkeeping.
type BatchConfig struct {
	Provider         string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	Model            string
	CompletionWindow string
	CostPer1KInput   float64
	CostPer1KOutput  float64
	StaleAfter       time.Duration
	LocalDelay       time.Duration
}

// ReconcileConfig configures the reconcile worker.
type ReconcileConfig struct {
	QueueURL     string
	Interval     time.Duration
	DelaySeconds int
	Concurrency  int
	SweepLimit   int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")
	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" && env != "production" {
		jwtSecret = "dev-secret"
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		DatabaseURL:     dbURL,
		JWTSecret:       jwtSecret,
		JWTIssuer:       getEnv("JWT_ISSUER", ""),
		AllowGuests:     getBool("ALLOW_GUESTS", env != "production"),

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),

		Batch: BatchConfig{
			Provider:         normalizeProvider(getEnv("BATCH_PROVIDER", "local")),
			OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
			Model:            getEnv("BATCH_MODEL", "gpt-4o-mini"),
			CompletionWindow: getEnv("BATCH_COMPLETION_WINDOW", "24h"),
			CostPer1KInput:   getFloat("BATCH_COST_PER_1K_INPUT", 0.075),
			CostPer1KOutput:  getFloat("BATCH_COST_PER_1K_OUTPUT", 0.3),
			StaleAfter:       getDuration("BATCH_STALE_AFTER", 24*time.Hour),
			LocalDelay:       getDuration("BATCH_LOCAL_DELAY", 5*time.Second),
		},
		Reconcile: ReconcileConfig{
			QueueURL:     os.Getenv("RA_SQS_QUEUE_URL"),
			Interval:     getDuration("RECONCILE_INTERVAL", 30*time.Second),
			DelaySeconds: getInt("RECONCILE_DELAY_SECONDS", 30),
			Concurrency:  getInt("WORKER_CONCURRENCY", 4),
			SweepLimit:   getInt("RECONCILE_SWEEP_LIMIT", 200),
		},
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		log.Printf("invalid %s=%q, using %d", key, raw, def)
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		log.Printf("invalid %s=%q, using %v", key, raw, def)
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		log.Printf("invalid %s=%q, using %s", key, raw, def)
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "s3") {
		return "s3"
	}
	return "local"
}

func normalizeProvider(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "openai") {
		return "openai"
	}
	return "local"
}
