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
	APIPort            string
	BackendAPIKey      string // API key for the status/query routes (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Redis journal (optional; empty disables enqueue durability and dedup)
	RedisURL string

	// Postgres (optional; empty disables job/settings persistence)
	DatabaseURL string

	// OpenAI (moderation)
	OpenAIKey string

	// Replicate (preferred generation provider)
	ReplicateToken string
	ReplicateModel string

	// Gemini / Veo (fallback generation provider, used when no Replicate token)
	GeminiKey string
	VeoModel  string

	// WhatsApp delivery
	WhatsAppAPIURL        string
	WhatsAppToken         string
	WhatsAppPhoneNumberID string

	// Compression constraints: the channel rejects media above this size
	MaxMediaBytes int64
	TempDir       string

	// Queue & workers
	MaxConcurrentJobs int
	QueueCapacity     int
	JobRetention      time.Duration
	SweepInterval     time.Duration

	// Per-stage timeouts
	ModerationTimeout  time.Duration
	GenerationTimeout  time.Duration
	CompressionTimeout time.Duration
	DeliveryTimeout    time.Duration

	// Per-stage retry caps
	ModerationRetries  int
	GenerationRetries  int
	CompressionRetries int
	DeliveryRetries    int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		ReplicateToken:     getEnv("REPLICATE_API_TOKEN", ""),
		ReplicateModel:     getEnv("REPLICATE_MODEL", "bytedance/seedance-1-lite"),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),

		WhatsAppAPIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0"),
		WhatsAppToken:         getEnv("WHATSAPP_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),

		// 16MB is the WhatsApp media ceiling
		MaxMediaBytes: int64(getEnvInt("MAX_MEDIA_BYTES", 16*1024*1024)),
		TempDir:       getEnv("TEMP_DIR", "/tmp/peppo"),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 3),
		QueueCapacity:     getEnvInt("QUEUE_CAPACITY", 64),
		JobRetention:      getEnvDuration("JOB_RETENTION", time.Hour),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Second),

		ModerationTimeout:  getEnvDuration("MODERATION_TIMEOUT", 10*time.Second),
		GenerationTimeout:  getEnvDuration("GENERATION_TIMEOUT", 5*time.Minute),
		CompressionTimeout: getEnvDuration("COMPRESSION_TIMEOUT", 2*time.Minute),
		DeliveryTimeout:    getEnvDuration("DELIVERY_TIMEOUT", 30*time.Second),

		ModerationRetries:  getEnvInt("MODERATION_RETRIES", 2),
		GenerationRetries:  getEnvInt("GENERATION_RETRIES", 2),
		CompressionRetries: getEnvInt("COMPRESSION_RETRIES", 1),
		DeliveryRetries:    getEnvInt("DELIVERY_RETRIES", 3),
	}

	// Validate required fields
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	// At least one generation provider must be configured
	if cfg.ReplicateToken == "" && cfg.GeminiKey == "" {
		return nil, fmt.Errorf("either REPLICATE_API_TOKEN or GEMINI_API_KEY is required for video generation")
	}

	if cfg.WhatsAppToken == "" || cfg.WhatsAppPhoneNumberID == "" {
		return nil, fmt.Errorf("WHATSAPP_TOKEN and WHATSAPP_PHONE_NUMBER_ID are required")
	}

	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}

	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
