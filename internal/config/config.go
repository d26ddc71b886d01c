package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RelayBackendQStash = "qstash"
	RelayBackendRedis  = "redis"
	RelayBackendNone   = "none"

	BlobBackendSupabase = "supabase"
	BlobBackendMinio    = "minio"
	BlobBackendDisk     = "disk"
)

type Config struct {
	// Server
	APIPort            string
	AppURL             string // Public base address used for relay targets, callbacks and media URLs
	BackendAPIKey      string // API key for intake routes (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	LogLevel           string
	LogFormat          string

	// Database (empty = in-process store)
	DatabaseURL string

	// Relay
	RelayBackend            string
	RelayLocalMode          bool // Permit relay delivery to loopback targets
	QStashURL               string
	QStashToken             string
	QStashCurrentSigningKey string
	QStashNextSigningKey    string
	RedisURL                string
	RelayWorkerEnabled      bool
	RelayConcurrency        int
	RelayMaxAttempts        int
	RelayPollInterval       time.Duration

	// fal.ai
	FalKey        string
	FalQueueURL   string
	FalVideoModel string
	FalAudioModel string
	FalImageModel string

	// Blob storage
	BlobBackend           string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	MinioEndpoint         string
	MinioAccessKey        string
	MinioSecretKey        string
	MinioBucket           string
	MinioUseSSL           bool
	BlobDir               string

	// Media tooling
	FFmpegPath string
	TempDir    string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	apiPort := getEnv("API_PORT", "8080")

	cfg := &Config{
		APIPort:                 apiPort,
		AppURL:                  ResolveAppURL(os.Getenv, apiPort),
		BackendAPIKey:           getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:      getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RelayLocalMode:          getEnvBool("RELAY_LOCAL_MODE", false),
		QStashURL:               getEnv("QSTASH_URL", "https://qstash.upstash.io"),
		QStashToken:             getEnv("QSTASH_TOKEN", ""),
		QStashCurrentSigningKey: getEnv("QSTASH_CURRENT_SIGNING_KEY", ""),
		QStashNextSigningKey:    getEnv("QSTASH_NEXT_SIGNING_KEY", ""),
		RedisURL:                getEnv("REDIS_URL", ""),
		RelayWorkerEnabled:      getEnvBool("RELAY_WORKER_ENABLED", true),
		RelayConcurrency:        getEnvInt("RELAY_CONCURRENCY", 4),
		RelayMaxAttempts:        getEnvInt("RELAY_MAX_ATTEMPTS", 3),
		RelayPollInterval:       getEnvDuration("RELAY_POLL_INTERVAL", time.Second),
		FalKey:                  getEnv("FAL_KEY", ""),
		FalQueueURL:             getEnv("FAL_QUEUE_URL", "https://queue.fal.run"),
		FalVideoModel:           getEnv("FAL_VIDEO_MODEL", "fal-ai/veo-3.1"),
		FalAudioModel:           getEnv("FAL_AUDIO_MODEL", "fal-ai/stable-audio"),
		FalImageModel:           getEnv("FAL_IMAGE_MODEL", "fal-ai/flux/dev"),
		SupabaseURL:             getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:      getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket:   getEnv("SUPABASE_STORAGE_BUCKET", "clipsa-media"),
		MinioEndpoint:           getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:          getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:          getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:             getEnv("MINIO_BUCKET", "clipsa-media"),
		MinioUseSSL:             getEnvBool("MINIO_USE_SSL", false),
		BlobDir:                 getEnv("BLOB_DIR", "./data/blobs"),
		FFmpegPath:              getEnv("FFMPEG_PATH", "ffmpeg"),
		TempDir:                 getEnv("TEMP_DIR", os.TempDir()),
	}

	cfg.RelayBackend = getEnv("RELAY_BACKEND", defaultRelayBackend(cfg))
	cfg.BlobBackend = getEnv("BLOB_BACKEND", defaultBlobBackend(cfg))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.RelayBackend {
	case RelayBackendQStash:
		if c.QStashToken == "" {
			return fmt.Errorf("QSTASH_TOKEN is required when RELAY_BACKEND=qstash")
		}
	case RelayBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RELAY_BACKEND=redis")
		}
	case RelayBackendNone:
	default:
		return fmt.Errorf("unknown RELAY_BACKEND %q", c.RelayBackend)
	}

	switch c.BlobBackend {
	case BlobBackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when BLOB_BACKEND=supabase")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when BLOB_BACKEND=supabase (asset index)")
		}
	case BlobBackendMinio:
		if c.MinioEndpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when BLOB_BACKEND=minio")
		}
	case BlobBackendDisk:
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	if c.RelayMaxAttempts < 1 {
		return fmt.Errorf("RELAY_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// RelaySigningEnabled reports whether relay deliveries carry and require signatures.
func (c *Config) RelaySigningEnabled() bool {
	return c.QStashCurrentSigningKey != "" || c.QStashNextSigningKey != ""
}

func defaultRelayBackend(c *Config) string {
	switch {
	case c.QStashToken != "":
		return RelayBackendQStash
	case c.RedisURL != "":
		return RelayBackendRedis
	default:
		return RelayBackendNone
	}
}

func defaultBlobBackend(c *Config) string {
	switch {
	case c.SupabaseURL != "":
		return BlobBackendSupabase
	case c.MinioEndpoint != "":
		return BlobBackendMinio
	default:
		return BlobBackendDisk
	}
}

// ResolveAppURL picks the public base address: an explicit app URL first,
// then a deployment-platform URL, then localhost.
func ResolveAppURL(lookup func(string) string, apiPort string) string {
	for _, key := range []string{"APP_URL", "PUBLIC_APP_URL"} {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			return strings.TrimRight(v, "/")
		}
	}

	for _, key := range []string{"DEPLOYMENT_URL", "VERCEL_URL"} {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
				v = "https://" + v
			}
			return strings.TrimRight(v, "/")
		}
	}

	return "http://localhost:" + apiPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
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
