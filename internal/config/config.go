package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	CORSAllowedOrigins []string

	// Hosted store of record
	DatabaseURL     string
	UseMemoryRemote bool

	// Local snapshot cache
	RedisAddr        string
	RedisPassword    string
	RedisTLS         bool
	SnapshotCacheTTL time.Duration

	// Object storage for medical files
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	FilesBucket         string
	FilesPublicBaseURL  string
	FilesMaxBytes       int64

	// Session verification
	SessionJWTSecret string

	// Sync engine
	SyncInterval    time.Duration
	SyncCallTimeout time.Duration
	SyncMaxAttempts int
	SyncBackoffBase time.Duration
	SyncBackoffCap  time.Duration

	// SyncCheckVersions makes updates conditional on the last synced version.
	SyncCheckVersions bool

	// Chat assistant
	AssistantReplyDelay time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		UseMemoryRemote: getEnvAsBool("USE_MEMORY_REMOTE", false),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisTLS:         getEnvAsBool("REDIS_TLS", false),
		SnapshotCacheTTL: getEnvAsDuration("SNAPSHOT_CACHE_TTL", 24*time.Hour),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		FilesBucket:         getEnv("FILES_BUCKET", "medical-files"),
		FilesPublicBaseURL:  strings.TrimRight(getEnv("FILES_PUBLIC_BASE_URL", ""), "/"),
		FilesMaxBytes:       int64(getEnvAsInt("FILES_MAX_BYTES", 25*1024*1024)),

		SessionJWTSecret: getEnv("SESSION_JWT_SECRET", ""),

		SyncInterval:    getEnvAsDuration("SYNC_INTERVAL", 15*time.Second),
		SyncCallTimeout: getEnvAsDuration("SYNC_CALL_TIMEOUT", 10*time.Second),
		SyncMaxAttempts: getEnvAsInt("SYNC_MAX_ATTEMPTS", 5),
		SyncBackoffBase: getEnvAsDuration("SYNC_BACKOFF_BASE", 500*time.Millisecond),
		SyncBackoffCap:  getEnvAsDuration("SYNC_BACKOFF_CAP", 30*time.Second),

		SyncCheckVersions: getEnvAsBool("SYNC_CHECK_VERSIONS", false),

		AssistantReplyDelay: getEnvAsDuration("ASSISTANT_REPLY_DELAY", time.Second),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
