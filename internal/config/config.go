// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// PushMode selects how pulled payloads re-enter the ingestion path.
type PushMode string

const (
	// PushModeDirect calls the platform manager in-process.
	PushModeDirect PushMode = "direct"
	// PushModeHTTP posts to the local webhook endpoint.
	PushModeHTTP PushMode = "http"
)

// OAuth2Client holds a vendor OAuth2 app registration.
type OAuth2Client struct {
	ClientID     string
	ClientSecret string
}

// OAuth1Client holds a vendor OAuth1 consumer registration.
type OAuth1Client struct {
	ConsumerKey    string
	ConsumerSecret string
}

// Config is the full runtime configuration. Loaded once at startup; read-only
// afterwards.
type Config struct {
	ListenAddr string
	PublicURL  string // external base URL used to build OAuth redirect URIs
	DataDir    string

	LogLevel  string
	LogFormat string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EncryptionPassphrase string

	InstanceID string

	PushMode           PushMode
	PushWebhookBaseURL string

	VendorHTTPTimeout time.Duration
	PullEnabled       bool
	PullLookback      time.Duration // default window when no last timestamp exists

	Whoop  OAuth2Client
	Garmin OAuth1Client

	FitDBEnabled bool
}

// Load reads configuration from the environment, honoring a .env file when
// present. Validation failures are fatal-config errors.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env file")
	}

	cfg := &Config{
		ListenAddr:           getEnv("INGEST_LISTEN_ADDR", ":7655"),
		PublicURL:            strings.TrimSuffix(getEnv("INGEST_PUBLIC_URL", "http://localhost:7655"), "/"),
		DataDir:              getEnv("INGEST_DATA_DIR", "/var/lib/theta-ingest"),
		LogLevel:             getEnv("INGEST_LOG_LEVEL", "info"),
		LogFormat:            getEnv("INGEST_LOG_FORMAT", "auto"),
		RedisAddr:            getEnv("INGEST_REDIS_ADDR", ""),
		RedisPassword:        getEnv("INGEST_REDIS_PASSWORD", ""),
		RedisDB:              getEnvInt("INGEST_REDIS_DB", 0),
		EncryptionPassphrase: getEnv("INGEST_ENCRYPTION_PASSPHRASE", ""),
		InstanceID:           getEnv("INGEST_INSTANCE_ID", defaultInstanceID()),
		PushMode:             PushMode(getEnv("INGEST_PUSH_MODE", string(PushModeDirect))),
		PushWebhookBaseURL:   strings.TrimSuffix(getEnv("PUSH_WEBHOOK_BASE_URL", "http://127.0.0.1:7655"), "/"),
		VendorHTTPTimeout:    getEnvDuration("INGEST_VENDOR_HTTP_TIMEOUT", 30*time.Second),
		PullEnabled:          getEnvBool("INGEST_PULL_ENABLED", true),
		PullLookback:         getEnvDuration("INGEST_PULL_LOOKBACK", 24*time.Hour),
		Whoop: OAuth2Client{
			ClientID:     getEnv("WHOOP_CLIENT_ID", ""),
			ClientSecret: getEnv("WHOOP_CLIENT_SECRET", ""),
		},
		Garmin: OAuth1Client{
			ConsumerKey:    getEnv("GARMIN_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("GARMIN_CONSUMER_SECRET", ""),
		},
		FitDBEnabled: getEnvBool("FITDB_ENABLED", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("INGEST_DATA_DIR must not be empty")
	}
	switch c.PushMode {
	case PushModeDirect, PushModeHTTP:
	default:
		return fmt.Errorf("INGEST_PUSH_MODE must be %q or %q, got %q", PushModeDirect, PushModeHTTP, c.PushMode)
	}
	if c.VendorHTTPTimeout <= 0 {
		return fmt.Errorf("INGEST_VENDOR_HTTP_TIMEOUT must be positive")
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ingest-unknown"
	}
	return host
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
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
