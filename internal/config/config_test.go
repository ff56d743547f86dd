package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7655", cfg.ListenAddr)
	assert.Equal(t, PushModeDirect, cfg.PushMode)
	assert.Equal(t, "http://127.0.0.1:7655", cfg.PushWebhookBaseURL)
	assert.Equal(t, 30*time.Second, cfg.VendorHTTPTimeout)
	assert.Equal(t, 24*time.Hour, cfg.PullLookback)
	assert.True(t, cfg.PullEnabled)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_LISTEN_ADDR", ":9000")
	t.Setenv("INGEST_PUSH_MODE", "http")
	t.Setenv("PUSH_WEBHOOK_BASE_URL", "http://ingest.internal:9000/")
	t.Setenv("INGEST_PULL_LOOKBACK", "48h")
	t.Setenv("INGEST_PULL_ENABLED", "false")
	t.Setenv("WHOOP_CLIENT_ID", "wid")
	t.Setenv("WHOOP_CLIENT_SECRET", "wsecret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, PushModeHTTP, cfg.PushMode)
	assert.Equal(t, "http://ingest.internal:9000", cfg.PushWebhookBaseURL, "trailing slash trimmed")
	assert.Equal(t, 48*time.Hour, cfg.PullLookback)
	assert.False(t, cfg.PullEnabled)
	assert.Equal(t, "wid", cfg.Whoop.ClientID)
	assert.Equal(t, "wsecret", cfg.Whoop.ClientSecret)
}

func TestLoadRejectsInvalidPushMode(t *testing.T) {
	t.Setenv("INGEST_PUSH_MODE", "carrier-pigeon")

	_, err := Load()
	assert.Error(t, err)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("INGEST_REDIS_DB", "not-a-number")
	t.Setenv("INGEST_PULL_ENABLED", "maybe")
	t.Setenv("INGEST_VENDOR_HTTP_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.True(t, cfg.PullEnabled)
	assert.Equal(t, 30*time.Second, cfg.VendorHTTPTimeout)
}
