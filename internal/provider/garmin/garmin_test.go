package garmin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/ingest/internal/config"
	"github.com/thetahealth/ingest/internal/crypto"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/store"
	"github.com/thetahealth/ingest/internal/vault"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cm, err := crypto.NewManager(dir, "test-passphrase")
	require.NoError(t, err)
	v, err := vault.Open(dir, cm)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	cfg := &config.Config{
		PublicURL: "http://localhost:7655",
		Garmin:    config.OAuth1Client{ConsumerKey: "key", ConsumerSecret: "secret"},
	}
	p, err := New(provider.Deps{Cfg: cfg, Vault: v, Store: s})
	require.NoError(t, err)
	return p.(*Provider)
}

func TestNewSkipsWithoutConsumerConfig(t *testing.T) {
	p, err := New(provider.Deps{Cfg: &config.Config{}})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFormatDataDailies(t *testing.T) {
	p := newTestProvider(t)

	raw := map[string]any{
		"theta_user_id": "user-1",
		"dailies": []any{
			map[string]any{
				"startTimeInSeconds":               float64(1700000000),
				"durationInSeconds":                float64(86400),
				"steps":                            float64(10432),
				"distanceInMeters":                 float64(8123.5),
				"activeKilocalories":               float64(512),
				"restingHeartRateInBeatsPerMinute": float64(58),
			},
		},
	}

	batches, err := p.FormatData(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "user-1", batches[0].Meta.UserID)

	byType := map[string]provider.CanonicalRecord{}
	for _, rec := range batches[0].Records {
		byType[rec.Type] = rec
	}
	assert.Equal(t, float64(10432), byType["dailySteps"].Value)
	assert.Equal(t, float64(58), byType["restingHeartRate"].Value)

	steps := byType["dailySteps"]
	assert.Equal(t, int64(1700000000000), steps.Timestamp)
	require.NotNil(t, steps.StartTime)
	require.NotNil(t, steps.EndTime)
	assert.Equal(t, int64(1700086400000), *steps.EndTime)
}

func TestFormatDataSleepsSynthesizeTotal(t *testing.T) {
	p := newTestProvider(t)

	raw := map[string]any{
		"theta_user_id": "user-1",
		"sleeps": []any{
			map[string]any{
				"startTimeInSeconds":          float64(1700000000),
				"durationInSeconds":           float64(28800),
				"deepSleepDurationInSeconds":  float64(7200),
				"lightSleepDurationInSeconds": float64(10800),
				"remSleepInSeconds":           float64(3600),
				"awakeDurationInSeconds":      float64(1800),
			},
		},
	}

	batches, err := p.FormatData(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	byType := map[string]provider.CanonicalRecord{}
	for _, rec := range batches[0].Records {
		byType[rec.Type] = rec
	}
	assert.InDelta(t, 120.0, byType["sleepDeep"].Value, 0.001)
	assert.InDelta(t, 180.0, byType["sleepLight"].Value, 0.001)
	assert.InDelta(t, 60.0, byType["sleepRem"].Value, 0.001)
	assert.InDelta(t, 360.0, byType["totalSleep"].Value, 0.001)
}

func TestFormatDataResolvesPushUserByAccessToken(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	err := p.Vault.SaveLink(ctx, "user-9", Slug, vault.AuthOAuth1, vault.Credentials{
		AccessToken: "garmin-token-9",
		TokenSecret: "secret-9",
	})
	require.NoError(t, err)

	// Push payloads carry no theta user id; each item names the vendor token.
	raw := map[string]any{
		"dailies": []any{
			map[string]any{
				"userAccessToken":    "garmin-token-9",
				"startTimeInSeconds": float64(1700000000),
				"durationInSeconds":  float64(86400),
				"steps":              float64(500),
			},
			map[string]any{
				"userAccessToken":    "unknown-token",
				"startTimeInSeconds": float64(1700000000),
				"steps":              float64(999),
			},
		},
	}

	batches, err := p.FormatData(ctx, raw)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "user-9", batches[0].Meta.UserID)
	require.Len(t, batches[0].Records, 1)
	assert.Equal(t, float64(500), batches[0].Records[0].Value)
}

func TestSaveRawDataRecordsOwner(t *testing.T) {
	p := newTestProvider(t)

	recs, err := p.SaveRawData(context.Background(), map[string]any{
		"theta_user_id": "user-1",
		"dailies":       []any{},
	}, "msg-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "user-1", recs[0].ThetaUserID)
}

func TestLinkRequiresOAuth1(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Link(context.Background(), provider.LinkRequest{
		UserID:   "user-1",
		AuthKind: vault.AuthOAuth2,
	})
	assert.ErrorIs(t, err, provider.ErrValidation)
}
