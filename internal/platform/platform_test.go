package platform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/ingest/internal/crypto"
	"github.com/thetahealth/ingest/internal/pipeline"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/store"
	"github.com/thetahealth/ingest/internal/vault"
)

// fakeProvider formats every payload into one heart-rate record for the user
// named in the payload.
type fakeProvider struct {
	provider.Base

	formatErr error
	linkCalls int
}

func (f *fakeProvider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	f.linkCalls++
	return provider.LinkResult{Linked: true}, nil
}

func (f *fakeProvider) FormatData(ctx context.Context, raw map[string]any) ([]provider.UserBatch, error) {
	if f.formatErr != nil {
		return nil, f.formatErr
	}
	userID, _ := provider.LookupString(raw, "user")
	return []provider.UserBatch{{
		Meta: provider.MetaInfo{UserID: userID, Source: f.Desc.Slug, Timezone: "UTC"},
		Records: []provider.CanonicalRecord{{
			Source: "test." + f.Desc.Slug, Type: "heartRate",
			Timestamp: 1700000000000, Unit: "bpm", Value: float64(70),
		}},
	}}, nil
}

type testEnv struct {
	store   *store.HealthStore
	vault   *vault.Vault
	manager *Manager
	prov    *fakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
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

	base, err := provider.NewBase(provider.Descriptor{
		Slug: "test_prov", Supported: true, AuthKind: vault.AuthPassword,
	}, v, s)
	require.NoError(t, err)
	prov := &fakeProvider{Base: base}

	pipe := pipeline.New(s)
	m := NewManager(v, s, "http://localhost:7655")
	require.NoError(t, m.RegisterPlatform(New("theta", pipe, []provider.Provider{prov})))

	return &testEnv{store: s, vault: v, manager: m, prov: prov}
}

func TestPostDataIsIdempotentPerMsgID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	raw := map[string]any{"user": "user-1"}

	res, err := env.manager.PostData(ctx, "theta", "test_prov", raw, "msg-1")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, res.SeriesWritten)

	// Same msg_id again: no new writes.
	res, err = env.manager.PostData(ctx, "theta", "test_prov", raw, "msg-1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 0, res.SeriesWritten)

	rows, err := env.store.QuerySeries(ctx, "user-1", "heartRate",
		time.UnixMilli(0), time.Now())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPostDataRejectsUnknownRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.PostData(ctx, "nope", "test_prov", map[string]any{}, "m")
	assert.ErrorIs(t, err, provider.ErrValidation)

	_, err = env.manager.PostData(ctx, "theta", "nope", map[string]any{}, "m")
	assert.ErrorIs(t, err, provider.ErrValidation)
}

func TestSoloRoutingForSingleProviderPlatform(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The theta platform has one provider, so the platform-level webhook
	// resolves without a provider segment.
	res, err := env.manager.PostData(ctx, "theta", "", map[string]any{"user": "user-2"}, "msg-solo")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SeriesWritten)
}

func TestSlugExtractorRoutesPlatformWebhooks(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cm, err := crypto.NewManager(dir, "test-passphrase")
	require.NoError(t, err)
	v, err := vault.Open(dir, cm)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	newFake := func(slug string) *fakeProvider {
		base, err := provider.NewBase(provider.Descriptor{
			Slug: slug, Supported: true, AuthKind: vault.AuthPassword,
		}, v, s)
		require.NoError(t, err)
		return &fakeProvider{Base: base}
	}
	alpha := newFake("test_alpha")
	beta := newFake("test_beta")

	plat := New("theta", pipeline.New(s), []provider.Provider{alpha, beta})
	plat.SetSlugExtractor(func(raw map[string]any) string {
		if _, ok := raw["beta_marker"]; ok {
			return "test_beta"
		}
		return ""
	})
	m := NewManager(v, s, "http://localhost:7655")
	require.NoError(t, m.RegisterPlatform(plat))

	ctx := context.Background()
	res, err := m.PostData(ctx, "theta", "", map[string]any{
		"user":        "user-1",
		"beta_marker": true,
	}, "msg-b")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SeriesWritten)

	rows, err := s.QuerySeries(ctx, "user-1", "heartRate", time.UnixMilli(0), time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "test.test_beta", rows[0].Source)

	// No marker and no solo provider: the payload cannot be routed.
	_, err = m.PostData(ctx, "theta", "", map[string]any{"user": "user-1"}, "msg-x")
	assert.ErrorIs(t, err, provider.ErrValidation)
}

func TestLinkProviderValidatesPasswordCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.LinkProvider(ctx, "theta", "test_prov", provider.LinkRequest{
		UserID:   "user-1",
		AuthKind: vault.AuthPassword,
		Credentials: vault.Credentials{Username: "alice"},
	})
	assert.ErrorIs(t, err, provider.ErrValidation)
	assert.Zero(t, env.prov.linkCalls)

	res, err := env.manager.LinkProvider(ctx, "theta", "test_prov", provider.LinkRequest{
		UserID:   "user-1",
		AuthKind: vault.AuthPassword,
		Credentials: vault.Credentials{Username: "alice", Password: "secret"},
	})
	require.NoError(t, err)
	assert.True(t, res.Linked)
	assert.Equal(t, 1, env.prov.linkCalls)
}

func TestLinkProviderRejectsUnknownAuthKind(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.LinkProvider(context.Background(), "theta", "test_prov", provider.LinkRequest{
		UserID:   "user-1",
		AuthKind: vault.AuthKind("telepathy"),
	})
	assert.ErrorIs(t, err, provider.ErrValidation)
}

func TestGetUserProvidersAnnotatesLinkState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.vault.SaveLink(ctx, "user-1", "test_prov", vault.AuthPassword,
		vault.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.NoError(t, env.vault.SetLLMAccess(ctx, "user-1", "test_prov", 2))

	statuses, err := env.manager.GetUserProviders(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Linked)
	assert.Equal(t, 2, statuses[0].LLMAccess)

	statuses, err = env.manager.GetUserProviders(ctx, "user-other")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Linked)
}

func TestCheckFormatReplaysStoredPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.PostData(ctx, "theta", "test_prov", map[string]any{"user": "user-1"}, "msg-r")
	require.NoError(t, err)

	recs, err := env.store.ListRaw(ctx, "test_prov", store.RawFilter{MsgID: "msg-r"})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	batches, err := env.manager.CheckFormat(ctx, "theta", "test_prov", recs[0].ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "user-1", batches[0].Meta.UserID)
}

func TestGetWebhooksListsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	hooks := env.manager.GetWebhooks()
	// Solo platform exposes both the bare and the provider-scoped endpoint.
	require.Len(t, hooks, 2)
	assert.Equal(t, "http://localhost:7655/theta/webhook", hooks[0].URL)
	assert.Equal(t, "http://localhost:7655/theta/test_prov/webhook", hooks[1].URL)
}
