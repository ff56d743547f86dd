package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/ingest/internal/crypto"
	"github.com/thetahealth/ingest/internal/pipeline"
	"github.com/thetahealth/ingest/internal/platform"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/store"
	"github.com/thetahealth/ingest/internal/vault"
)

type apiProvider struct {
	provider.Base
}

func (a *apiProvider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	if err := a.Vault.SaveLink(ctx, req.UserID, a.Desc.Slug, req.AuthKind, req.Credentials); err != nil {
		return provider.LinkResult{}, err
	}
	return provider.LinkResult{Linked: true}, nil
}

func (a *apiProvider) Callback(ctx context.Context, req provider.CallbackRequest) (provider.CallbackResult, error) {
	if req.Params["code"] == "" {
		return provider.CallbackResult{}, provider.ErrValidation
	}
	return provider.CallbackResult{UserID: "user-cb", ReturnURL: "https://app.example/linked"}, nil
}

func (a *apiProvider) FormatData(ctx context.Context, raw map[string]any) ([]provider.UserBatch, error) {
	userID, _ := provider.LookupString(raw, "user")
	return []provider.UserBatch{{
		Meta: provider.MetaInfo{UserID: userID, Source: a.Desc.Slug, Timezone: "UTC"},
		Records: []provider.CanonicalRecord{{
			Source: "test." + a.Desc.Slug, Type: "heartRate",
			Timestamp: 1700000000000, Unit: "bpm", Value: float64(64),
		}},
	}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.HealthStore) {
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

	m := platform.NewManager(v, s, "http://localhost:7655")
	require.NoError(t, m.RegisterPlatform(
		platform.New("theta", pipeline.New(s), []provider.Provider{&apiProvider{Base: base}})))

	srv := httptest.NewServer(NewRouter(m, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, s
}

func decodeEnvelope(t *testing.T, resp *http.Response) (int, json.RawMessage) {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Code, env.Data
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	code, _ := decodeEnvelope(t, resp)
	assert.Zero(t, code)
}

func TestWebhookIngestsAndDedupes(t *testing.T) {
	srv, s := newTestServer(t)

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost,
			srv.URL+"/theta/test_prov/webhook", strings.NewReader(`{"user":"user-1"}`))
		require.NoError(t, err)
		req.Header.Set("Svix-Id", "msg-abc")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	code, data := decodeEnvelope(t, resp)
	require.Zero(t, code)
	var res platform.PostResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, 1, res.SeriesWritten)
	assert.False(t, res.Duplicate)

	resp = post()
	code, data = decodeEnvelope(t, resp)
	require.Zero(t, code)
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.Duplicate)

	rows, err := s.QuerySeries(context.Background(), "user-1", "heartRate",
		time.UnixMilli(0), time.Now())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestWebhookWithoutHeaderDedupesOnContent(t *testing.T) {
	srv, _ := newTestServer(t)

	post := func(body string) platform.PostResult {
		resp, err := http.Post(srv.URL+"/theta/webhook", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		code, data := decodeEnvelope(t, resp)
		require.Zero(t, code)
		var res platform.PostResult
		require.NoError(t, json.Unmarshal(data, &res))
		return res
	}

	assert.False(t, post(`{"user":"user-2"}`).Duplicate)
	assert.True(t, post(`{"user":"user-2"}`).Duplicate)
	assert.False(t, post(`{"user":"user-3"}`).Duplicate)
}

func TestWebhookRejectsBadJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/theta/test_prov/webhook", "application/json",
		strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookUnknownProviderIs400(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/theta/nope/webhook", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallbackRedirectsToReturnURL(t *testing.T) {
	srv, _ := newTestServer(t)
	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(srv.URL + "/theta/test_prov/callback?code=abc&state=xyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://app.example/linked", resp.Header.Get("Location"))
}

func TestLinkAndUserProviders(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/theta/test_prov/link", "application/json",
		strings.NewReader(`{"userId":"user-1","authKind":"password","credentials":{"username":"alice","password":"pw"}}`))
	require.NoError(t, err)
	code, _ := decodeEnvelope(t, resp)
	assert.Zero(t, code)

	resp, err = http.Get(srv.URL + "/api/users/user-1/providers")
	require.NoError(t, err)
	code, data := decodeEnvelope(t, resp)
	require.Zero(t, code)
	var statuses []platform.ProviderStatus
	require.NoError(t, json.Unmarshal(data, &statuses))
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Linked)
}

func TestLinkMissingCredentialsIs400(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/theta/test_prov/link", "application/json",
		strings.NewReader(`{"userId":"user-1","authKind":"password"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPullTriggerDisabledEngine(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/pull/test_prov/trigger", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
