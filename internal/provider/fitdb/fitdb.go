// Package fitdb connects to a self-hosted health database over its export
// API. It is the customized-auth provider: the user supplies connection
// details through a declared connect-info form.
package fitdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/thetahealth/ingest/internal/catalog"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/vault"
)

// Slug is the provider identifier within the theta platform.
const Slug = "theta_fitdb"

// Provider implements the external health-database adapter.
type Provider struct {
	provider.Base

	http *http.Client
}

// New is the registry factory. The provider is opt-in via FITDB_ENABLED.
func New(deps provider.Deps) (provider.Provider, error) {
	if !deps.Cfg.FitDBEnabled {
		return nil, nil
	}
	base, err := provider.NewBase(provider.Descriptor{
		Slug:        Slug,
		DisplayName: "External Health DB",
		Supported:   true,
		AuthKind:    vault.AuthCustomized,
		ConnectInfoSchema: []provider.ConnectField{
			{Name: "base_url", Type: "url", Label: "Database API URL", Required: true},
			{Name: "api_key", Type: "password", Label: "API key", Required: true},
			{Name: "database", Type: "string", Label: "Database name", Required: false},
		},
	}, deps.Vault, deps.Store)
	if err != nil {
		return nil, err
	}
	base.ThetaUserIDPath = "theta_user_id"
	return &Provider{Base: base, http: deps.HTTP}, nil
}

// Link validates the connect info with a probe call, then stores it.
func (p *Provider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	if req.AuthKind != vault.AuthCustomized {
		return provider.LinkResult{}, fmt.Errorf("%w: fitdb requires customized linking", provider.ErrValidation)
	}
	info := req.Credentials.ConnectInfo
	for _, field := range p.Desc.ConnectInfoSchema {
		if field.Required && info[field.Name] == "" {
			return provider.LinkResult{}, fmt.Errorf("%w: missing connect field %q", provider.ErrValidation, field.Name)
		}
	}
	baseURL := strings.TrimSuffix(info["base_url"], "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return provider.LinkResult{}, fmt.Errorf("%w: invalid base_url", provider.ErrValidation)
	}

	if err := p.probe(ctx, baseURL, info["api_key"]); err != nil {
		return provider.LinkResult{}, err
	}
	if err := p.Vault.SaveLink(ctx, req.UserID, Slug, vault.AuthCustomized,
		vault.Credentials{ConnectInfo: info}); err != nil {
		return provider.LinkResult{}, err
	}
	return provider.LinkResult{Linked: true}, nil
}

func (p *Provider) probe(ctx context.Context, baseURL, apiKey string) error {
	_, err := provider.DoVendorRequest(ctx, p.http, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/ping", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", apiKey)
		return req, nil
	}, provider.RetryPolicy{Attempts: 1})
	if err != nil {
		return fmt.Errorf("%w: probe failed: %v", provider.ErrValidation, err)
	}
	return nil
}

// PullFromVendor exports records written within the window.
func (p *Provider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window provider.PullWindow) ([]map[string]any, error) {
	info := cred.Credentials.ConnectInfo
	baseURL := strings.TrimSuffix(info["base_url"], "/")
	if baseURL == "" {
		return nil, provider.ErrNotLinked
	}

	q := url.Values{}
	q.Set("since", strconv.FormatInt(window.Start.Unix(), 10))
	q.Set("until", strconv.FormatInt(window.End.Unix(), 10))
	if info["database"] != "" {
		q.Set("database", info["database"])
	}
	endpoint := baseURL + "/export?" + q.Encode()

	body, err := provider.DoVendorRequest(ctx, p.http, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", info["api_key"])
		return req, nil
	}, provider.DefaultRetryPolicy())
	if err != nil {
		return nil, fmt.Errorf("fitdb export failed: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unparseable export response: %w", err)
	}
	payload["theta_user_id"] = cred.UserID
	return []map[string]any{payload}, nil
}

// FormatData passes through records already keyed by catalog indicator.
// The export contract is:
//
//	{"records": [{"type": "heartRate", "timestamp": <ms>, "value": 72, "unit": "bpm"}]}
func (p *Provider) FormatData(ctx context.Context, raw map[string]any) ([]provider.UserBatch, error) {
	userID, _ := provider.LookupString(raw, "theta_user_id")
	if userID == "" {
		return nil, fmt.Errorf("%w: export payload has no user", provider.ErrValidation)
	}
	tz, _ := provider.LookupString(raw, "timezone")
	if tz == "" {
		tz = "UTC"
	}

	itemsAny, ok := provider.Lookup(raw, "records")
	if !ok {
		return nil, nil
	}
	items, ok := itemsAny.([]any)
	if !ok {
		return nil, nil
	}

	var records []provider.CanonicalRecord
	for _, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		indicator, _ := provider.LookupString(item, "type")
		if !catalog.IsValid(indicator) {
			continue
		}
		ts, ok := provider.LookupMillis(item, "timestamp")
		if !ok {
			continue
		}
		value, ok := provider.Lookup(item, "value")
		if !ok {
			continue
		}
		unit, _ := provider.LookupString(item, "unit")

		rec := provider.CanonicalRecord{
			Source: "theta." + Slug, Type: indicator, Timestamp: ts,
			Unit: unit, Value: value, Timezone: tz,
		}
		if start, ok := provider.LookupMillis(item, "startTime"); ok {
			if end, ok := provider.LookupMillis(item, "endTime"); ok && start <= end {
				rec.StartTime = provider.Int64Ptr(start)
				rec.EndTime = provider.Int64Ptr(end)
			}
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return []provider.UserBatch{{
		Meta:    provider.MetaInfo{UserID: userID, Source: Slug, Timezone: tz},
		Records: records,
	}}, nil
}
