// Package whoop adapts the Whoop developer API: OAuth2 linking, scheduled
// pulls over the recovery/sleep/cycle/workout collections, and webhook
// notifications.
package whoop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/vault"
)

// Slug is the provider identifier within the theta platform.
const Slug = "theta_whoop"

const defaultAPIBase = "https://api.prod.whoop.com/developer"

// Provider implements the Whoop adapter.
type Provider struct {
	provider.Base

	oauth   *provider.OAuth2Link
	http    *http.Client
	apiBase string
}

// New is the registry factory. Returns (nil, nil) when the OAuth2 app is not
// configured.
func New(deps provider.Deps) (provider.Provider, error) {
	if deps.Cfg.Whoop.ClientID == "" || deps.Cfg.Whoop.ClientSecret == "" {
		return nil, nil
	}
	base, err := provider.NewBase(provider.Descriptor{
		Slug:        Slug,
		DisplayName: "Whoop",
		LogoURL:     "/logos/whoop.svg",
		Supported:   true,
		AuthKind:    vault.AuthOAuth2,
	}, deps.Vault, deps.Store)
	if err != nil {
		return nil, err
	}
	base.ThetaUserIDPath = "theta_user_id"
	base.ExternalUserIDPath = "record.user_id"

	p := &Provider{
		Base:    base,
		http:    deps.HTTP,
		apiBase: defaultAPIBase,
	}
	p.oauth = &provider.OAuth2Link{
		Slug:  Slug,
		Vault: deps.Vault,
		HTTP:  deps.HTTP,
		Config: &oauth2.Config{
			ClientID:     deps.Cfg.Whoop.ClientID,
			ClientSecret: deps.Cfg.Whoop.ClientSecret,
			RedirectURL:  deps.Cfg.PublicURL + "/theta/" + Slug + "/callback",
			Scopes: []string{
				"read:recovery", "read:sleep", "read:cycles", "read:workout", "offline",
			},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://api.prod.whoop.com/oauth/oauth2/auth",
				TokenURL: "https://api.prod.whoop.com/oauth/oauth2/token",
			},
		},
		States: provider.NewStateStore(),
	}
	return p, nil
}

// SetOnLinked wires the initial-pull trigger invoked after a completed
// callback. Called once from the composition root.
func (p *Provider) SetOnLinked(fn func(userID string)) {
	p.oauth.OnLinked = fn
}

// SetAPIBase overrides the vendor endpoint, for tests.
func (p *Provider) SetAPIBase(base string) {
	p.apiBase = base
}

// Link starts the OAuth2 flow and returns the vendor authorization URL.
func (p *Provider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	if req.AuthKind != vault.AuthOAuth2 {
		return provider.LinkResult{}, fmt.Errorf("%w: whoop requires oauth2 linking", provider.ErrValidation)
	}
	authURL, err := p.oauth.AuthURL(req.UserID, req.Options["return_url"])
	if err != nil {
		return provider.LinkResult{}, err
	}
	return provider.LinkResult{LinkWebURL: authURL}, nil
}

// Callback completes the OAuth2 flow.
func (p *Provider) Callback(ctx context.Context, req provider.CallbackRequest) (provider.CallbackResult, error) {
	return p.oauth.HandleCallback(ctx, req.Params["code"], req.Params["state"])
}

// collections lists the pulled endpoints in the order they are fetched.
var collections = []struct {
	name string
	path string
}{
	{"recovery", "/v1/recovery"},
	{"sleep", "/v1/activity/sleep"},
	{"cycle", "/v1/cycle"},
	{"workout", "/v1/activity/workout"},
}

// PullFromVendor fetches every collection within the window, one payload per
// vendor record. Pagination follows next_token.
func (p *Provider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window provider.PullWindow) ([]map[string]any, error) {
	token, err := p.oauth.ValidAccessToken(ctx, cred.UserID)
	if err != nil {
		return nil, err
	}

	var payloads []map[string]any
	for _, c := range collections {
		records, err := p.fetchCollection(ctx, token, c.path, window)
		if err != nil {
			return payloads, fmt.Errorf("whoop %s pull failed: %w", c.name, err)
		}
		for _, rec := range records {
			payloads = append(payloads, map[string]any{
				"collection":    c.name,
				"theta_user_id": cred.UserID,
				"record":        rec,
			})
		}
	}
	return payloads, nil
}

func (p *Provider) fetchCollection(ctx context.Context, token, path string, window provider.PullWindow) ([]map[string]any, error) {
	var out []map[string]any
	nextToken := ""
	for {
		q := url.Values{}
		q.Set("start", window.Start.UTC().Format(time.RFC3339))
		q.Set("end", window.End.UTC().Format(time.RFC3339))
		q.Set("limit", "25")
		if nextToken != "" {
			q.Set("nextToken", nextToken)
		}
		endpoint := p.apiBase + path + "?" + q.Encode()

		body, err := provider.DoVendorRequest(ctx, p.http, func() (*http.Request, error) {
			req, err := http.NewRequest(http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			return req, nil
		}, provider.DefaultRetryPolicy())
		if err != nil {
			return out, err
		}

		var page struct {
			Records   []map[string]any `json:"records"`
			NextToken string           `json:"next_token"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return out, fmt.Errorf("unparseable collection page: %w", err)
		}
		out = append(out, page.Records...)
		if page.NextToken == "" {
			return out, nil
		}
		nextToken = page.NextToken
	}
}

// Per-collection field maps. Units here are the vendor's; the catalog
// converts them to standard units downstream.
var recoveryMappings = []provider.FieldMapping{
	{Path: "score.recovery_score", Indicator: "recoveryScore", Unit: "score"},
	{Path: "score.resting_heart_rate", Indicator: "restingHeartRate", Unit: "bpm"},
	{Path: "score.hrv_rmssd_milli", Indicator: "heartRateVariability", Unit: "ms"},
	{Path: "score.spo2_percentage", Indicator: "bloodOxygen", Unit: "%"},
	{Path: "score.skin_temp_celsius", Indicator: "skinTemperature", Unit: "degC"},
}

var sleepMappings = []provider.FieldMapping{
	{Path: "score.stage_summary.total_in_bed_time_milli", Indicator: "sleepInBed",
		Unit: "min", Convert: provider.MillisToMinutes},
	{Path: "score.stage_summary.total_awake_time_milli", Indicator: "sleepAwake",
		Unit: "min", Convert: provider.MillisToMinutes},
	{Path: "score.stage_summary.total_light_sleep_time_milli", Indicator: "sleepLight",
		Unit: "min", Convert: provider.MillisToMinutes},
	{Path: "score.stage_summary.total_slow_wave_sleep_time_milli", Indicator: "sleepDeep",
		Unit: "min", Convert: provider.MillisToMinutes},
	{Path: "score.stage_summary.total_rem_sleep_time_milli", Indicator: "sleepRem",
		Unit: "min", Convert: provider.MillisToMinutes},
	{Path: "score.respiratory_rate", Indicator: "respiratoryRate", Unit: "brpm"},
	{Path: "score.sleep_performance_percentage", Indicator: "sleepScore", Unit: "score"},
}

// sleepStagePaths feeds the synthesized totalSleep record.
var sleepStagePaths = []string{
	"score.stage_summary.total_light_sleep_time_milli",
	"score.stage_summary.total_slow_wave_sleep_time_milli",
	"score.stage_summary.total_rem_sleep_time_milli",
}

var cycleMappings = []provider.FieldMapping{
	{Path: "score.strain", Indicator: "strain", Unit: "score"},
	{Path: "score.kilojoule", Indicator: "dailyCalories", Unit: "kJ"},
}

var workoutMappings = []provider.FieldMapping{
	{Path: "score.kilojoule", Indicator: "activeCalories", Unit: "kJ"},
	{Path: "score.distance_meter", Indicator: "distance", Unit: "m"},
}

// FormatData normalizes one payload. Webhook notifications (no embedded
// record) produce no batches; the data arrives via the triggered pull.
func (p *Provider) FormatData(ctx context.Context, raw map[string]any) ([]provider.UserBatch, error) {
	userID, _ := provider.LookupString(raw, "theta_user_id")
	if userID == "" {
		log.Debug().Str("provider", Slug).Msg("Payload without theta user id, treating as notification only")
		return nil, nil
	}
	collection, _ := provider.LookupString(raw, "collection")
	recordAny, ok := provider.Lookup(raw, "record")
	if !ok {
		return nil, nil
	}
	record, ok := recordAny.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: record is not an object", provider.ErrValidation)
	}

	tz, _ := provider.LookupString(record, "timezone_offset")
	if tz == "" {
		tz = "UTC"
	}
	start, haveStart := provider.LookupMillis(record, "start")
	end, haveEnd := provider.LookupMillis(record, "end")
	ts, haveTS := provider.LookupMillis(record, "created_at")
	if !haveTS {
		ts = start
	}
	var startPtr, endPtr *int64
	if haveStart && haveEnd && start <= end {
		startPtr, endPtr = provider.Int64Ptr(start), provider.Int64Ptr(end)
		ts = start
	}

	source := "theta." + Slug
	var records []provider.CanonicalRecord
	switch collection {
	case "recovery":
		records = provider.ApplyMappings(record, recoveryMappings, source, tz, ts, startPtr, endPtr)
	case "sleep":
		records = provider.ApplyMappings(record, sleepMappings, source, tz, ts, startPtr, endPtr)
		if total, ok := sumSleepStages(record); ok {
			records = append(records, provider.CanonicalRecord{
				Source: source, Type: "totalSleep", Timestamp: ts,
				Unit: "min", Value: total, Timezone: tz,
				StartTime: startPtr, EndTime: endPtr,
			})
		}
	case "cycle":
		records = provider.ApplyMappings(record, cycleMappings, source, tz, ts, startPtr, endPtr)
	case "workout":
		records = provider.ApplyMappings(record, workoutMappings, source, tz, ts, startPtr, endPtr)
	default:
		log.Warn().Str("collection", collection).Msg("Unknown whoop collection, skipping")
		return nil, nil
	}
	if len(records) == 0 {
		return nil, nil
	}

	return []provider.UserBatch{{
		Meta: provider.MetaInfo{
			UserID:   userID,
			Source:   Slug,
			Timezone: tz,
		},
		Records: records,
	}}, nil
}

// sumSleepStages synthesizes total sleep minutes from the stage durations.
func sumSleepStages(record map[string]any) (float64, bool) {
	total := 0.0
	found := false
	for _, path := range sleepStagePaths {
		if n, ok := provider.LookupNumber(record, path); ok {
			total += n
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return total / 60000.0, true
}
