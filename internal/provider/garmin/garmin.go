// Package garmin adapts the Garmin Health API: OAuth1 linking, push
// notifications for dailies and sleeps, and backfill pulls.
package garmin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/vault"
)

// Slug is the provider identifier within the theta platform.
const Slug = "theta_garmin"

const defaultAPIBase = "https://apis.garmin.com/wellness-api/rest"

// Provider implements the Garmin adapter.
type Provider struct {
	provider.Base

	oauth   *provider.OAuth1Link
	config  *oauth1.Config
	apiBase string
}

// New is the registry factory. Returns (nil, nil) when the OAuth1 consumer
// is not configured.
func New(deps provider.Deps) (provider.Provider, error) {
	if deps.Cfg.Garmin.ConsumerKey == "" || deps.Cfg.Garmin.ConsumerSecret == "" {
		return nil, nil
	}
	base, err := provider.NewBase(provider.Descriptor{
		Slug:        Slug,
		DisplayName: "Garmin",
		LogoURL:     "/logos/garmin.svg",
		Supported:   true,
		AuthKind:    vault.AuthOAuth1,
	}, deps.Vault, deps.Store)
	if err != nil {
		return nil, err
	}
	base.ThetaUserIDPath = "theta_user_id"

	cfg := &oauth1.Config{
		ConsumerKey:    deps.Cfg.Garmin.ConsumerKey,
		ConsumerSecret: deps.Cfg.Garmin.ConsumerSecret,
		CallbackURL:    deps.Cfg.PublicURL + "/theta/" + Slug + "/callback",
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: "https://connectapi.garmin.com/oauth-service/oauth/request_token",
			AuthorizeURL:    "https://connect.garmin.com/oauthConfirm",
			AccessTokenURL:  "https://connectapi.garmin.com/oauth-service/oauth/access_token",
		},
	}
	return &Provider{
		Base:    base,
		config:  cfg,
		apiBase: defaultAPIBase,
		oauth: &provider.OAuth1Link{
			Slug:   Slug,
			Config: cfg,
			Vault:  deps.Vault,
		},
	}, nil
}

// SetAPIBase overrides the vendor endpoint, for tests.
func (p *Provider) SetAPIBase(base string) {
	p.apiBase = base
}

// Link starts the OAuth1 flow.
func (p *Provider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	if req.AuthKind != vault.AuthOAuth1 {
		return provider.LinkResult{}, fmt.Errorf("%w: garmin requires oauth1 linking", provider.ErrValidation)
	}
	authURL, err := p.oauth.AuthURL(req.UserID, req.Options["return_url"])
	if err != nil {
		return provider.LinkResult{}, err
	}
	return provider.LinkResult{LinkWebURL: authURL}, nil
}

// Callback completes the OAuth1 flow.
func (p *Provider) Callback(ctx context.Context, req provider.CallbackRequest) (provider.CallbackResult, error) {
	return p.oauth.HandleCallback(ctx, req.Params["oauth_token"], req.Params["oauth_verifier"])
}

// PullFromVendor backfills dailies and sleeps uploaded within the window.
func (p *Provider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window provider.PullWindow) ([]map[string]any, error) {
	token := oauth1.NewToken(cred.Credentials.AccessToken, cred.Credentials.TokenSecret)
	client := p.config.Client(ctx, token)

	var payloads []map[string]any
	for _, summary := range []string{"dailies", "sleeps"} {
		q := url.Values{}
		q.Set("uploadStartTimeInSeconds", strconv.FormatInt(window.Start.Unix(), 10))
		q.Set("uploadEndTimeInSeconds", strconv.FormatInt(window.End.Unix(), 10))
		endpoint := p.apiBase + "/" + summary + "?" + q.Encode()

		body, err := provider.DoVendorRequest(ctx, client, func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, endpoint, nil)
		}, provider.DefaultRetryPolicy())
		if err != nil {
			return payloads, fmt.Errorf("garmin %s backfill failed: %w", summary, err)
		}

		var items []map[string]any
		if err := json.Unmarshal(body, &items); err != nil {
			return payloads, fmt.Errorf("unparseable %s response: %w", summary, err)
		}
		if len(items) == 0 {
			continue
		}
		payloads = append(payloads, map[string]any{
			summary:         anySlice(items),
			"theta_user_id": cred.UserID,
		})
	}
	return payloads, nil
}

func anySlice(items []map[string]any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

var dailyMappings = []provider.FieldMapping{
	{Path: "steps", Indicator: "dailySteps", Unit: "count"},
	{Path: "distanceInMeters", Indicator: "dailyDistance", Unit: "m"},
	{Path: "activeKilocalories", Indicator: "dailyCalories", Unit: "kcal"},
	{Path: "restingHeartRateInBeatsPerMinute", Indicator: "restingHeartRate", Unit: "bpm"},
	{Path: "floorsClimbed", Indicator: "floorsClimbed", Unit: "count"},
}

var sleepMappings = []provider.FieldMapping{
	{Path: "deepSleepDurationInSeconds", Indicator: "sleepDeep", Unit: "min",
		Convert: provider.SecondsToMinutes},
	{Path: "lightSleepDurationInSeconds", Indicator: "sleepLight", Unit: "min",
		Convert: provider.SecondsToMinutes},
	{Path: "remSleepInSeconds", Indicator: "sleepRem", Unit: "min",
		Convert: provider.SecondsToMinutes},
	{Path: "awakeDurationInSeconds", Indicator: "sleepAwake", Unit: "min",
		Convert: provider.SecondsToMinutes},
}

var sleepStagePaths = []string{
	"deepSleepDurationInSeconds",
	"lightSleepDurationInSeconds",
	"remSleepInSeconds",
}

// FormatData normalizes push or pulled payloads. Push payloads identify the
// user by access token; pulled payloads carry the theta user id directly.
func (p *Provider) FormatData(ctx context.Context, raw map[string]any) ([]provider.UserBatch, error) {
	defaultUser, _ := provider.LookupString(raw, "theta_user_id")

	batches := make(map[string]*provider.UserBatch)
	appendRecords := func(userID string, records []provider.CanonicalRecord) {
		if len(records) == 0 {
			return
		}
		b, ok := batches[userID]
		if !ok {
			b = &provider.UserBatch{Meta: provider.MetaInfo{
				UserID: userID, Source: Slug, Timezone: "UTC",
			}}
			batches[userID] = b
		}
		b.Records = append(b.Records, records...)
	}

	for _, summary := range []string{"dailies", "sleeps"} {
		itemsAny, ok := provider.Lookup(raw, summary)
		if !ok {
			continue
		}
		items, ok := itemsAny.([]any)
		if !ok {
			continue
		}
		for _, itemAny := range items {
			item, ok := itemAny.(map[string]any)
			if !ok {
				continue
			}
			userID := defaultUser
			if userID == "" {
				userID = p.resolveUser(ctx, item)
			}
			if userID == "" {
				log.Warn().Str("provider", Slug).Str("summary", summary).
					Msg("No linked user for push payload, skipping item")
				continue
			}
			appendRecords(userID, p.formatItem(summary, item))
		}
	}

	out := make([]provider.UserBatch, 0, len(batches))
	for _, b := range batches {
		out = append(out, *b)
	}
	return out, nil
}

func (p *Provider) formatItem(summary string, item map[string]any) []provider.CanonicalRecord {
	startSec, haveStart := provider.LookupNumber(item, "startTimeInSeconds")
	durSec, _ := provider.LookupNumber(item, "durationInSeconds")
	ts := int64(startSec) * 1000
	var startPtr, endPtr *int64
	if haveStart {
		startPtr = provider.Int64Ptr(ts)
		endPtr = provider.Int64Ptr(ts + int64(durSec)*1000)
	}
	source := "theta." + Slug

	switch summary {
	case "dailies":
		return provider.ApplyMappings(item, dailyMappings, source, "UTC", ts, startPtr, endPtr)
	case "sleeps":
		records := provider.ApplyMappings(item, sleepMappings, source, "UTC", ts, startPtr, endPtr)
		total := 0.0
		found := false
		for _, path := range sleepStagePaths {
			if n, ok := provider.LookupNumber(item, path); ok {
				total += n
				found = true
			}
		}
		if found {
			records = append(records, provider.CanonicalRecord{
				Source: source, Type: "totalSleep", Timestamp: ts,
				Unit: "min", Value: total / 60.0, Timezone: "UTC",
				StartTime: startPtr, EndTime: endPtr,
			})
		}
		return records
	default:
		return nil
	}
}

// resolveUser maps a push payload's userAccessToken back to the linked user.
func (p *Provider) resolveUser(ctx context.Context, item map[string]any) string {
	token, ok := provider.LookupString(item, "userAccessToken")
	if !ok || token == "" {
		return ""
	}
	creds, err := p.Vault.ListCredentialsForProvider(ctx, Slug)
	if err != nil {
		log.Warn().Err(err).Str("provider", Slug).Msg("Failed to list credentials for user resolution")
		return ""
	}
	for _, c := range creds {
		if c.Credentials.AccessToken == token {
			return c.UserID
		}
	}
	return ""
}
