package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/store"
	"github.com/thetahealth/ingest/internal/vault"
)

// statsTTL bounds how stale the per-user source statistics may be.
const statsTTL = 5 * time.Minute

// ProviderStatus is one entry of a user's provider listing.
type ProviderStatus struct {
	provider.Descriptor

	Platform    string    `json:"platform"`
	Linked      bool      `json:"linked"`
	Reconnect   bool      `json:"reconnect"`
	LLMAccess   int       `json:"llmAccess"`
	RecordCount int64     `json:"recordCount"`
	LastSync    time.Time `json:"lastSync,omitempty"`
}

// WebhookInfo describes one inbound endpoint, for the management listing.
type WebhookInfo struct {
	Platform string `json:"platform"`
	Provider string `json:"provider"`
	URL      string `json:"url"`
}

// Manager routes operations to platforms and providers and owns the
// cross-cutting link workflows.
type Manager struct {
	vault     *vault.Vault
	store     *store.HealthStore
	publicURL string

	mu        sync.RWMutex
	platforms map[string]*Platform

	statsMu    sync.Mutex
	statsCache map[string]statsEntry
}

type statsEntry struct {
	fetched time.Time
	stats   map[string]store.SourceStats
}

// NewManager builds an empty manager; platforms register during composition.
func NewManager(v *vault.Vault, s *store.HealthStore, publicURL string) *Manager {
	return &Manager{
		vault:      v,
		store:      s,
		publicURL:  publicURL,
		platforms:  make(map[string]*Platform),
		statsCache: make(map[string]statsEntry),
	}
}

// RegisterPlatform adds a platform. Duplicate names are a wiring bug.
func (m *Manager) RegisterPlatform(p *Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.platforms[p.Name()]; exists {
		return fmt.Errorf("platform %q already registered", p.Name())
	}
	m.platforms[p.Name()] = p
	log.Info().Str("platform", p.Name()).Int("providers", len(p.providers)).
		Msg("Platform registered")
	return nil
}

// GetPlatform returns the platform registered under name.
func (m *Manager) GetPlatform(name string) (*Platform, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.platforms[name]
	return p, ok
}

// resolve finds the provider addressed by (platform, slug). An empty slug
// resolves to the platform's solo provider.
func (m *Manager) resolve(platformName, slug string) (*Platform, provider.Provider, error) {
	plat, ok := m.GetPlatform(platformName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown platform %q", provider.ErrValidation, platformName)
	}
	if slug == "" {
		prov, ok := plat.Solo()
		if !ok {
			return nil, nil, fmt.Errorf("%w: platform %q requires a provider segment", provider.ErrValidation, platformName)
		}
		return plat, prov, nil
	}
	prov, ok := plat.Provider(slug)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown provider %q on platform %q", provider.ErrValidation, slug, platformName)
	}
	return plat, prov, nil
}

// GetAllProviders lists every registered provider with its platform.
func (m *Manager) GetAllProviders() []ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ProviderStatus
	for name, plat := range m.platforms {
		for _, prov := range plat.Providers() {
			out = append(out, ProviderStatus{
				Descriptor: prov.Info(),
				Platform:   name,
			})
		}
	}
	return out
}

// GetUserProviders lists every provider annotated with the user's link state
// and source statistics.
func (m *Manager) GetUserProviders(ctx context.Context, userID string) ([]ProviderStatus, error) {
	links, err := m.vault.ListUserLinks(ctx, userID)
	if err != nil {
		return nil, err
	}
	linked := make(map[string]vault.UserLink, len(links))
	for _, l := range links {
		linked[l.Provider] = l
	}

	statuses := m.GetAllProviders()
	stats := m.sourceStats(ctx, userID)
	for i := range statuses {
		slug := statuses[i].Slug
		if l, ok := linked[slug]; ok {
			statuses[i].Linked = true
			statuses[i].Reconnect = l.Reconnect
			statuses[i].LLMAccess = l.LLMAccess
		}
		for source, st := range stats {
			if source == slug || source == statuses[i].Platform+"."+slug {
				statuses[i].RecordCount += st.RecordCount
				if st.LastSync.After(statuses[i].LastSync) {
					statuses[i].LastSync = st.LastSync
				}
			}
		}
	}
	return statuses, nil
}

// sourceStats returns the cached per-source aggregates for one user,
// refreshing the snapshot when it is older than statsTTL.
func (m *Manager) sourceStats(ctx context.Context, userID string) map[string]store.SourceStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	if entry, ok := m.statsCache[userID]; ok && time.Since(entry.fetched) < statsTTL {
		return entry.stats
	}
	stats, err := m.store.CountBySource(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("Failed to refresh source stats")
		return nil
	}
	m.statsCache[userID] = statsEntry{fetched: time.Now(), stats: stats}
	return stats
}

// LinkProvider validates the credentials for the requested auth kind and
// delegates to the provider.
func (m *Manager) LinkProvider(ctx context.Context, platformName, slug string, req provider.LinkRequest) (provider.LinkResult, error) {
	_, prov, err := m.resolve(platformName, slug)
	if err != nil {
		return provider.LinkResult{}, err
	}
	if !req.AuthKind.Valid() {
		return provider.LinkResult{}, fmt.Errorf("%w: unknown auth kind %q", provider.ErrValidation, req.AuthKind)
	}
	switch req.AuthKind {
	case vault.AuthPassword:
		if req.Credentials.Username == "" || req.Credentials.Password == "" {
			return provider.LinkResult{}, fmt.Errorf("%w: password linking requires username and password", provider.ErrValidation)
		}
	case vault.AuthCustomized:
		if len(req.Credentials.ConnectInfo) == 0 {
			return provider.LinkResult{}, fmt.Errorf("%w: customized linking requires connect_info", provider.ErrValidation)
		}
	}
	return prov.Link(ctx, req)
}

// UnlinkProvider removes the user's link. Safe on absent links.
func (m *Manager) UnlinkProvider(ctx context.Context, platformName, slug, userID string) error {
	_, prov, err := m.resolve(platformName, slug)
	if err != nil {
		return err
	}
	return prov.Unlink(ctx, userID)
}

// Callback completes an OAuth link flow.
func (m *Manager) Callback(ctx context.Context, platformName, slug string, req provider.CallbackRequest) (provider.CallbackResult, error) {
	_, prov, err := m.resolve(platformName, slug)
	if err != nil {
		return provider.CallbackResult{}, err
	}
	return prov.Callback(ctx, req)
}

// PostData routes one inbound payload through the ingestion flow. A missing
// provider segment resolves by inspecting the payload: the platform's slug
// extractor first, then the solo provider.
func (m *Manager) PostData(ctx context.Context, platformName, slug string, raw map[string]any, msgID string) (PostResult, error) {
	plat, ok := m.GetPlatform(platformName)
	if !ok {
		return PostResult{}, fmt.Errorf("%w: unknown platform %q", provider.ErrValidation, platformName)
	}
	var prov provider.Provider
	if slug == "" {
		prov, ok = plat.ProviderFor(raw)
		if !ok {
			return PostResult{}, fmt.Errorf("%w: cannot determine provider for platform %q payload", provider.ErrValidation, platformName)
		}
	} else {
		prov, ok = plat.Provider(slug)
		if !ok {
			return PostResult{}, fmt.Errorf("%w: unknown provider %q on platform %q", provider.ErrValidation, slug, platformName)
		}
	}
	return plat.PostData(ctx, prov, raw, msgID)
}

// UpdateLLMAccess sets the user's LLM exposure level for one provider.
func (m *Manager) UpdateLLMAccess(ctx context.Context, platformName, slug, userID string, level int) error {
	_, prov, err := m.resolve(platformName, slug)
	if err != nil {
		return err
	}
	return m.vault.SetLLMAccess(ctx, userID, prov.Info().Slug, level)
}

// GetWebhooks lists every inbound endpoint the registered platforms expose.
func (m *Manager) GetWebhooks() []WebhookInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []WebhookInfo
	for name, plat := range m.platforms {
		if _, ok := plat.Solo(); ok {
			out = append(out, WebhookInfo{
				Platform: name,
				URL:      fmt.Sprintf("%s/%s/webhook", m.publicURL, name),
			})
		}
		for _, prov := range plat.Providers() {
			out = append(out, WebhookInfo{
				Platform: name,
				Provider: prov.Info().Slug,
				URL:      fmt.Sprintf("%s/%s/%s/webhook", m.publicURL, name, prov.Info().Slug),
			})
		}
	}
	return out
}

// CheckFormat replays formatting for a stored raw payload without writing
// anything, for debugging mapping tables against real captures.
func (m *Manager) CheckFormat(ctx context.Context, platformName, slug, rawID string) ([]provider.UserBatch, error) {
	_, prov, err := m.resolve(platformName, slug)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.GetRaw(ctx, prov.Info().Slug, rawID)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(rec.RawData, &raw); err != nil {
		return nil, fmt.Errorf("stored payload is not valid JSON: %w", err)
	}
	return prov.FormatData(ctx, raw)
}
