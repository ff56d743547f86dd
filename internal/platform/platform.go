// Package platform groups providers under their inbound webhook surface and
// drives the ingestion flow for one payload: idempotency check, raw audit,
// formatting, and normalization.
package platform

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/pipeline"
	"github.com/thetahealth/ingest/internal/provider"
)

// SlugExtractor maps a provider-less webhook payload to a provider slug,
// for platforms whose vendors all post to one endpoint.
type SlugExtractor func(raw map[string]any) string

// Platform is one webhook surface owning a set of providers.
type Platform struct {
	name      string
	providers map[string]provider.Provider
	pipe      *pipeline.Pipeline
	extract   SlugExtractor
}

// New builds a platform over the given providers.
func New(name string, pipe *pipeline.Pipeline, providers []provider.Provider) *Platform {
	byslug := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		byslug[p.Info().Slug] = p
	}
	return &Platform{name: name, providers: byslug, pipe: pipe}
}

// Name returns the platform identifier used in URLs.
func (p *Platform) Name() string {
	return p.name
}

// Providers returns the platform's providers ordered by slug.
func (p *Platform) Providers() []provider.Provider {
	out := make([]provider.Provider, 0, len(p.providers))
	for _, prov := range p.providers {
		out = append(out, prov)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Info().Slug < out[j].Info().Slug
	})
	return out
}

// Provider returns the provider registered under slug.
func (p *Platform) Provider(slug string) (provider.Provider, bool) {
	prov, ok := p.providers[slug]
	return prov, ok
}

// Solo returns the platform's only provider. Platform-level webhooks without
// a provider segment are routed here.
func (p *Platform) Solo() (provider.Provider, bool) {
	if len(p.providers) != 1 {
		return nil, false
	}
	for _, prov := range p.providers {
		return prov, true
	}
	return nil, false
}

// SetSlugExtractor installs the payload inspector consulted for
// provider-less webhooks. Set once during composition.
func (p *Platform) SetSlugExtractor(fn SlugExtractor) {
	p.extract = fn
}

// ProviderFor resolves a provider-less payload: the extractor is consulted
// first, then the solo fallback.
func (p *Platform) ProviderFor(raw map[string]any) (provider.Provider, bool) {
	if p.extract != nil {
		if slug := p.extract(raw); slug != "" {
			if prov, ok := p.providers[slug]; ok {
				return prov, true
			}
		}
	}
	return p.Solo()
}

// PostResult reports what one ingested payload produced.
type PostResult struct {
	Duplicate        bool `json:"duplicate"`
	Batches          int  `json:"batches"`
	SeriesWritten    int  `json:"seriesWritten"`
	SummariesWritten int  `json:"summariesWritten"`
	Dropped          int  `json:"dropped"`
}

// PostData runs the full ingestion flow for one payload. Re-deliveries of a
// known msg_id short-circuit before any writes. The call succeeds only when
// every formatted batch is persisted.
func (p *Platform) PostData(ctx context.Context, prov provider.Provider, raw map[string]any, msgID string) (PostResult, error) {
	var res PostResult
	slug := prov.Info().Slug

	if msgID != "" {
		processed, err := prov.IsAlreadyProcessed(ctx, raw, msgID)
		if err != nil {
			return res, fmt.Errorf("idempotency check failed: %w", err)
		}
		if processed {
			log.Debug().Str("provider", slug).Str("msgId", msgID).
				Msg("Duplicate delivery, skipping")
			res.Duplicate = true
			return res, nil
		}
	}

	if _, err := prov.SaveRawData(ctx, raw, msgID); err != nil {
		return res, fmt.Errorf("raw persistence failed: %w", err)
	}

	batches, err := prov.FormatData(ctx, raw)
	if err != nil {
		return res, fmt.Errorf("formatting failed: %w", err)
	}
	res.Batches = len(batches)

	for _, batch := range batches {
		ingested, err := p.pipe.Ingest(ctx, slug, batch, msgID)
		res.SeriesWritten += ingested.SeriesWritten
		res.SummariesWritten += ingested.SummariesWritten
		res.Dropped += ingested.Dropped
		if err != nil {
			return res, fmt.Errorf("normalization failed for user %s: %w", batch.Meta.UserID, err)
		}
	}
	return res, nil
}
