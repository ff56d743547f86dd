package provider

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Factory constructs a provider from the shared dependency bundle. Returning
// (nil, nil) means required configuration is missing and the provider is
// skipped silently; a non-nil error aborts startup.
type Factory func(deps Deps) (Provider, error)

type registration struct {
	platform string
	name     string
	build    Factory
}

// Registry is the compile-time provider table. Registration happens in the
// composition root before BuildAll; the registry is read-only afterwards.
type Registry struct {
	mu      sync.Mutex
	entries []registration
	built   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a provider factory under a platform name.
func (r *Registry) Register(platform, name string, build Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built {
		panic("provider registry is frozen after BuildAll")
	}
	r.entries = append(r.entries, registration{platform: platform, name: name, build: build})
}

// BuildAll invokes every factory and groups the constructed providers by
// platform. Duplicate slugs across all platforms are a startup error.
func (r *Registry) BuildAll(deps Deps) (map[string][]Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.built = true

	seen := make(map[string]string) // slug → platform
	out := make(map[string][]Provider)
	for _, e := range r.entries {
		p, err := e.build(deps)
		if err != nil {
			return nil, fmt.Errorf("provider %s/%s failed to initialize: %w", e.platform, e.name, err)
		}
		if p == nil {
			log.Info().Str("platform", e.platform).Str("provider", e.name).
				Msg("Provider skipped, required configuration missing")
			continue
		}
		slug := p.Info().Slug
		if prior, dup := seen[slug]; dup {
			return nil, fmt.Errorf("duplicate provider slug %q (platforms %s and %s)", slug, prior, e.platform)
		}
		seen[slug] = e.platform
		out[e.platform] = append(out[e.platform], p)
		log.Info().Str("platform", e.platform).Str("slug", slug).Msg("Provider registered")
	}
	return out, nil
}
