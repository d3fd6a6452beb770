// Package registry constructs every configured provider adapter once at
// startup and hands them out keyed by platform id.
package registry

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/rs/zerolog"

	"storyforge/internal/ai"
	"storyforge/internal/ai/mistral"
	"storyforge/internal/ai/mock"
	"storyforge/internal/ai/openai"
	"storyforge/internal/catalog"
)

// Config carries per-platform endpoint overrides, mostly for tests pointing
// adapters at httptest servers. Empty values mean the real endpoints.
type Config struct {
	OpenAIBaseURL  string
	MistralBaseURL string
	HTTPClient     *http.Client
	// EnableMock registers the deterministic in-process provider. Off in
	// production so a misrouted session cannot silently get canned text.
	EnableMock bool
}

type Registry struct {
	providers map[string]ai.Provider
}

// Build constructs an adapter for every platform in the catalog that this
// binary knows how to drive. Catalog platforms with no adapter are skipped;
// sessions routed to them fail at lookup time.
func Build(cfg Config, cat *catalog.Catalog, logger zerolog.Logger) *Registry {
	providers := make(map[string]ai.Provider)
	for _, id := range cat.PlatformIDs() {
		switch id {
		case catalog.PlatformOpenAI:
			providers[id] = openai.New(openai.Config{
				BaseURL:    cfg.OpenAIBaseURL,
				HTTPClient: cfg.HTTPClient,
				Catalog:    cat,
				Logger:     logger,
			})
		case catalog.PlatformMistral:
			providers[id] = mistral.New(mistral.Config{
				BaseURL:    cfg.MistralBaseURL,
				HTTPClient: cfg.HTTPClient,
				Catalog:    cat,
				Logger:     logger,
			})
		case catalog.PlatformMock:
			if cfg.EnableMock {
				providers[id] = mock.New(cat)
			}
		default:
			logger.Warn().Str("platform", id).Msg("catalog platform has no adapter")
		}
	}
	return &Registry{providers: providers}
}

// Provider returns the adapter for a platform id.
func (r *Registry) Provider(platformID string) (ai.Provider, error) {
	p, ok := r.providers[platformID]
	if !ok {
		return nil, fmt.Errorf("no provider for platform %q: %w", platformID, catalog.ErrUnknownPlatform)
	}
	return p, nil
}

// PlatformIDs lists the platforms with a live adapter, sorted.
func (r *Registry) PlatformIDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
