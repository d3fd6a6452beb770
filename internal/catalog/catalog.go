// Package catalog holds the static description of AI platforms and their
// model tiers. Tiers are generic quality/cost levels; each platform maps a
// tier onto its own concrete model name.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type Tier string

const (
	TierEconomy  Tier = "economy"
	TierBalanced Tier = "balanced"
	TierPremium  Tier = "premium"
	TierMax      Tier = "max"
)

// Priority defines the total order economy < balanced < premium < max.
// Unknown tiers sort below everything.
func (t Tier) Priority() int {
	switch t {
	case TierEconomy:
		return 1
	case TierBalanced:
		return 2
	case TierPremium:
		return 3
	case TierMax:
		return 4
	default:
		return 0
	}
}

func (t Tier) Valid() bool { return t.Priority() > 0 }

var (
	ErrUnknownPlatform = errors.New("unknown_platform")
	ErrNoModels        = errors.New("platform has no models")
)

// Model is one selectable text model on a platform.
type Model struct {
	Tier          Tier   `yaml:"tier"`
	Name          string `yaml:"name"`
	SupportsImage bool   `yaml:"supports_image"`
	SupportsAudio bool   `yaml:"supports_audio"`
}

// Platform describes one provider: its selectable text models plus the fixed
// models used for the image and audio modalities (empty means unsupported).
type Platform struct {
	ID         string  `yaml:"id"`
	Name       string  `yaml:"name"`
	Models     []Model `yaml:"models"`
	ImageModel string  `yaml:"image_model"`
	AudioModel string  `yaml:"audio_model"`
	AudioVoice string  `yaml:"audio_voice"`
}

func (p Platform) SupportsImage() bool { return p.ImageModel != "" }
func (p Platform) SupportsAudio() bool { return p.AudioModel != "" }

type Catalog struct {
	platforms map[string]Platform
}

const (
	PlatformOpenAI  = "openai"
	PlatformMistral = "mistral"
	PlatformMock    = "mock"
)

// Default returns the built-in catalog.
func Default() *Catalog {
	return build([]Platform{
		{
			ID:   PlatformOpenAI,
			Name: "OpenAI",
			Models: []Model{
				{Tier: TierEconomy, Name: "gpt-4o-mini", SupportsImage: true, SupportsAudio: true},
				{Tier: TierBalanced, Name: "gpt-4o", SupportsImage: true, SupportsAudio: true},
				{Tier: TierPremium, Name: "gpt-4.1", SupportsImage: true, SupportsAudio: true},
				{Tier: TierMax, Name: "o3", SupportsImage: true, SupportsAudio: true},
			},
			ImageModel: "gpt-image-1",
			AudioModel: "gpt-4o-mini-tts",
			AudioVoice: "alloy",
		},
		{
			ID:   PlatformMistral,
			Name: "Mistral",
			Models: []Model{
				{Tier: TierEconomy, Name: "mistral-small-latest"},
				{Tier: TierBalanced, Name: "mistral-medium-latest"},
				{Tier: TierPremium, Name: "mistral-large-latest"},
			},
		},
		{
			ID:   PlatformMock,
			Name: "Mock",
			Models: []Model{
				{Tier: TierBalanced, Name: "mock-1", SupportsImage: true, SupportsAudio: true},
			},
			ImageModel: "mock-image-1",
			AudioModel: "mock-audio-1",
			AudioVoice: "plain",
		},
	})
}

// Load returns the default catalog overlaid with platforms from a YAML file.
// Platforms in the file replace built-ins with the same id.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var file struct {
		Platforms []Platform `yaml:"platforms"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	for _, p := range file.Platforms {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog file: platform without id")
		}
		c.platforms[p.ID] = sorted(p)
	}
	return c, nil
}

func build(platforms []Platform) *Catalog {
	m := make(map[string]Platform, len(platforms))
	for _, p := range platforms {
		m[p.ID] = sorted(p)
	}
	return &Catalog{platforms: m}
}

func sorted(p Platform) Platform {
	models := make([]Model, len(p.Models))
	copy(models, p.Models)
	sort.SliceStable(models, func(i, j int) bool {
		return models[i].Tier.Priority() < models[j].Tier.Priority()
	})
	p.Models = models
	return p
}

func (c *Catalog) Platform(id string) (Platform, bool) {
	p, ok := c.platforms[id]
	return p, ok
}

func (c *Catalog) PlatformIDs() []string {
	ids := make([]string, 0, len(c.platforms))
	for id := range c.platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveModel picks the platform's model for a requested tier. An exact tier
// match wins; otherwise the highest tier below the requested one is
// substituted. A request is never upgraded past the requested tier unless the
// platform has nothing at or below it, in which case the platform's cheapest
// model is used rather than failing the turn.
func (c *Catalog) ResolveModel(platformID string, want Tier) (Model, error) {
	p, ok := c.platforms[platformID]
	if !ok {
		return Model{}, ErrUnknownPlatform
	}
	if len(p.Models) == 0 {
		return Model{}, ErrNoModels
	}
	wantPrio := want.Priority()
	if wantPrio == 0 {
		wantPrio = TierBalanced.Priority()
	}
	best := -1
	for i, m := range p.Models {
		prio := m.Tier.Priority()
		if prio > wantPrio {
			continue
		}
		if best == -1 || prio > p.Models[best].Tier.Priority() {
			best = i
		}
	}
	if best == -1 {
		// Nothing at or below the requested tier: models are sorted by
		// priority, so index 0 is the cheapest available.
		return p.Models[0], nil
	}
	return p.Models[best], nil
}
