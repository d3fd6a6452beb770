// Package credentials decides which API key pays for a session. It walks a
// read-only view of the key/share graph with a fixed precedence and maps the
// requested model tier onto the resolved platform.
package credentials

import (
	"context"
	"errors"
	"sort"

	"storyforge/internal/ai"
	"storyforge/internal/catalog"
)

// ShareScope says who a key was shared with.
type ShareScope string

const (
	ScopeUser        ShareScope = "user"
	ScopeWorkshop    ShareScope = "workshop"
	ScopeInstitution ShareScope = "institution"
	ScopeGameSponsor ShareScope = "game-sponsor"
)

// ApiKey is a stored provider credential. Secret is the raw provider key.
type ApiKey struct {
	ID         string
	OwnerID    string
	PlatformID string
	Secret     string
}

// ApiKeyShare authorizes a key for a target beyond its owner.
type ApiKeyShare struct {
	ID                 string
	KeyID              string
	Scope              ShareScope
	TargetID           string
	IsDefault          bool
	AllowPublicSponsor bool
}

// ShareWithKey pairs a share with the key it grants.
type ShareWithKey struct {
	Share ApiKeyShare
	Key   ApiKey
}

// Graph is the read-only persistence view the resolver consumes. Lookups
// return nil (not an error) when nothing matches.
type Graph interface {
	// SponsorShares lists game-sponsor shares for a game, any order.
	SponsorShares(ctx context.Context, gameID string) ([]ShareWithKey, error)
	// WorkshopDefaultShare returns the default share of the user's
	// workshop, if the user belongs to one and a default is set.
	WorkshopDefaultShare(ctx context.Context, userID string) (*ShareWithKey, error)
	// InstitutionDefaultShare is the institution-level equivalent.
	InstitutionDefaultShare(ctx context.Context, userID string) (*ShareWithKey, error)
	// PersonalDefaultKey returns the user's own default key.
	PersonalDefaultKey(ctx context.Context, userID string) (*ShareWithKey, error)
}

// Request identifies the session being paid for.
type Request struct {
	UserID string
	GameID string
	// GamePublic allows public sponsor shares to match.
	GamePublic bool
	// PrivateLink is set when the session was started through a private
	// game link, allowing non-public sponsor shares.
	PrivateLink bool
	Tier        catalog.Tier
}

// Resolution is a concrete (share, key, model) choice.
type Resolution struct {
	Share    ApiKeyShare
	Key      ApiKey
	Platform catalog.Platform
	Model    catalog.Model
}

type Resolver struct {
	graph   Graph
	catalog *catalog.Catalog
}

func NewResolver(graph Graph, cat *catalog.Catalog) *Resolver {
	return &Resolver{graph: graph, catalog: cat}
}

// Resolve picks the paying share with precedence public sponsor > private
// sponsor > workshop default > institution default > personal default, then
// maps the requested tier onto the chosen platform (downgrading, never
// upgrading past the request). Fails with no_api_key_available when nothing
// in the graph matches; that failure is user-visible and never retried.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	chosen, err := r.pick(ctx, req)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, ai.E(ai.CodeNoAPIKeyAvailable, chosenPlatform(chosen), "resolve credentials",
			errors.New("no share resolves for user "+req.UserID))
	}
	platform, ok := r.catalog.Platform(chosen.Key.PlatformID)
	if !ok {
		return nil, ai.E(ai.CodeNoAPIKeyAvailable, chosen.Key.PlatformID, "resolve credentials", catalog.ErrUnknownPlatform)
	}
	model, err := r.catalog.ResolveModel(platform.ID, req.Tier)
	if err != nil {
		return nil, ai.E(ai.CodeNoAPIKeyAvailable, platform.ID, "resolve credentials", err)
	}
	return &Resolution{Share: chosen.Share, Key: chosen.Key, Platform: platform, Model: model}, nil
}

func (r *Resolver) pick(ctx context.Context, req Request) (*ShareWithKey, error) {
	sponsors, err := r.graph.SponsorShares(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	// Stable order keeps resolution deterministic for an unchanged graph.
	sort.Slice(sponsors, func(i, j int) bool { return sponsors[i].Share.ID < sponsors[j].Share.ID })

	if req.GamePublic {
		for i := range sponsors {
			if sponsors[i].Share.AllowPublicSponsor {
				return &sponsors[i], nil
			}
		}
	}
	if req.PrivateLink {
		for i := range sponsors {
			if !sponsors[i].Share.AllowPublicSponsor {
				return &sponsors[i], nil
			}
		}
	}
	for _, lookup := range []func(context.Context, string) (*ShareWithKey, error){
		r.graph.WorkshopDefaultShare,
		r.graph.InstitutionDefaultShare,
		r.graph.PersonalDefaultKey,
	} {
		s, err := lookup(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}
	return nil, nil
}

func chosenPlatform(s *ShareWithKey) string {
	if s == nil {
		return ""
	}
	return s.Key.PlatformID
}
