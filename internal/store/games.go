package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"storyforge/internal/ai"
	"storyforge/internal/catalog"
	"storyforge/internal/orchestrator"
)

// CreateGame persists an authored game definition.
func (s *Store) CreateGame(ctx context.Context, g *orchestrator.Game) error {
	schema, err := json.Marshal(g.StatusSchema)
	if err != nil {
		return fmt.Errorf("encode status schema: %w", err)
	}
	q := s.sb.Insert("games").
		Columns("id", "owner_id", "title", "public", "instructions", "setting",
			"image_style", "language", "tier", "with_images", "with_audio",
			"expand_story", "intro_prompt", "status_schema", "created_at").
		Values(g.ID, g.OwnerID, g.Title, g.Public, g.Instructions, g.Setting,
			g.ImageStyle, g.Language, string(g.Tier), g.WithImages, g.WithAudio,
			g.ExpandStory, g.IntroPrompt, string(schema), time.Now().UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (s *Store) Game(ctx context.Context, id string) (*orchestrator.Game, error) {
	q := s.sb.Select("id", "owner_id", "title", "public", "instructions", "setting",
		"image_style", "language", "tier", "with_images", "with_audio",
		"expand_story", "intro_prompt", "status_schema").
		From("games").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var g orchestrator.Game
	var tier, schema string
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&g.ID, &g.OwnerID, &g.Title, &g.Public, &g.Instructions, &g.Setting,
		&g.ImageStyle, &g.Language, &tier, &g.WithImages, &g.WithAudio,
		&g.ExpandStory, &g.IntroPrompt, &schema)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Tier = catalog.Tier(tier)
	if err := json.Unmarshal([]byte(schema), &g.StatusSchema); err != nil {
		return nil, fmt.Errorf("decode status schema: %w", err)
	}
	if g.StatusSchema == nil {
		g.StatusSchema = []ai.StatusFieldSpec{}
	}
	return &g, nil
}
