package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"storyforge/internal/credentials"
)

// The queries below implement credentials.Graph.

func (s *Store) SponsorShares(ctx context.Context, gameID string) ([]credentials.ShareWithKey, error) {
	q := s.shareSelect().
		Where(sq.Eq{"sh.scope": string(credentials.ScopeGameSponsor), "sh.target_id": gameID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []credentials.ShareWithKey
	for rows.Next() {
		swk, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, swk)
	}
	return out, rows.Err()
}

func (s *Store) WorkshopDefaultShare(ctx context.Context, userID string) (*credentials.ShareWithKey, error) {
	return s.groupDefaultShare(ctx, userID, "workshop_id", credentials.ScopeWorkshop)
}

func (s *Store) InstitutionDefaultShare(ctx context.Context, userID string) (*credentials.ShareWithKey, error) {
	return s.groupDefaultShare(ctx, userID, "institution_id", credentials.ScopeInstitution)
}

func (s *Store) groupDefaultShare(ctx context.Context, userID, groupColumn string, scope credentials.ShareScope) (*credentials.ShareWithKey, error) {
	groupSQL, groupArgs, err := s.sb.Select(groupColumn).From("users").Where(sq.Eq{"id": userID}).ToSql()
	if err != nil {
		return nil, err
	}
	var groupID string
	err = s.db.QueryRowContext(ctx, groupSQL, groupArgs...).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && groupID == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	q := s.shareSelect().
		Where(sq.Eq{"sh.scope": string(scope), "sh.target_id": groupID, "sh.is_default": true}).
		OrderBy("sh.id ASC").Limit(1)
	return s.oneShare(ctx, q)
}

func (s *Store) PersonalDefaultKey(ctx context.Context, userID string) (*credentials.ShareWithKey, error) {
	q := s.shareSelect().
		Where(sq.Eq{"sh.scope": string(credentials.ScopeUser), "sh.target_id": userID, "sh.is_default": true}).
		OrderBy("sh.id ASC").Limit(1)
	return s.oneShare(ctx, q)
}

func (s *Store) shareSelect() sq.SelectBuilder {
	return s.sb.Select(
		"sh.id", "sh.key_id", "sh.scope", "sh.target_id", "sh.is_default", "sh.allow_public_sponsor",
		"k.id", "k.owner_id", "k.platform_id", "k.secret").
		From("api_key_shares sh").
		Join("api_keys k ON k.id = sh.key_id")
}

func (s *Store) oneShare(ctx context.Context, q sq.SelectBuilder) (*credentials.ShareWithKey, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	swk, err := scanShare(rows)
	if err != nil {
		return nil, err
	}
	return &swk, nil
}

func scanShare(rows *sql.Rows) (credentials.ShareWithKey, error) {
	var swk credentials.ShareWithKey
	var scope string
	err := rows.Scan(
		&swk.Share.ID, &swk.Share.KeyID, &scope, &swk.Share.TargetID,
		&swk.Share.IsDefault, &swk.Share.AllowPublicSponsor,
		&swk.Key.ID, &swk.Key.OwnerID, &swk.Key.PlatformID, &swk.Key.Secret)
	swk.Share.Scope = credentials.ShareScope(scope)
	return swk, err
}

// Seeding helpers used by admin tooling and tests.

func (s *Store) CreateUser(ctx context.Context, id, workshopID, institutionID string) error {
	sqlStr, args, err := s.sb.Insert("users").
		Columns("id", "workshop_id", "institution_id", "created_at").
		Values(id, workshopID, institutionID, time.Now().UTC()).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (s *Store) CreateAPIKey(ctx context.Context, key credentials.ApiKey) error {
	sqlStr, args, err := s.sb.Insert("api_keys").
		Columns("id", "owner_id", "platform_id", "secret", "created_at").
		Values(key.ID, key.OwnerID, key.PlatformID, key.Secret, time.Now().UTC()).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (s *Store) CreateShare(ctx context.Context, share credentials.ApiKeyShare) error {
	sqlStr, args, err := s.sb.Insert("api_key_shares").
		Columns("id", "key_id", "scope", "target_id", "is_default", "allow_public_sponsor", "created_at").
		Values(share.ID, share.KeyID, string(share.Scope), share.TargetID,
			share.IsDefault, share.AllowPublicSponsor, time.Now().UTC()).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}
