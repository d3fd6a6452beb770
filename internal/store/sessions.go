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
	"storyforge/internal/orchestrator"
)

// CreateSession persists a new session. The frozen game definition is stored
// as a JSON snapshot so later edits to the game never leak into the session.
func (s *Store) CreateSession(ctx context.Context, sess *orchestrator.Session) error {
	status, err := json.Marshal(sess.Status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	snapshot, err := json.Marshal(sess.Game)
	if err != nil {
		return fmt.Errorf("encode game snapshot: %w", err)
	}
	q := s.sb.Insert("sessions").
		Columns("id", "game_id", "user_id", "platform_id", "conversation", "status",
			"usage_input", "usage_output", "usage_total", "images_suppressed",
			"private_link", "game_snapshot", "created_at").
		Values(sess.ID, sess.GameID, sess.UserID, sess.PlatformID, sess.Conversation,
			string(status), sess.Usage.Input, sess.Usage.Output, sess.Usage.Total,
			sess.ImagesSuppressed, sess.PrivateLink, string(snapshot), sess.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (s *Store) Session(ctx context.Context, id string) (*orchestrator.Session, error) {
	q := s.sb.Select("id", "game_id", "user_id", "platform_id", "conversation", "status",
		"usage_input", "usage_output", "usage_total", "images_suppressed",
		"private_link", "game_snapshot", "created_at", "ended_at").
		From("sessions").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var sess orchestrator.Session
	var status, snapshot string
	var endedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&sess.ID, &sess.GameID, &sess.UserID, &sess.PlatformID, &sess.Conversation,
		&status, &sess.Usage.Input, &sess.Usage.Output, &sess.Usage.Total,
		&sess.ImagesSuppressed, &sess.PrivateLink, &snapshot, &sess.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(status), &sess.Status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if sess.Status == nil {
		sess.Status = []ai.StatusField{}
	}
	if err := json.Unmarshal([]byte(snapshot), &sess.Game); err != nil {
		return nil, fmt.Errorf("decode game snapshot: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

func (s *Store) SaveSessionState(ctx context.Context, id string, st orchestrator.SessionState) error {
	status, err := json.Marshal(st.Status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	q := s.sb.Update("sessions").
		Set("conversation", st.Conversation).
		Set("status", string(status)).
		Set("usage_input", st.Usage.Input).
		Set("usage_output", st.Usage.Output).
		Set("usage_total", st.Usage.Total).
		Set("platform_id", st.PlatformID).
		Set("images_suppressed", st.ImagesSuppressed).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrSessionNotFound)
}

func (s *Store) EndSession(ctx context.Context, id string) error {
	q := s.sb.Update("sessions").
		Set("ended_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "ended_at": nil})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrSessionNotFound)
}

// Sessions lists a user's sessions, newest first.
func (s *Store) Sessions(ctx context.Context, userID string) ([]orchestrator.Session, error) {
	q := s.sb.Select("id").From("sessions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []orchestrator.Session
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sess, err := s.Session(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
