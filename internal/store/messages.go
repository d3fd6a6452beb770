package store

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"storyforge/internal/ai"
	"storyforge/internal/orchestrator"
)

// AppendMessage inserts the message with the next sequence number for its
// session. The seq is computed inside the insert so the unique constraint on
// (session_id, seq) catches any race; per-session turn locking makes that
// race unreachable in normal operation.
func (s *Store) AppendMessage(ctx context.Context, msg *orchestrator.Message) error {
	fields, err := json.Marshal(msg.StatusFields)
	if err != nil {
		return fmt.Errorf("encode status fields: %w", err)
	}
	q := s.sb.Insert("messages").
		Columns("id", "session_id", "seq", "type", "content", "status_fields",
			"image_prompt", "image_url", "audio_url",
			"usage_input", "usage_output", "usage_total", "created_at").
		Values(msg.ID, msg.SessionID,
			sq.Expr("(SELECT COALESCE(MAX(m.seq), 0) + 1 FROM messages m WHERE m.session_id = ?)", msg.SessionID),
			string(msg.Type), msg.Content, string(fields),
			msg.ImagePrompt, msg.ImageURL, msg.AudioURL,
			msg.Usage.Input, msg.Usage.Output, msg.Usage.Total, msg.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return err
	}
	seqSQL, seqArgs, err := s.sb.Select("seq").From("messages").Where(sq.Eq{"id": msg.ID}).ToSql()
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, seqSQL, seqArgs...).Scan(&msg.Seq)
}

func (s *Store) UpdateMessage(ctx context.Context, id string, upd orchestrator.MessageUpdate) error {
	q := s.sb.Update("messages").Where(sq.Eq{"id": id})
	touched := false
	if upd.Content != nil {
		q = q.Set("content", *upd.Content)
		touched = true
	}
	if upd.ImageURL != nil {
		q = q.Set("image_url", *upd.ImageURL)
		touched = true
	}
	if upd.AudioURL != nil {
		q = q.Set("audio_url", *upd.AudioURL)
		touched = true
	}
	if !touched {
		return nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNotFound)
}

func (s *Store) Messages(ctx context.Context, sessionID string) ([]orchestrator.Message, error) {
	q := s.sb.Select("id", "session_id", "seq", "type", "content", "status_fields",
		"image_prompt", "image_url", "audio_url",
		"usage_input", "usage_output", "usage_total", "created_at").
		From("messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []orchestrator.Message
	for rows.Next() {
		var m orchestrator.Message
		var typ, fields string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &typ, &m.Content, &fields,
			&m.ImagePrompt, &m.ImageURL, &m.AudioURL,
			&m.Usage.Input, &m.Usage.Output, &m.Usage.Total, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = ai.MessageType(typ)
		if err := json.Unmarshal([]byte(fields), &m.StatusFields); err != nil {
			return nil, fmt.Errorf("decode status fields: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
