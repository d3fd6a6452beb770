// Package store is the SQL persistence layer. It runs on PostgreSQL in
// production and on embedded SQLite for local development and tests; all
// queries are built through squirrel so both dialects share one code path.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// Open connects to the database and brings the schema up to date. The
// postgres driver runs goose migrations; sqlite applies the schema inline
// since the migration files use postgres types.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		goose.SetBaseFS(migrationsFS)
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db, "migrations"); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &Store{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}, nil
	case DriverSQLite:
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent turns.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
		return &Store{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", driver)
	}
}

func (s *Store) Close() error { return s.db.Close() }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS games (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    title         TEXT NOT NULL,
    public        INTEGER NOT NULL DEFAULT 0,
    instructions  TEXT NOT NULL,
    setting       TEXT NOT NULL DEFAULT '',
    image_style   TEXT NOT NULL DEFAULT '',
    language      TEXT NOT NULL DEFAULT '',
    tier          TEXT NOT NULL DEFAULT 'balanced',
    with_images   INTEGER NOT NULL DEFAULT 0,
    with_audio    INTEGER NOT NULL DEFAULT 0,
    expand_story  INTEGER NOT NULL DEFAULT 0,
    intro_prompt  TEXT NOT NULL DEFAULT '',
    status_schema TEXT NOT NULL DEFAULT '[]',
    created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    game_id           TEXT NOT NULL REFERENCES games (id),
    user_id           TEXT NOT NULL,
    platform_id       TEXT NOT NULL DEFAULT '',
    conversation      TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT '[]',
    usage_input       INTEGER NOT NULL DEFAULT 0,
    usage_output      INTEGER NOT NULL DEFAULT 0,
    usage_total       INTEGER NOT NULL DEFAULT 0,
    images_suppressed INTEGER NOT NULL DEFAULT 0,
    private_link      INTEGER NOT NULL DEFAULT 0,
    game_snapshot     TEXT NOT NULL,
    created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    ended_at          TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);

CREATE TABLE IF NOT EXISTS messages (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL REFERENCES sessions (id),
    seq           INTEGER NOT NULL,
    type          TEXT NOT NULL,
    content       TEXT NOT NULL,
    status_fields TEXT NOT NULL DEFAULT '[]',
    image_prompt  TEXT NOT NULL DEFAULT '',
    image_url     TEXT NOT NULL DEFAULT '',
    audio_url     TEXT NOT NULL DEFAULT '',
    usage_input   INTEGER NOT NULL DEFAULT 0,
    usage_output  INTEGER NOT NULL DEFAULT 0,
    usage_total   INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS users (
    id             TEXT PRIMARY KEY,
    workshop_id    TEXT NOT NULL DEFAULT '',
    institution_id TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_keys (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    platform_id TEXT NOT NULL,
    secret      TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_key_shares (
    id                   TEXT PRIMARY KEY,
    key_id               TEXT NOT NULL REFERENCES api_keys (id),
    scope                TEXT NOT NULL,
    target_id            TEXT NOT NULL DEFAULT '',
    is_default           INTEGER NOT NULL DEFAULT 0,
    allow_public_sponsor INTEGER NOT NULL DEFAULT 0,
    created_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_shares_target ON api_key_shares (scope, target_id);
`
