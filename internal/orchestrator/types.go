package orchestrator

import (
	"context"
	"errors"
	"time"

	"storyforge/internal/ai"
	"storyforge/internal/catalog"
)

var (
	ErrTurnInProgress  = errors.New("turn_in_progress")
	ErrSessionNotFound = errors.New("session_not_found")
	ErrSessionEnded    = errors.New("session_ended")
	ErrGameNotFound    = errors.New("game_not_found")
	ErrForbidden       = errors.New("forbidden")
)

// Game is the authored definition a session copies at creation. The copy is
// frozen: edits to a game never affect sessions already running.
type Game struct {
	ID           string
	OwnerID      string
	Title        string
	Public       bool
	Instructions string
	Setting      string
	ImageStyle   string
	Language     string
	Tier         catalog.Tier
	WithImages   bool
	WithAudio    bool
	ExpandStory  bool
	IntroPrompt  string
	StatusSchema []ai.StatusFieldSpec
}

// Session is one running playthrough. Conversation is the platform adapter's
// opaque blob; PlatformID pins which adapter may read it once the first turn
// has run.
type Session struct {
	ID               string
	GameID           string
	UserID           string
	PlatformID       string
	Conversation     string
	Status           []ai.StatusField
	Usage            ai.TokenUsage
	ImagesSuppressed bool
	PrivateLink      bool
	CreatedAt        time.Time
	EndedAt          *time.Time

	Game Game
}

// Message is one persisted entry of a session transcript. Seq is assigned by
// the store and strictly increases per session.
type Message struct {
	ID           string
	SessionID    string
	Seq          int
	Type         ai.MessageType
	Content      string
	StatusFields []ai.StatusField
	ImagePrompt  string
	ImageURL     string
	AudioURL     string
	Usage        ai.TokenUsage
	CreatedAt    time.Time
}

// SessionState is the mutable slice of a session written back after a turn.
type SessionState struct {
	Conversation     string
	Status           []ai.StatusField
	Usage            ai.TokenUsage
	PlatformID       string
	ImagesSuppressed bool
}

// MessageUpdate patches a message after background work finishes. Nil fields
// are left untouched.
type MessageUpdate struct {
	Content  *string
	ImageURL *string
	AudioURL *string
}

// Store is the persistence surface the orchestrator drives.
type Store interface {
	Game(ctx context.Context, id string) (*Game, error)
	CreateSession(ctx context.Context, sess *Session) error
	Session(ctx context.Context, id string) (*Session, error)
	SaveSessionState(ctx context.Context, id string, st SessionState) error
	EndSession(ctx context.Context, id string) error
	// AppendMessage assigns the next sequence number and persists the
	// message atomically.
	AppendMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
}

// MediaStore persists generated binaries and returns a serveable URL.
type MediaStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Providers hands out the adapter for a platform id.
type Providers interface {
	Provider(platformID string) (ai.Provider, error)
}

// TurnAction selects what kind of turn is being submitted.
type TurnAction string

const (
	// ActionIntro runs the opening turn, seeding the provider conversation
	// with the game instructions.
	ActionIntro TurnAction = "intro"
	// ActionPlayer submits a player's free-text action.
	ActionPlayer TurnAction = "player-action"
)

type TurnRequest struct {
	SessionID string
	UserID    string
	Action    TurnAction
	// Content is the player's text; ignored for ActionIntro.
	Content string
}
