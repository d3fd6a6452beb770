// Package ai defines the provider-neutral contract of the conversation
// engine: the capability interface every platform adapter implements, the
// structured response model, and the closed failure taxonomy.
package ai

import (
	"storyforge/internal/catalog"
)

// MessageType distinguishes the three kinds of session messages.
type MessageType string

const (
	MessageSystem MessageType = "system"
	MessagePlayer MessageType = "player"
	MessageGame   MessageType = "game"
)

// TokenUsage accumulates provider token counters. Add is associative and
// commutative; the zero value is the identity.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:  u.Input + o.Input,
		Output: u.Output + o.Output,
		Total:  u.Total + o.Total,
	}
}

// StatusField is one name/value pair of the game's status schema.
type StatusField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StatusFieldSpec is one entry of a game's frozen status-field schema. The
// set of names is closed for the lifetime of a session.
type StatusFieldSpec struct {
	Name    string `json:"name"`
	Initial string `json:"initial"`
}

// Session is the adapter-facing view of a running game session. The
// Conversation blob is opaque: only the adapter that wrote it may interpret
// it, and it is always handed back to the same platform's adapter.
type Session struct {
	ID           string
	GameID       string
	APIKey       string
	Model        catalog.Model
	Conversation string

	// Frozen game-shaped config, copied at session creation.
	Instructions string
	Setting      string
	ImageStyle   string
	Language     string
	StatusSchema []StatusFieldSpec
}

// ActionRequest is one text-generation step. Type MessageSystem seeds a new
// provider-side conversation with the game instructions; MessagePlayer
// appends the player's action to the existing conversation.
type ActionRequest struct {
	Session Session
	Type    MessageType
	Content string
	// Prior holds the previous turn's status values, used to backfill
	// fields the model dropped.
	Prior []StatusField
}

// Reply is the schema-validated structured game response.
type Reply struct {
	Message      string
	StatusFields []StatusField
	ImagePrompt  string
}

// ActionResult carries everything a successful text step produced, including
// the adapter's updated opaque conversation blob.
type ActionResult struct {
	Reply        Reply
	Raw          string
	Usage        TokenUsage
	Conversation string
}

// ExpandResult is the outcome of a streaming story-expansion step.
type ExpandResult struct {
	Text         string
	Usage        TokenUsage
	Conversation string
}
