package ai

import (
	"context"
	"encoding/json"

	"storyforge/internal/catalog"
	"storyforge/internal/stream"
)

// Provider is the uniform capability surface every platform adapter
// implements. Adapters own the format of the opaque conversation blob they
// return; callers must hand it back unchanged to the same platform.
type Provider interface {
	// ExecuteAction produces the next structured game response. A
	// MessageSystem request creates a fresh provider-side conversation
	// seeded with the game instructions; MessagePlayer appends to it.
	// Adapters that create provider-side state before validating the output
	// return the result non-nil alongside a malformed_ai_response error,
	// with Conversation set, so a retry reuses that state instead of
	// orphaning it.
	ExecuteAction(ctx context.Context, req ActionRequest) (*ActionResult, error)

	// ExpandStory elaborates a terse plot outline into narrative prose on
	// the same conversation, streaming plain-text chunks as they arrive.
	ExpandStory(ctx context.Context, sess Session, outline string, out *stream.Stream) (*ExpandResult, error)

	// GenerateImage issues a separate, non-conversation request for a scene
	// illustration and returns the encoded image bytes. Platforms without
	// image support return ErrNotSupported.
	GenerateImage(ctx context.Context, sess Session, prompt string) ([]byte, error)

	// GenerateAudio synthesizes narration for the given text. Platforms
	// without audio return ErrNotSupported.
	GenerateAudio(ctx context.Context, sess Session, text string) ([]byte, error)

	// Translate is the stateless batch operation used by the offline i18n
	// tool. Documents map keys to source text; the result maps the same
	// keys to translated text.
	Translate(ctx context.Context, apiKey string, documents map[string]string, targetLanguage string) (map[string]string, TokenUsage, error)

	// ResolveModelInfo maps a generic tier onto this platform's concrete
	// model, downgrading when the tier is unavailable.
	ResolveModelInfo(tier catalog.Tier) (catalog.Model, error)

	// PlatformInfo returns the static platform description.
	PlatformInfo() catalog.Platform
}

// ConversationMeta is the version-tagged envelope adapters wrap around their
// private conversation state. Only the owning adapter reads Data.
type ConversationMeta struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// WrapConversation serializes adapter state into the opaque blob stored on
// the session record.
func WrapConversation(version int, state any) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(ConversationMeta{Version: version, Data: data})
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// UnwrapConversation decodes the envelope back into adapter state. An empty
// blob yields ok=false, meaning no conversation exists yet.
func UnwrapConversation(blob string, version int, state any) (bool, error) {
	if blob == "" {
		return false, nil
	}
	var meta ConversationMeta
	if err := json.Unmarshal([]byte(blob), &meta); err != nil {
		return false, err
	}
	if meta.Version != version {
		return false, nil
	}
	if err := json.Unmarshal(meta.Data, state); err != nil {
		return false, err
	}
	return true, nil
}
