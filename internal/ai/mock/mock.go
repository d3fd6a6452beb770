// Package mock is the in-process provider used by tests and local
// development. Responses are deterministic and generated without network
// access; failure injection fields let tests script provider behavior.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"storyforge/internal/ai"
	"storyforge/internal/catalog"
	"storyforge/internal/stream"
)

const conversationVersion = 1

type conversationState struct {
	Turns int `json:"turns"`
}

// Client implements ai.Provider. The error fields, when set, are returned by
// the corresponding operation instead of the canned behavior.
type Client struct {
	platform catalog.Platform
	cat      *catalog.Catalog

	ExecuteErr error
	ExpandErr  error
	ImageErr   error
	AudioErr   error
	// RawResponse overrides the generated text-step payload, letting tests
	// exercise the schema parser against arbitrary provider output.
	RawResponse string

	ExecuteCalls int
	ImageCalls   int
}

func New(cat *catalog.Catalog) *Client {
	p, _ := cat.Platform(catalog.PlatformMock)
	return &Client{platform: p, cat: cat}
}

var _ ai.Provider = (*Client)(nil)

func (c *Client) ExecuteAction(ctx context.Context, req ai.ActionRequest) (*ai.ActionResult, error) {
	c.ExecuteCalls++
	if c.ExecuteErr != nil {
		return nil, c.ExecuteErr
	}
	if err := ctx.Err(); err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, "execute action", err)
	}

	var state conversationState
	if _, err := ai.UnwrapConversation(req.Session.Conversation, conversationVersion, &state); err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, "execute action", err)
	}
	state.Turns++

	raw := c.RawResponse
	if raw == "" {
		raw = c.cannedResponse(req, state.Turns)
	}
	reply, _, err := ai.ParseReply(c.platform.ID, raw, req.Session.StatusSchema, req.Prior)
	if err != nil {
		return nil, err
	}
	blob, err := ai.WrapConversation(conversationVersion, state)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, "execute action", err)
	}
	return &ai.ActionResult{
		Reply:        reply,
		Raw:          raw,
		Usage:        usageFor(req.Content, raw),
		Conversation: blob,
	}, nil
}

func (c *Client) cannedResponse(req ai.ActionRequest, turn int) string {
	var msg string
	if req.Type == ai.MessageSystem {
		msg = "The story begins."
	} else {
		msg = fmt.Sprintf("Turn %d: the world reacts to %q.", turn, req.Content)
	}
	fields := make([]map[string]string, 0, len(req.Session.StatusSchema))
	priorByName := map[string]string{}
	for _, f := range req.Prior {
		priorByName[f.Name] = f.Value
	}
	for _, spec := range req.Session.StatusSchema {
		v := spec.Initial
		if pv, ok := priorByName[spec.Name]; ok {
			v = pv
		}
		fields = append(fields, map[string]string{"name": spec.Name, "value": v})
	}
	payload := map[string]any{
		"message":      msg,
		"statusFields": fields,
		"imagePrompt":  "scene for turn " + fmt.Sprint(turn),
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func (c *Client) ExpandStory(ctx context.Context, sess ai.Session, outline string, out *stream.Stream) (*ai.ExpandResult, error) {
	if c.ExpandErr != nil {
		return nil, c.ExpandErr
	}
	expanded := "In vivid detail: " + outline
	for _, word := range strings.SplitAfter(expanded, " ") {
		if err := ctx.Err(); err != nil {
			return nil, ai.E(ai.CodeAIError, c.platform.ID, "expand story", err)
		}
		out.Publish(stream.Chunk{Text: word})
	}
	out.Publish(stream.Chunk{TextDone: true})

	var state conversationState
	_, _ = ai.UnwrapConversation(sess.Conversation, conversationVersion, &state)
	blob, err := ai.WrapConversation(conversationVersion, state)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, "expand story", err)
	}
	return &ai.ExpandResult{Text: expanded, Usage: usageFor(outline, expanded), Conversation: blob}, nil
}

// pngMagic is enough for consumers that sniff content types.
var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func (c *Client) GenerateImage(ctx context.Context, sess ai.Session, prompt string) ([]byte, error) {
	c.ImageCalls++
	if c.ImageErr != nil {
		return nil, c.ImageErr
	}
	if err := ctx.Err(); err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, "generate image", err)
	}
	return append(append([]byte{}, pngMagic...), []byte(prompt)...), nil
}

func (c *Client) GenerateAudio(ctx context.Context, sess ai.Session, text string) ([]byte, error) {
	if c.AudioErr != nil {
		return nil, c.AudioErr
	}
	if err := ctx.Err(); err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, "generate audio", err)
	}
	return []byte("RIFF" + text), nil
}

func (c *Client) Translate(ctx context.Context, apiKey string, documents map[string]string, targetLanguage string) (map[string]string, ai.TokenUsage, error) {
	out := make(map[string]string, len(documents))
	usage := ai.TokenUsage{}
	for k, v := range documents {
		out[k] = "[" + targetLanguage + "] " + v
		usage = usage.Add(usageFor(v, out[k]))
	}
	return out, usage, nil
}

func (c *Client) ResolveModelInfo(tier catalog.Tier) (catalog.Model, error) {
	return c.cat.ResolveModel(c.platform.ID, tier)
}

func (c *Client) PlatformInfo() catalog.Platform { return c.platform }

func usageFor(in, out string) ai.TokenUsage {
	input := len(in)/4 + 1
	output := len(out)/4 + 1
	return ai.TokenUsage{Input: input, Output: output, Total: input + output}
}
