// Package mistral implements the provider adapter for chat-completion-class
// platforms without server-side conversation objects. Continuity is kept by
// the adapter itself: the opaque session blob holds the full message
// transcript, replayed on every call.
package mistral

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storyforge/internal/ai"
	"storyforge/internal/catalog"
	"storyforge/internal/stream"
)

const (
	defaultBaseURL      = "https://api.mistral.ai/v1"
	conversationVersion = 1
	// transcriptLimit caps replayed history; older turns are dropped in
	// pairs so the transcript always starts after the system message.
	transcriptLimit = 60
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type conversationState struct {
	Messages []chatMessage `json:"messages"`
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Catalog    *catalog.Catalog
	Logger     zerolog.Logger
}

type Client struct {
	cfg      Config
	platform catalog.Platform
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	p, _ := cfg.Catalog.Platform(catalog.PlatformMistral)
	return &Client{cfg: cfg, platform: p}
}

var _ ai.Provider = (*Client)(nil)

func (c *Client) ResolveModelInfo(tier catalog.Tier) (catalog.Model, error) {
	return c.cfg.Catalog.ResolveModel(c.platform.ID, tier)
}

func (c *Client) PlatformInfo() catalog.Platform { return c.platform }

func (c *Client) ExecuteAction(ctx context.Context, req ai.ActionRequest) (*ai.ActionResult, error) {
	const op = "execute action"

	var state conversationState
	ok, err := ai.UnwrapConversation(req.Session.Conversation, conversationVersion, &state)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}
	if !ok {
		if req.Type != ai.MessageSystem {
			return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("no conversation for non-system turn"))
		}
		state.Messages = []chatMessage{{Role: "system", Content: schemaPrompt(req.Session)}}
	}
	state.Messages = append(state.Messages, chatMessage{Role: "user", Content: req.Content})

	payload := map[string]any{
		"model":           req.Session.Model.Name,
		"messages":        state.Messages,
		"response_format": map[string]any{"type": "json_object"},
	}
	raw, usage, err := c.complete(ctx, req.Session.APIKey, op, payload)
	if err != nil {
		return nil, err
	}

	// The platform only guarantees syntactic JSON; the schema itself is
	// enforced by the parser, surfacing a structure mismatch instead of
	// accepting malformed output.
	reply, dropped, err := ai.ParseReply(c.platform.ID, raw, req.Session.StatusSchema, req.Prior)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		c.cfg.Logger.Warn().Strs("fields", dropped).Str("session_id", req.Session.ID).
			Msg("provider invented status fields, dropped")
	}

	state.Messages = append(state.Messages, chatMessage{Role: "assistant", Content: raw})
	trimTranscript(&state)
	blob, err := ai.WrapConversation(conversationVersion, state)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}
	return &ai.ActionResult{Reply: reply, Raw: raw, Usage: usage, Conversation: blob}, nil
}

func (c *Client) ExpandStory(ctx context.Context, sess ai.Session, outline string, out *stream.Stream) (*ai.ExpandResult, error) {
	const op = "expand story"

	var state conversationState
	ok, err := ai.UnwrapConversation(sess.Conversation, conversationVersion, &state)
	if err != nil || !ok {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("no conversation to expand: %v", err))
	}
	prompt := "Rewrite this outline as full narrative prose in the story's language. Plain text, no JSON.\nOutline: " + outline
	messages := append(append([]chatMessage{}, state.Messages...), chatMessage{Role: "user", Content: prompt})

	payload := map[string]any{
		"model":    sess.Model.Name,
		"messages": messages,
		"stream":   true,
	}
	var text strings.Builder
	var usage ai.TokenUsage
	err = c.postStream(ctx, sess.APIKey, op, payload, func(data []byte) error {
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *chatUsage `json:"usage"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil
		}
		if frame.Usage != nil {
			usage = frame.Usage.toTokenUsage()
		}
		if len(frame.Choices) > 0 && frame.Choices[0].Delta.Content != "" {
			text.WriteString(frame.Choices[0].Delta.Content)
			out.Publish(stream.Chunk{Text: frame.Choices[0].Delta.Content})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Publish(stream.Chunk{TextDone: true})

	state.Messages = append(state.Messages,
		chatMessage{Role: "user", Content: prompt},
		chatMessage{Role: "assistant", Content: text.String()})
	trimTranscript(&state)
	blob, err := ai.WrapConversation(conversationVersion, state)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}
	return &ai.ExpandResult{Text: text.String(), Usage: usage, Conversation: blob}, nil
}

func (c *Client) GenerateImage(context.Context, ai.Session, string) ([]byte, error) {
	return nil, ai.ErrNotSupported
}

func (c *Client) GenerateAudio(context.Context, ai.Session, string) ([]byte, error) {
	return nil, ai.ErrNotSupported
}

func (c *Client) Translate(ctx context.Context, apiKey string, documents map[string]string, targetLanguage string) (map[string]string, ai.TokenUsage, error) {
	const op = "translate"

	docs, err := json.Marshal(documents)
	if err != nil {
		return nil, ai.TokenUsage{}, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}
	model, err := c.cfg.Catalog.ResolveModel(c.platform.ID, catalog.TierBalanced)
	if err != nil {
		return nil, ai.TokenUsage{}, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}
	payload := map[string]any{
		"model": model.Name,
		"messages": []chatMessage{
			{Role: "system", Content: "Translate every value of the user's JSON object into the target language. Keys stay unchanged. Respond with the translated JSON object only."},
			{Role: "user", Content: fmt.Sprintf("Target language: %s\n%s", targetLanguage, docs)},
		},
		"response_format": map[string]any{"type": "json_object"},
	}
	raw, usage, err := c.complete(ctx, apiKey, op, payload)
	if err != nil {
		return nil, ai.TokenUsage{}, err
	}
	var translated map[string]string
	if err := json.Unmarshal([]byte(raw), &translated); err != nil {
		return nil, ai.TokenUsage{}, ai.E(ai.CodeMalformedResponse, c.platform.ID, op, fmt.Errorf("decode translation: %w", err))
	}
	return translated, usage, nil
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u chatUsage) toTokenUsage() ai.TokenUsage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return ai.TokenUsage{Input: u.PromptTokens, Output: u.CompletionTokens, Total: total}
}

func (c *Client) complete(ctx context.Context, apiKey, op string, payload any) (string, ai.TokenUsage, error) {
	resp, err := c.post(ctx, apiKey, op, payload)
	if err != nil {
		return "", ai.TokenUsage{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", ai.TokenUsage{}, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", ai.TokenUsage{}, ai.ClassifyStatus(c.platform.ID, op, resp.StatusCode, string(body))
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage chatUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ai.TokenUsage{}, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", ai.TokenUsage{}, ai.E(ai.CodeMalformedResponse, c.platform.ID, op, fmt.Errorf("empty choices"))
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.toTokenUsage(), nil
}

func (c *Client) post(ctx context.Context, apiKey, op string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("request failed: %w", err))
	}
	return resp, nil
}

func (c *Client) postStream(ctx context.Context, apiKey, op string, payload any, onData func(data []byte) error) error {
	resp, err := c.post(ctx, apiKey, op, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return ai.ClassifyStatus(c.platform.ID, op, resp.StatusCode, string(body))
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		if err := onData([]byte(data)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("read stream: %w", err))
	}
	return nil
}

// schemaPrompt embeds the response schema into the system message, since the
// platform cannot enforce it structurally.
func schemaPrompt(sess ai.Session) string {
	names := make([]string, 0, len(sess.StatusSchema))
	for _, f := range sess.StatusSchema {
		names = append(names, f.Name)
	}
	return sess.Instructions + "\n\n" +
		"Always answer with a single JSON object of the shape " +
		`{"message": string, "statusFields": [{"name": string, "value": string}], "imagePrompt": string}. ` +
		"statusFields must contain exactly these names: " + strings.Join(names, ", ") + "."
}

func trimTranscript(state *conversationState) {
	if len(state.Messages) <= transcriptLimit {
		return
	}
	head := state.Messages[:1] // system message
	tail := state.Messages[len(state.Messages)-(transcriptLimit-1):]
	state.Messages = append(append([]chatMessage{}, head...), tail...)
}
