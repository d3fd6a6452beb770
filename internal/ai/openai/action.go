package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"storyforge/internal/ai"
)

const conversationVersion = 1

// conversationState is this adapter's private shape of the opaque session
// blob: the id of the provider-side conversation object.
type conversationState struct {
	ConversationID string `json:"conversation_id"`
}

type responsePayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage usagePayload `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) ExecuteAction(ctx context.Context, req ai.ActionRequest) (*ai.ActionResult, error) {
	const op = "execute action"

	state, isNew, err := c.loadConversation(req.Session.Conversation)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}
	if isNew {
		if req.Type != ai.MessageSystem {
			return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("no conversation for non-system turn"))
		}
		id, err := c.createConversation(ctx, req.Session.APIKey)
		if err != nil {
			return nil, err
		}
		state.ConversationID = id
	}
	blob, err := ai.WrapConversation(conversationVersion, state)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}

	payload := map[string]any{
		"model":        req.Session.Model.Name,
		"conversation": state.ConversationID,
		"input": []map[string]any{
			{"role": "user", "content": req.Content},
		},
		"text": map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   "game_reply",
				"strict": true,
				"schema": json.RawMessage(ai.ResponseSchema()),
			},
		},
	}
	if req.Type == ai.MessageSystem {
		payload["instructions"] = req.Session.Instructions
	}

	body, err := c.postJSON(ctx, req.Session.APIKey, op, "/responses", payload)
	if err != nil {
		return nil, err
	}
	var parsed responsePayload
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("decode response: %w", err))
	}
	if parsed.Error != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("provider error: %s", parsed.Error.Message))
	}
	raw := outputText(parsed)
	if raw == "" {
		// The conversation object exists even though the output is unusable;
		// hand its blob back so a retry appends to it.
		return &ai.ActionResult{Conversation: blob, Usage: parsed.Usage.toTokenUsage()},
			ai.E(ai.CodeMalformedResponse, c.platform.ID, op, fmt.Errorf("empty output"))
	}

	reply, dropped, err := ai.ParseReply(c.platform.ID, raw, req.Session.StatusSchema, req.Prior)
	if err != nil {
		return &ai.ActionResult{Raw: raw, Conversation: blob, Usage: parsed.Usage.toTokenUsage()}, err
	}
	if len(dropped) > 0 {
		c.cfg.Logger.Warn().Strs("fields", dropped).Str("session_id", req.Session.ID).
			Msg("provider invented status fields, dropped")
	}

	return &ai.ActionResult{
		Reply:        reply,
		Raw:          raw,
		Usage:        parsed.Usage.toTokenUsage(),
		Conversation: blob,
	}, nil
}

func (c *Client) loadConversation(blob string) (conversationState, bool, error) {
	var state conversationState
	ok, err := ai.UnwrapConversation(blob, conversationVersion, &state)
	if err != nil {
		return state, false, err
	}
	return state, !ok || state.ConversationID == "", nil
}

func (c *Client) createConversation(ctx context.Context, apiKey string) (string, error) {
	const op = "create conversation"
	body, err := c.postJSON(ctx, apiKey, op, "/conversations", map[string]any{})
	if err != nil {
		return "", err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.ID == "" {
		return "", ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("decode conversation: %v", err))
	}
	return parsed.ID, nil
}

func outputText(p responsePayload) string {
	for _, item := range p.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type == "output_text" && content.Text != "" {
				return content.Text
			}
		}
	}
	return ""
}
