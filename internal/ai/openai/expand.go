package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"storyforge/internal/ai"
	"storyforge/internal/stream"
)

const expandInstructions = "Rewrite the outline of the scene you just produced as full narrative prose, " +
	"in the voice and language of the story so far. Output plain text only, no JSON."

// ExpandStory asks the provider to elaborate the turn's outline on the same
// conversation, relaying text deltas into the stream as they arrive.
func (c *Client) ExpandStory(ctx context.Context, sess ai.Session, outline string, out *stream.Stream) (*ai.ExpandResult, error) {
	const op = "expand story"

	state, isNew, err := c.loadConversation(sess.Conversation)
	if err != nil || isNew {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("no conversation to expand: %v", err))
	}

	payload := map[string]any{
		"model":        sess.Model.Name,
		"conversation": state.ConversationID,
		"stream":       true,
		"instructions": expandInstructions,
		"input": []map[string]any{
			{"role": "user", "content": "Outline: " + outline},
		},
	}

	var text strings.Builder
	var usage usagePayload
	err = c.postStream(ctx, sess.APIKey, op, "/responses", payload, func(event string, data []byte) error {
		switch event {
		case "response.output_text.delta":
			var delta struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal(data, &delta); err != nil {
				return nil // tolerate unknown frames
			}
			text.WriteString(delta.Delta)
			out.Publish(stream.Chunk{Text: delta.Delta})
		case "response.completed":
			var done struct {
				Response struct {
					Usage usagePayload `json:"usage"`
				} `json:"response"`
			}
			if err := json.Unmarshal(data, &done); err == nil {
				usage = done.Response.Usage
			}
		case "response.failed", "error":
			return ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("stream failed: %s", string(data)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Publish(stream.Chunk{TextDone: true})

	blob, err := ai.WrapConversation(conversationVersion, state)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, err)
	}
	return &ai.ExpandResult{Text: text.String(), Usage: usage.toTokenUsage(), Conversation: blob}, nil
}
