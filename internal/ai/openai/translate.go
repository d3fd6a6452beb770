package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"storyforge/internal/ai"
	"storyforge/internal/catalog"
)

const translateInstructions = "Translate every value of the JSON object you receive into the target language. " +
	"Keys stay unchanged. Preserve placeholders like {name} verbatim. Respond with the translated JSON object only."

// Translate is the stateless batch operation behind the offline i18n tool.
// It shares the request machinery but joins no conversation.
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
		"model":        model.Name,
		"instructions": translateInstructions,
		"input": []map[string]any{
			{"role": "user", "content": fmt.Sprintf("Target language: %s\n%s", targetLanguage, docs)},
		},
		"text": map[string]any{
			"format": map[string]any{"type": "json_object"},
		},
	}
	body, err := c.postJSON(ctx, apiKey, op, "/responses", payload)
	if err != nil {
		return nil, ai.TokenUsage{}, err
	}
	var parsed responsePayload
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, ai.TokenUsage{}, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("decode response: %w", err))
	}
	raw := outputText(parsed)
	var translated map[string]string
	if err := json.Unmarshal([]byte(raw), &translated); err != nil {
		return nil, ai.TokenUsage{}, ai.E(ai.CodeMalformedResponse, c.platform.ID, op, fmt.Errorf("decode translation: %w", err))
	}
	return translated, parsed.Usage.toTokenUsage(), nil
}
