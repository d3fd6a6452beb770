package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"storyforge/internal/ai"
)

// GenerateImage issues a standalone image request; the prompt is already
// composed (setting + scene + style) by the orchestrator.
func (c *Client) GenerateImage(ctx context.Context, sess ai.Session, prompt string) ([]byte, error) {
	const op = "generate image"
	if !c.platform.SupportsImage() {
		return nil, ai.ErrNotSupported
	}

	payload := map[string]any{
		"model":         c.platform.ImageModel,
		"prompt":        prompt,
		"size":          "1024x1024",
		"output_format": "png",
	}
	body, err := c.postJSON(ctx, sess.APIKey, op, "/images/generations", payload)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Data) == 0 {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("decode image response: %v", err))
	}
	img, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("decode image bytes: %w", err))
	}
	return img, nil
}

// GenerateAudio synthesizes narration speech and returns the raw audio bytes.
func (c *Client) GenerateAudio(ctx context.Context, sess ai.Session, text string) ([]byte, error) {
	const op = "generate audio"
	if !c.platform.SupportsAudio() {
		return nil, ai.ErrNotSupported
	}

	payload := map[string]any{
		"model":           c.platform.AudioModel,
		"voice":           c.platform.AudioVoice,
		"input":           text,
		"response_format": "mp3",
	}
	resp, err := c.post(ctx, sess.APIKey, op, "/audio/speech", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("read audio: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ai.ClassifyStatus(c.platform.ID, op, resp.StatusCode, string(body))
	}
	return body, nil
}
