// Package openai implements the provider adapter for OpenAI-class
// platforms. Conversation continuity uses the provider's server-side
// conversation objects; the opaque session blob holds only their ids.
package openai

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
)

const defaultBaseURL = "https://api.openai.com/v1"

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
	p, _ := cfg.Catalog.Platform(catalog.PlatformOpenAI)
	return &Client{cfg: cfg, platform: p}
}

var _ ai.Provider = (*Client)(nil)

func (c *Client) ResolveModelInfo(tier catalog.Tier) (catalog.Model, error) {
	return c.cfg.Catalog.ResolveModel(c.platform.ID, tier)
}

func (c *Client) PlatformInfo() catalog.Platform { return c.platform }

// postJSON sends a JSON payload and returns the JSON body. Non-2xx statuses
// are classified into the error taxonomy. Nothing is retried here; live
// turns retry only on malformed output, at the orchestrator.
func (c *Client) postJSON(ctx context.Context, apiKey, op, path string, payload any) ([]byte, error) {
	resp, err := c.post(ctx, apiKey, op, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ai.ClassifyStatus(c.platform.ID, op, resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, apiKey, op, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
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

// postStream sends a payload with SSE streaming enabled and invokes onEvent
// for every event until the stream ends.
func (c *Client) postStream(ctx context.Context, apiKey, op, path string, payload any, onEvent func(event string, data []byte) error) error {
	resp, err := c.post(ctx, apiKey, op, path, payload)
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
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil
			}
			if err := onEvent(event, []byte(data)); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ai.E(ai.CodeAIError, c.platform.ID, op, fmt.Errorf("read stream: %w", err))
	}
	return nil
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u usagePayload) toTokenUsage() ai.TokenUsage {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return ai.TokenUsage{Input: u.InputTokens, Output: u.OutputTokens, Total: total}
}
