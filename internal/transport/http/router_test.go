package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"storyforge/internal/ai/registry"
	"storyforge/internal/catalog"
	"storyforge/internal/config"
	"storyforge/internal/credentials"
	"storyforge/internal/orchestrator"
	"storyforge/internal/ratelimit"
	"storyforge/internal/store"
	"storyforge/internal/stream"
)

type testEnv struct {
	server *httptest.Server
	store  *store.Store
	orch   *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// A player with a personal default key on the mock platform.
	if err := st.CreateUser(ctx, "u1", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateAPIKey(ctx, credentials.ApiKey{ID: "k1", OwnerID: "u1", PlatformID: catalog.PlatformMock, Secret: "sk-test"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateShare(ctx, credentials.ApiKeyShare{ID: "s1", KeyID: "k1", Scope: credentials.ScopeUser, TargetID: "u1", IsDefault: true}); err != nil {
		t.Fatal(err)
	}

	cat := catalog.Default()
	streams := stream.NewRegistry(0)
	providers := registry.Build(registry.Config{EnableMock: true}, cat, zerolog.Nop())
	orch := orchestrator.New(orchestrator.Config{
		Store:     st,
		Resolver:  credentials.NewResolver(st, cat),
		Providers: providers,
		Streams:   streams,
		Logger:    zerolog.Nop(),
	})

	router := NewRouter(config.ServerConfig{}, orch, st, streams, limiter)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testEnv{server: server, store: st, orch: orch}
}

func (e *testEnv) request(t *testing.T, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func (e *testEnv) createGame(t *testing.T, user string, mutate func(map[string]any)) string {
	t.Helper()
	payload := map[string]any{
		"title":        "The Sunken Keep",
		"public":       true,
		"instructions": "Narrate a dungeon crawl.",
		"statusSchema": []map[string]string{{"name": "health", "initial": "100"}},
	}
	if mutate != nil {
		mutate(payload)
	}
	resp, body := e.request(t, http.MethodPost, "/api/games", user, payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create game: %d %s", resp.StatusCode, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		t.Fatalf("create game response: %s", body)
	}
	return out.ID
}

func (e *testEnv) createSession(t *testing.T, user, gameID string) string {
	t.Helper()
	resp, body := e.request(t, http.MethodPost, "/api/sessions", user, map[string]any{"gameId": gameID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: %d %s", resp.StatusCode, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		t.Fatalf("create session response: %s", body)
	}
	return out.ID
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.request(t, http.MethodPost, "/api/sessions", "", map[string]any{"gameId": "g"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", resp.StatusCode)
	}
}

func TestBearerTokenChecked(t *testing.T) {
	env := newTestEnv(t, nil)
	// Rebuild the router with a token configured.
	router := NewRouter(config.ServerConfig{AuthToken: "secret"}, env.orch, env.store, stream.NewRegistry(0), nil)
	server := httptest.NewServer(router)
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/games/none", nil)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with right token, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetricsOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, _ := env.request(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d", path, resp.StatusCode)
		}
	}
}

func TestTurnLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	gameID := env.createGame(t, "u1", nil)
	sessID := env.createSession(t, "u1", gameID)

	resp, body := env.request(t, http.MethodPost, "/api/sessions/"+sessID+"/turns", "u1",
		map[string]any{"action": "intro"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("intro turn: %d %s", resp.StatusCode, body)
	}
	var intro struct {
		ID         string `json:"id"`
		Seq        int    `json:"seq"`
		Type       string `json:"type"`
		Content    string `json:"content"`
		StreamPath string `json:"streamPath"`
	}
	if err := json.Unmarshal(body, &intro); err != nil {
		t.Fatalf("decode turn response: %v", err)
	}
	if intro.Seq != 1 || intro.Type != "game" || intro.Content == "" {
		t.Fatalf("unexpected intro message: %+v", intro)
	}
	if !strings.HasPrefix(intro.StreamPath, "/api/messages/") {
		t.Fatalf("missing stream path: %+v", intro)
	}

	events := readSSE(t, env, intro.StreamPath)
	if !strings.Contains(events, "event: chunk") || !strings.Contains(events, "event: done") {
		t.Fatalf("unexpected SSE payload: %s", events)
	}
	env.orch.Wait()

	resp, body = env.request(t, http.MethodPost, "/api/sessions/"+sessID+"/turns", "u1",
		map[string]any{"action": "player-action", "message": "open the door"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("player turn: %d %s", resp.StatusCode, body)
	}
	env.orch.Wait()

	resp, body = env.request(t, http.MethodGet, "/api/sessions/"+sessID+"/messages", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list messages: %d", resp.StatusCode)
	}
	var list struct {
		Messages []struct {
			Seq  int    `json:"seq"`
			Type string `json:"type"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %+v", list.Messages)
	}
}

func readSSE(t *testing.T, env *testEnv, path string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+path, nil)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open SSE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("SSE status: %d", resp.StatusCode)
	}
	var b strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case line, open := <-lines:
			if !open {
				return b.String()
			}
			b.WriteString(line)
			b.WriteString("\n")
			if strings.HasPrefix(line, "event: done") {
				// The server closes right after; drain what's left.
				go io.Copy(io.Discard, resp.Body)
				return b.String()
			}
		case <-deadline:
			t.Fatalf("SSE did not finish: %s", b.String())
		}
	}
}

func TestForeignSessionHidden(t *testing.T) {
	env := newTestEnv(t, nil)
	gameID := env.createGame(t, "u1", nil)
	sessID := env.createSession(t, "u1", gameID)

	resp, _ := env.request(t, http.MethodGet, "/api/sessions/"+sessID, "intruder", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign session must 404, got %d", resp.StatusCode)
	}
	resp, body := env.request(t, http.MethodPost, "/api/sessions/"+sessID+"/turns", "intruder",
		map[string]any{"action": "intro"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign turn must 403, got %d %s", resp.StatusCode, body)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	gameID := env.createGame(t, "u1", nil)
	sessID := env.createSession(t, "u1", gameID)

	resp, body := env.request(t, http.MethodPost, "/api/sessions/"+sessID+"/turns", "u1",
		map[string]any{"action": "cheat"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown action, got %d %s", resp.StatusCode, body)
	}
}

func TestRateLimitedTurn(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	env := newTestEnv(t, ratelimit.New(rdb, 1))

	gameID := env.createGame(t, "u1", nil)
	sessID := env.createSession(t, "u1", gameID)

	resp, _ := env.request(t, http.MethodPost, "/api/sessions/"+sessID+"/turns", "u1",
		map[string]any{"action": "intro"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first turn should pass, got %d", resp.StatusCode)
	}
	env.orch.Wait()

	resp, body := env.request(t, http.MethodPost, "/api/sessions/"+sessID+"/turns", "u1",
		map[string]any{"action": "player-action", "message": "again"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", resp.StatusCode, body)
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error != "rate_limited" {
		t.Fatalf("unexpected error body: %s", body)
	}
}

func TestStreamNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.request(t, http.MethodGet, "/api/messages/missing/events", "u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", resp.StatusCode, body)
	}
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t, nil)
	gameID := env.createGame(t, "u1", nil)
	sessID := env.createSession(t, "u1", gameID)

	resp, _ := env.request(t, http.MethodDelete, "/api/sessions/"+sessID, "u1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end session: %d", resp.StatusCode)
	}
	resp, body := env.request(t, http.MethodPost, "/api/sessions/"+sessID+"/turns", "u1",
		map[string]any{"action": "intro"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after end, got %d %s", resp.StatusCode, body)
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error != "session_ended" {
		t.Fatalf("unexpected error body: %s", body)
	}
}
