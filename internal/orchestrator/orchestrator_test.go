package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"storyforge/internal/ai"
	"storyforge/internal/ai/mock"
	"storyforge/internal/catalog"
	"storyforge/internal/credentials"
	"storyforge/internal/stream"
)

type memStore struct {
	mu       sync.Mutex
	games    map[string]Game
	sessions map[string]*Session
	messages map[string][]Message
}

func newMemStore(games ...Game) *memStore {
	s := &memStore{
		games:    map[string]Game{},
		sessions: map[string]*Session{},
		messages: map[string][]Message{},
	}
	for _, g := range games {
		s.games[g.ID] = g
	}
	return s
}

func (s *memStore) Game(_ context.Context, id string) (*Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return nil, ErrGameNotFound
	}
	return &g, nil
}

func (s *memStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) Session(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) SaveSessionState(_ context.Context, id string, st SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Conversation = st.Conversation
	sess.Status = st.Status
	sess.Usage = st.Usage
	sess.PlatformID = st.PlatformID
	sess.ImagesSuppressed = st.ImagesSuppressed
	return nil
}

func (s *memStore) EndSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	now := time.Now().UTC()
	sess.EndedAt = &now
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Seq = len(s.messages[msg.SessionID]) + 1
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], *msg)
	return nil
}

func (s *memStore) UpdateMessage(_ context.Context, id string, upd MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID != id {
				continue
			}
			if upd.Content != nil {
				s.messages[sid][i].Content = *upd.Content
			}
			if upd.ImageURL != nil {
				s.messages[sid][i].ImageURL = *upd.ImageURL
			}
			if upd.AudioURL != nil {
				s.messages[sid][i].AudioURL = *upd.AudioURL
			}
			return nil
		}
	}
	return errors.New("message not found")
}

func (s *memStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

type memGraph struct {
	personal *credentials.ShareWithKey
}

func (g *memGraph) SponsorShares(context.Context, string) ([]credentials.ShareWithKey, error) {
	return nil, nil
}
func (g *memGraph) WorkshopDefaultShare(context.Context, string) (*credentials.ShareWithKey, error) {
	return nil, nil
}
func (g *memGraph) InstitutionDefaultShare(context.Context, string) (*credentials.ShareWithKey, error) {
	return nil, nil
}
func (g *memGraph) PersonalDefaultKey(context.Context, string) (*credentials.ShareWithKey, error) {
	return g.personal, nil
}

type memMedia struct {
	mu   sync.Mutex
	keys []string
}

func (m *memMedia) Put(_ context.Context, key, _ string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return "https://media.test/" + key, nil
}

type fixedProviders struct{ p ai.Provider }

func (f fixedProviders) Provider(string) (ai.Provider, error) { return f.p, nil }

func testGame() Game {
	return Game{
		ID:           "g1",
		OwnerID:      "owner",
		Title:        "The Sunken Keep",
		Public:       true,
		Instructions: "You are the narrator of a grim dungeon crawl.",
		Setting:      "a flooded fortress",
		Tier:         catalog.TierBalanced,
		WithImages:   true,
		WithAudio:    true,
		StatusSchema: []ai.StatusFieldSpec{
			{Name: "health", Initial: "100"},
			{Name: "gold", Initial: "0"},
		},
	}
}

func mockGraph() *memGraph {
	return &memGraph{personal: &credentials.ShareWithKey{
		Share: credentials.ApiKeyShare{ID: "s1", KeyID: "k1", Scope: credentials.ScopeUser, IsDefault: true},
		Key:   credentials.ApiKey{ID: "k1", OwnerID: "u1", PlatformID: catalog.PlatformMock, Secret: "sk-test"},
	}}
}

func newTestOrchestrator(t *testing.T, store Store, provider ai.Provider, media MediaStore) *Orchestrator {
	t.Helper()
	cat := catalog.Default()
	return New(Config{
		Store:     store,
		Resolver:  credentials.NewResolver(mockGraph(), cat),
		Providers: fixedProviders{p: provider},
		Streams:   stream.NewRegistry(0),
		Media:     media,
		Logger:    zerolog.Nop(),
	})
}

func drain(t *testing.T, st *stream.Stream) []stream.Chunk {
	t.Helper()
	var chunks []stream.Chunk
	timeout := time.After(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, ok := st.Next(nil)
			if !ok {
				return
			}
			chunks = append(chunks, c)
		}
	}()
	select {
	case <-done:
		return chunks
	case <-timeout:
		t.Fatal("stream did not close")
		return nil
	}
}

func TestIntroTurn(t *testing.T) {
	store := newMemStore(testGame())
	cat := catalog.Default()
	provider := mock.New(cat)
	media := &memMedia{}
	o := newTestOrchestrator(t, store, provider, media)
	ctx := context.Background()

	sess, err := o.CreateSession(ctx, "u1", "g1", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(sess.Status) != 2 || sess.Status[0].Value != "100" {
		t.Fatalf("initial status not seeded: %+v", sess.Status)
	}

	msg, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if msg.Type != ai.MessageGame || msg.Seq != 1 {
		t.Fatalf("unexpected message: type=%s seq=%d", msg.Type, msg.Seq)
	}
	if msg.Content == "" {
		t.Fatal("empty game message")
	}

	st := o.streams.Lookup(msg.ID)
	if st == nil {
		t.Fatal("no stream registered for message")
	}
	chunks := drain(t, st)
	var textDone, imageDone, audioDone bool
	for _, c := range chunks {
		if c.MessageID != msg.ID {
			t.Fatalf("chunk for wrong message: %q", c.MessageID)
		}
		textDone = textDone || c.TextDone
		imageDone = imageDone || c.ImageDone
		audioDone = audioDone || c.AudioDone
		if c.ErrorCode != "" {
			t.Fatalf("unexpected error chunk: %s", c.ErrorCode)
		}
	}
	if !textDone || !imageDone || !audioDone {
		t.Fatalf("missing done flags: text=%v image=%v audio=%v", textDone, imageDone, audioDone)
	}
	o.Wait()

	got, err := o.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got.Conversation == "" {
		t.Fatal("conversation blob not persisted")
	}
	if got.PlatformID != catalog.PlatformMock {
		t.Fatalf("platform not pinned: %q", got.PlatformID)
	}
	if got.Usage.Total == 0 {
		t.Fatal("usage not accumulated")
	}
	if len(media.keys) != 2 {
		t.Fatalf("expected image and audio uploads, got %v", media.keys)
	}
}

func TestPlayerTurnSequencing(t *testing.T) {
	store := newMemStore(testGame())
	provider := mock.New(catalog.Default())
	o := newTestOrchestrator(t, store, provider, nil)
	ctx := context.Background()

	sess, err := o.CreateSession(ctx, "u1", "g1", false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	intro, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if err != nil {
		t.Fatalf("intro: %v", err)
	}
	drain(t, o.streams.Lookup(intro.ID))
	o.Wait()

	game, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionPlayer, Content: "open the door"})
	if err != nil {
		t.Fatalf("player turn: %v", err)
	}
	drain(t, o.streams.Lookup(game.ID))
	o.Wait()

	msgs, err := o.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i+1 {
			t.Fatalf("seq not strictly increasing: %+v", msgs)
		}
	}
	if msgs[1].Type != ai.MessagePlayer || msgs[1].Content != "open the door" {
		t.Fatalf("player message not persisted: %+v", msgs[1])
	}
	if msgs[2].Type != ai.MessageGame {
		t.Fatalf("game message missing: %+v", msgs[2])
	}
}

func TestPlayerTurnBeforeIntroRejected(t *testing.T) {
	store := newMemStore(testGame())
	o := newTestOrchestrator(t, store, mock.New(catalog.Default()), nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	_, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionPlayer, Content: "hi"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

// retryOnce fails the first text step with a malformed-response error.
type retryOnce struct {
	*mock.Client
	failed bool
}

func (r *retryOnce) ExecuteAction(ctx context.Context, req ai.ActionRequest) (*ai.ActionResult, error) {
	if !r.failed {
		r.failed = true
		return nil, ai.E(ai.CodeMalformedResponse, catalog.PlatformMock, "execute action", errors.New("not json"))
	}
	return r.Client.ExecuteAction(ctx, req)
}

func TestMalformedResponseRetriedOnce(t *testing.T) {
	store := newMemStore(testGame())
	provider := &retryOnce{Client: mock.New(catalog.Default())}
	o := newTestOrchestrator(t, store, provider, nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	msg, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if err != nil {
		t.Fatalf("expected retry to rescue the turn: %v", err)
	}
	drain(t, o.streams.Lookup(msg.ID))
	o.Wait()
	if provider.ExecuteCalls != 1 {
		t.Fatalf("expected exactly one successful mock call, got %d", provider.ExecuteCalls)
	}
}

// convKeeper fails the first text step but, like an adapter that already
// created provider-side state, hands back the conversation blob with the
// error.
type convKeeper struct {
	*mock.Client
	failed      bool
	retriedWith string
}

const keptBlob = `{"v":9,"data":{"id":"conv-kept"}}`

func (c *convKeeper) ExecuteAction(ctx context.Context, req ai.ActionRequest) (*ai.ActionResult, error) {
	if !c.failed {
		c.failed = true
		return &ai.ActionResult{Conversation: keptBlob},
			ai.E(ai.CodeMalformedResponse, catalog.PlatformMock, "execute action", errors.New("not json"))
	}
	c.retriedWith = req.Session.Conversation
	return c.Client.ExecuteAction(ctx, req)
}

func TestRetryReusesFailedAttemptConversation(t *testing.T) {
	store := newMemStore(testGame())
	provider := &convKeeper{Client: mock.New(catalog.Default())}
	o := newTestOrchestrator(t, store, provider, nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	msg, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	drain(t, o.streams.Lookup(msg.ID))
	o.Wait()
	if provider.retriedWith != keptBlob {
		t.Fatalf("retry did not reuse the failed attempt's conversation: %q", provider.retriedWith)
	}
}

func TestInvalidKeyNotRetried(t *testing.T) {
	store := newMemStore(testGame())
	provider := mock.New(catalog.Default())
	provider.ExecuteErr = ai.E(ai.CodeInvalidAPIKey, catalog.PlatformMock, "execute action", errors.New("401"))
	o := newTestOrchestrator(t, store, provider, nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	_, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if ai.CodeOf(err) != ai.CodeInvalidAPIKey {
		t.Fatalf("expected invalid_api_key, got %v", err)
	}
	if provider.ExecuteCalls != 1 {
		t.Fatalf("terminal error must not be retried, calls=%d", provider.ExecuteCalls)
	}
	// The failed turn must release the session lock.
	provider.ExecuteErr = nil
	msg, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if err != nil {
		t.Fatalf("lock not released after failed turn: %v", err)
	}
	drain(t, o.streams.Lookup(msg.ID))
	o.Wait()
}

func TestOrgVerificationSuppressesImages(t *testing.T) {
	store := newMemStore(testGame())
	provider := mock.New(catalog.Default())
	provider.ImageErr = ai.E(ai.CodeOrgVerificationRequired, catalog.PlatformMock, "generate image", errors.New("403"))
	o := newTestOrchestrator(t, store, provider, nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	msg, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if err != nil {
		t.Fatalf("turn must survive image failure: %v", err)
	}
	chunks := drain(t, o.streams.Lookup(msg.ID))
	o.Wait()

	var sawImageError bool
	for _, c := range chunks {
		if c.ImageDone && c.ErrorCode == string(ai.CodeOrgVerificationRequired) {
			sawImageError = true
		}
	}
	if !sawImageError {
		t.Fatal("expected an image error chunk")
	}
	got, _ := o.Session(ctx, sess.ID)
	if !got.ImagesSuppressed {
		t.Fatal("image suppression must be persisted")
	}

	// Next turn must not even attempt an image.
	calls := provider.ImageCalls
	msg2, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionPlayer, Content: "look around"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	drain(t, o.streams.Lookup(msg2.ID))
	o.Wait()
	if provider.ImageCalls != calls {
		t.Fatal("image generation must stay suppressed for the session")
	}
}

func TestNoAPIKeyAvailable(t *testing.T) {
	store := newMemStore(testGame())
	cat := catalog.Default()
	o := New(Config{
		Store:     store,
		Resolver:  credentials.NewResolver(&memGraph{}, cat),
		Providers: fixedProviders{p: mock.New(cat)},
		Streams:   stream.NewRegistry(0),
		Logger:    zerolog.Nop(),
	})
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	_, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if ai.CodeOf(err) != ai.CodeNoAPIKeyAvailable {
		t.Fatalf("expected no_api_key_available, got %v", err)
	}
}

// gated blocks ExecuteAction until released, holding the turn lock open.
type gated struct {
	*mock.Client
	entered chan struct{}
	release chan struct{}
}

func (g *gated) ExecuteAction(ctx context.Context, req ai.ActionRequest) (*ai.ActionResult, error) {
	close(g.entered)
	<-g.release
	return g.Client.ExecuteAction(ctx, req)
}

func TestTurnInProgressRejected(t *testing.T) {
	store := newMemStore(testGame())
	provider := &gated{
		Client:  mock.New(catalog.Default()),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(t, store, provider, nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)

	type result struct {
		msg *Message
		err error
	}
	first := make(chan result, 1)
	go func() {
		m, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
		first <- result{m, err}
	}()
	<-provider.entered

	_, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionPlayer, Content: "again"})
	if !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}

	close(provider.release)
	r := <-first
	if r.err != nil {
		t.Fatalf("first turn: %v", r.err)
	}
	drain(t, o.streams.Lookup(r.msg.ID))
	o.Wait()
}

func TestEndedSessionRejectsTurns(t *testing.T) {
	store := newMemStore(testGame())
	o := newTestOrchestrator(t, store, mock.New(catalog.Default()), nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	if err := o.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	_, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestPrivateGameAccess(t *testing.T) {
	g := testGame()
	g.Public = false
	store := newMemStore(g)
	o := newTestOrchestrator(t, store, mock.New(catalog.Default()), nil)
	ctx := context.Background()

	if _, err := o.CreateSession(ctx, "stranger", "g1", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger, got %v", err)
	}
	if _, err := o.CreateSession(ctx, "owner", "g1", false); err != nil {
		t.Fatalf("owner must start a session: %v", err)
	}
	if _, err := o.CreateSession(ctx, "stranger", "g1", true); err != nil {
		t.Fatalf("private link must grant access: %v", err)
	}
}

func TestExpandedStoryReplacesOutline(t *testing.T) {
	g := testGame()
	g.ExpandStory = true
	g.WithImages = false
	g.WithAudio = false
	store := newMemStore(g)
	provider := mock.New(catalog.Default())
	o := newTestOrchestrator(t, store, provider, nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	msg, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	chunks := drain(t, o.streams.Lookup(msg.ID))
	o.Wait()

	var text string
	for _, c := range chunks {
		text += c.Text
	}
	if text == "" {
		t.Fatal("no streamed expansion text")
	}
	msgs, _ := o.Messages(ctx, sess.ID)
	if msgs[0].Content != text {
		t.Fatalf("persisted content %q does not match streamed text %q", msgs[0].Content, text)
	}
}

func TestExpandFailureKeepsOutline(t *testing.T) {
	g := testGame()
	g.ExpandStory = true
	g.WithImages = false
	g.WithAudio = false
	store := newMemStore(g)
	provider := mock.New(catalog.Default())
	provider.ExpandErr = ai.E(ai.CodeAIError, catalog.PlatformMock, "expand story", errors.New("boom"))
	o := newTestOrchestrator(t, store, provider, nil)
	ctx := context.Background()

	sess, _ := o.CreateSession(ctx, "u1", "g1", false)
	msg, err := o.RunTurn(ctx, TurnRequest{SessionID: sess.ID, UserID: "u1", Action: ActionIntro})
	if err != nil {
		t.Fatalf("turn must survive expand failure: %v", err)
	}
	chunks := drain(t, o.streams.Lookup(msg.ID))
	o.Wait()

	var sawOutline, sawError bool
	for _, c := range chunks {
		if c.TextDone && c.Text == msg.Content {
			sawOutline = true
		}
		if c.ErrorCode == string(ai.CodeAIError) {
			sawError = true
		}
	}
	if !sawOutline || !sawError {
		t.Fatalf("expected outline fallback with error code, chunks=%+v", chunks)
	}
	msgs, _ := o.Messages(ctx, sess.ID)
	if msgs[0].Content != msg.Content {
		t.Fatal("outline must stay persisted when expansion fails")
	}
}

func TestMessageIDsAreSortable(t *testing.T) {
	o := newTestOrchestrator(t, newMemStore(), mock.New(catalog.Default()), nil)
	prev := ""
	for i := 0; i < 100; i++ {
		id := o.newMessageID()
		if id <= prev {
			t.Fatalf("ids must be strictly increasing: %s then %s", prev, id)
		}
		prev = id
	}
}
