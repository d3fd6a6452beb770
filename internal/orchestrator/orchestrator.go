// Package orchestrator runs the turn state machine: credential resolution,
// the schema-validated text step with its single malformed-output retry, and
// the background media pipeline feeding the per-message stream.
package orchestrator

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"storyforge/internal/ai"
	"storyforge/internal/credentials"
	"storyforge/internal/metrics"
	"storyforge/internal/stream"
)

// mediaBudget bounds the background expand/image/audio pipeline of one turn.
const mediaBudget = 5 * time.Minute

// streamLinger keeps a finished stream registered so a client that has not
// connected yet can still drain the buffered chunks.
const streamLinger = time.Minute

type Orchestrator struct {
	store     Store
	resolver  *credentials.Resolver
	providers Providers
	streams   *stream.Registry
	media     MediaStore
	logger    zerolog.Logger
	textRetry ai.RetryPolicy

	locks sessionLocks

	idMu      sync.Mutex
	idEntropy *ulid.MonotonicEntropy

	// wg tracks background media pipelines for graceful shutdown.
	wg sync.WaitGroup
}

type Config struct {
	Store     Store
	Resolver  *credentials.Resolver
	Providers Providers
	Streams   *stream.Registry
	// Media may be nil; generated binaries are then streamed but not kept.
	Media  MediaStore
	Logger zerolog.Logger
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		providers: cfg.Providers,
		streams:   cfg.Streams,
		media:     cfg.Media,
		logger:    cfg.Logger,
		textRetry: ai.TextStepPolicy(),
		locks:     sessionLocks{held: map[string]struct{}{}},
		idEntropy: ulid.Monotonic(crand.Reader, 0),
	}
}

// Wait blocks until all background media pipelines have finished. Called on
// shutdown after the HTTP server stops accepting turns.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// CreateSession starts a playthrough of a game, freezing the game definition
// and seeding status fields from their initial values.
func (o *Orchestrator) CreateSession(ctx context.Context, userID, gameID string, privateLink bool) (*Session, error) {
	game, err := o.store.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !game.Public && !privateLink && game.OwnerID != userID {
		return nil, ErrForbidden
	}
	status := make([]ai.StatusField, 0, len(game.StatusSchema))
	for _, spec := range game.StatusSchema {
		status = append(status, ai.StatusField{Name: spec.Name, Value: spec.Initial})
	}
	sess := &Session{
		ID:          uuid.NewString(),
		GameID:      game.ID,
		UserID:      userID,
		Status:      status,
		PrivateLink: privateLink,
		CreatedAt:   time.Now().UTC(),
		Game:        *game,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) Session(ctx context.Context, id string) (*Session, error) {
	return o.store.Session(ctx, id)
}

func (o *Orchestrator) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	return o.store.Messages(ctx, sessionID)
}

// EndSession marks the session finished. Turns submitted afterwards fail.
func (o *Orchestrator) EndSession(ctx context.Context, id string) error {
	return o.store.EndSession(ctx, id)
}

// RunTurn executes one turn. The text step runs synchronously and its result
// is returned; expansion, image and audio continue in the background,
// published on the stream registered under the returned message's id. A
// second turn for the same session is rejected until the whole pipeline,
// background work included, has finished.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*Message, error) {
	if !o.locks.acquire(req.SessionID) {
		return nil, ErrTurnInProgress
	}
	msg, err := o.runTextStep(ctx, req)
	if err != nil {
		o.locks.release(req.SessionID)
		return nil, err
	}
	return msg, nil
}

func (o *Orchestrator) runTextStep(ctx context.Context, req TurnRequest) (*Message, error) {
	started := time.Now()

	sess, err := o.store.Session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.EndedAt != nil {
		return nil, ErrSessionEnded
	}
	if sess.UserID != req.UserID {
		return nil, ErrForbidden
	}

	res, err := o.resolver.Resolve(ctx, credentials.Request{
		UserID:      sess.UserID,
		GameID:      sess.GameID,
		GamePublic:  sess.Game.Public,
		PrivateLink: sess.PrivateLink,
		Tier:        sess.Game.Tier,
	})
	if err != nil {
		return nil, err
	}
	// A conversation blob is only readable by the adapter that wrote it. If
	// the paying key moved to another platform mid-session, the session
	// cannot continue.
	if sess.PlatformID != "" && sess.PlatformID != res.Platform.ID {
		return nil, ai.E(ai.CodeNoAPIKeyAvailable, res.Platform.ID, "run turn",
			fmt.Errorf("session pinned to platform %q", sess.PlatformID))
	}
	provider, err := o.providers.Provider(res.Platform.ID)
	if err != nil {
		return nil, ai.E(ai.CodeNoAPIKeyAvailable, res.Platform.ID, "run turn", err)
	}

	msgType, content, err := o.turnInput(sess, req)
	if err != nil {
		return nil, err
	}
	if msgType == ai.MessagePlayer {
		player := &Message{
			ID:        o.newMessageID(),
			SessionID: sess.ID,
			Type:      ai.MessagePlayer,
			Content:   req.Content,
			CreatedAt: time.Now().UTC(),
		}
		if err := o.store.AppendMessage(ctx, player); err != nil {
			return nil, err
		}
	}

	aiSess := o.aiSession(sess, res)
	var result *ai.ActionResult
	err = o.textRetry.Do(ctx, func(ctx context.Context) error {
		var stepErr error
		result, stepErr = provider.ExecuteAction(ctx, ai.ActionRequest{
			Session: aiSess,
			Type:    msgType,
			Content: content,
			Prior:   sess.Status,
		})
		if stepErr != nil && result != nil && result.Conversation != "" {
			// The adapter created provider-side state before the output
			// failed validation; the retry appends to it.
			aiSess.Conversation = result.Conversation
		}
		return stepErr
	})
	m := metrics.Global()
	if err != nil {
		code := string(ai.CodeOf(err))
		m.ObserveTurn(res.Platform.ID, code, time.Since(started))
		m.TurnErrors.WithLabelValues(code).Inc()
		o.logger.Error().Err(err).Str("session_id", sess.ID).Str("code", code).Msg("text step failed")
		return nil, err
	}
	m.ObserveTurn(res.Platform.ID, "ok", time.Since(started))
	m.AddTokens(res.Platform.ID, result.Usage.Input, result.Usage.Output)

	msg := &Message{
		ID:           o.newMessageID(),
		SessionID:    sess.ID,
		Type:         ai.MessageGame,
		Content:      result.Reply.Message,
		StatusFields: result.Reply.StatusFields,
		ImagePrompt:  result.Reply.ImagePrompt,
		Usage:        result.Usage,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	sess.Conversation = result.Conversation
	sess.Status = result.Reply.StatusFields
	sess.Usage = sess.Usage.Add(result.Usage)
	sess.PlatformID = res.Platform.ID
	if err := o.saveSessionState(ctx, sess); err != nil {
		return nil, err
	}

	st := o.streams.Register(msg.ID)
	o.wg.Add(1)
	go o.mediaPipeline(sess, res, provider, msg, result.Reply, st)
	return msg, nil
}

// mediaPipeline runs the streaming remainder of a turn: story expansion, then
// image and audio. Each modality degrades independently; a failure is
// reported as an error chunk and the rest of the pipeline continues.
func (o *Orchestrator) mediaPipeline(sess *Session, res *credentials.Resolution, provider ai.Provider, msg *Message, reply ai.Reply, st *stream.Stream) {
	defer o.wg.Done()
	defer o.locks.release(sess.ID)
	defer func() {
		st.Close()
		// The SSE consumer removes the stream when it drains it; the timer
		// covers turns nobody ever connected to. Remove is idempotent.
		time.AfterFunc(streamLinger, func() { o.streams.Remove(msg.ID) })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), mediaBudget)
	defer cancel()
	m := metrics.Global()

	aiSess := o.aiSession(sess, res)
	if sess.Game.ExpandStory {
		expanded, err := provider.ExpandStory(ctx, aiSess, reply.Message, st)
		if err != nil {
			code := string(ai.CodeOf(err))
			m.TurnErrors.WithLabelValues(code).Inc()
			o.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("story expansion failed, keeping outline")
			st.Publish(stream.Chunk{Text: reply.Message, TextDone: true, ErrorCode: code})
		} else {
			m.AddTokens(res.Platform.ID, expanded.Usage.Input, expanded.Usage.Output)
			sess.Conversation = expanded.Conversation
			sess.Usage = sess.Usage.Add(expanded.Usage)
			msg.Content = expanded.Text
			if err := o.store.UpdateMessage(ctx, msg.ID, MessageUpdate{Content: &expanded.Text}); err != nil {
				o.logger.Error().Err(err).Str("message_id", msg.ID).Msg("persist expanded text failed")
			}
			if err := o.saveSessionState(ctx, sess); err != nil {
				o.logger.Error().Err(err).Str("session_id", sess.ID).Msg("persist session state failed")
			}
		}
	} else {
		st.Publish(stream.Chunk{Text: msg.Content, TextDone: true})
	}

	o.imageStep(ctx, sess, res, provider, msg, reply, st)
	o.audioStep(ctx, sess, res, provider, msg, st)
}

func (o *Orchestrator) imageStep(ctx context.Context, sess *Session, res *credentials.Resolution, provider ai.Provider, msg *Message, reply ai.Reply, st *stream.Stream) {
	if !sess.Game.WithImages || sess.ImagesSuppressed || reply.ImagePrompt == "" ||
		!provider.PlatformInfo().SupportsImage() {
		st.Publish(stream.Chunk{ImageDone: true})
		return
	}
	img, err := provider.GenerateImage(ctx, o.aiSession(sess, res), o.imagePrompt(sess.Game, reply.ImagePrompt))
	if err != nil {
		code := ai.CodeOf(err)
		if code == ai.CodeOrgVerificationRequired {
			// Sticky: the account cannot produce images until verified, so
			// stop asking for the rest of the session.
			sess.ImagesSuppressed = true
			if err := o.saveSessionState(ctx, sess); err != nil {
				o.logger.Error().Err(err).Str("session_id", sess.ID).Msg("persist image suppression failed")
			}
		}
		metrics.Global().TurnErrors.WithLabelValues(string(code)).Inc()
		o.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("image generation failed")
		st.Publish(stream.Chunk{ImageDone: true, ErrorCode: string(code)})
		return
	}
	url := o.putMedia(ctx, msg.SessionID, msg.ID, "image.png", "image/png", img)
	if url != "" {
		msg.ImageURL = url
		if err := o.store.UpdateMessage(ctx, msg.ID, MessageUpdate{ImageURL: &url}); err != nil {
			o.logger.Error().Err(err).Str("message_id", msg.ID).Msg("persist image url failed")
		}
	}
	st.Publish(stream.Chunk{Image: img, ImageDone: true})
}

func (o *Orchestrator) audioStep(ctx context.Context, sess *Session, res *credentials.Resolution, provider ai.Provider, msg *Message, st *stream.Stream) {
	if !sess.Game.WithAudio || !provider.PlatformInfo().SupportsAudio() {
		st.Publish(stream.Chunk{AudioDone: true})
		return
	}
	audio, err := provider.GenerateAudio(ctx, o.aiSession(sess, res), msg.Content)
	if err != nil {
		code := string(ai.CodeOf(err))
		metrics.Global().TurnErrors.WithLabelValues(code).Inc()
		o.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("audio generation failed")
		st.Publish(stream.Chunk{AudioDone: true, ErrorCode: code})
		return
	}
	url := o.putMedia(ctx, msg.SessionID, msg.ID, "audio.mp3", "audio/mpeg", audio)
	if url != "" {
		msg.AudioURL = url
		if err := o.store.UpdateMessage(ctx, msg.ID, MessageUpdate{AudioURL: &url}); err != nil {
			o.logger.Error().Err(err).Str("message_id", msg.ID).Msg("persist audio url failed")
		}
	}
	st.Publish(stream.Chunk{Audio: audio, AudioDone: true})
}

func (o *Orchestrator) putMedia(ctx context.Context, sessionID, messageID, name, contentType string, data []byte) string {
	if o.media == nil {
		return ""
	}
	url, err := o.media.Put(ctx, fmt.Sprintf("sessions/%s/%s/%s", sessionID, messageID, name), contentType, data)
	if err != nil {
		o.logger.Error().Err(err).Str("message_id", messageID).Msg("media upload failed")
		return ""
	}
	return url
}

func (o *Orchestrator) turnInput(sess *Session, req TurnRequest) (ai.MessageType, string, error) {
	switch req.Action {
	case ActionIntro:
		if sess.Conversation != "" {
			return "", "", fmt.Errorf("intro already played: %w", ErrForbidden)
		}
		prompt := sess.Game.IntroPrompt
		if prompt == "" {
			prompt = "Begin the story with an opening scene that introduces the setting and the player's situation."
		}
		return ai.MessageSystem, prompt, nil
	case ActionPlayer:
		content := strings.TrimSpace(req.Content)
		if content == "" {
			return "", "", fmt.Errorf("empty player action: %w", ErrForbidden)
		}
		if sess.Conversation == "" {
			return "", "", fmt.Errorf("intro not played yet: %w", ErrForbidden)
		}
		return ai.MessagePlayer, content, nil
	default:
		return "", "", fmt.Errorf("unknown action %q: %w", req.Action, ErrForbidden)
	}
}

func (o *Orchestrator) aiSession(sess *Session, res *credentials.Resolution) ai.Session {
	return ai.Session{
		ID:           sess.ID,
		GameID:       sess.GameID,
		APIKey:       res.Key.Secret,
		Model:        res.Model,
		Conversation: sess.Conversation,
		Instructions: o.instructions(sess.Game),
		Setting:      sess.Game.Setting,
		ImageStyle:   sess.Game.ImageStyle,
		Language:     sess.Game.Language,
		StatusSchema: sess.Game.StatusSchema,
	}
}

func (o *Orchestrator) instructions(g Game) string {
	var b strings.Builder
	b.WriteString(g.Instructions)
	if g.Setting != "" {
		b.WriteString("\n\nSetting: ")
		b.WriteString(g.Setting)
	}
	if g.Language != "" {
		b.WriteString("\n\nNarrate in ")
		b.WriteString(g.Language)
		b.WriteString(".")
	}
	return b.String()
}

func (o *Orchestrator) imagePrompt(g Game, scene string) string {
	parts := make([]string, 0, 3)
	if g.Setting != "" {
		parts = append(parts, g.Setting)
	}
	parts = append(parts, scene)
	if g.ImageStyle != "" {
		parts = append(parts, "Style: "+g.ImageStyle)
	}
	return strings.Join(parts, ". ")
}

func (o *Orchestrator) saveSessionState(ctx context.Context, sess *Session) error {
	return o.store.SaveSessionState(ctx, sess.ID, SessionState{
		Conversation:     sess.Conversation,
		Status:           sess.Status,
		Usage:            sess.Usage,
		PlatformID:       sess.PlatformID,
		ImagesSuppressed: sess.ImagesSuppressed,
	})
}

func (o *Orchestrator) newMessageID() string {
	o.idMu.Lock()
	defer o.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), o.idEntropy).String()
}

// sessionLocks serializes turns per session. Non-blocking: a held lock means
// a turn, background media included, is still in flight.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (l *sessionLocks) acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *sessionLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
