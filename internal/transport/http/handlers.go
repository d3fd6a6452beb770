package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storyforge/internal/ai"
	"storyforge/internal/catalog"
	"storyforge/internal/orchestrator"
	"storyforge/internal/ratelimit"
)

// GameStore is the part of the store the authoring endpoints use directly;
// play endpoints go through the orchestrator.
type GameStore interface {
	CreateGame(ctx context.Context, g *orchestrator.Game) error
	Game(ctx context.Context, id string) (*orchestrator.Game, error)
}

type Handlers struct {
	orch    *orchestrator.Orchestrator
	games   GameStore
	limiter *ratelimit.Limiter
}

func NewHandlers(orch *orchestrator.Orchestrator, games GameStore, limiter *ratelimit.Limiter) *Handlers {
	return &Handlers{orch: orch, games: games, limiter: limiter}
}

type gamePayload struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Public       bool                 `json:"public"`
	Instructions string               `json:"instructions"`
	Setting      string               `json:"setting,omitempty"`
	ImageStyle   string               `json:"imageStyle,omitempty"`
	Language     string               `json:"language,omitempty"`
	Tier         string               `json:"tier"`
	WithImages   bool                 `json:"withImages"`
	WithAudio    bool                 `json:"withAudio"`
	ExpandStory  bool                 `json:"expandStory"`
	IntroPrompt  string               `json:"introPrompt,omitempty"`
	StatusSchema []ai.StatusFieldSpec `json:"statusSchema"`
}

func (h *Handlers) CreateGame() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		var p gamePayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		if p.Title == "" || p.Instructions == "" {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		tier := catalog.Tier(p.Tier)
		if p.Tier == "" {
			tier = catalog.TierBalanced
		}
		if !tier.Valid() {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		g := &orchestrator.Game{
			ID:           uuid.NewString(),
			OwnerID:      userID,
			Title:        p.Title,
			Public:       p.Public,
			Instructions: p.Instructions,
			Setting:      p.Setting,
			ImageStyle:   p.ImageStyle,
			Language:     p.Language,
			Tier:         tier,
			WithImages:   p.WithImages,
			WithAudio:    p.WithAudio,
			ExpandStory:  p.ExpandStory,
			IntroPrompt:  p.IntroPrompt,
			StatusSchema: p.StatusSchema,
		}
		if g.StatusSchema == nil {
			g.StatusSchema = []ai.StatusFieldSpec{}
		}
		if err := h.games.CreateGame(r.Context(), g); err != nil {
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		writeJSON(w, http.StatusCreated, gameJSON(g))
	}
}

func (h *Handlers) GetGame() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := h.games.Game(r.Context(), chi.URLParam(r, "game_id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		userID, _ := UserFromContext(r.Context())
		if !g.Public && g.OwnerID != userID {
			WriteHTTPError(w, http.StatusNotFound, "game_not_found")
			return
		}
		writeJSON(w, http.StatusOK, gameJSON(g))
	}
}

func gameJSON(g *orchestrator.Game) gamePayload {
	return gamePayload{
		ID:           g.ID,
		Title:        g.Title,
		Public:       g.Public,
		Instructions: g.Instructions,
		Setting:      g.Setting,
		ImageStyle:   g.ImageStyle,
		Language:     g.Language,
		Tier:         string(g.Tier),
		WithImages:   g.WithImages,
		WithAudio:    g.WithAudio,
		ExpandStory:  g.ExpandStory,
		IntroPrompt:  g.IntroPrompt,
		StatusSchema: g.StatusSchema,
	}
}

type sessionPayload struct {
	ID           string           `json:"id"`
	GameID       string           `json:"gameId"`
	Status       []ai.StatusField `json:"status"`
	Usage        ai.TokenUsage    `json:"usage"`
	ImagesMuted  bool             `json:"imagesMuted"`
	CreatedAt    time.Time        `json:"createdAt"`
	EndedAt      *time.Time       `json:"endedAt,omitempty"`
	GameTitle    string           `json:"gameTitle"`
	WithImages   bool             `json:"withImages"`
	WithAudio    bool             `json:"withAudio"`
	HasIntroRun  bool             `json:"hasIntroRun"`
	PlatformID   string           `json:"platformId,omitempty"`
}

func sessionJSON(s *orchestrator.Session) sessionPayload {
	return sessionPayload{
		ID:          s.ID,
		GameID:      s.GameID,
		Status:      s.Status,
		Usage:       s.Usage,
		ImagesMuted: s.ImagesSuppressed,
		CreatedAt:   s.CreatedAt,
		EndedAt:     s.EndedAt,
		GameTitle:   s.Game.Title,
		WithImages:  s.Game.WithImages,
		WithAudio:   s.Game.WithAudio,
		HasIntroRun: s.Conversation != "",
		PlatformID:  s.PlatformID,
	}
}

func (h *Handlers) CreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		var p struct {
			GameID      string `json:"gameId"`
			PrivateLink bool   `json:"privateLink"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.GameID == "" {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		sess, err := h.orch.CreateSession(r.Context(), userID, p.GameID, p.PrivateLink)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionJSON(sess))
	}
}

func (h *Handlers) GetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := h.ownedSession(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(sess))
	}
}

func (h *Handlers) EndSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := h.ownedSession(w, r)
		if !ok {
			return
		}
		if err := h.orch.EndSession(r.Context(), sess.ID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type messagePayload struct {
	ID           string           `json:"id"`
	Seq          int              `json:"seq"`
	Type         string           `json:"type"`
	Content      string           `json:"content"`
	StatusFields []ai.StatusField `json:"statusFields,omitempty"`
	ImagePrompt  string           `json:"imagePrompt,omitempty"`
	ImageURL     string           `json:"imageUrl,omitempty"`
	AudioURL     string           `json:"audioUrl,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	StreamPath   string           `json:"streamPath,omitempty"`
}

func messageJSON(m *orchestrator.Message, withStream bool) messagePayload {
	p := messagePayload{
		ID:           m.ID,
		Seq:          m.Seq,
		Type:         string(m.Type),
		Content:      m.Content,
		StatusFields: m.StatusFields,
		ImagePrompt:  m.ImagePrompt,
		ImageURL:     m.ImageURL,
		AudioURL:     m.AudioURL,
		CreatedAt:    m.CreatedAt,
	}
	if withStream {
		p.StreamPath = "/api/messages/" + m.ID + "/events"
	}
	return p
}

func (h *Handlers) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := h.ownedSession(w, r)
		if !ok {
			return
		}
		msgs, err := h.orch.Messages(r.Context(), sess.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		out := make([]messagePayload, 0, len(msgs))
		for i := range msgs {
			out = append(out, messageJSON(&msgs[i], false))
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
	}
}

// SubmitTurn runs the synchronous text step and returns the new game message.
// The client follows streamPath for expansion, image and audio chunks.
func (h *Handlers) SubmitTurn() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		if !h.limiter.Allow(r.Context(), userID) {
			WriteHTTPError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		var p struct {
			Action string `json:"action"`
			// ChapterID is accepted for client compatibility; sessions here
			// carry a single continuous narrative.
			ChapterID int    `json:"chapterId"`
			Message   string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		msg, err := h.orch.RunTurn(r.Context(), orchestrator.TurnRequest{
			SessionID: chi.URLParam(r, "session_id"),
			UserID:    userID,
			Action:    orchestrator.TurnAction(p.Action),
			Content:   p.Message,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messageJSON(msg, true))
	}
}

func (h *Handlers) ownedSession(w http.ResponseWriter, r *http.Request) (*orchestrator.Session, bool) {
	userID, _ := UserFromContext(r.Context())
	sess, err := h.orch.Session(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if sess.UserID != userID {
		WriteHTTPError(w, http.StatusNotFound, "session_not_found")
		return nil, false
	}
	return sess, true
}

// writeDomainError maps domain failures onto HTTP statuses with the error
// code as the JSON body.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		WriteHTTPError(w, http.StatusNotFound, "session_not_found")
	case errors.Is(err, orchestrator.ErrGameNotFound):
		WriteHTTPError(w, http.StatusNotFound, "game_not_found")
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		WriteHTTPError(w, http.StatusConflict, "turn_in_progress")
	case errors.Is(err, orchestrator.ErrSessionEnded):
		WriteHTTPError(w, http.StatusConflict, "session_ended")
	case errors.Is(err, orchestrator.ErrForbidden):
		WriteHTTPError(w, http.StatusForbidden, "forbidden")
	default:
		var aiErr *ai.Error
		if errors.As(err, &aiErr) {
			status := http.StatusBadGateway
			if aiErr.Code == ai.CodeNoAPIKeyAvailable {
				status = http.StatusConflict
			}
			WriteHTTPError(w, status, string(aiErr.Code))
			return
		}
		WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
	}
}
