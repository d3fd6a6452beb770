package httptransport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"storyforge/internal/stream"
)

var ssePingInterval = 15 * time.Second

// StreamEventsHandler relays a message's chunk stream as server-sent events.
// The stream ends with a "done" event once every modality of the turn has
// finished.
func StreamEventsHandler(streams *stream.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID := chi.URLParam(r, "message_id")
		st := streams.Lookup(messageID)
		if st == nil {
			WriteHTTPError(w, http.StatusNotFound, "stream_not_found")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteHTTPError(w, http.StatusInternalServerError, "stream_not_supported")
			return
		}

		setSSEHeaders(w)
		log.Info().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("message_id", messageID).
			Msg("sse stream opened")

		chunks := make(chan stream.Chunk)
		go func() {
			defer close(chunks)
			for {
				c, open := st.Next(r.Context().Done())
				if !open {
					return
				}
				select {
				case chunks <- c:
				case <-r.Context().Done():
					return
				}
			}
		}()

		ticker := time.NewTicker(ssePingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				log.Info().
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("message_id", messageID).
					Msg("sse stream closed by client")
				return
			case c, open := <-chunks:
				if !open {
					_ = writeSSE(w, "done", map[string]any{"messageId": messageID})
					flusher.Flush()
					streams.Remove(messageID)
					return
				}
				if err := writeSSE(w, "chunk", c); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if err := writeSSE(w, "ping", map[string]any{"ts": time.Now().UnixMilli()}); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
