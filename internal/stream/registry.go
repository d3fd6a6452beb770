package stream

import (
	"sync"

	"storyforge/internal/metrics"
)

// Registry maps message ids to live streams. It is constructed once at server
// start, injected where needed, and torn down at shutdown; there is no
// package-level instance.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	buffer  int
	closed  bool
}

func NewRegistry(buffer int) *Registry {
	return &Registry{streams: make(map[string]*Stream), buffer: buffer}
}

// Register creates and stores the stream for a message id. Registering an id
// twice replaces the previous entry after closing it.
func (r *Registry) Register(id string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.streams[id]; ok {
		prev.Close()
	}
	s := newStream(id, r.buffer)
	if r.closed {
		s.Close()
		return s
	}
	r.streams[id] = s
	metrics.Global().StreamsActive.Set(float64(len(r.streams)))
	return s
}

// Lookup returns the live stream for a message id, or nil.
func (r *Registry) Lookup(id string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

// Remove closes and forgets a stream. Called by whichever of producer or
// consumer observes completion first; the second call is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
		metrics.Global().StreamsActive.Set(float64(len(r.streams)))
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Len reports the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Shutdown closes every live stream and rejects further registrations'
// delivery by closing their streams immediately.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for id, s := range r.streams {
		streams = append(streams, s)
		delete(r.streams, id)
	}
	r.closed = true
	metrics.Global().StreamsActive.Set(0)
	r.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}
