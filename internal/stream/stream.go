// Package stream is the in-process pub/sub that connects a turn worker
// producing partial AI output to the SSE handler draining it. Streams are
// keyed by message id and carry exactly one producer and one consumer.
package stream

import "sync"

// Chunk is one unit of streamed partial output. Each modality carries its own
// done flag; after a done flag is set no further chunks for that modality are
// published.
type Chunk struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text,omitempty"`
	TextDone  bool   `json:"textDone,omitempty"`
	Image     []byte `json:"image,omitempty"`
	ImageDone bool   `json:"imageDone,omitempty"`
	Audio     []byte `json:"audio,omitempty"`
	AudioDone bool   `json:"audioDone,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// Stream is a single-producer/single-consumer channel of chunks with a bounded
// buffer. When the buffer is full the producer never blocks: newer chunks are
// coalesced into one pending chunk that is flushed ahead of any later publish,
// so the consumer always observes the latest partial state in order.
type Stream struct {
	id string

	mu      sync.Mutex
	ch      chan Chunk
	pending *Chunk
	closed  bool
}

func newStream(id string, buffer int) *Stream {
	if buffer < 1 {
		buffer = 64
	}
	return &Stream{id: id, ch: make(chan Chunk, buffer)}
}

func (s *Stream) ID() string { return s.id }

// Publish hands a chunk to the consumer. Safe to call after close (the chunk
// is dropped); never blocks.
func (s *Stream) Publish(c Chunk) {
	c.MessageID = s.id
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.pending != nil {
		merged := coalesce(*s.pending, c)
		select {
		case s.ch <- merged:
			s.pending = nil
		default:
			s.pending = &merged
		}
		return
	}
	select {
	case s.ch <- c:
	default:
		s.pending = &c
	}
}

// Next blocks until a chunk is available, the stream is closed, or cancel is
// signalled. ok is false once the stream is exhausted.
func (s *Stream) Next(cancel <-chan struct{}) (Chunk, bool) {
	select {
	case c, open := <-s.ch:
		if open {
			return c, true
		}
		return s.takePending()
	case <-cancel:
		return Chunk{}, false
	}
}

func (s *Stream) takePending() (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Chunk{}, false
	}
	c := *s.pending
	s.pending = nil
	return c, true
}

// Close marks the stream complete. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// coalesce folds a newer chunk into an undelivered one. Text deltas are
// concatenated; binary payloads keep the newest bytes; done flags and error
// codes are sticky.
func coalesce(old, next Chunk) Chunk {
	out := old
	out.Text = old.Text + next.Text
	if len(next.Image) > 0 {
		out.Image = next.Image
	}
	if len(next.Audio) > 0 {
		out.Audio = next.Audio
	}
	out.TextDone = old.TextDone || next.TextDone
	out.ImageDone = old.ImageDone || next.ImageDone
	out.AudioDone = old.AudioDone || next.AudioDone
	if next.ErrorCode != "" {
		out.ErrorCode = next.ErrorCode
	}
	return out
}
