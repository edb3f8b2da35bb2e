// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig. Use Stream to feed controlled Event values and inspect which
// audio chunks were delivered.
//
// Example:
//
//	st := mock.NewStream()
//	p := &mock.Provider{Stream: st}
//	handle, _ := p.StartStream(ctx, cfg)
//	st.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/loquilabs/loqui/pkg/provider/asr"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg asr.StreamConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by StartStream. If nil, StartStream returns a fresh
	// default Stream.
	Stream asr.Stream

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Stream, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// FeedCall records a single invocation of Stream.Feed.
type FeedCall struct {
	// PCM is a copy of the audio bytes passed to Feed.
	PCM []byte
}

// Stream is a mock implementation of asr.Stream. Tests drive the consumer by
// calling Emit; the event channel is closed on Close (or CloseEvents).
type Stream struct {
	mu sync.Mutex

	events chan asr.Event
	closed bool

	// FeedErr, if non-nil, is returned by every Feed call.
	FeedErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// FeedCalls records every call to Feed in order.
	FeedCalls []FeedCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream returns a Stream with a buffered event channel ready for Emit.
func NewStream() *Stream {
	return &Stream{events: make(chan asr.Event, 64)}
}

// Emit delivers an event to the consumer. Emit after Close is a no-op.
func (s *Stream) Emit(e asr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- e
}

// Feed records the call and returns FeedErr.
func (s *Stream) Feed(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.FeedCalls = append(s.FeedCalls, FeedCall{PCM: cp})
	return s.FeedErr
}

// Events returns the mock's event channel.
func (s *Stream) Events() <-chan asr.Event {
	return s.events
}

// Close records the call, closes the event channel, and returns CloseErr.
// Safe to call multiple times.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return s.CloseErr
}

// FeedCallCount returns the number of Feed calls. Thread-safe.
func (s *Stream) FeedCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.FeedCalls)
}

// Ensure Stream implements asr.Stream at compile time.
var _ asr.Stream = (*Stream)(nil)
