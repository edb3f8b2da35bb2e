// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to play back controlled audio chunks and to verify which text
// fragments were fed into synthesis. Audio emission is unbuffered so tests
// control pacing by consuming (or not consuming) the Audio channel.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{pcm1, pcm2}}
//	syn, _ := p.Synthesize(ctx, textCh)
//	for chunk := range syn.Audio() { ... }
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/loquilabs/loqui/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of audio byte slices each synthesis emits.
	Chunks [][]byte

	// ChunkDelay, if set, is the pause before each chunk is offered.
	ChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize
	// instead of starting a synthesis.
	SynthesizeErr error

	// SynthesisErr, if non-nil, is reported by Synthesis.Err after the audio
	// channel closes.
	SynthesisErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// Syntheses holds the handles created by Synthesize, in order.
	Syntheses []*Synthesis
}

// Synthesize records the call and, if SynthesizeErr is nil, starts a mock
// synthesis that drains the text channel and plays back Chunks.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string) (tts.Synthesis, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	s := NewSynthesis(chunks, p.SynthesisErr)
	s.delay = p.ChunkDelay
	p.Syntheses = append(p.Syntheses, s)
	p.mu.Unlock()

	go s.run(ctx, text)
	return s, nil
}

// LastSynthesis returns the handle created by the most recent Synthesize
// call, or nil when none was started. Thread-safe.
func (p *Provider) LastSynthesis() *Synthesis {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Syntheses) == 0 {
		return nil
	}
	return p.Syntheses[len(p.Syntheses)-1]
}

// Reset clears all recorded calls and handles. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.Syntheses = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Synthesis is a mock implementation of tts.Synthesis.
type Synthesis struct {
	mu sync.Mutex

	audio  chan []byte
	chunks [][]byte
	delay  time.Duration
	errVal error

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Fragments records the text read from the input channel, in order.
	Fragments []string

	// CancelCallCount is the number of times Cancel was called.
	CancelCallCount int
}

// NewSynthesis returns a Synthesis that will emit the given chunks and then
// report err from Err. The caller must invoke run (Provider.Synthesize does
// this) before consuming Audio.
func NewSynthesis(chunks [][]byte, err error) *Synthesis {
	return &Synthesis{
		audio:  make(chan []byte),
		chunks: chunks,
		errVal: err,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// run drains text (recording fragments) while playing back chunks, then
// closes the audio channel once both sides are finished.
func (s *Synthesis) run(ctx context.Context, text <-chan string) {
	defer close(s.done)
	defer close(s.audio)

	textDone := make(chan struct{})
	go func() {
		defer close(textDone)
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					return
				}
				s.mu.Lock()
				s.Fragments = append(s.Fragments, frag)
				s.mu.Unlock()
			case <-s.stop:
				return
			}
		}
	}()

	for _, chunk := range s.chunks {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.audio <- chunk:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}

	select {
	case <-textDone:
	case <-s.stop:
	case <-ctx.Done():
	}
}

// Audio returns the mock's audio channel.
func (s *Synthesis) Audio() <-chan []byte { return s.audio }

// Cancel stops playback. No chunk is emitted after Cancel returns.
func (s *Synthesis) Cancel() {
	s.mu.Lock()
	s.CancelCallCount++
	s.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

// Err returns the configured terminal error.
func (s *Synthesis) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// RecordedFragments returns a copy of the text fragments read so far.
// Thread-safe.
func (s *Synthesis) RecordedFragments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Fragments))
	copy(out, s.Fragments)
	return out
}

// Cancelled reports whether Cancel was called at least once. Thread-safe.
func (s *Synthesis) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelCallCount > 0
}

// Ensure Synthesis implements tts.Synthesis at compile time.
var _ tts.Synthesis = (*Synthesis)(nil)
