package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loquilabs/loqui/pkg/provider/tts"
)

// ErrAllFailed is returned when every backend in a [TTSFallback] fails or
// has an open breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures the per-backend circuit breakers of a
// [TTSFallback].
type FallbackConfig struct {
	// CircuitBreaker is the breaker template applied to each backend. The
	// Name field is overwritten with the backend name.
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover logs. Default: slog.Default().
	Logger *slog.Logger
}

// ttsEntry pairs a synthesis backend with its dedicated breaker.
type ttsEntry struct {
	name     string
	provider tts.Provider
	breaker  *CircuitBreaker
}

// TTSFallback implements [tts.Provider] across an ordered list of synthesis
// backends, each carrying its own voice and credentials. Stream setup goes
// to the first backend whose breaker admits it; the backend that accepts a
// stream owns the text channel, so failover covers setup only. The outcome
// a stream later reports through [tts.Synthesis.Err] is fed back to the
// breaker of the backend that produced it, so a backend that connects but
// keeps dying mid-synthesis is eventually bypassed too.
//
// Register all backends before the first Synthesize call; the entry list is
// fixed afterwards.
type TTSFallback struct {
	entries []ttsEntry
	cfg     FallbackConfig
	log     *slog.Logger
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &TTSFallback{cfg: cfg, log: cfg.Logger}
	f.add(primaryName, primary)
	return f
}

// AddFallback registers an additional backend, tried after everything
// registered before it.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.add(name, provider)
}

func (f *TTSFallback) add(name string, provider tts.Provider) {
	cbCfg := f.cfg.CircuitBreaker
	cbCfg.Name = name
	if cbCfg.Logger == nil {
		cbCfg.Logger = f.log
	}
	f.entries = append(f.entries, ttsEntry{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cbCfg),
	})
}

// Synthesize starts the stream on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text <-chan string) (tts.Synthesis, error) {
	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		if err := e.breaker.Allow(); err != nil {
			f.log.Debug("skipping tts backend, circuit open", "backend", e.name)
			lastErr = err
			continue
		}
		syn, err := e.provider.Synthesize(ctx, text)
		if err != nil {
			e.breaker.Record(err)
			f.log.Warn("tts backend rejected stream, trying next", "backend", e.name, "err", err)
			lastErr = err
			continue
		}
		return &observedSynthesis{syn: syn, breaker: e.breaker}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// observedSynthesis forwards the terminal stream outcome to the breaker of
// the backend that produced it. The outcome is read when the consumer calls
// Err after the audio channel closes; an abandoned stream records nothing.
type observedSynthesis struct {
	syn     tts.Synthesis
	breaker *CircuitBreaker
	once    sync.Once
}

var _ tts.Synthesis = (*observedSynthesis)(nil)

func (o *observedSynthesis) Audio() <-chan []byte { return o.syn.Audio() }

func (o *observedSynthesis) Cancel() { o.syn.Cancel() }

func (o *observedSynthesis) Err() error {
	err := o.syn.Err()
	o.once.Do(func() { o.breaker.Record(err) })
	return err
}
