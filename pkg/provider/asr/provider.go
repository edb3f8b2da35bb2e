// Package asr defines the Provider interface for streaming speech recognition
// backends.
//
// An ASR provider wraps a real-time transcription service and exposes a uniform
// streaming interface. The central abstraction is [Stream]: once started, a
// stream accepts raw PCM audio and emits a single ordered sequence of [Event]
// values: live partials for responsiveness, stable finals for the session
// history, and endpoint markers that commit an utterance.
//
// Endpoint detection is authoritative: the orchestrator never derives endpoints
// from silence timers, so providers without native endpointing cannot back this
// interface.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by [Stream.Feed] after Close has been called.
var ErrStreamClosed = errors.New("asr: stream is closed")

// StreamConfig describes the audio format and recognition hints for a new
// transcription stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline uplink is 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// recognition services).
	Channels int

	// LanguageHints lists the languages expected in the audio, most likely
	// first (e.g., ["zh", "en"]). An empty slice lets the provider decide.
	LanguageHints []string
}

// EventKind discriminates the events a [Stream] emits.
type EventKind int

const (
	// KindPartial is a live, provisional rendering of the current utterance:
	// the stable prefix plus the provider's best guess for the tail. Partials
	// may be rewritten by later events and must not be committed.
	KindPartial EventKind = iota

	// KindFinal is a stable rendering of the current utterance: every token in
	// Text has been finalized by the provider and will not change. Finals are
	// cumulative, each one carries the whole stable utterance so far.
	KindFinal

	// KindEndpoint marks the end of an utterance. Text carries the committed
	// utterance (the concatenation of its final tokens); the stream's
	// utterance buffer is cleared afterwards.
	KindEndpoint

	// KindStatus reports a connection state change. Detail is one of
	// "connected" or "disconnected".
	KindStatus

	// KindError reports an unrecoverable provider failure. After an error
	// event the stream is half-open: Feed silently drops audio until the
	// caller closes and reopens the stream.
	KindError
)

// String returns the lowercase event kind name used in logs and wire messages.
func (k EventKind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindEndpoint:
		return "endpoint"
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single item in the recognition stream.
type Event struct {
	// Kind discriminates the event.
	Kind EventKind

	// Text is the transcript payload for partial, final, and endpoint events.
	Text string

	// Detail carries status or error information for status and error events.
	Detail string
}

// Stream represents an open transcription stream. Callers must call Close when
// the stream is no longer needed; failing to do so leaks goroutines and the
// provider connection. All methods are safe for concurrent use.
type Stream interface {
	// Feed delivers a chunk of raw little-endian s16 mono PCM to the provider.
	// After an unrecoverable provider failure, Feed silently drops chunks
	// (half-open state). After Close it returns [ErrStreamClosed].
	Feed(pcm []byte) error

	// Events returns the ordered event sequence. The channel is closed when
	// the stream ends, whether by Close or by provider shutdown.
	Events() <-chan Event

	// Close terminates the stream, flushes pending audio, and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming recognition backend.
type Provider interface {
	// StartStream opens a new transcription stream. The returned Stream is
	// ready to accept audio immediately. Returns an error if the provider
	// cannot establish the stream (authentication failure, unreachable
	// endpoint, or ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
