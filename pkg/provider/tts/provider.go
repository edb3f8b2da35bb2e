// Package tts defines the Provider interface for streaming text-to-speech
// backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface: [Provider.Synthesize] accepts a channel of text
// fragments and returns a [Synthesis] handle emitting raw PCM audio chunks as
// they become available. This allows the caller to pipe LLM streaming output
// directly into synthesis without waiting for the full reply text.
//
// Synthesis is the unit of barge-in: cancelling a synthesis must stop audio
// emission immediately, because every chunk already handed to the caller is
// on its way to the listener's ears.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	// Synthesize starts a synthesis stream. It consumes text fragments from
	// the text channel until it is closed, and emits raw PCM audio on the
	// returned handle's Audio channel. Audio format is 16-bit little-endian
	// mono at 24 kHz.
	//
	// The caller must drain Audio (or call Cancel) to release the stream's
	// resources. Returns a non-nil error only if the stream cannot be
	// started; failures during synthesis surface through [Synthesis.Err].
	Synthesize(ctx context.Context, text <-chan string) (Synthesis, error)
}

// Synthesis is a live synthesis stream.
type Synthesis interface {
	// Audio returns the channel of PCM chunks. It is closed when synthesis
	// completes, fails, or is cancelled.
	Audio() <-chan []byte

	// Cancel stops the synthesis immediately and discards any audio the
	// service has not yet delivered. No chunk is emitted after Cancel
	// returns. Idempotent and safe to call concurrently with a consumer
	// draining Audio.
	Cancel()

	// Err reports why the stream ended. It is nil after normal completion
	// and after Cancel; it is non-nil only when the backend failed. Err must
	// only be called after Audio is closed.
	Err() error
}
