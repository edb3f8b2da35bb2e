// Package audio defines the PCM formats flowing through the pipeline and small
// helpers for working with raw sample buffers.
//
// All audio in Loqui is uncompressed little-endian 16-bit mono PCM. The client
// uplink (microphone) runs at 16 kHz; the downlink (synthesized speech) runs at
// 24 kHz. The transport layer never interprets sample data; these helpers
// exist for the components that do: the ASR adapter validates uplink buffers
// and the session estimates playback duration for per-turn metrics.
package audio

import "time"

// Format describes the sample rate and channel count of a PCM stream.
// Samples are always little-endian int16.
type Format struct {
	SampleRate int
	Channels   int
}

// Canonical pipeline formats.
var (
	// Uplink is the microphone format the client streams to the server.
	Uplink = Format{SampleRate: 16000, Channels: 1}

	// Downlink is the synthesized speech format the server streams back.
	Downlink = Format{SampleRate: 24000, Channels: 1}
)

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback time of n bytes of PCM in this format.
// Returns 0 for a zero-valued format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// TrimPartialSample drops a trailing odd byte so the buffer holds only whole
// int16 samples. Network chunking can split a sample across frames; callers
// that require aligned buffers trim before forwarding.
func TrimPartialSample(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		return pcm[:len(pcm)-1]
	}
	return pcm
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is no longer needed, e.g. the audio of a cancelled synthesis.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
