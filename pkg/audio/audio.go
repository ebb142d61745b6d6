// Package audio provides the audio primitives for the call bridge: the
// sample formats spoken on each leg, frame bookkeeping, and the stateless
// transcoder that converts between them.
//
// The telephony leg carries G.711 mu-law at 8kHz mono (one byte per sample);
// the engine leg carries little-endian PCM16 mono at a configurable rate.
// Transcoding never alters the duration of a chunk, only its sample
// representation and rate.
package audio

import "time"

// Encoding identifies which wire format an audio chunk is in.
type Encoding string

const (
	// EncodingMuLaw is G.711 mu-law, 8kHz, mono, one byte per sample.
	EncodingMuLaw Encoding = "mulaw"

	// EncodingPCM16 is signed 16-bit little-endian linear PCM, mono.
	EncodingPCM16 Encoding = "pcm16"
)

// Frame is one fixed-duration chunk of audio as carried by either leg.
type Frame struct {
	// Data holds the raw encoded samples.
	Data []byte

	// Encoding tags the sample format of Data.
	Encoding Encoding

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when the frame was received, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the time the frame's samples span. It depends only on
// sample count and rate, so it is invariant under transcoding.
func (f Frame) Duration() time.Duration {
	n := len(f.Data)
	if f.Encoding == EncodingPCM16 {
		n /= 2
	}
	return SampleDuration(n, f.SampleRate)
}

// SampleDuration returns the duration spanned by n samples at the given rate.
func SampleDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
