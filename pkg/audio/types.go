// Package audio holds the sample-level primitives of the relay: G.711 µ-law
// companding, linear resampling, RMS energy and WAV framing.
//
// Every function in this package is pure and allocation-bounded by its input;
// nothing here performs I/O or keeps state across calls, except [Transcoder]
// which only remembers whether it has already warned about corrupt input.
//
// PCM is always little-endian signed 16-bit mono unless a name says otherwise.
package audio

import "time"

// Standard rates on the two legs of a relayed call.
const (
	// TelephonyRate is the sample rate of G.711 telephony audio.
	TelephonyRate = 8000

	// RealtimeRate is the sample rate the realtime AI leg consumes and produces.
	RealtimeRate = 16000

	// FrameDuration is the nominal duration of one telephony media frame.
	FrameDuration = 20 * time.Millisecond
)

// AudioFrame represents a single frame of PCM audio flowing through the relay.
type AudioFrame struct {
	// PCM audio data (int16 little-endian, mono).
	Data []byte

	// SampleRate in Hz (8000 on the telephony side, 16000 on the realtime side).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples reports the number of int16 samples held in the frame.
func (f AudioFrame) Samples() int { return len(f.Data) / 2 }

// Duration reports the playback duration of the frame at its sample rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
