// Package vad implements energy-based voice activity detection for a single
// telephony call.
//
// Two detectors are provided. [Detector] is the strict turn detector: it
// applies RMS hysteresis with consecutive-frame counters, guards speech onset
// while the assistant is playing, and reports barge-in with a short pre-roll
// of the audio that preceded the threshold crossing. [SegmentBuffer] is the
// simpler continuous mode: it accumulates voiced audio and finalizes on a
// silence gap or a hard duration cap.
//
// Neither type starts timers. Every transition is driven by a frame and the
// timestamp the caller supplies with it, so behaviour is deterministic under
// test. Both types are owned by one goroutine and are not safe for concurrent
// use.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the tuning for a [Detector]. Energies are RMS values of PCM16
// samples normalised to [0, 1].
type Config struct {
	// SampleRate is the rate of the PCM16 frames passed to Process.
	SampleRate int

	// SpeechThreshold is the energy at or above which a frame counts as
	// voiced (RMS_ON).
	SpeechThreshold float64

	// SilenceThreshold is the energy at or below which a frame counts as
	// silent (RMS_OFF). Must be below SpeechThreshold.
	SilenceThreshold float64

	// SpeechFrames is the on-streak needed to start a turn or fire barge-in.
	SpeechFrames int

	// SilenceFrames is the off-streak needed before a turn may end.
	SilenceFrames int

	// MinSpeech is the minimum time a turn must have been open before it is
	// accepted.
	MinSpeech time.Duration

	// MinSilence is the minimum time since the last voiced frame before a
	// turn is accepted.
	MinSilence time.Duration

	// TurnCooldown is the minimum gap between two accepted turns.
	TurnCooldown time.Duration

	// StopCooldown is the minimum gap between two barge-in events.
	StopCooldown time.Duration

	// PreRollFrames is the number of recent frames kept to seed a turn.
	PreRollFrames int
}

// DefaultConfig returns the tuning used on 8 kHz telephony audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:       8000,
		SpeechThreshold:  0.018,
		SilenceThreshold: 0.010,
		SpeechFrames:     4,
		SilenceFrames:    10,
		MinSpeech:        450 * time.Millisecond,
		MinSilence:       250 * time.Millisecond,
		TurnCooldown:     250 * time.Millisecond,
		StopCooldown:     500 * time.Millisecond,
		PreRollFrames:    10,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold must be in (0, 1], got %v", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold >= c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold %v)", c.SilenceThreshold, c.SpeechThreshold))
	}
	if c.SpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: speech frames must be at least 1, got %d", c.SpeechFrames))
	}
	if c.SilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: silence frames must be at least 1, got %d", c.SilenceFrames))
	}
	if c.MinSpeech < 0 || c.MinSilence < 0 || c.TurnCooldown < 0 || c.StopCooldown < 0 {
		errs = append(errs, errors.New("vad: durations must not be negative"))
	}
	if c.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("vad: pre-roll frames must not be negative, got %d", c.PreRollFrames))
	}
	return errors.Join(errs...)
}

// SegmentConfig holds the tuning for a [SegmentBuffer].
type SegmentConfig struct {
	// SampleRate is the rate of the PCM16 frames passed to Push.
	SampleRate int

	// Threshold is the energy at or above which a frame counts as voiced.
	Threshold float64

	// Silence finalizes an open segment once this long has passed since the
	// last voiced frame.
	Silence time.Duration

	// MaxDuration finalizes an open segment once it has been open this long.
	MaxDuration time.Duration
}

// DefaultSegmentConfig returns the user-segment tuning for 16 kHz audio.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		SampleRate:  16000,
		Threshold:   0.018,
		Silence:     800 * time.Millisecond,
		MaxDuration: 12 * time.Second,
	}
}

// Validate reports every invalid field at once.
func (c SegmentConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: segment sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad: segment threshold must be in (0, 1], got %v", c.Threshold))
	}
	if c.Silence <= 0 {
		errs = append(errs, fmt.Errorf("vad: segment silence must be positive, got %v", c.Silence))
	}
	if c.MaxDuration <= c.Silence {
		errs = append(errs, fmt.Errorf("vad: segment max duration %v must exceed silence %v", c.MaxDuration, c.Silence))
	}
	return errors.Join(errs...)
}
