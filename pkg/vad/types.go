package vad

import "time"

// EventType enumerates detector results.
type EventType int

const (
	// EventNone indicates the frame caused no transition.
	EventNone EventType = iota

	// EventSpeechStart indicates a turn has just begun.
	EventSpeechStart

	// EventSpeechEnd indicates a turn was accepted. The event carries the
	// captured turn audio.
	EventSpeechEnd

	// EventBargeIn indicates the caller started speaking over assistant
	// playback. The event carries the pre-roll audio.
	EventBargeIn
)

// String returns a lowercase name for logging.
func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventBargeIn:
		return "barge_in"
	default:
		return "unknown"
	}
}

// Event is the result of processing one frame.
type Event struct {
	Type EventType

	// Energy is the RMS energy of the frame that produced the event.
	Energy float64

	// Audio is the PCM16 captured for the event: the whole turn for
	// [EventSpeechEnd], the pre-roll for [EventBargeIn], nil otherwise.
	Audio []byte

	// Started is when the turn began. Set for speech start, end and barge-in.
	Started time.Time

	// Duration is how long the turn was open. Set for [EventSpeechEnd].
	Duration time.Duration
}

// Phase is the detector state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSpeaking
)

func (p Phase) String() string {
	if p == PhaseSpeaking {
		return "speaking"
	}
	return "idle"
}

// Reason explains why a segment was finalized. The string values are part of
// the segment upload payload.
type Reason string

const (
	ReasonSilence       Reason = "silence"
	ReasonMaxDuration   Reason = "max-duration"
	ReasonCallEnd       Reason = "call-end"
	ReasonSocketClose   Reason = "socket-close"
	ReasonUpstreamClose Reason = "upstream-close"
	ReasonComplete      Reason = "complete"
	ReasonBargeIn       Reason = "barge-in"
)

// Valid reports whether r is one of the known reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonSilence, ReasonMaxDuration, ReasonCallEnd, ReasonSocketClose,
		ReasonUpstreamClose, ReasonComplete, ReasonBargeIn:
		return true
	}
	return false
}
