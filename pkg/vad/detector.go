package vad

import (
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// Frame is one unit of input to a [Detector].
type Frame struct {
	// PCM is little-endian PCM16 mono at Config.SampleRate.
	PCM []byte

	// Time is when the frame was captured.
	Time time.Time

	// AssistantPlaying reports whether assistant audio is currently being
	// played to the caller. It gates speech onset and enables barge-in.
	AssistantPlaying bool
}

// Detector is the strict hysteresis turn detector. Create one per call with
// [NewDetector].
type Detector struct {
	cfg Config

	phase   Phase
	on, off int

	speechStart time.Time
	lastVoice   time.Time
	lastBargeIn time.Time
	lastTurn    time.Time

	capture []byte

	// preRoll is a ring of the most recent frames, oldest at preHead.
	preRoll [][]byte
	preHead int
}

// NewDetector returns a detector in the idle phase.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:     cfg,
		preRoll: make([][]byte, 0, cfg.PreRollFrames),
	}, nil
}

// Phase returns the current detector phase.
func (d *Detector) Phase() Phase { return d.phase }

// Process classifies one frame and returns the resulting transition.
//
// Barge-in is checked before the turn state machine: while the assistant is
// playing, an on-streak of SpeechFrames fires [EventBargeIn] at most once per
// StopCooldown and moves the detector into the speaking phase seeded with the
// pre-roll. Otherwise an idle detector starts a turn on the same on-streak
// (never while the assistant plays), and a speaking detector accepts the turn
// only when MinSpeech, SilenceFrames, MinSilence and TurnCooldown are all
// satisfied.
func (d *Detector) Process(f Frame) Event {
	energy := audio.RMS16(f.PCM)
	d.pushPreRoll(f.PCM)

	switch {
	case energy >= d.cfg.SpeechThreshold:
		d.on++
		d.off = 0
	case energy <= d.cfg.SilenceThreshold:
		d.off++
		d.on = max(d.on-1, 0)
	default:
		d.on = max(d.on-1, 0)
	}

	if f.AssistantPlaying && d.on >= d.cfg.SpeechFrames && d.bargeInAllowed(f.Time) {
		d.lastBargeIn = f.Time
		d.startTurn(f.Time)
		return Event{
			Type:    EventBargeIn,
			Energy:  energy,
			Audio:   append([]byte(nil), d.capture...),
			Started: f.Time,
		}
	}

	switch d.phase {
	case PhaseIdle:
		if d.on >= d.cfg.SpeechFrames && !f.AssistantPlaying {
			d.startTurn(f.Time)
			return Event{Type: EventSpeechStart, Energy: energy, Started: f.Time}
		}
	case PhaseSpeaking:
		d.capture = append(d.capture, f.PCM...)
		if energy >= d.cfg.SpeechThreshold {
			d.lastVoice = f.Time
		}
		if d.accept(f.Time) {
			ev := Event{
				Type:     EventSpeechEnd,
				Energy:   energy,
				Audio:    d.capture,
				Started:  d.speechStart,
				Duration: f.Time.Sub(d.speechStart),
			}
			d.lastTurn = f.Time
			d.resetTurn()
			return ev
		}
	}
	return Event{Type: EventNone, Energy: energy}
}

// Reset returns the detector to idle and clears all counters, buffers and
// cooldowns.
func (d *Detector) Reset() {
	d.resetTurn()
	d.lastBargeIn = time.Time{}
	d.lastTurn = time.Time{}
	d.preRoll = d.preRoll[:0]
	d.preHead = 0
}

func (d *Detector) bargeInAllowed(now time.Time) bool {
	return d.lastBargeIn.IsZero() || now.Sub(d.lastBargeIn) > d.cfg.StopCooldown
}

func (d *Detector) accept(now time.Time) bool {
	return now.Sub(d.speechStart) >= d.cfg.MinSpeech &&
		d.off >= d.cfg.SilenceFrames &&
		now.Sub(d.lastVoice) >= d.cfg.MinSilence &&
		(d.lastTurn.IsZero() || now.Sub(d.lastTurn) >= d.cfg.TurnCooldown)
}

func (d *Detector) startTurn(now time.Time) {
	d.phase = PhaseSpeaking
	d.speechStart = now
	d.lastVoice = now
	d.capture = d.preRollAudio()
}

func (d *Detector) resetTurn() {
	d.phase = PhaseIdle
	d.on, d.off = 0, 0
	d.speechStart = time.Time{}
	d.lastVoice = time.Time{}
	d.capture = nil
}

func (d *Detector) pushPreRoll(pcm []byte) {
	if d.cfg.PreRollFrames == 0 {
		return
	}
	frame := append([]byte(nil), pcm...)
	if len(d.preRoll) < d.cfg.PreRollFrames {
		d.preRoll = append(d.preRoll, frame)
		return
	}
	d.preRoll[d.preHead] = frame
	d.preHead = (d.preHead + 1) % len(d.preRoll)
}

// preRollAudio returns the buffered frames oldest first as one new slice.
func (d *Detector) preRollAudio() []byte {
	n := 0
	for _, f := range d.preRoll {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for i := range d.preRoll {
		out = append(out, d.preRoll[(d.preHead+i)%len(d.preRoll)]...)
	}
	return out
}
