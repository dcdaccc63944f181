package vad

import (
	"time"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// Segment is a finalized span of buffered audio.
type Segment struct {
	// PCM is little-endian PCM16 mono at SampleRate.
	PCM        []byte
	SampleRate int

	Started time.Time
	Ended   time.Time
	Reason  Reason
}

// Duration returns Ended minus Started.
func (s Segment) Duration() time.Duration { return s.Ended.Sub(s.Started) }

// Samples returns the number of PCM16 samples in the segment.
func (s Segment) Samples() int { return len(s.PCM) / 2 }

// SegmentBuffer is the continuous buffering mode. A voiced frame opens a
// segment; once open, every frame is kept until the silence gap or the
// duration cap is reached. Deadlines are checked on each Push rather than by
// a timer.
type SegmentBuffer struct {
	cfg SegmentConfig

	pcm       []byte
	started   time.Time
	lastVoice time.Time
	ended     time.Time
}

// NewSegmentBuffer returns an empty buffer.
func NewSegmentBuffer(cfg SegmentConfig) (*SegmentBuffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SegmentBuffer{cfg: cfg}, nil
}

// Open reports whether a segment is currently being buffered.
func (b *SegmentBuffer) Open() bool { return !b.started.IsZero() }

// Push adds one frame captured at now. It returns the finalized segment and
// true when this frame closed it with [ReasonSilence] or [ReasonMaxDuration].
func (b *SegmentBuffer) Push(pcm []byte, now time.Time) (Segment, bool) {
	if audio.RMS16(pcm) >= b.cfg.Threshold {
		if !b.Open() {
			b.started = now
		}
		b.lastVoice = now
	} else if !b.Open() {
		return Segment{}, false
	}

	b.pcm = append(b.pcm, pcm...)
	b.ended = now.Add(b.frameDuration(pcm))

	switch {
	case now.Sub(b.lastVoice) >= b.cfg.Silence:
		return b.finalize(ReasonSilence), true
	case now.Sub(b.started) >= b.cfg.MaxDuration:
		return b.finalize(ReasonMaxDuration), true
	}
	return Segment{}, false
}

// Flush finalizes whatever is open with the given reason. It returns false
// when nothing was buffered.
func (b *SegmentBuffer) Flush(reason Reason) (Segment, bool) {
	if !b.Open() || len(b.pcm) == 0 {
		b.reset()
		return Segment{}, false
	}
	return b.finalize(reason), true
}

func (b *SegmentBuffer) finalize(reason Reason) Segment {
	seg := Segment{
		PCM:        b.pcm,
		SampleRate: b.cfg.SampleRate,
		Started:    b.started,
		Ended:      b.ended,
		Reason:     reason,
	}
	b.reset()
	return seg
}

func (b *SegmentBuffer) reset() {
	b.pcm = nil
	b.started = time.Time{}
	b.lastVoice = time.Time{}
	b.ended = time.Time{}
}

func (b *SegmentBuffer) frameDuration(pcm []byte) time.Duration {
	return time.Duration(len(pcm)/2) * time.Second / time.Duration(b.cfg.SampleRate)
}
