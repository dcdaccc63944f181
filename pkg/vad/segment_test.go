package vad_test

import (
	"testing"
	"time"

	"github.com/MrWong99/callrelay/pkg/vad"
)

func newSegmentBuffer(t *testing.T) *vad.SegmentBuffer {
	t.Helper()
	b, err := vad.NewSegmentBuffer(vad.DefaultSegmentConfig())
	if err != nil {
		t.Fatalf("NewSegmentBuffer: %v", err)
	}
	return b
}

func TestSegmentBuffer_IgnoresLeadingSilence(t *testing.T) {
	t.Parallel()
	b := newSegmentBuffer(t)
	for i := range 50 {
		if _, done := b.Push(tone(quiet, 320), at(i)); done {
			t.Fatalf("frame %d finalized a segment without voice", i)
		}
	}
	if b.Open() {
		t.Error("buffer opened on silence")
	}
	if _, ok := b.Flush(vad.ReasonCallEnd); ok {
		t.Error("Flush returned a segment for an empty buffer")
	}
}

func TestSegmentBuffer_SilenceThreshold(t *testing.T) {
	t.Parallel()
	silence := vad.DefaultSegmentConfig().Silence
	tests := []struct {
		name    string
		gap     time.Duration
		wantEnd bool
	}{
		{"one ms short", silence - time.Millisecond, false},
		{"exactly", silence, true},
		{"one ms over", silence + time.Millisecond, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newSegmentBuffer(t)
			b.Push(tone(loud, 320), t0)
			b.Push(tone(quiet, 320), t0.Add(20*time.Millisecond))

			seg, done := b.Push(tone(quiet, 320), t0.Add(tt.gap))
			if done != tt.wantEnd {
				t.Fatalf("finalized = %v after %v of silence, want %v", done, tt.gap, tt.wantEnd)
			}
			if !done {
				if !b.Open() {
					t.Error("buffer closed without finalizing")
				}
				return
			}
			if seg.Reason != vad.ReasonSilence {
				t.Errorf("Reason = %q, want %q", seg.Reason, vad.ReasonSilence)
			}
			if !seg.Started.Equal(t0) {
				t.Errorf("Started = %v, want %v", seg.Started, t0)
			}
			if seg.Samples() != 3*320 {
				t.Errorf("Samples = %d, want %d", seg.Samples(), 3*320)
			}
			if b.Open() {
				t.Error("buffer still open after finalizing")
			}
		})
	}
}

func TestSegmentBuffer_MaxDuration(t *testing.T) {
	t.Parallel()
	b := newSegmentBuffer(t)
	limit := int(vad.DefaultSegmentConfig().MaxDuration / (20 * time.Millisecond))

	for i := range limit {
		if _, done := b.Push(tone(loud, 320), at(i)); done {
			t.Fatalf("finalized early at frame %d", i)
		}
	}
	seg, done := b.Push(tone(loud, 320), at(limit))
	if !done {
		t.Fatal("segment not finalized at the duration cap")
	}
	if seg.Reason != vad.ReasonMaxDuration {
		t.Errorf("Reason = %q, want %q", seg.Reason, vad.ReasonMaxDuration)
	}
	if want := 12*time.Second + 20*time.Millisecond; seg.Duration() != want {
		t.Errorf("Duration = %v, want %v", seg.Duration(), want)
	}
}

func TestSegmentBuffer_FlushKeepsTrailingAudio(t *testing.T) {
	t.Parallel()
	b := newSegmentBuffer(t)

	// 20 voiced frames then 15 silent frames: 700 ms of audio.
	i := 0
	for ; i < 20; i++ {
		b.Push(tone(loud, 320), at(i))
	}
	for ; i < 35; i++ {
		if _, done := b.Push(tone(quiet, 320), at(i)); done {
			t.Fatalf("finalized at frame %d", i)
		}
	}
	seg, ok := b.Flush(vad.ReasonCallEnd)
	if !ok {
		t.Fatal("Flush returned nothing")
	}
	if seg.Reason != vad.ReasonCallEnd {
		t.Errorf("Reason = %q, want %q", seg.Reason, vad.ReasonCallEnd)
	}
	if seg.Duration() != 700*time.Millisecond {
		t.Errorf("Duration = %v, want 700ms", seg.Duration())
	}
	if seg.SampleRate != 16000 || seg.Samples() != 35*320 {
		t.Errorf("rate/samples = %d/%d, want 16000/%d", seg.SampleRate, seg.Samples(), 35*320)
	}
	if _, ok := b.Flush(vad.ReasonCallEnd); ok {
		t.Error("second Flush returned a segment")
	}
}

func TestReason_Valid(t *testing.T) {
	t.Parallel()
	for _, r := range []vad.Reason{
		vad.ReasonSilence, vad.ReasonMaxDuration, vad.ReasonCallEnd,
		vad.ReasonSocketClose, vad.ReasonUpstreamClose, vad.ReasonComplete, vad.ReasonBargeIn,
	} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if vad.Reason("timeout").Valid() {
		t.Error("unknown reason reported valid")
	}
}

func TestSegmentConfig_Validate(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultSegmentConfig()
	cfg.MaxDuration = cfg.Silence
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when max duration does not exceed silence")
	}
}
