package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/vad"
)

// Role identifies which party a segment belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// FormatPCM16 is the only segment payload format the backend accepts.
const FormatPCM16 = "pcm16"

// CallRef identifies the call a job belongs to.
type CallRef struct {
	// Key is the relay's call key, used for logs and archive paths.
	Key string

	// SessionID is the backend call session the segment is stored under:
	// the numeric call id when known, otherwise the call SID.
	SessionID string

	CallID   int64
	CallSID  string
	TenantID string
}

// SegmentJob is one finalized segment awaiting upload. Build it with
// [NewSegmentJob].
type SegmentJob struct {
	Call          CallRef
	Role          Role
	Index         int
	PCM           []byte
	Format        string
	SampleRate    int
	Started       time.Time
	Ended         time.Time
	Reason        vad.Reason
	StreamSID     string
	CorrelationID string
}

// NewSegmentJob validates seg and wraps it as the index-th segment of role
// on call. A fresh correlation id is attached.
func NewSegmentJob(call CallRef, role Role, index int, seg vad.Segment, streamSID string) (SegmentJob, error) {
	var errs []error
	if call.SessionID == "" {
		errs = append(errs, errors.New("missing session id"))
	}
	if !role.Valid() {
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}
	if index < 1 {
		errs = append(errs, fmt.Errorf("index %d must be >= 1", index))
	}
	if len(seg.PCM) == 0 || len(seg.PCM)%2 != 0 {
		errs = append(errs, fmt.Errorf("pcm length %d is not a non-empty PCM16 buffer", len(seg.PCM)))
	}
	if seg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", seg.SampleRate))
	}
	if !seg.Reason.Valid() {
		errs = append(errs, fmt.Errorf("unknown reason %q", seg.Reason))
	}
	if seg.Ended.Before(seg.Started) {
		errs = append(errs, errors.New("segment ends before it starts"))
	}
	if err := errors.Join(errs...); err != nil {
		return SegmentJob{}, fmt.Errorf("dispatch: segment job: %w", err)
	}

	return SegmentJob{
		Call:          call,
		Role:          role,
		Index:         index,
		PCM:           seg.PCM,
		Format:        FormatPCM16,
		SampleRate:    seg.SampleRate,
		Started:       seg.Started,
		Ended:         seg.Ended,
		Reason:        seg.Reason,
		StreamSID:     streamSID,
		CorrelationID: uuid.NewString(),
	}, nil
}

// Duration returns the wall-clock span of the segment.
func (j SegmentJob) Duration() time.Duration { return j.Ended.Sub(j.Started) }

// Samples returns the number of PCM16 samples in the payload.
func (j SegmentJob) Samples() int { return len(j.PCM) / 2 }

// PlayGate debounces playback requests for one call.
type PlayGate interface {
	Playing(now time.Time) bool
	MarkPlay(now time.Time)
}

// TurnJob is one strict-mode turn for the legacy ingest endpoint.
type TurnJob struct {
	Call      CallRef
	Turn      int
	WAV       []byte
	StreamSID string
	Gate      PlayGate
}

// NewTurnJob frames pcm (PCM16 mono at sampleRate) as WAV.
func NewTurnJob(call CallRef, turn int, pcm []byte, sampleRate int, streamSID string, gate PlayGate) (TurnJob, error) {
	if call.CallSID == "" {
		return TurnJob{}, errors.New("dispatch: turn job: missing call sid")
	}
	if len(pcm) == 0 {
		return TurnJob{}, errors.New("dispatch: turn job: empty audio")
	}
	return TurnJob{
		Call:      call,
		Turn:      turn,
		WAV:       audio.WAV(pcm, sampleRate, 1),
		StreamSID: streamSID,
		Gate:      gate,
	}, nil
}

// WAVEncoding is the encoding label sent with ingested turns.
func WAVEncoding(sampleRate int) string {
	return fmt.Sprintf("audio/wav;rate=%d", sampleRate)
}
