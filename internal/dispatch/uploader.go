package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
)

// Concern names used in metrics and logs.
const (
	ConcernSegments = "segments"
	ConcernTurns    = "turns"
)

// SegmentStore is the backend endpoint segments are uploaded to.
type SegmentStore interface {
	UploadSegment(ctx context.Context, sessionID string, seg backend.SegmentUpload) error
}

// SegmentArchive mirrors segments to secondary storage.
type SegmentArchive interface {
	PutSegment(ctx context.Context, callKey, role string, index int, pcm []byte, sampleRate int) error
}

// UploaderOption configures a [SegmentUploader].
type UploaderOption func(*SegmentUploader)

// WithArchive mirrors every segment to a before the backend upload.
func WithArchive(a SegmentArchive) UploaderOption {
	return func(u *SegmentUploader) { u.archive = a }
}

// WithUploaderMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithUploaderMetrics(m *observe.Metrics) UploaderOption {
	return func(u *SegmentUploader) { u.metrics = m }
}

// WithRetry overrides the attempt count and the linear backoff step.
// Default: 3 attempts, 500ms step.
func WithRetry(attempts int, step time.Duration) UploaderOption {
	return func(u *SegmentUploader) {
		u.attempts = attempts
		u.step = step
	}
}

// SegmentUploader is the [Handler] for segment jobs. Transient failures are
// retried with linear backoff; a duplicate-key response counts as delivered.
type SegmentUploader struct {
	store    SegmentStore
	archive  SegmentArchive
	metrics  *observe.Metrics
	attempts int
	step     time.Duration
}

// NewSegmentUploader creates an uploader that stores segments in store.
func NewSegmentUploader(store SegmentStore, opts ...UploaderOption) *SegmentUploader {
	u := &SegmentUploader{
		store:    store,
		attempts: 3,
		step:     500 * time.Millisecond,
	}
	for _, o := range opts {
		o(u)
	}
	if u.metrics == nil {
		u.metrics = observe.DefaultMetrics()
	}
	return u
}

// Handle uploads one segment. It satisfies [Handler].
func (u *SegmentUploader) Handle(ctx context.Context, job SegmentJob) {
	log := observe.Logger(ctx).With(
		"call_key", job.Call.Key,
		"scope", "segment_upload",
		"role", job.Role,
		"index", job.Index,
		"correlation_id", job.CorrelationID,
	)

	if u.archive != nil {
		if err := u.archive.PutSegment(ctx, job.Call.Key, string(job.Role), job.Index, job.PCM, job.SampleRate); err != nil {
			log.Warn("archive segment failed", "err", err)
		}
	}

	payload := u.payload(job)
	policy := resilience.RetryPolicy{
		MaxAttempts: u.attempts,
		Backoff:     resilience.LinearBackoff(u.step),
		Retryable:   backend.IsRetryable,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Warn("segment upload failed, retrying", "attempt", attempt, "wait", wait, "err", err)
		},
	}
	err := resilience.Retry(ctx, policy, func(ctx context.Context, _ int) error {
		u.metrics.RecordUploadAttempt(ctx, ConcernSegments)
		return u.store.UploadSegment(ctx, job.Call.SessionID, payload)
	})

	switch {
	case err == nil:
		u.metrics.RecordUpload(ctx, ConcernSegments, "ok")
		log.Info("segment uploaded",
			"reason", job.Reason,
			"duration_ms", job.Duration().Milliseconds(),
			"bytes", len(job.PCM),
		)
	case errors.Is(err, backend.ErrDuplicate):
		u.metrics.RecordUpload(ctx, ConcernSegments, "duplicate")
		log.Info("segment already stored, skipping")
	default:
		u.metrics.RecordUpload(ctx, ConcernSegments, "failed")
		log.Error("segment upload abandoned", "err", err)
	}
}

func (u *SegmentUploader) payload(job SegmentJob) backend.SegmentUpload {
	var callID *int64
	if job.Call.CallID != 0 {
		id := job.Call.CallID
		callID = &id
	}
	return backend.SegmentUpload{
		Role:         string(job.Role),
		SegmentIndex: job.Index,
		Format:       job.Format,
		SampleRate:   job.SampleRate,
		CallID:       callID,
		CallSID:      job.Call.CallSID,
		TenantID:     job.Call.TenantID,
		AudioB64:     base64.StdEncoding.EncodeToString(job.PCM),
		Metadata: backend.SegmentMetadata{
			StartedAt:     job.Started.UTC(),
			EndedAt:       job.Ended.UTC(),
			DurationMS:    job.Duration().Milliseconds(),
			StreamSID:     job.StreamSID,
			Reason:        string(job.Reason),
			Samples:       job.Samples(),
			CorrelationID: job.CorrelationID,
		},
	}
}

// TurnBackend is the subset of the backend used by legacy turn ingest.
type TurnBackend interface {
	IngestTurn(ctx context.Context, turn backend.TurnIngest) (*backend.TurnIngestResult, error)
	Play(ctx context.Context, req backend.PlayRequest) error
}

// TurnIngester is the [Handler] for turn jobs. Ingest is not idempotent and
// is attempted once. When the backend answers with an audio URL and the
// call's play gate is clear, playback is requested.
type TurnIngester struct {
	backend TurnBackend
	metrics *observe.Metrics
	rate    int
	now     func() time.Time
}

// NewTurnIngester creates an ingester for WAV turns at sampleRate.
func NewTurnIngester(b TurnBackend, sampleRate int, m *observe.Metrics) *TurnIngester {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &TurnIngester{backend: b, metrics: m, rate: sampleRate, now: time.Now}
}

// Handle ingests one turn. It satisfies [Handler].
func (t *TurnIngester) Handle(ctx context.Context, job TurnJob) {
	log := observe.Logger(ctx).With("call_key", job.Call.Key, "scope", "turn_ingest", "turn", job.Turn)

	t.metrics.RecordUploadAttempt(ctx, ConcernTurns)
	res, err := t.backend.IngestTurn(ctx, backend.TurnIngest{
		TenantID: job.Call.TenantID,
		CallSID:  job.Call.CallSID,
		Encoding: WAVEncoding(t.rate),
		AudioB64: base64.StdEncoding.EncodeToString(job.WAV),
		Meta:     backend.TurnMeta{StreamSID: job.StreamSID},
	})
	if err != nil {
		t.metrics.RecordUpload(ctx, ConcernTurns, "failed")
		log.Error("turn ingest failed", "err", err)
		return
	}
	t.metrics.RecordUpload(ctx, ConcernTurns, "ok")
	log.Info("turn ingested", "ok", res.OK, "has_audio", res.AudioURL != "")

	if !res.OK || res.AudioURL == "" || job.Gate == nil {
		return
	}
	now := t.now()
	if job.Gate.Playing(now) {
		log.Debug("playback already active, skipping play request")
		return
	}
	job.Gate.MarkPlay(now)
	if err := t.backend.Play(ctx, backend.PlayRequest{
		TenantID: job.Call.TenantID,
		CallSID:  job.Call.CallSID,
		AudioURL: res.AudioURL,
	}); err != nil {
		log.Warn("play request failed", "err", err)
	}
}
