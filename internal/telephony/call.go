package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/bootstrap"
	"github.com/MrWong99/callrelay/internal/dispatch"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/realtime"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/audio"
	"github.com/MrWong99/callrelay/pkg/vad"
)

const (
	// stopTimeout bounds the asynchronous playback stop on barge-in.
	stopTimeout = 5 * time.Second

	// dropLogEvery rate-limits the "leg not ready" log.
	dropLogEvery = time.Second
)

// legState tracks the realtime leg of one call.
type legState int

const (
	// legPending: setup is running; caller audio cannot be forwarded yet.
	legPending legState = iota

	// legReady: the realtime session is open.
	legReady

	// legOff: the call runs without a realtime leg.
	legOff
)

// legResult is posted by the setup goroutine.
type legResult struct {
	boot bootstrap.Config
	leg  *realtime.Session
	err  error
}

// call is the actor of one media stream. Every field below the channels is
// owned by the goroutine running [call.run].
type call struct {
	h       *Handler
	conn    *conn
	query   session.Identity
	tuning  Tuning
	metrics *observe.Metrics

	frames  chan inboundFrame
	ready   chan legResult
	done    chan struct{}
	readErr error // set by readLoop before it closes frames

	log         *slog.Logger
	sess        *session.Session
	streamSID   string
	streamStart time.Time
	tc          audio.Transcoder
	detector    *vad.Detector
	user        *vad.SegmentBuffer

	state     legState
	leg       *realtime.Session
	legEvents <-chan realtime.Event

	asst      []byte
	asstStart time.Time
	idleT     *time.Timer
	maxT      *time.Timer

	// playoutEnd is when the phone finishes playing the assistant audio
	// sent so far. Deltas arrive faster than real time, so it runs ahead of
	// the assistant buffer.
	playoutEnd time.Time

	mediaIn     int
	dropped     int
	lastDropLog time.Time
}

func newCall(h *Handler, c *conn, query session.Identity, tuning Tuning) *call {
	log := slog.Default().With("scope", "telephony")
	tuning = tuning.withDefaults()
	det, err := vad.NewDetector(tuning.VAD)
	if err != nil {
		log.Warn("invalid turn detector tuning, using defaults", "err", err)
		tuning.VAD = vad.DefaultConfig()
		det, _ = vad.NewDetector(tuning.VAD)
	}
	user, err := vad.NewSegmentBuffer(tuning.UserSegments)
	if err != nil {
		log.Warn("invalid user segment tuning, using defaults", "err", err)
		tuning.UserSegments = vad.DefaultSegmentConfig()
		user, _ = vad.NewSegmentBuffer(tuning.UserSegments)
	}
	return &call{
		h:        h,
		conn:     c,
		query:    query,
		tuning:   tuning,
		metrics:  h.cfg.Metrics,
		frames:   make(chan inboundFrame, 32),
		ready:    make(chan legResult),
		done:     make(chan struct{}),
		log:      log,
		tc:       audio.Transcoder{NarrowRate: tuning.VAD.SampleRate, WideRate: tuning.UserSegments.SampleRate},
		detector: det,
		user:     user,
		state:    legOff,
	}
}

// run serves the stream until it ends and then tears the call down.
func (c *call) run(ctx context.Context) {
	c.log = observe.Logger(ctx).With("scope", "telephony")
	go c.readLoop(ctx, c.log)

	reason := c.loop(ctx)
	close(c.done)
	c.finish(ctx, reason)
}

func (c *call) loop(ctx context.Context) vad.Reason {
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				if c.readErr != nil && !isClosedErr(c.readErr) {
					c.log.Warn("media stream read failed", "err", c.readErr)
				}
				return vad.ReasonSocketClose
			}
			if c.handleFrame(ctx, f) {
				return vad.ReasonCallEnd
			}

		case res := <-c.ready:
			c.legUp(ctx, res)

		case ev, ok := <-c.legEvents:
			if !ok {
				c.log.Error("realtime leg closed, ending call", "err", c.leg.Err())
				return vad.ReasonUpstreamClose
			}
			c.handleEvent(ctx, ev)

		case <-timerC(c.idleT):
			c.idleT = nil
			c.finalizeAssistant(ctx, vad.ReasonSilence)

		case <-timerC(c.maxT):
			c.maxT = nil
			c.finalizeAssistant(ctx, vad.ReasonMaxDuration)
		}
	}
}

// readLoop decodes frames until the socket ends.
func (c *call) readLoop(ctx context.Context, log *slog.Logger) {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ws.Read(ctx)
		if err != nil {
			c.readErr = err
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.metrics.RecordFrameDropped(ctx, "malformed")
			log.Warn("malformed media stream frame dropped", "err", err, "bytes", len(data))
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether the stream
// has stopped.
func (c *call) handleFrame(ctx context.Context, f inboundFrame) bool {
	switch f.Event {
	case eventStart:
		c.start(ctx, f)
	case eventMedia:
		c.media(ctx, f)
	case eventStop:
		c.metrics.RecordFrame(ctx, "in", eventStop)
		c.log.Info("media stream stopped")
		return true
	case eventMark:
		c.metrics.RecordFrame(ctx, "in", eventMark)
		if f.Mark != nil {
			c.log.Debug("mark received", "name", f.Mark.Name)
		}
	case eventDTMF:
		c.metrics.RecordFrame(ctx, "in", eventDTMF)
		if f.DTMF != nil {
			c.log.Debug("dtmf received", "digit", f.DTMF.Digit)
		}
	case eventConnected:
		c.log.Debug("media stream handshake")
	default:
		c.log.Debug("unknown media stream event", "event", f.Event)
	}
	return false
}

func (c *call) start(ctx context.Context, f inboundFrame) {
	if f.Start == nil {
		c.log.Warn("start frame without payload")
		return
	}
	if c.sess != nil {
		c.log.Warn("duplicate start frame ignored", "stream_sid", f.Start.StreamSID)
		return
	}
	c.metrics.RecordFrame(ctx, "in", eventStart)

	st := f.Start
	streamSID := st.StreamSID
	if streamSID == "" {
		streamSID = f.StreamSID
	}
	cp := st.CustomParameters
	id := session.Identity{
		CallSID:    st.CallSID,
		TenantID:   cp.lookup("tenant_id", "tenantId", "TenantId"),
		TenantUUID: cp.lookup("tenant_uuid", "tenantUuid"),
		ToNumber:   cp.lookup("to_number", "toNumber"),
		StreamSID:  streamSID,
	}
	if id.CallSID == "" {
		id.CallSID = cp.lookup("call_sid", "callSid")
	}
	if n, err := strconv.ParseInt(cp.lookup("call_id", "callId", "CallId"), 10, 64); err == nil && n > 0 {
		id.CallID = n
	}
	id = id.Merge(c.query)

	sess, replaced, err := c.h.cfg.Store.Attach(id, c.conn)
	if err != nil {
		c.log.Error("media stream has no call identity", "err", err, "stream_sid", streamSID)
		return
	}
	c.sess = sess
	c.streamSID = streamSID
	c.streamStart = time.Now()
	c.log = observe.CallLogger(ctx, sess.Key(), streamSID).With("scope", "telephony")
	if !replaced {
		c.metrics.CallAttached(ctx, 1)
	}

	attrs := []any{
		"call_sid", id.CallSID,
		"call_id", id.CallID,
		"tenant_id", id.TenantID,
		"to_number", id.ToNumber,
		"replaced", replaced,
	}
	if mf := st.MediaFormat; mf != nil {
		attrs = append(attrs, "encoding", mf.Encoding, "sample_rate", mf.SampleRate)
	}
	c.log.Info("media stream started", attrs...)

	if c.h.cfg.Realtime != nil && c.h.cfg.Realtime.Enabled() {
		c.state = legPending
	}
	go c.setup(ctx, sess, c.log)
}

// setup resolves the call configuration and dials the realtime leg. It runs
// on its own goroutine and posts the result to the actor.
func (c *call) setup(ctx context.Context, sess *session.Session, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, c.tuning.SetupTimeout)
	defer cancel()

	var res legResult
	res.boot, res.err = sess.Bootstrap(ctx, func(ctx context.Context) (bootstrap.Config, error) {
		id := sess.Identity()
		return c.h.cfg.Bootstrap.Fetch(ctx, bootstrap.Request{
			CallKey:  sess.Key(),
			CallID:   id.CallID,
			ToNumber: id.ToNumber,
			TenantID: id.TenantID,
		})
	})
	if res.err == nil && res.boot.RealtimeEnabled && c.h.cfg.Realtime != nil && c.h.cfg.Realtime.Enabled() {
		res.leg, res.err = c.h.cfg.Realtime.Connect(ctx, realtime.SessionConfig{
			CallKey:      sess.Key(),
			Model:        res.boot.RealtimeModel,
			Voice:        res.boot.RealtimeVoice,
			Language:     res.boot.RealtimeLanguage,
			Instructions: res.boot.Instructions(),
		})
	}

	select {
	case c.ready <- res:
	case <-c.done:
		if res.leg != nil {
			_ = res.leg.Close()
		}
		log.Debug("call ended before setup finished")
	}
}

// legUp applies the setup result.
func (c *call) legUp(ctx context.Context, res legResult) {
	if res.boot.Source != "" {
		c.adopt(ctx, res.boot)
	}
	if res.err != nil {
		c.state = legOff
		c.log.Error("realtime leg unavailable, continuing without it", "err", res.err, "dropped_frames", c.dropped)
		return
	}
	if res.leg == nil {
		c.state = legOff
		c.log.Info("call runs without realtime leg", "degraded", res.boot.Degraded(), "dropped_frames", c.dropped)
		return
	}
	c.leg = res.leg
	c.legEvents = res.leg.Events()
	c.state = legReady
	c.log.Info("realtime leg ready", "model", res.boot.RealtimeModel, "dropped_frames", c.dropped)
}

// adopt merges the bootstrap identity into the session and rekeys it when
// the call key changed.
func (c *call) adopt(ctx context.Context, boot bootstrap.Config) {
	c.sess.UpdateIdentity(session.Identity{CallID: boot.CallID, TenantID: boot.TenantID})
	oldKey, newKey := c.sess.Key(), c.sess.Identity().Key()
	if oldKey == newKey {
		return
	}
	if err := c.h.cfg.Store.Rekey(oldKey, newKey); err != nil {
		c.log.Warn("call rekey failed", "new_key", newKey, "err", err)
		return
	}
	c.log = observe.CallLogger(ctx, newKey, c.streamSID).With("scope", "telephony")
	c.log.Info("call rekeyed", "old_key", oldKey)
}

func (c *call) media(ctx context.Context, f inboundFrame) {
	if c.sess == nil || f.Media == nil {
		c.metrics.RecordFrameDropped(ctx, "no_stream")
		return
	}
	mu, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil || len(mu) == 0 {
		c.metrics.RecordFrameDropped(ctx, "decode")
		c.log.Debug("undecodable media payload", "err", err)
		return
	}
	c.mediaIn++
	c.metrics.RecordFrame(ctx, "in", eventMedia)

	at := c.frameTime(f.Media)
	narrow, wide := c.tc.Inbound(mu, at.Sub(c.streamStart))
	if n := c.tuning.LogFrameEvery; n > 0 && c.mediaIn%n == 0 {
		c.log.Debug("media frame", "chunk", c.mediaIn, "mu_bytes", len(mu), "energy", audio.RMS16(narrow.Data))
	}

	c.forward(ctx, wide.Data)

	if seg, ok := c.user.Push(wide.Data, at); ok {
		c.userSegment(ctx, seg)
	}
	ev := c.detector.Process(vad.Frame{
		PCM:              narrow.Data,
		Time:             at,
		AssistantPlaying: c.assistantPlaying(),
	})
	switch ev.Type {
	case vad.EventSpeechStart:
		c.log.Debug("speech started", "energy", ev.Energy)
	case vad.EventSpeechEnd:
		c.log.Debug("turn accepted", "duration_ms", ev.Duration.Milliseconds())
		if c.turnIngest() {
			c.ingestTurn(ev.Audio)
		}
	case vad.EventBargeIn:
		c.bargeIn(ctx, ev)
	}
}

// frameTime places a frame on the call clock: stream start plus the media
// timestamp, or the wall clock when the frame carries none.
func (c *call) frameTime(m *mediaPayload) time.Time {
	if ms, ok := m.offset(); ok {
		return c.streamStart.Add(time.Duration(ms) * time.Millisecond)
	}
	return time.Now()
}

// forward streams caller audio to the realtime leg. Until the leg is ready
// frames are dropped, not buffered.
func (c *call) forward(ctx context.Context, pcm []byte) {
	switch c.state {
	case legReady:
		if err := c.leg.Append(pcm); err != nil && !errors.Is(err, realtime.ErrClosed) {
			c.metrics.RecordRealtimeError(ctx, "send")
			c.log.Warn("realtime append failed", "err", err)
		}
	case legPending:
		c.dropped++
		c.metrics.RecordFrameDropped(ctx, "leg_not_ready")
		if now := time.Now(); now.Sub(c.lastDropLog) >= dropLogEvery {
			c.lastDropLog = now
			c.log.Info("realtime leg not ready, dropping caller audio", "dropped_frames", c.dropped)
		}
	}
}

func (c *call) turnIngest() bool {
	switch c.tuning.TurnIngest {
	case TurnIngestAlways:
		return true
	case TurnIngestNever:
		return false
	}
	return c.state == legOff
}

func (c *call) ingestTurn(pcm []byte) {
	ref := c.sess.CallRef()
	if ref.CallSID == "" {
		c.log.Debug("turn ingest skipped: call sid unknown")
		return
	}
	job, err := dispatch.NewTurnJob(ref, c.sess.NextTurn(), pcm, c.tuning.VAD.SampleRate, c.streamSID, c.sess)
	if err != nil {
		c.log.Warn("turn discarded", "err", err)
		return
	}
	if err := c.sess.Turns.Enqueue(job); err != nil {
		c.log.Error("turn enqueue failed", "turn", job.Turn, "err", err)
	}
}

func (c *call) assistantPlaying() bool {
	now := time.Now()
	return len(c.asst) > 0 || now.Before(c.playoutEnd) || c.sess.Playing(now)
}

// extendPlayout queues d of audio behind whatever the phone is still
// playing.
func (c *call) extendPlayout(now time.Time, d time.Duration) {
	if c.playoutEnd.Before(now) {
		c.playoutEnd = now
	}
	c.playoutEnd = c.playoutEnd.Add(d)
}

// bargeIn interrupts assistant playback on every path that may be playing.
func (c *call) bargeIn(ctx context.Context, ev vad.Event) {
	c.metrics.RecordBargeIn(ctx)
	c.log.Info("barge-in", "energy", ev.Energy)

	c.sess.MarkStop(time.Now())
	if ref := c.sess.CallRef(); ref.CallSID != "" && c.h.cfg.Stopper != nil {
		log := c.log
		go func() {
			ctx, cancel := context.WithTimeout(ctx, stopTimeout)
			defer cancel()
			if err := c.h.cfg.Stopper.Stop(ctx, backend.StopRequest{TenantID: ref.TenantID, CallSID: ref.CallSID}); err != nil {
				log.Warn("playback stop failed", "err", err)
			}
		}()
	}
	if c.streamSID != "" {
		c.send(ctx, outboundClear{Event: "clear", StreamSID: c.streamSID})
	}
	c.playoutEnd = time.Time{}
	if c.state == legReady && len(c.asst) > 0 {
		if err := c.leg.Cancel(); err != nil && !errors.Is(err, realtime.ErrClosed) {
			c.log.Warn("realtime cancel failed", "err", err)
		}
	}
	c.finalizeAssistant(ctx, vad.ReasonBargeIn)
}

func (c *call) userSegment(ctx context.Context, seg vad.Segment) {
	c.enqueue(ctx, dispatch.RoleUser, seg)
	if c.state != legReady {
		return
	}
	sent, err := c.leg.Commit()
	if err != nil {
		c.log.Warn("realtime commit failed", "err", err)
		return
	}
	if !sent {
		c.log.Debug("realtime input buffer empty, no response requested")
		return
	}
	if err := c.leg.CreateResponse(); err != nil {
		c.log.Warn("realtime response request failed", "err", err)
	}
}

func (c *call) handleEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventSessionUpdated:
		c.log.Debug("realtime session configured")
	case realtime.EventAudioDelta:
		c.assistantAudio(ctx, ev.Audio)
	case realtime.EventResponseDone:
		c.finalizeAssistant(ctx, vad.ReasonComplete)
	case realtime.EventError:
		c.log.Warn("realtime error event", "message", ev.Message)
	}
}

// assistantAudio plays one delta to the caller and buffers it for the
// assistant segment.
func (c *call) assistantAudio(ctx context.Context, pcm []byte) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		c.log.Debug("assistant audio with odd byte count dropped", "bytes", len(pcm))
		return
	}
	if c.streamSID != "" {
		if mu := c.tc.Outbound(pcm); len(mu) > 0 {
			c.send(ctx, outboundMedia{
				Event:     eventMedia,
				StreamSID: c.streamSID,
				Media:     outboundBody{Payload: base64.StdEncoding.EncodeToString(mu)},
			})
			c.metrics.RecordFrame(ctx, "out", eventMedia)
			c.extendPlayout(time.Now(), pcmDuration(len(pcm), c.tuning.UserSegments.SampleRate))
		}
	}

	if len(c.asst) == 0 {
		c.asstStart = time.Now()
		c.maxT = time.NewTimer(c.tuning.AssistantMax)
	}
	c.asst = append(c.asst, pcm...)
	if c.idleT == nil {
		c.idleT = time.NewTimer(c.tuning.AssistantIdle)
	} else {
		c.idleT.Reset(c.tuning.AssistantIdle)
	}
}

// finalizeAssistant closes the open assistant segment, if any. Its end time
// is the start plus the buffered audio's playback duration.
func (c *call) finalizeAssistant(ctx context.Context, reason vad.Reason) {
	stopTimer(&c.idleT)
	stopTimer(&c.maxT)
	if len(c.asst) == 0 {
		return
	}
	rate := c.tuning.UserSegments.SampleRate
	dur := pcmDuration(len(c.asst), rate)
	seg := vad.Segment{
		PCM:        c.asst,
		SampleRate: rate,
		Started:    c.asstStart,
		Ended:      c.asstStart.Add(dur),
		Reason:     reason,
	}
	c.asst = nil
	c.enqueue(ctx, dispatch.RoleAssistant, seg)
}

func (c *call) enqueue(ctx context.Context, role dispatch.Role, seg vad.Segment) {
	c.metrics.RecordSegment(ctx, string(role), string(seg.Reason))
	job, err := dispatch.NewSegmentJob(c.sess.CallRef(), role, c.sess.NextIndex(role), seg, c.streamSID)
	if err != nil {
		c.log.Warn("segment discarded", "role", role, "reason", seg.Reason, "err", err)
		return
	}
	if err := c.sess.Segments.Enqueue(job); err != nil {
		c.log.Error("segment enqueue failed", "role", role, "index", job.Index, "err", err)
		return
	}
	c.log.Info("segment finalized",
		"role", role,
		"index", job.Index,
		"reason", seg.Reason,
		"duration_ms", job.Duration().Milliseconds(),
		"correlation_id", job.CorrelationID,
	)
}

func (c *call) send(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("outbound frame marshal failed", "err", err)
		return
	}
	if err := c.conn.write(ctx, data); err != nil && !isClosedErr(err) {
		c.log.Warn("media stream write failed", "err", err)
	}
}

// finish flushes both segment buffers with reason, closes both legs and, if
// this connection still owns the call, releases the session and flushes its
// queues.
func (c *call) finish(ctx context.Context, reason vad.Reason) {
	if c.sess != nil {
		if seg, ok := c.user.Flush(reason); ok {
			c.enqueue(ctx, dispatch.RoleUser, seg)
		}
		c.finalizeAssistant(ctx, reason)
	}
	stopTimer(&c.idleT)
	stopTimer(&c.maxT)
	if c.leg != nil {
		_ = c.leg.Close()
	}
	_ = c.conn.Close(string(reason))

	if c.sess == nil {
		c.log.Info("media stream closed before start", "reason", reason)
		return
	}
	if !c.h.cfg.Store.Release(c.sess.Key(), c.conn) {
		c.log.Info("media stream detached", "reason", reason, "closed_by", c.conn.closeReason())
		return
	}
	c.metrics.CallAttached(ctx, -1)

	flushCtx, cancel := context.WithTimeout(ctx, c.tuning.FlushTimeout)
	defer cancel()
	if err := c.sess.Shutdown(flushCtx); err != nil {
		c.log.Warn("pending uploads dropped at call end", "err", err)
	}
	c.log.Info("call ended",
		"reason", reason,
		"frames", c.mediaIn,
		"dropped_frames", c.dropped,
		"duration", time.Since(c.sess.Started()).Round(time.Millisecond),
	)
}

// pcmDuration is the playback time of n bytes of mono PCM16 at rate.
func pcmDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
