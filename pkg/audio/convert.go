package audio

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Transcoder converts between the telephony leg (8 kHz µ-law) and the
// realtime leg (16 kHz PCM16). It logs a warning once on corrupt input.
// Create one per call; not designed for shared use across goroutines.
type Transcoder struct {
	// NarrowRate is the telephony sample rate. Zero means [TelephonyRate].
	NarrowRate int

	// WideRate is the realtime sample rate. Zero means [RealtimeRate].
	WideRate int

	warnedCorrupt sync.Once
}

func (c *Transcoder) rates() (narrow, wide int) {
	narrow, wide = c.NarrowRate, c.WideRate
	if narrow <= 0 {
		narrow = TelephonyRate
	}
	if wide <= 0 {
		wide = RealtimeRate
	}
	return narrow, wide
}

// Inbound decodes one telephony payload and returns it at both rates: the
// narrow frame feeds turn detection, the wide frame feeds the realtime leg
// and segment buffering.
func (c *Transcoder) Inbound(mu []byte, ts time.Duration) (narrow, wide AudioFrame) {
	narrowRate, wideRate := c.rates()
	pcm := DecodeMulaw(mu)
	narrow = AudioFrame{Data: pcm, SampleRate: narrowRate, Timestamp: ts}
	wide = AudioFrame{
		Data:       ResampleMono16(pcm, narrowRate, wideRate),
		SampleRate: wideRate,
		Timestamp:  ts,
	}
	return narrow, wide
}

// Outbound converts a realtime PCM16 chunk into a telephony µ-law payload.
// Chunks with an odd byte count are dropped.
func (c *Transcoder) Outbound(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio transcoder: odd byte count in PCM data, dropping chunk",
				"bytes", len(pcm),
			)
		})
		return nil
	}
	narrowRate, wideRate := c.rates()
	return EncodeMulaw(ResampleMono16(pcm, wideRate, narrowRate))
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The output holds round(n*dstRate/srcRate) samples (at least
// one for non-empty input). Source lookups clamp at the buffer edges.
//
// There is no anti-aliasing filter: downsampling folds content above the new
// Nyquist frequency back into the band. This keeps per-frame latency at zero
// samples, which matters more on a live call than the extra fidelity.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(math.Round(float64(srcSamples) * float64(dstRate) / float64(srcRate)))
	if dstSamples < 1 {
		dstSamples = 1
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcSamples) / float64(dstSamples)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, min(srcIdx, srcSamples-1))
		s1 := sampleAt(pcm, min(srcIdx+1, srcSamples-1))

		v := clamp16(int32(math.Round(float64(s0) + float64(s1-s0)*frac)))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func sampleAt(pcm []byte, i int) int32 {
	return int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
}
