package audio

import "math/bits"

const (
	// mulawBias is the G.711 bias added before segment search (0x84).
	mulawBias = 132

	// mulawClip is the largest magnitude that survives biasing without overflow.
	mulawClip = 32635
)

// MulawDecode expands one G.711 µ-law byte to a linear int16 sample.
func MulawDecode(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0f

	t := ((int32(mantissa) << 3) + mulawBias) << exponent
	var sample int32
	if sign != 0 {
		sample = mulawBias - t
	} else {
		sample = t - mulawBias
	}
	return clamp16(sample)
}

// MulawEncode compresses a linear int16 sample to one G.711 µ-law byte.
func MulawEncode(sample int16) byte {
	s := int(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// s is in [132, 32767], so bits.Len is in [8, 15] and exponent in [0, 7].
	exponent := bits.Len(uint(s)) - 8
	mantissa := (s >> (exponent + 3)) & 0x0f
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

// DecodeMulaw expands a µ-law buffer into PCM16. The output holds two bytes
// per input byte.
func DecodeMulaw(mu []byte) []byte {
	out := make([]byte, len(mu)*2)
	for i, b := range mu {
		s := MulawDecode(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMulaw compresses PCM16 into µ-law. A trailing odd byte is ignored.
func EncodeMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = MulawEncode(s)
	}
	return out
}

// MulawStep returns the quantization step of the segment that b belongs to.
// Decoded values of neighbouring codes in the same segment differ by this
// amount.
func MulawStep(b byte) int {
	exponent := ((^b) >> 4) & 0x07
	return 1 << (exponent + 3)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
