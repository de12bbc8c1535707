package audio

import "math"

var ulawTable [256]int16

func init() {
	for i := range 256 {
		ulawTable[i] = decodeUlawSample(byte(i))
	}
}

func decodeUlawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + 0x84) << exponent
	sample -= 0x84
	return sign * sample
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

func encodeUlawSample(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > ulawClip {
		sample = ulawClip
	}
	sample += ulawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeUlaw expands G.711 mu-law bytes to samples normalized to [-1, 1].
func DecodeUlaw(data []byte) []float32 {
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = float32(ulawTable[b]) / math.MaxInt16
	}
	return samples
}

// EncodeUlaw compresses normalized samples to G.711 mu-law. Out-of-range
// samples are clipped.
func EncodeUlaw(samples []float32) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		out[i] = encodeUlawSample(int16(clamped * math.MaxInt16))
	}
	return out
}
