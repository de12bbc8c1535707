package audio

import "math"

// Resample converts samples from srcRate to dstRate with linear interpolation,
// band-limited by a windowed-sinc filter on whichever side has the lower rate.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	const taps = 31
	cutoff := float64(min(srcRate, dstRate)) / 2.0

	if srcRate > dstRate {
		samples = lowPass(samples, cutoff, float64(srcRate), taps)
	}

	ratio := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		out[i] = lerp(samples, idx, float32(pos-float64(idx)))
	}

	if dstRate > srcRate {
		out = lowPass(out, cutoff, float64(dstRate), taps)
	}
	return out
}

func lowPass(samples []float32, cutoff, sampleRate float64, taps int) []float32 {
	kernel := sincKernel(cutoff, sampleRate, taps)
	half := taps / 2
	out := make([]float32, len(samples))

	for i := range samples {
		lo := max(0, half-i)
		hi := min(taps, len(samples)-i+half)
		var acc float32
		for j := lo; j < hi; j++ {
			acc += samples[i+j-half] * kernel[j]
		}
		out[i] = acc
	}
	return out
}

// sincKernel is Blackman-windowed and normalized to unity DC gain.
func sincKernel(cutoff, sampleRate float64, taps int) []float32 {
	fc := cutoff / sampleRate
	half := taps / 2
	span := float64(taps - 1)
	kernel := make([]float32, taps)

	var sum float64
	for i := range taps {
		n := float64(i - half)
		v := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			v = math.Sin(x) / x
		}
		v *= 0.42 - 0.5*math.Cos(2.0*math.Pi*float64(i)/span) + 0.08*math.Cos(4.0*math.Pi*float64(i)/span)
		kernel[i] = float32(v)
		sum += v
	}

	for i := range kernel {
		kernel[i] = float32(float64(kernel[i]) / sum)
	}
	return kernel
}

func lerp(samples []float32, idx int, frac float32) float32 {
	if idx+1 >= len(samples) {
		return samples[len(samples)-1]
	}
	return samples[idx]*(1-frac) + samples[idx+1]*frac
}
