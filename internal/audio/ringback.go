package audio

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
)

const (
	ringOn    = 2 * time.Second
	ringOff   = 4 * time.Second
	ringLevel = 0.25
)

// ToneRingback synthesizes one North American ringback cycle (440 Hz + 480 Hz
// for two seconds, then four seconds of silence) as mu-law.
func ToneRingback() []byte {
	on := int(ringOn.Seconds() * SampleRate)
	total := on + int(ringOff.Seconds()*SampleRate)
	samples := make([]float32, total)
	for i := range on {
		t := float64(i) / SampleRate
		v := 0.5 * (math.Sin(2*math.Pi*440*t) + math.Sin(2*math.Pi*480*t))
		samples[i] = float32(v * ringLevel)
	}
	return EncodeUlaw(samples)
}

// LoadWAV decodes a PCM WAV file of any rate or channel count into 8 kHz
// mono mu-law.
func LoadWAV(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 || dec.BitDepth == 0 {
		return nil, fmt.Errorf("%s: missing format", path)
	}

	channels := buf.Format.NumChannels
	scale := float32(int64(1) << (dec.BitDepth - 1))
	mono := make([]float32, len(buf.Data)/channels)
	for i := range mono {
		var sum float32
		for c := range channels {
			sum += float32(buf.Data[i*channels+c])
		}
		mono[i] = sum / float32(channels) / scale
	}

	return EncodeUlaw(Resample(mono, buf.Format.SampleRate, SampleRate)), nil
}

// Loop repeats pattern until it covers exactly d of audio. An empty pattern
// yields silence.
func Loop(pattern []byte, d time.Duration) []byte {
	n := int(d * SampleRate / time.Second)
	out := make([]byte, n)
	if len(pattern) == 0 {
		for i := range out {
			out[i] = UlawSilence
		}
		return out
	}
	for i := 0; i < n; i += len(pattern) {
		copy(out[i:], pattern)
	}
	return out
}

// Play sends audio through send at real-time pace, a few frames per tick, and
// returns once the last batch has had time to play or ctx is done.
func Play(ctx context.Context, audio []byte, send func([]byte) error) error {
	const framesPerTick = 5
	batch := FrameBytes * framesPerTick
	ticker := time.NewTicker(FrameDuration * framesPerTick)
	defer ticker.Stop()

	for i := 0; i < len(audio); i += batch {
		end := min(i+batch, len(audio))
		if err := send(audio[i:end]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
