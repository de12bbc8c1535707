package audio

import "time"

// Telephony media is 8 kHz mono mu-law: one byte per sample.
const (
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameBytes    = SampleRate * int(FrameDuration/time.Millisecond) / 1000
)

// UlawSilence is the mu-law encoding of a zero sample.
const UlawSilence byte = 0xFF

// Duration returns the playback length of n bytes of mu-law audio.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// Frames splits payload into FrameBytes-sized slices. The final frame may be
// short. The returned slices alias payload.
func Frames(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(payload)+FrameBytes-1)/FrameBytes)
	for i := 0; i < len(payload); i += FrameBytes {
		end := min(i+FrameBytes, len(payload))
		frames = append(frames, payload[i:end])
	}
	return frames
}
