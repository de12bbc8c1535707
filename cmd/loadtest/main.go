package main

import (
	"bytes"
	"encoding/base64"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-agent/internal/audio"
)

func main() {
	gateway := flag.String("gateway", "ws://gateway:8000/ws/twilio", "media stream WebSocket URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	callLength := flag.Duration("call-length", 12*time.Second, "how long each simulated caller stays on the line")
	from := flag.String("from", "+15550001111", "caller number")
	to := flag.String("to", "+15550100000", "dialed number; must have a profile")
	audioDir := flag.String("audio-dir", "/samples", "directory with 8kHz WAV utterances")
	flag.Parse()

	clips := loadClips(*audioDir)
	if len(clips) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
	}

	fmt.Printf("Load test: %d concurrent calls for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | To: %s | Call length: %s\n\n", *gateway, *to, *callLength)

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := runCall(*gateway, *from, *to, *callLength, clips)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type callResult struct {
	success bool
	// firstAudioMs is stream start to the first outbound media frame.
	firstAudioMs float64
	// replyMs is the end of the caller's utterance to the next outbound
	// audio after the greeting.
	replyMs float64
	audioMs float64
	// voicedMs counts outbound audio above the silence floor.
	voicedMs float64
	err      string
}

// frame mirrors the subset of Twilio media stream messages the simulator
// reads and writes.
type frame struct {
	Event     string            `json:"event"`
	StreamSid string            `json:"streamSid,omitempty"`
	Start     *startFrame       `json:"start,omitempty"`
	Media     *mediaFrame       `json:"media,omitempty"`
	Mark      map[string]string `json:"mark,omitempty"`
}

type startFrame struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaFrame struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

func runCall(gateway, from, to string, length time.Duration, clips [][]byte) callResult {
	conn, _, err := websocket.DefaultDialer.Dial(gateway, nil)
	if err != nil {
		return callResult{err: fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	sid := "MZ" + uuid.NewString()
	start := time.Now()
	msgs := []frame{
		{Event: "connected"},
		{Event: "start", StreamSid: sid, Start: &startFrame{
			StreamSid:        sid,
			CallSid:          "CA" + uuid.NewString(),
			Tracks:           []string{"inbound"},
			CustomParameters: map[string]string{"from": from, "to": to},
		}},
	}
	for _, m := range msgs {
		if err = conn.WriteJSON(m); err != nil {
			return callResult{err: fmt.Sprintf("send %s: %v", m.Event, err)}
		}
	}

	var (
		mu         sync.Mutex
		firstAudio time.Time
		lastAudio  time.Time
		audioBytes int
		voiced     time.Duration
		spokeAt    time.Time
		replyAt    time.Time
	)
	readDone := make(chan error, 1)
	go func() {
		for {
			var m frame
			if err := conn.ReadJSON(&m); err != nil {
				readDone <- err
				return
			}
			if m.Event != "media" || m.Media == nil {
				continue
			}
			b, _ := base64.StdEncoding.DecodeString(m.Media.Payload)
			now := time.Now()
			mu.Lock()
			if firstAudio.IsZero() {
				firstAudio = now
			}
			if !spokeAt.IsZero() && replyAt.IsZero() && now.After(spokeAt) {
				replyAt = now
			}
			lastAudio = now
			audioBytes += len(b)
			if rms(audio.DecodeUlaw(b)) > silenceFloor {
				voiced += audio.Duration(len(b))
			}
			mu.Unlock()
		}
	}()

	// Silence until the greeting has been playing for a while, then one
	// utterance, then silence until hangup.
	silence := bytes.Repeat([]byte{audio.UlawSilence}, audio.FrameBytes)
	speech := pickClip(clips)
	sendUntil := start.Add(length)
	spoken := false
	for time.Now().Before(sendUntil) {
		payload := silence
		mu.Lock()
		greeted := !firstAudio.IsZero() && time.Since(lastAudio) > time.Second
		mu.Unlock()
		if greeted && !spoken {
			for _, f := range audio.Frames(speech) {
				if err = sendMedia(conn, sid, f); err != nil {
					return callResult{err: fmt.Sprintf("send audio: %v", err)}
				}
				time.Sleep(20 * time.Millisecond)
			}
			mu.Lock()
			spokeAt = time.Now()
			mu.Unlock()
			spoken = true
			continue
		}
		if err = sendMedia(conn, sid, payload); err != nil {
			return callResult{err: fmt.Sprintf("send audio: %v", err)}
		}
		time.Sleep(20 * time.Millisecond)
	}

	conn.WriteJSON(frame{Event: "stop", StreamSid: sid})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	<-readDone

	mu.Lock()
	defer mu.Unlock()
	if firstAudio.IsZero() {
		return callResult{err: "no audio received"}
	}
	r := callResult{
		success:      true,
		firstAudioMs: float64(firstAudio.Sub(start).Milliseconds()),
		audioMs:      float64(audio.Duration(audioBytes).Milliseconds()),
		voicedMs:     float64(voiced.Milliseconds()),
		replyMs:      -1,
	}
	if !replyAt.IsZero() {
		r.replyMs = float64(replyAt.Sub(spokeAt).Milliseconds())
	}
	return r
}

// silenceFloor is the RMS below which a received frame counts as silence.
const silenceFloor = 0.01

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func sendMedia(conn *websocket.Conn, sid string, b []byte) error {
	return conn.WriteJSON(frame{
		Event:     "media",
		StreamSid: sid,
		Media:     &mediaFrame{Track: "inbound", Payload: base64.StdEncoding.EncodeToString(b)},
	})
}

func pickClip(clips [][]byte) []byte {
	if len(clips) > 0 {
		return clips[rand.Intn(len(clips))]
	}
	return generateSyntheticAudio(2 * time.Second)
}

// generateSyntheticAudio is a 440Hz tone with noise, mu-law encoded at 8kHz.
func generateSyntheticAudio(dur time.Duration) []byte {
	n := int(dur.Seconds() * audio.SampleRate)
	samples := make([]float32, n)
	for i := range samples {
		t := float64(i) / audio.SampleRate
		samples[i] = float32(math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	return audio.EncodeUlaw(samples)
}

func loadClips(dir string) [][]byte {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		return nil
	}
	var clips [][]byte
	for _, p := range paths {
		b, err := audio.LoadWAV(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", p, err)
			continue
		}
		clips = append(clips, b)
	}
	return clips
}

func printSummary(results []callResult) {
	var succeeded, failed int
	var firstAll, replyAll, audioAll, voicedAll []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		firstAll = append(firstAll, r.firstAudioMs)
		audioAll = append(audioAll, r.audioMs)
		voicedAll = append(voicedAll, r.voicedMs)
		if r.replyMs >= 0 {
			replyAll = append(replyAll, r.replyMs)
		}
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Calls completed: %d\n", succeeded)
	fmt.Printf("Calls failed:    %d\n", failed)
	for e, n := range errs {
		fmt.Printf("  %4d  %s\n", n, e)
	}

	if len(firstAll) == 0 {
		fmt.Println("No successful calls to report metrics")
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Metric", "p50", "p95", "p99")
	row := func(name string, data []float64) {
		if len(data) == 0 {
			fmt.Printf("%-12s %8s %8s %8s\n", name, "-", "-", "-")
			return
		}
		fmt.Printf("%-12s %8.0fms %8.0fms %8.0fms\n", name, percentile(data, 50), percentile(data, 95), percentile(data, 99))
	}
	row("First audio", firstAll)
	row("Reply", replyAll)
	row("Audio out", audioAll)
	row("Voiced out", voicedAll)
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
