package call

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/llm"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/profile"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
)

// warmUp plays ringback while the recognizer connects, opens the synthesizer
// once ringback ends, then speaks the greeting. The turn-taking flag stays
// set throughout so early caller speech is dropped.
func (s *Session) warmUp(ctx context.Context) error {
	s.speaking.Store(true)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.cfg.RingbackDuration > 0 {
			ring := audio.Loop(s.cfg.Ringback, s.cfg.RingbackDuration)
			if err := audio.Play(gctx, ring, s.out.SendAudio); err != nil {
				return fmt.Errorf("ringback: %w", err)
			}
		}
		syn, err := s.cfg.DialTTS(gctx, s.profile.VoiceID)
		if err != nil {
			return fmt.Errorf("synthesizer: %w", err)
		}
		s.mu.Lock()
		s.synth = syn
		s.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		return s.dialRecognizer(gctx)
	})
	if err := g.Wait(); err != nil {
		s.speaking.Store(false)
		return err
	}
	metrics.StageDuration.WithLabelValues("warmup").Observe(time.Since(start).Seconds())

	greeting, err := s.greeting(ctx)
	if err != nil {
		s.speaking.Store(false)
		return fmt.Errorf("greeting: %w", err)
	}
	if err := s.turnOut(ctx, "", greeting); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	s.setState(Listening)
	return nil
}

func (s *Session) greeting(ctx context.Context) (string, error) {
	p := s.profile
	if p.GreetingMode != profile.GreetingGenerated {
		return prompts.Greeting(p, s.info.From), nil
	}
	// The instruction is sent but not kept: the transcript stays system-first
	// with the greeting as the first assistant entry.
	msgs := append(s.Transcript(), llm.Message{Role: llm.RoleUser, Content: prompts.GenerateGreeting, At: time.Now()})
	res, err := s.reason(ctx, "", "greeting", llm.Request{Messages: msgs, MaxTokens: s.cfg.MaxTokens})
	if err != nil {
		return "", err
	}
	text := Sanitize(res.Content, nil)
	if text == "" {
		return prompts.Greeting(p, s.info.From), nil
	}
	return text, nil
}

// dialRecognizer opens a recognizer, replaces any previous one, and starts
// forwarding its utterances.
func (s *Session) dialRecognizer(ctx context.Context) error {
	rec, err := s.cfg.DialSTT(ctx, s.onRecognizerError)
	if err != nil {
		return fmt.Errorf("recognizer: %w", err)
	}
	s.mu.Lock()
	old := s.recognizer
	s.recognizer = rec
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Debug("close old recognizer", "error", err)
		}
	}
	go s.listen(rec.Utterances())
	return nil
}

func (s *Session) onRecognizerError(err error) {
	select {
	case s.sttErr <- err:
	default:
	}
}

// listen applies the half-duplex filter at arrival time: anything heard while
// the flag is set is dropped here and never reaches the turn queue.
func (s *Session) listen(utterances <-chan string) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case text, ok := <-utterances:
			if !ok {
				return
			}
			if s.speaking.Load() {
				s.discard(text)
				continue
			}
			select {
			case s.turns <- text:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) discard(text string) {
	metrics.UtterancesDiscarded.Inc()
	metrics.Totals.Discarded()
	s.log.Debug("utterance discarded while speaking", "text", text)
}
