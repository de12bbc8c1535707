package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/llm"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
	"github.com/hubenschmidt/voice-agent/internal/tts"
)

// turnIn handles one accepted utterance end to end: correction, reasoning
// (with the action round trip when requested) and the spoken reply.
func (s *Session) turnIn(ctx context.Context, raw string) {
	if s.speaking.Load() {
		s.discard(raw)
		return
	}
	text := Correct(strings.TrimSpace(raw))
	if text == "" {
		return
	}

	start := time.Now()
	turnID := s.tracer.StartTurn()
	s.appendUser(text)

	status := "ok"
	reply, endCall, err := s.respond(ctx, turnID)
	if err != nil {
		if ctx.Err() != nil {
			s.tracer.EndTurn(turnID, time.Since(start), text, "", "canceled")
			return
		}
		s.log.Error("turn failed", "error", err)
		metrics.Errors.WithLabelValues("turn", llm.KindOf(err).String()).Inc()
		metrics.Totals.TurnFailed()
		reply, status = prompts.Fallback, "fallback"
	}

	if reply == "" {
		s.tracer.EndTurn(turnID, time.Since(start), text, "", "silent")
		if endCall {
			s.scheduleEnd()
		}
		return
	}

	heard := reply
	if err := s.turnOut(ctx, turnID, reply); err != nil && ctx.Err() == nil {
		s.log.Error("reply synthesis failed", "error", err)
		metrics.Totals.TurnFailed()
		status = "error"
		heard = ""
		if reply != prompts.Fallback {
			if ferr := s.turnOut(ctx, turnID, prompts.Fallback); ferr != nil {
				s.log.Error("fallback synthesis failed", "error", ferr)
			} else {
				heard = prompts.Fallback
			}
		}
	}

	elapsed := time.Since(start)
	metrics.E2EDuration.Observe(elapsed.Seconds())
	if status == "ok" {
		metrics.Totals.TurnDone()
	}
	s.tracer.EndTurn(turnID, elapsed, text, heard, status)
	s.log.Info("turn done", "status", status, "e2e_ms", elapsed.Milliseconds())

	if endCall {
		s.scheduleEnd()
	}
}

// respond returns the sanitized reply for the transcript as it stands. When
// the model requests actions they run silently and a second call, with no
// actions offered, produces what the caller hears.
func (s *Session) respond(ctx context.Context, turnID string) (string, bool, error) {
	offered := s.exec.Actions()
	res, err := s.reason(ctx, turnID, "reasoning", llm.Request{
		Messages:  s.Transcript(),
		Actions:   offered,
		MaxTokens: s.cfg.MaxTokens,
	})
	if err != nil {
		return "", false, err
	}

	names := make([]string, len(offered))
	for i, a := range offered {
		names[i] = a.Name
	}
	if len(res.Actions) == 0 {
		return Sanitize(res.Content, names), false, nil
	}

	endCall := s.runActions(turnID, res)
	res, err = s.reason(ctx, turnID, "reasoning_followup", llm.Request{
		Messages:  s.Transcript(),
		MaxTokens: s.cfg.MaxTokens,
	})
	if err != nil {
		return "", endCall, err
	}
	return Sanitize(res.Content, names), endCall, nil
}

// runActions records the request, executes each action against the collected
// record and appends one result entry per action.
func (s *Session) runActions(turnID string, res *llm.Result) bool {
	s.appendMessage(llm.Message{
		Role:    llm.RoleAssistant,
		Content: res.Content,
		Actions: res.Actions,
		At:      time.Now(),
	})

	endCall := false
	for _, ac := range res.Actions {
		start := time.Now()
		s.mu.Lock()
		rec, result := s.exec.Execute(ac, s.record)
		s.record = rec
		s.transcript = append(s.transcript, llm.Message{
			Role:       llm.RoleAction,
			Content:    result.JSON(),
			At:         time.Now(),
			ActionID:   ac.ID,
			ActionName: ac.Name,
		})
		s.mu.Unlock()

		errMsg := result.Error
		if !result.OK {
			metrics.Errors.WithLabelValues("action", ac.Name).Inc()
			s.log.Warn("action failed", "action", ac.Name, "error", result.Error)
		}
		s.tracer.RecordSpan(turnID, "action:"+ac.Name, start, string(ac.Arguments), result.JSON(), errMsg)
		endCall = endCall || result.EndCall
	}
	return endCall
}

func (s *Session) reason(ctx context.Context, turnID, stage string, req llm.Request) (*llm.Result, error) {
	start := time.Now()
	res, err := s.cfg.Reasoner.Complete(ctx, req)

	input := ""
	if n := len(req.Messages); n > 0 {
		input = req.Messages[n-1].Content
	}
	if err != nil {
		s.tracer.RecordSpan(turnID, stage, start, input, "", err.Error())
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	s.tracer.RecordSpan(turnID, stage, start, input, res.Content, "")

	s.mu.Lock()
	s.usage.add(res)
	s.mu.Unlock()
	s.log.Info("reasoning", "stage", stage, "provider", res.Provider, "fallback", res.Fallback,
		"latency_ms", res.Latency.Milliseconds(), "actions", len(res.Actions), "cost_usd", res.CostUSD)
	return res, nil
}

// turnOut speaks text. The turn-taking flag is set for the whole utterance
// plus its estimated playback tail, and is always cleared on return. Text is
// added to the transcripts only once its audio has gone out, so a reply the
// caller never heard is never recorded.
func (s *Session) turnOut(ctx context.Context, turnID, text string) error {
	s.speaking.Store(true)
	s.setState(Speaking)
	defer func() {
		s.speaking.Store(false)
		s.setState(Listening)
	}()

	s.mu.Lock()
	syn := s.synth
	s.mu.Unlock()
	if syn == nil {
		return errors.New("synthesizer not connected")
	}

	if s.cfg.IdleRefresh > 0 && syn.IdleFor() > s.cfg.IdleRefresh {
		s.log.Debug("refreshing idle synthesizer", "idle", syn.IdleFor())
		if err := syn.Reconnect(ctx); err != nil {
			s.log.Warn("synthesizer refresh failed", "error", err)
		}
	}

	start := time.Now()
	sent, err := s.synthesize(ctx, syn, text)
	if errors.Is(err, tts.ErrTimeout) && ctx.Err() == nil {
		metrics.SynthesisRetries.Inc()
		metrics.Totals.SynthRetry()
		s.log.Warn("synthesis timed out, reconnecting", "sent_bytes", sent)
		if sent > 0 {
			// The partial attempt must not be heard twice.
			if cerr := s.out.Clear(); cerr != nil {
				s.log.Debug("clear outbound audio", "error", cerr)
			}
		}
		if rerr := syn.Reconnect(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		} else {
			start = time.Now()
			sent, err = s.synthesize(ctx, syn, text)
		}
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	s.tracer.RecordSpan(turnID, "synthesis", start, text, fmt.Sprintf("audio_bytes=%d", sent), errMsg)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synthesis").Inc()
		return fmt.Errorf("synthesis: %w", err)
	}
	s.appendAssistant(text)

	if err := s.out.Mark(fmt.Sprintf("utterance-%d", s.spoken.Add(1))); err != nil {
		s.log.Debug("mark", "error", err)
	}
	s.awaitPlayback(ctx, start, sent)
	return nil
}

// synthesize streams one attempt straight to the transport and returns how
// many audio bytes were forwarded.
func (s *Session) synthesize(ctx context.Context, syn Synthesizer, text string) (int, error) {
	chunks, err := syn.Speak(ctx, text)
	if err != nil {
		return 0, err
	}
	sent := 0
	var streamErr, sendErr error
	for c := range chunks {
		if c.Err != nil {
			streamErr = c.Err
			continue
		}
		if ctx.Err() != nil || sendErr != nil {
			continue
		}
		if err := s.out.SendAudio(c.Audio); err != nil {
			sendErr = err
			continue
		}
		sent += len(c.Audio)
	}
	if streamErr != nil {
		return sent, streamErr
	}
	if sendErr != nil {
		return sent, fmt.Errorf("transport: %w", sendErr)
	}
	return sent, ctx.Err()
}

// awaitPlayback waits out the audio the far end still has buffered: total
// audio duration less the time already spent streaming, plus a margin.
func (s *Session) awaitPlayback(ctx context.Context, start time.Time, sent int) {
	remaining := audio.Duration(sent) - time.Since(start) + s.cfg.PlaybackMargin
	if remaining <= 0 {
		return
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Session) appendMessage(m llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, m)
}

func (s *Session) appendUser(text string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, llm.Message{Role: llm.RoleUser, Content: text, At: now})
	s.display = append(s.display, Line{Speaker: SpeakerCaller, Text: text, At: now})
}

func (s *Session) appendAssistant(text string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, llm.Message{Role: llm.RoleAssistant, Content: text, At: now})
	s.display = append(s.display, Line{Speaker: SpeakerAssistant, Text: text, At: now})
}
