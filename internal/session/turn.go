package session

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/loquilabs/loqui/internal/agent"
	"github.com/loquilabs/loqui/internal/archive"
	"github.com/loquilabs/loqui/internal/observe"
	"github.com/loquilabs/loqui/pkg/audio"
	"github.com/loquilabs/loqui/pkg/provider/tts"
)

// turnOutcome is how a turn ended. The values double as the outcome
// attribute on the turn counter.
type turnOutcome string

const (
	outcomeCompleted turnOutcome = "completed"
	outcomeCancelled turnOutcome = "cancelled"
	outcomeFailed    turnOutcome = "failed"
)

// turnStats collects the timings and volumes of one turn. The egress
// goroutine writes the audio fields; runTurn reads them only after joining
// egress, so no lock is needed.
type turnStats struct {
	startedAt   time.Time
	listeningAt time.Time

	llmFirstTokenAt time.Time
	llmLastTokenAt  time.Time
	ttsFirstAudioAt time.Time

	llmTokens   int
	toolCalls   int
	audioChunks int
	audioBytes  int

	text       chan string
	synth      tts.Synthesis
	egressDone chan struct{}
}

// startTurn registers the turn handle and launches the turn goroutine.
func (s *Session) startTurn(ctx context.Context, turnID, userText string, listeningAt time.Time) {
	turnCtx, cancel := context.WithCancel(ctx)
	t := &turnHandle{id: turnID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.turn = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runTurn(turnCtx, t, userText, listeningAt)
	}()
}

// runTurn drives one full turn: agent reasoning, streamed synthesis, commit
// and the closing metrics. Whatever happens, the turn emits its metrics and
// finished events last, and returns the session to listening when it is
// still running.
func (s *Session) runTurn(ctx context.Context, t *turnHandle, userText string, listeningAt time.Time) {
	st := &turnStats{startedAt: time.Now(), listeningAt: listeningAt}

	// The turn span is the root of the trace; agent rounds and tool calls
	// nest under it through ctx.
	ctx, span := observe.StartSpan(ctx, "turn",
		trace.WithAttributes(
			observe.Attr("session_id", s.id),
			observe.Attr("turn_id", t.id),
		))

	s.setState(StateThinking)
	s.history.AppendUser(userText)

	var (
		answer  string
		outcome turnOutcome
	)
	events, err := s.loop.Run(ctx, s.history)
	if err != nil {
		s.log.Error("agent start failed", "err", err, "turn_id", t.id)
		s.sendError(t.id, "Agent failed: "+err.Error())
		outcome = outcomeFailed
	} else {
		answer, outcome = s.consumeAgent(ctx, t, events, st)
	}

	// End of text releases the synthesizer; join egress so every chunk is
	// counted before metrics are built.
	if st.text != nil {
		close(st.text)
	}
	if st.egressDone != nil {
		<-st.egressDone
	}

	if outcome == outcomeCompleted && st.synth != nil {
		if err := st.synth.Err(); err != nil {
			s.log.Error("synthesis failed", "err", err, "turn_id", t.id)
			s.sendStatus("tts", StatusError, err.Error())
			s.sendError(t.id, "TTS failed: "+err.Error())
			outcome = outcomeFailed
		} else {
			s.sendStatus("tts", StatusDisconnected, "")
		}
	}
	if outcome == outcomeCompleted && (ctx.Err() != nil || t.wasInterrupted()) {
		// A barge-in landed between the final token and the commit.
		outcome = outcomeCancelled
	}

	metrics := st.buildMetrics(t.id)
	if outcome == outcomeCompleted && answer != "" {
		s.commitTurn(t.id, userText, answer, st, metrics)
	}
	span.SetAttributes(observe.Attr("outcome", string(outcome)))
	span.End()

	s.emitter.SendEvent(metrics)
	s.recordInstruments(st, outcome)
	s.emitter.SendEvent(TurnEvent{Type: "turn", Event: "finished", TurnID: t.id})
	observe.Logger(ctx, s.log).Info("turn finished",
		"turn_id", t.id,
		"outcome", string(outcome),
		"total_ms", metrics.TurnTotalMS,
		"llm_tokens", st.llmTokens,
		"tool_calls", st.toolCalls)

	s.mu.Lock()
	if s.turn == t {
		s.turn = nil
	}
	running := s.running
	s.mu.Unlock()
	if running {
		s.setState(StateListening)
	}
	close(t.done)
}

// consumeAgent translates loop events into client events, state transitions
// and the synthesis feed, and reports how the reasoning ended. Text deltas
// occur only in the closing round, so speech never starts for a round that
// then calls tools.
func (s *Session) consumeAgent(ctx context.Context, t *turnHandle, events <-chan agent.Event, st *turnStats) (string, turnOutcome) {
	for ev := range events {
		switch ev.Kind {
		case agent.KindRoundStart:
			s.setState(StateThinking)

		case agent.KindTextDelta:
			now := time.Now()
			if st.llmFirstTokenAt.IsZero() {
				st.llmFirstTokenAt = now
				if !s.startSpeech(ctx, t, st) {
					return "", outcomeFailed
				}
				s.setState(StateSpeaking)
			}
			st.llmLastTokenAt = now
			st.llmTokens++
			s.emitter.SendEvent(LLMEvent{
				Type:       "llm",
				TurnID:     t.id,
				Text:       ev.Text,
				TokenIndex: st.llmTokens,
				ElapsedMS:  now.Sub(st.llmFirstTokenAt).Milliseconds(),
			})
			select {
			case st.text <- ev.Text:
			case <-ctx.Done():
				return "", outcomeCancelled
			}

		case agent.KindToolStart:
			st.toolCalls++
			s.setState(StateExecuting)
			s.emitter.SendEvent(ToolStartEvent{
				Type:       "tool",
				Event:      "start",
				TurnID:     t.id,
				ToolCallID: ev.Tool.CallID,
				Name:       ev.Tool.Name,
				Arguments:  rawArguments(ev.Tool.Arguments),
			})

		case agent.KindToolResult:
			s.emitter.SendEvent(ToolResultEvent{
				Type:       "tool",
				Event:      "result",
				TurnID:     t.id,
				ToolCallID: ev.Tool.CallID,
				Name:       ev.Tool.Name,
				Content:    ev.Tool.Content,
				IsError:    ev.Tool.IsError,
				ElapsedMS:  ev.Tool.Elapsed.Milliseconds(),
			})
			s.setState(StateThinking)

		case agent.KindSkillChanged:
			s.emitter.SendEvent(SkillEvent{
				Type:   "skill",
				Event:  ev.Skill.Action,
				Name:   ev.Skill.Name,
				Skills: ev.Skill.Skills,
			})
			s.refreshVocabulary()

		case agent.KindDone:
			var elapsed int64
			if !st.llmFirstTokenAt.IsZero() {
				elapsed = st.llmLastTokenAt.Sub(st.llmFirstTokenAt).Milliseconds()
			}
			s.emitter.SendEvent(LLMEvent{
				Type:       "llm",
				TurnID:     t.id,
				Done:       true,
				TokenIndex: st.llmTokens,
				ElapsedMS:  elapsed,
			})
			return ev.Text, outcomeCompleted

		case agent.KindError:
			s.sendStatus("llm", StatusError, ev.Text)
			s.sendError(t.id, "Agent failed: "+ev.Text)
			return "", outcomeFailed
		}
	}
	// Channel closed without a terminal event: the turn was cancelled.
	return "", outcomeCancelled
}

// startSpeech opens the synthesis stream on the first answer token and
// launches the egress goroutine relaying audio to the client. The audio
// channel is captured before the handle is published for cancellation.
func (s *Session) startSpeech(ctx context.Context, t *turnHandle, st *turnStats) bool {
	text := make(chan string, speechTextBuf)
	synth, err := s.tts.Synthesize(ctx, text)
	if err != nil {
		s.log.Error("tts start failed", "err", err, "turn_id", t.id)
		s.sendStatus("tts", StatusError, err.Error())
		s.sendError(t.id, "TTS connection failed: "+err.Error())
		return false
	}
	s.sendStatus("tts", StatusConnected, "")

	st.text = text
	st.synth = synth
	st.egressDone = make(chan struct{})
	audioCh := synth.Audio()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(st.egressDone)
		for pcm := range audioCh {
			if st.ttsFirstAudioAt.IsZero() {
				st.ttsFirstAudioAt = time.Now()
			}
			st.audioChunks++
			st.audioBytes += len(pcm)
			s.emitter.SendAudio(pcm)
		}
	}()

	t.setSynth(synth)
	return true
}

// commitTurn makes a cleanly finished turn durable: the answer joins the
// history, a compact summary goes to long-term memory and the transcript is
// archived in the background so the next turn never waits on storage.
func (s *Session) commitTurn(turnID, userText, answer string, st *turnStats, metrics MetricsEvent) {
	s.history.AppendAssistant(answer)

	if s.memory != nil {
		if err := s.memory.AppendMemory(turnSummary(userText, answer)); err != nil {
			s.log.Warn("memory append failed", "err", err, "turn_id", turnID)
		}
	}

	if s.archiver == nil {
		return
	}
	rec := archive.TurnRecord{
		SessionID:     s.id,
		TurnID:        turnID,
		UserText:      userText,
		AssistantText: answer,
		Metrics:       metrics.payload(),
		StartedAt:     st.startedAt,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.archiver.SaveTurn(ctx, rec); err != nil {
			s.log.Warn("turn archive failed", "err", err, "turn_id", turnID)
		}
	}()
}

// buildMetrics assembles the per-turn latency report. Stages the turn never
// reached stay null rather than zero, so dashboards can tell "instant" from
// "never happened".
func (st *turnStats) buildMetrics(turnID string) MetricsEvent {
	finishedAt := time.Now()
	ev := MetricsEvent{
		Type:             "metrics",
		TurnID:           turnID,
		LLMTokens:        st.llmTokens,
		TTSAudioChunks:   st.audioChunks,
		TTSEstDurationMS: audio.Downlink.Duration(st.audioBytes).Milliseconds(),
		TurnTotalMS:      finishedAt.Sub(st.startedAt).Milliseconds(),
		ToolCalls:        st.toolCalls,
	}
	if !st.listeningAt.IsZero() {
		ev.ListeningDurationMS = st.startedAt.Sub(st.listeningAt).Milliseconds()
	}

	speakingFrom := st.startedAt
	if !st.llmFirstTokenAt.IsZero() {
		speakingFrom = st.llmFirstTokenAt
		thinking := st.llmFirstTokenAt.Sub(st.startedAt).Milliseconds()
		firstToken := thinking
		ev.ThinkingMS = &thinking
		ev.LLMFirstTokenMS = &firstToken
		secs := max(st.llmLastTokenAt.Sub(st.llmFirstTokenAt).Seconds(), 0.001)
		ev.LLMTokPerSec = math.Round(float64(st.llmTokens)/secs*100) / 100
	}
	ev.SpeakingMS = finishedAt.Sub(speakingFrom).Milliseconds()

	if !st.ttsFirstAudioAt.IsZero() {
		firstAudio := st.ttsFirstAudioAt.Sub(st.llmFirstTokenAt).Milliseconds()
		e2e := st.ttsFirstAudioAt.Sub(st.startedAt).Milliseconds()
		ev.TTSFirstAudioMS = &firstAudio
		ev.E2ELatencyMS = &e2e
	}
	return ev
}

// recordInstruments exports the finished turn to the OpenTelemetry
// instruments.
func (s *Session) recordInstruments(st *turnStats, outcome turnOutcome) {
	if s.metrics == nil {
		return
	}
	ctx := context.Background()
	s.metrics.RecordTurn(ctx, string(outcome))
	if !st.listeningAt.IsZero() {
		s.metrics.ASRLatency.Record(ctx, st.startedAt.Sub(st.listeningAt).Seconds())
	}
	if !st.llmFirstTokenAt.IsZero() {
		s.metrics.LLMFirstToken.Record(ctx, st.llmFirstTokenAt.Sub(st.startedAt).Seconds())
		s.metrics.LLMStreamDuration.Record(ctx, st.llmLastTokenAt.Sub(st.llmFirstTokenAt).Seconds())
	}
	if !st.ttsFirstAudioAt.IsZero() {
		s.metrics.TTSFirstAudio.Record(ctx, st.ttsFirstAudioAt.Sub(st.llmFirstTokenAt).Seconds())
		s.metrics.TurnE2ELatency.Record(ctx, st.ttsFirstAudioAt.Sub(st.startedAt).Seconds())
	}
}

// turnSummary condenses one exchange for the memory journal.
func turnSummary(userText, answer string) string {
	return "user: " + clip(userText, 200) + "\nassistant: " + clip(answer, 300)
}

// rawArguments passes tool call arguments through as JSON when they parse,
// and drops them otherwise so a malformed string never corrupts the event
// stream.
func rawArguments(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}
