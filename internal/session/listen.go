package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/loquilabs/loqui/pkg/audio"
	"github.com/loquilabs/loqui/pkg/provider/asr"
)

// run is the session's main goroutine: it owns the ASR stream and consumes
// its events until the context ends or the stream dies.
func (s *Session) run(ctx context.Context) {
	s.setState(StateListening)
	if s.skills != nil {
		s.emitter.SendEvent(SkillsListEvent{Type: "skills_list", Skills: s.skills.Infos()})
	}
	s.refreshVocabulary()

	stream, err := s.asr.StartStream(ctx, asr.StreamConfig{
		SampleRate:    audio.Uplink.SampleRate,
		Channels:      audio.Uplink.Channels,
		LanguageHints: s.languageHints,
	})
	if err != nil {
		s.log.Error("asr connect failed", "err", err)
		s.sendStatus("asr", StatusError, err.Error())
		s.sendError("", "ASR connection failed: "+err.Error())
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.setState(StateIdle)
		return
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	s.sendStatus("asr", StatusConnected, "")
	s.sendStatus("llm", StatusConnected, "")
	s.log.Info("session started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown(stream)
			return
		case ev, ok := <-stream.Events():
			if !ok {
				s.log.Warn("asr stream ended")
				s.shutdown(stream)
				return
			}
			s.handleASREvent(ctx, ev)
		}
	}
}

// shutdown tears the session down to idle. The active turn is cancelled and
// joined first so its closing events precede the final idle transition.
func (s *Session) shutdown(stream asr.Stream) {
	s.mu.Lock()
	s.running = false
	t := s.turn
	s.mu.Unlock()
	if t != nil {
		t.abort()
		<-t.done
	}
	if stream != nil {
		if err := stream.Close(); err != nil && !errors.Is(err, asr.ErrStreamClosed) {
			s.log.Debug("asr close failed", "err", err)
		}
	}
	s.sendStatus("asr", StatusDisconnected, "")
	s.sendStatus("llm", StatusDisconnected, "")
	s.sendStatus("tts", StatusDisconnected, "")
	s.mu.Lock()
	s.stream = nil
	s.mu.Unlock()
	s.setState(StateIdle)
	s.log.Info("session stopped")
}

func (s *Session) handleASREvent(ctx context.Context, ev asr.Event) {
	switch ev.Kind {
	case asr.KindPartial:
		s.emitter.SendEvent(ASREvent{Type: "asr", Text: ev.Text, IsFinal: false})
	case asr.KindFinal:
		text := s.correctFinal(ev.Text)
		s.emitter.SendEvent(ASREvent{Type: "asr", Text: text, IsFinal: true})
		s.maybeBargeIn(text)
	case asr.KindEndpoint:
		s.handleEndpoint(ctx, ev.Text)
	case asr.KindStatus:
		s.sendStatus("asr", ev.Detail, "")
	case asr.KindError:
		s.handleASRError(ev.Detail)
	}
}

// handleASRError surfaces a mid-stream recognition failure. The stream stays
// half-open per the provider contract, and an in-flight turn keeps running:
// the agent and synthesis do not depend on further transcripts.
func (s *Session) handleASRError(detail string) {
	s.mu.Lock()
	turnID := ""
	if s.turn != nil {
		turnID = s.turn.id
	}
	s.mu.Unlock()
	s.log.Error("asr stream error", "err", detail)
	s.sendStatus("asr", StatusError, detail)
	s.sendError(turnID, "ASR error: "+detail)
}

// maybeBargeIn applies the speech-over-playback heuristic: a sufficiently
// long final transcript heard while the agent is speaking or executing means
// the user is talking over the agent. Echo of the agent's own voice tends to
// repeat the trigger text or arrive in rapid bursts, so a repeat of the last
// trigger and anything inside the cooldown are ignored.
func (s *Session) maybeBargeIn(text string) {
	if visibleRunes(text) < bargeMinRunes {
		return
	}
	norm := normalizeText(text)
	s.mu.Lock()
	if s.turn == nil || (s.state != StateSpeaking && s.state != StateExecuting) {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	if norm == s.lastBargeText || now.Sub(s.lastBargeAt) < bargeCooldown {
		s.mu.Unlock()
		return
	}
	s.lastBargeText = norm
	s.lastBargeAt = now
	s.mu.Unlock()
	s.interrupt(bargeSourceHeuristic)
}

// handleEndpoint commits an endpointed utterance and starts its turn. A
// repeat of the same normalized sentence inside the dedup window is dropped.
// A genuinely new utterance while a turn is still in flight preempts that
// turn first, so the events of consecutive turns never interleave.
func (s *Session) handleEndpoint(ctx context.Context, raw string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return
	}
	norm := normalizeText(text)
	now := time.Now()

	s.mu.Lock()
	if norm == s.lastEndpoint && now.Sub(s.lastEndpointAt) < endpointDedupWindow {
		s.mu.Unlock()
		s.log.Info("duplicate endpoint dropped", "text", clip(text, 120))
		return
	}
	s.lastEndpoint = norm
	s.lastEndpointAt = now
	t := s.turn
	s.mu.Unlock()

	if t != nil {
		s.log.Info("endpoint preempts active turn", "turn_id", t.id)
		t.abort()
		<-t.done
	}

	s.mu.Lock()
	listeningAt := s.listeningAt
	s.mu.Unlock()

	corrected := s.correctFinal(text)
	turnID := newTurnID()
	s.log.Info("utterance committed", "turn_id", turnID, "text", clip(corrected, 120))
	s.emitter.SendEvent(TurnEvent{Type: "turn", Event: "user_committed", TurnID: turnID, Text: corrected})
	s.startTurn(ctx, turnID, corrected, listeningAt)
}

// ─────────────────────────────── Helpers ───────────────────────────────

// normalizeText lowercases and collapses whitespace so dedup and barge-in
// comparisons ignore casing and spacing jitter between recognizer results.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// visibleRunes counts non-space runes.
func visibleRunes(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// newTurnID returns a fresh 12 character hex turn identifier.
func newTurnID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("session: turn id: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// clip shortens text for log lines, cutting on a rune boundary.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
