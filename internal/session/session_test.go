package session_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loquilabs/loqui/internal/agent"
	"github.com/loquilabs/loqui/internal/archive"
	"github.com/loquilabs/loqui/internal/lexicon"
	"github.com/loquilabs/loqui/internal/session"
	"github.com/loquilabs/loqui/internal/skills"
	"github.com/loquilabs/loqui/internal/tools"
	"github.com/loquilabs/loqui/pkg/provider/asr"
	asrmock "github.com/loquilabs/loqui/pkg/provider/asr/mock"
	"github.com/loquilabs/loqui/pkg/provider/llm"
	llmmock "github.com/loquilabs/loqui/pkg/provider/llm/mock"
	ttsmock "github.com/loquilabs/loqui/pkg/provider/tts/mock"
	"github.com/loquilabs/loqui/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder captures everything the session emits, in order.
type recorder struct {
	mu     sync.Mutex
	events []any
	audio  [][]byte
}

func (r *recorder) SendEvent(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v)
}

func (r *recorder) SendAudio(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.audio = append(r.audio, cp)
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func (r *recorder) audioCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audio)
}

func eventsOf[T any](r *recorder) []T {
	var out []T
	for _, ev := range r.snapshot() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func states(r *recorder) []string {
	var out []string
	for _, ev := range eventsOf[session.StateEvent](r) {
		out = append(out, ev.State)
	}
	return out
}

func turnEvents(r *recorder, kind string) []session.TurnEvent {
	var out []session.TurnEvent
	for _, ev := range eventsOf[session.TurnEvent](r) {
		if ev.Event == kind {
			out = append(out, ev)
		}
	}
	return out
}

func statuses(r *recorder, service string) []session.ConnectionStatusEvent {
	var out []session.ConnectionStatusEvent
	for _, ev := range eventsOf[session.ConnectionStatusEvent](r) {
		if ev.Service == service {
			out = append(out, ev)
		}
	}
	return out
}

// indexWhere returns the position of the first event matching pred, or -1.
func indexWhere(evs []any, pred func(any) bool) int {
	for i, ev := range evs {
		if pred(ev) {
			return i
		}
	}
	return -1
}

// speakChunks builds a scripted speaking round from text fragments.
func speakChunks(frags ...string) []llm.Chunk {
	chunks := make([]llm.Chunk, 0, len(frags)+1)
	for _, f := range frags {
		chunks = append(chunks, llm.Chunk{Text: f})
	}
	return append(chunks, llm.Chunk{FinishReason: llm.FinishStop})
}

func pcmChunk(n int) []byte { return make([]byte, n) }

func manyChunks(count, size int) [][]byte {
	out := make([][]byte, count)
	for i := range out {
		out[i] = pcmChunk(size)
	}
	return out
}

// newSkillSet writes a skill library with the given name -> description
// entries and returns an ActiveSet over it.
func newSkillSet(t *testing.T, skillSet map[string]string) *skills.ActiveSet {
	t.Helper()
	dir := t.TempDir()
	for name, desc := range skillSet {
		sub := filepath.Join(dir, name)
		must(t, os.MkdirAll(sub, 0o755))
		md := fmt.Sprintf("---\nname: %s\ndescription: %s\n---\n\nInstructions for %s.\n", name, desc, name)
		must(t, os.WriteFile(filepath.Join(sub, "SKILL.md"), []byte(md), 0o644))
	}
	lib := skills.NewLibrary([]string{dir})
	must(t, lib.Reload())
	return skills.NewActiveSet(lib)
}

// memoryLog is a MemoryWriter that records summaries.
type memoryLog struct {
	mu      sync.Mutex
	entries []string
}

func (m *memoryLog) AppendMemory(summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, summary)
	return nil
}

func (m *memoryLog) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...)
}

// archiveSpy is a TurnArchiver that records saved turns.
type archiveSpy struct {
	mu   sync.Mutex
	recs []archive.TurnRecord
}

func (a *archiveSpy) SaveTurn(_ context.Context, rec archive.TurnRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *archiveSpy) saved() []archive.TurnRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archive.TurnRecord(nil), a.recs...)
}

// fixture wires a session to mock providers with a sensible default script:
// a two-fragment spoken answer and two audio chunks.
type fixture struct {
	rec    *recorder
	stream *asrmock.Stream
	asr    *asrmock.Provider
	tts    *ttsmock.Provider
	llm    *llmmock.Provider
	reg    *tools.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rec:    &recorder{},
		stream: asrmock.NewStream(),
		tts:    &ttsmock.Provider{Chunks: [][]byte{pcmChunk(640), pcmChunk(960)}},
		llm:    &llmmock.Provider{StreamChunks: speakChunks("Hello ", "there.")},
		reg:    tools.New(tools.WithTimeout(2 * time.Second)),
	}
	f.asr = &asrmock.Provider{Stream: f.stream}
	t.Cleanup(func() { f.reg.Close() })
	return f
}

func (f *fixture) newSession(t *testing.T, opts ...session.Option) *session.Session {
	t.Helper()
	loop := agent.New(f.llm, f.reg)
	sess := session.New("sess-1", f.rec, f.asr, f.tts, loop, opts...)
	t.Cleanup(sess.Close)
	return sess
}

func (f *fixture) startSession(t *testing.T, opts ...session.Option) *session.Session {
	t.Helper()
	sess := f.newSession(t, opts...)
	sess.Start(context.Background())
	waitFor(t, "session listening", func() bool { return sess.State() == session.StateListening })
	waitFor(t, "asr connected", func() bool { return len(statuses(f.rec, "asr")) > 0 })
	return sess
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

func TestStartPublishesCatalogAndListens(t *testing.T) {
	f := newFixture(t)
	set := newSkillSet(t, map[string]string{"coder": "Code helper", "chef": "Recipe helper"})
	sess := f.startSession(t,
		session.WithSkills(set),
		session.WithLanguageHints([]string{"en", "de"}),
	)

	if got := states(f.rec); len(got) == 0 || got[0] != "listening" {
		t.Fatalf("states = %v, want listening first", got)
	}
	lists := eventsOf[session.SkillsListEvent](f.rec)
	if len(lists) != 1 || len(lists[0].Skills) != 2 {
		t.Fatalf("skills_list = %+v, want one event with two skills", lists)
	}
	for _, info := range lists[0].Skills {
		if info.Active {
			t.Fatalf("skill %q active at startup", info.Name)
		}
	}
	if len(f.asr.StartStreamCalls) != 1 {
		t.Fatalf("StartStream calls = %d, want 1", len(f.asr.StartStreamCalls))
	}
	cfg := f.asr.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Channels != 1 {
		t.Fatalf("stream config = %+v, want 16 kHz mono", cfg)
	}
	if !slices.Equal(cfg.LanguageHints, []string{"en", "de"}) {
		t.Fatalf("language hints = %v", cfg.LanguageHints)
	}
	for _, svc := range []string{"asr", "llm"} {
		st := statuses(f.rec, svc)
		if len(st) == 0 || st[0].Status != session.StatusConnected {
			t.Fatalf("%s status = %+v, want connected", svc, st)
		}
	}

	// A second start must not open another stream.
	sess.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	if len(f.asr.StartStreamCalls) != 1 {
		t.Fatal("start on a running session opened a second stream")
	}
}

func TestFeedAudioReachesStream(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	sess.FeedAudio([]byte{1, 2, 3, 4})
	waitFor(t, "audio fed", func() bool { return f.stream.FeedCallCount() == 1 })

	sess.Stop()
	sess.FeedAudio([]byte{5, 6})
	time.Sleep(20 * time.Millisecond)
	if got := f.stream.FeedCallCount(); got != 1 {
		t.Fatalf("feed calls after stop = %d, want 1", got)
	}
}

func TestASRStartFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.asr.StartStreamErr = errors.New("asr: dial ws: connection refused")
	sess := f.newSession(t)
	sess.Start(context.Background())
	waitFor(t, "failure reported", func() bool {
		return sess.State() == session.StateIdle && len(eventsOf[session.ErrorEvent](f.rec)) > 0
	})

	errs := eventsOf[session.ErrorEvent](f.rec)
	if !strings.Contains(errs[0].Message, "ASR connection failed") {
		t.Fatalf("error message = %q", errs[0].Message)
	}
	st := statuses(f.rec, "asr")
	if len(st) == 0 || st[0].Status != session.StatusError {
		t.Fatalf("asr status = %+v, want error", st)
	}
	if got := states(f.rec); !slices.Equal(got, []string{"listening", "idle"}) {
		t.Fatalf("states = %v, want listening then idle", got)
	}

	// The failure is not sticky: a later start succeeds.
	f.asr.StartStreamErr = nil
	sess.Start(context.Background())
	waitFor(t, "listening after retry", func() bool { return sess.State() == session.StateListening })
}

func TestStopDuringTurnAndRestart(t *testing.T) {
	f := newFixture(t)
	f.tts.Chunks = manyChunks(40, 320)
	f.tts.ChunkDelay = 20 * time.Millisecond
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "talk to me"})
	waitFor(t, "speaking", func() bool { return sess.State() == session.StateSpeaking })

	sess.Stop()
	if got := sess.State(); got != session.StateIdle {
		t.Fatalf("state after stop = %s, want idle", got)
	}
	if len(turnEvents(f.rec, "finished")) != 1 {
		t.Fatal("in-flight turn did not close on stop")
	}
	if got := states(f.rec); got[len(got)-1] != "idle" {
		t.Fatalf("states = %v, want idle last", got)
	}
	if f.stream.CloseCallCount == 0 {
		t.Fatal("asr stream left open after stop")
	}
	for _, svc := range []string{"asr", "llm", "tts"} {
		st := statuses(f.rec, svc)
		if len(st) == 0 || st[len(st)-1].Status != session.StatusDisconnected {
			t.Fatalf("%s status = %+v, want disconnected last", svc, st)
		}
	}
	// The cancelled turn keeps the user utterance but no answer, and the
	// history survives for the next start on this connection.
	if got := sess.History().Len(); got != 1 {
		t.Fatalf("history after stop = %d messages, want 1", got)
	}

	f.stream = asrmock.NewStream()
	f.asr.Stream = f.stream
	sess.Start(context.Background())
	waitFor(t, "listening after restart", func() bool { return sess.State() == session.StateListening })

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "are you back"})
	waitFor(t, "second turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 2 })
	if got := sess.History().Len(); got != 3 {
		t.Fatalf("history after restart turn = %d messages, want 3", got)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Turns
// ──────────────────────────────────────────────────────────────────────────────

func TestTurnLifecycle(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = speakChunks("It is ", "sunny ", "today.")
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindPartial, Text: "what's the"})
	f.stream.Emit(asr.Event{Kind: asr.KindFinal, Text: "what's the weather"})
	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "what's the weather"})

	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })
	waitFor(t, "back to listening", func() bool { return sess.State() == session.StateListening })

	asrEvents := eventsOf[session.ASREvent](f.rec)
	if len(asrEvents) != 2 || asrEvents[0].IsFinal || !asrEvents[1].IsFinal {
		t.Fatalf("asr events = %+v, want one partial then one final", asrEvents)
	}

	committed := turnEvents(f.rec, "user_committed")
	if len(committed) != 1 || committed[0].Text != "what's the weather" {
		t.Fatalf("user_committed = %+v", committed)
	}
	if len(committed[0].TurnID) != 12 {
		t.Fatalf("turn id = %q, want 12 hex chars", committed[0].TurnID)
	}

	want := []string{"listening", "thinking", "speaking", "listening"}
	if got := states(f.rec); !slices.Equal(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}

	llmEvents := eventsOf[session.LLMEvent](f.rec)
	if len(llmEvents) != 4 {
		t.Fatalf("llm events = %d, want 3 deltas and a terminal", len(llmEvents))
	}
	for i, ev := range llmEvents[:3] {
		if ev.Done || ev.TokenIndex != i+1 || ev.TurnID != committed[0].TurnID {
			t.Fatalf("delta %d = %+v", i, ev)
		}
	}
	terminal := llmEvents[3]
	if !terminal.Done || terminal.Text != "" || terminal.TokenIndex != 3 {
		t.Fatalf("terminal llm event = %+v", terminal)
	}

	if got := f.rec.audioCount(); got != 2 {
		t.Fatalf("audio chunks = %d, want 2", got)
	}
	frags := f.tts.LastSynthesis().RecordedFragments()
	if !slices.Equal(frags, []string{"It is ", "sunny ", "today."}) {
		t.Fatalf("synthesised fragments = %v", frags)
	}

	snap := sess.History().Snapshot()
	if len(snap) != 2 || snap[0].Role != types.RoleUser || snap[1].Role != types.RoleAssistant {
		t.Fatalf("history = %+v, want user then assistant", snap)
	}
	if snap[1].Content != "It is sunny today." {
		t.Fatalf("committed answer = %q", snap[1].Content)
	}

	mets := eventsOf[session.MetricsEvent](f.rec)
	if len(mets) != 1 {
		t.Fatalf("metrics events = %d, want 1", len(mets))
	}
	m := mets[0]
	if m.TurnID != committed[0].TurnID || m.LLMTokens != 3 || m.TTSAudioChunks != 2 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.ThinkingMS == nil || m.LLMFirstTokenMS == nil || m.TTSFirstAudioMS == nil || m.E2ELatencyMS == nil {
		t.Fatalf("metrics missing stage latencies: %+v", m)
	}
	// 1600 bytes of 24 kHz mono s16le is 33 ms of audio.
	if m.TTSEstDurationMS != 33 {
		t.Fatalf("tts_est_duration_ms = %d, want 33", m.TTSEstDurationMS)
	}

	// Closing order: terminal llm event, then metrics, then finished.
	evs := f.rec.snapshot()
	iDone := indexWhere(evs, func(v any) bool {
		e, ok := v.(session.LLMEvent)
		return ok && e.Done
	})
	iMetrics := indexWhere(evs, func(v any) bool {
		_, ok := v.(session.MetricsEvent)
		return ok
	})
	iFinished := indexWhere(evs, func(v any) bool {
		e, ok := v.(session.TurnEvent)
		return ok && e.Event == "finished"
	})
	if !(iDone < iMetrics && iMetrics < iFinished) {
		t.Fatalf("event order done=%d metrics=%d finished=%d", iDone, iMetrics, iFinished)
	}
}

func TestToolCallFlow(t *testing.T) {
	f := newFixture(t)
	must(t, f.reg.Register(tools.Tool{
		Definition: types.ToolDefinition{Name: "get_datetime", Description: "Current date and time."},
		Handler: func(context.Context, string) (string, error) {
			return "2026-08-25 10:04", nil
		},
	}))
	f.llm.Script = [][]llm.Chunk{
		{{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "get_datetime", Arguments: "{}"}}, FinishReason: llm.FinishToolCalls}},
		speakChunks("It is ", "ten oh four."),
	}
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "what time is it"})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })

	starts := eventsOf[session.ToolStartEvent](f.rec)
	results := eventsOf[session.ToolResultEvent](f.rec)
	if len(starts) != 1 || len(results) != 1 {
		t.Fatalf("tool events = %d starts, %d results; want 1 and 1", len(starts), len(results))
	}
	if starts[0].Name != "get_datetime" || string(starts[0].Arguments) != "{}" {
		t.Fatalf("tool start = %+v", starts[0])
	}
	if results[0].Content != "2026-08-25 10:04" || results[0].IsError {
		t.Fatalf("tool result = %+v", results[0])
	}
	if results[0].ToolCallID != starts[0].ToolCallID {
		t.Fatalf("tool call ids differ: %q vs %q", results[0].ToolCallID, starts[0].ToolCallID)
	}

	want := []string{"listening", "thinking", "executing", "thinking", "speaking", "listening"}
	if got := states(f.rec); !slices.Equal(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}

	mets := eventsOf[session.MetricsEvent](f.rec)
	if len(mets) != 1 || mets[0].ToolCalls != 1 {
		t.Fatalf("metrics = %+v, want one tool call", mets)
	}

	// User, tool round manifest, tool result, final answer.
	if got := sess.History().Len(); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}
}

func TestEmptyAnswerFinishesWithoutSpeech(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{FinishReason: llm.FinishStop}}
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "say nothing"})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })

	if len(f.tts.SynthesizeCalls) != 0 {
		t.Fatal("synthesis started for an empty answer")
	}
	if got := states(f.rec); !slices.Equal(got, []string{"listening", "thinking", "listening"}) {
		t.Fatalf("states = %v", got)
	}
	if got := sess.History().Len(); got != 1 {
		t.Fatalf("history = %d messages, want just the user turn", got)
	}
	m := eventsOf[session.MetricsEvent](f.rec)[0]
	if m.LLMTokens != 0 || m.ThinkingMS != nil || m.E2ELatencyMS != nil {
		t.Fatalf("metrics = %+v, want null latencies for a silent turn", m)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Barge-in and preemption
// ──────────────────────────────────────────────────────────────────────────────

func TestClientInterruptStopsPlayback(t *testing.T) {
	f := newFixture(t)
	f.tts.Chunks = manyChunks(40, 320)
	f.tts.ChunkDelay = 20 * time.Millisecond
	mem := &memoryLog{}
	arch := &archiveSpy{}
	sess := f.startSession(t, session.WithMemory(mem), session.WithArchive(arch))

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "tell me a long story"})
	waitFor(t, "speaking", func() bool { return sess.State() == session.StateSpeaking })
	waitFor(t, "first audio", func() bool { return f.rec.audioCount() > 0 })

	sess.Interrupt()
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })
	waitFor(t, "listening again", func() bool { return sess.State() == session.StateListening })

	if !f.tts.LastSynthesis().Cancelled() {
		t.Fatal("synthesis was not cancelled")
	}
	after := f.rec.audioCount()
	time.Sleep(80 * time.Millisecond)
	if got := f.rec.audioCount(); got != after {
		t.Fatalf("audio kept flowing after interrupt: %d -> %d", after, got)
	}
	if got := sess.History().Len(); got != 1 {
		t.Fatalf("history = %d messages, want the user turn only", got)
	}
	if len(mem.snapshot()) != 0 {
		t.Fatal("cancelled turn wrote to memory")
	}
	if len(arch.saved()) != 0 {
		t.Fatal("cancelled turn was archived")
	}
	if len(eventsOf[session.MetricsEvent](f.rec)) != 1 {
		t.Fatal("cancelled turn emitted no metrics")
	}
}

func TestInterruptWithoutTurnIsNoop(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	sess.Interrupt()
	time.Sleep(20 * time.Millisecond)
	if got := sess.State(); got != session.StateListening {
		t.Fatalf("state after idle interrupt = %s", got)
	}
	if len(turnEvents(f.rec, "finished")) != 0 {
		t.Fatal("interrupt without a turn emitted turn events")
	}
}

func TestHeuristicBargeInOnFinalWhileSpeaking(t *testing.T) {
	f := newFixture(t)
	f.tts.Chunks = manyChunks(60, 320)
	f.tts.ChunkDelay = 20 * time.Millisecond
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "read me the weather report"})
	waitFor(t, "speaking", func() bool { return sess.State() == session.StateSpeaking })
	waitFor(t, "audio flowing", func() bool { return f.rec.audioCount() > 0 })

	// Two visible runes: below the trigger threshold.
	f.stream.Emit(asr.Event{Kind: asr.KindFinal, Text: "uh"})
	time.Sleep(60 * time.Millisecond)
	if got := sess.State(); got != session.StateSpeaking {
		t.Fatalf("state after short final = %s, want still speaking", got)
	}

	f.stream.Emit(asr.Event{Kind: asr.KindFinal, Text: "stop please"})
	waitFor(t, "turn cancelled", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })
	waitFor(t, "listening", func() bool { return sess.State() == session.StateListening })

	if !f.tts.LastSynthesis().Cancelled() {
		t.Fatal("synthesis survived the barge-in")
	}
	if got := sess.History().Len(); got != 1 {
		t.Fatalf("history = %d messages, want no committed answer", got)
	}
}

func TestHeuristicIgnoresFinalsWhileListening(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindFinal, Text: "just thinking out loud here"})
	time.Sleep(30 * time.Millisecond)
	if got := sess.State(); got != session.StateListening {
		t.Fatalf("state = %s, want listening untouched", got)
	}
	if len(turnEvents(f.rec, "finished")) != 0 {
		t.Fatal("final while listening produced a turn event")
	}
}

func TestFreshUtterancePreemptsActiveTurn(t *testing.T) {
	f := newFixture(t)
	f.tts.Chunks = manyChunks(40, 320)
	f.tts.ChunkDelay = 20 * time.Millisecond
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "first question"})
	waitFor(t, "speaking", func() bool { return sess.State() == session.StateSpeaking })

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "actually something else"})
	waitFor(t, "both turns finished", func() bool { return len(turnEvents(f.rec, "finished")) == 2 })

	committed := turnEvents(f.rec, "user_committed")
	if len(committed) != 2 {
		t.Fatalf("committed turns = %d, want 2", len(committed))
	}

	// The first turn fully closes before the second opens.
	evs := f.rec.snapshot()
	iFinishedFirst := indexWhere(evs, func(v any) bool {
		e, ok := v.(session.TurnEvent)
		return ok && e.Event == "finished" && e.TurnID == committed[0].TurnID
	})
	iCommittedSecond := indexWhere(evs, func(v any) bool {
		e, ok := v.(session.TurnEvent)
		return ok && e.Event == "user_committed" && e.TurnID == committed[1].TurnID
	})
	if iFinishedFirst == -1 || iCommittedSecond == -1 || iFinishedFirst > iCommittedSecond {
		t.Fatalf("turn events interleaved: finished[0]=%d committed[1]=%d", iFinishedFirst, iCommittedSecond)
	}
}

func TestDuplicateEndpointDropped(t *testing.T) {
	f := newFixture(t)
	f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "Hello there."})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })

	// Same sentence modulo case and spacing, inside the dedup window.
	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "  hello   THERE. "})
	time.Sleep(60 * time.Millisecond)

	if got := len(turnEvents(f.rec, "user_committed")); got != 1 {
		t.Fatalf("committed turns = %d, want the duplicate suppressed", got)
	}
	if got := f.llm.StreamCallCount(); got != 1 {
		t.Fatalf("agent ran %d times, want 1", got)
	}
}

func TestEmptyEndpointIgnored(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "   "})
	time.Sleep(30 * time.Millisecond)
	if len(turnEvents(f.rec, "user_committed")) != 0 {
		t.Fatal("blank endpoint committed a turn")
	}
	if got := sess.State(); got != session.StateListening {
		t.Fatalf("state = %s, want listening", got)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Failures
// ──────────────────────────────────────────────────────────────────────────────

func TestAgentFailureFailsTurn(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamErr = errors.New("llm: upstream 500")
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "anyone home"})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })
	waitFor(t, "listening", func() bool { return sess.State() == session.StateListening })

	errs := eventsOf[session.ErrorEvent](f.rec)
	if len(errs) == 0 || !strings.Contains(errs[0].Message, "Agent failed") {
		t.Fatalf("error events = %+v", errs)
	}
	committed := turnEvents(f.rec, "user_committed")
	if errs[0].TurnID != committed[0].TurnID {
		t.Fatalf("error turn id = %q, want %q", errs[0].TurnID, committed[0].TurnID)
	}
	st := statuses(f.rec, "llm")
	if len(st) < 2 || st[len(st)-1].Status != session.StatusError {
		t.Fatalf("llm status = %+v, want error last", st)
	}
	if got := sess.History().Len(); got != 1 {
		t.Fatalf("history = %d messages, want no answer", got)
	}
}

func TestTTSConnectFailureFailsTurn(t *testing.T) {
	f := newFixture(t)
	f.tts.SynthesizeErr = errors.New("tts: socket refused")
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "say something"})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })
	waitFor(t, "listening", func() bool { return sess.State() == session.StateListening })

	errs := eventsOf[session.ErrorEvent](f.rec)
	if len(errs) == 0 || !strings.Contains(errs[0].Message, "TTS connection failed") {
		t.Fatalf("error events = %+v", errs)
	}
	st := statuses(f.rec, "tts")
	if len(st) == 0 || st[len(st)-1].Status != session.StatusError {
		t.Fatalf("tts status = %+v, want error", st)
	}
	if f.rec.audioCount() != 0 {
		t.Fatal("audio emitted despite synthesis failure")
	}
	if got := sess.History().Len(); got != 1 {
		t.Fatalf("history = %d messages, want no answer", got)
	}
}

func TestSynthesisErrorSkipsCommit(t *testing.T) {
	f := newFixture(t)
	f.tts.SynthesisErr = errors.New("tts: stream reset")
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "read this out"})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })

	errs := eventsOf[session.ErrorEvent](f.rec)
	if len(errs) == 0 || !strings.Contains(errs[0].Message, "TTS failed") {
		t.Fatalf("error events = %+v", errs)
	}
	if got := sess.History().Len(); got != 1 {
		t.Fatalf("history = %d messages, want failed turn uncommitted", got)
	}
}

func TestASRMidStreamErrorKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t)

	f.stream.Emit(asr.Event{Kind: asr.KindError, Detail: "ws: connection reset"})
	waitFor(t, "error surfaced", func() bool { return len(eventsOf[session.ErrorEvent](f.rec)) > 0 })

	st := statuses(f.rec, "asr")
	if st[len(st)-1].Status != session.StatusError {
		t.Fatalf("asr status = %+v, want error last", st)
	}
	if got := sess.State(); got != session.StateListening {
		t.Fatalf("state = %s, want session still listening", got)
	}

	// The stream is half-open; a later endpoint still runs a turn.
	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "still with me"})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })
}

// ──────────────────────────────────────────────────────────────────────────────
// Commit side effects
// ──────────────────────────────────────────────────────────────────────────────

func TestCommitWritesMemoryAndArchive(t *testing.T) {
	f := newFixture(t)
	mem := &memoryLog{}
	arch := &archiveSpy{}
	f.startSession(t, session.WithMemory(mem), session.WithArchive(arch))

	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "remember the launch is friday"})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })
	waitFor(t, "archive write", func() bool { return len(arch.saved()) == 1 })

	entries := mem.snapshot()
	if len(entries) != 1 {
		t.Fatalf("memory entries = %d, want 1", len(entries))
	}
	if !strings.Contains(entries[0], "remember the launch is friday") ||
		!strings.Contains(entries[0], "Hello there.") {
		t.Fatalf("memory summary = %q", entries[0])
	}

	committed := turnEvents(f.rec, "user_committed")
	rec := arch.saved()[0]
	if rec.SessionID != "sess-1" || rec.TurnID != committed[0].TurnID {
		t.Fatalf("archived record = %+v", rec)
	}
	if rec.UserText != "remember the launch is friday" || rec.AssistantText != "Hello there." {
		t.Fatalf("archived texts = %q / %q", rec.UserText, rec.AssistantText)
	}
	if rec.StartedAt.IsZero() {
		t.Fatal("archived record has no start time")
	}
	if got, ok := rec.Metrics["llm_tokens"].(int); !ok || got != 2 {
		t.Fatalf("archived llm_tokens = %v", rec.Metrics["llm_tokens"])
	}
	if _, ok := rec.Metrics["e2e_latency_ms"]; !ok {
		t.Fatalf("archived metrics = %v, missing e2e latency", rec.Metrics)
	}
}

func TestLexiconCorrectsFinalsAndCommit(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, session.WithLexicon(lexicon.New(), "Loqui"))

	f.stream.Emit(asr.Event{Kind: asr.KindFinal, Text: "is loki ready"})
	f.stream.Emit(asr.Event{Kind: asr.KindEndpoint, Text: "is loki ready"})
	waitFor(t, "turn finished", func() bool { return len(turnEvents(f.rec, "finished")) == 1 })

	finals := eventsOf[session.ASREvent](f.rec)
	if len(finals) != 1 || finals[0].Text != "is Loqui ready" {
		t.Fatalf("corrected final = %+v", finals)
	}
	committed := turnEvents(f.rec, "user_committed")
	if committed[0].Text != "is Loqui ready" {
		t.Fatalf("committed text = %q", committed[0].Text)
	}
	if got := sess.History().Snapshot()[0].Content; got != "is Loqui ready" {
		t.Fatalf("history user text = %q", got)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Skills
// ──────────────────────────────────────────────────────────────────────────────

func TestSkillToggleFromClient(t *testing.T) {
	f := newFixture(t)
	set := newSkillSet(t, map[string]string{"coder": "Code helper"})
	sess := f.startSession(t, session.WithSkills(set))

	must(t, sess.ActivateSkill("coder"))
	evs := eventsOf[session.SkillEvent](f.rec)
	if len(evs) != 1 || evs[0].Event != "activated" || evs[0].Name != "coder" {
		t.Fatalf("skill events = %+v", evs)
	}
	if len(evs[0].Skills) != 1 || !evs[0].Skills[0].Active {
		t.Fatalf("catalog after activate = %+v", evs[0].Skills)
	}

	if err := sess.ActivateSkill("mystery"); err == nil {
		t.Fatal("unknown skill accepted")
	}
	if got := len(eventsOf[session.SkillEvent](f.rec)); got != 1 {
		t.Fatalf("skill events after failed toggle = %d, want 1", got)
	}

	must(t, sess.DeactivateSkill("coder"))
	evs = eventsOf[session.SkillEvent](f.rec)
	if len(evs) != 2 || evs[1].Event != "deactivated" || evs[1].Skills[0].Active {
		t.Fatalf("skill events = %+v", evs)
	}
}
