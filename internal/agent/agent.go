// Package agent runs the tool-calling reasoning loop behind a voice turn.
//
// A turn starts from the session's committed user utterance. The loop streams
// a chat completion against the current history; when the model answers with
// tool calls it executes them in parallel, feeds the results back, and asks
// again, up to a bounded number of rounds. Text produced by a round is
// buffered and only surfaced once a round finishes without tool calls, so
// downstream speech synthesis never speaks half a thought that a tool result
// then contradicts.
//
// Progress is reported on an event channel: round starts, text deltas of the
// speaking round, tool starts and results, skill toggles, and a final Done
// carrying the complete answer. The loop commits finished tool rounds to the
// history itself but never the final answer; the session appends that once
// playback completes, so a barge-in discards the whole turn cleanly.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loquilabs/loqui/internal/identity"
	"github.com/loquilabs/loqui/internal/observe"
	"github.com/loquilabs/loqui/internal/skills"
	"github.com/loquilabs/loqui/internal/tools"
	"github.com/loquilabs/loqui/pkg/provider/llm"
	"github.com/loquilabs/loqui/pkg/types"
)

// ─────────────────────────────── Events ───────────────────────────────

// EventKind classifies a loop event.
type EventKind string

const (
	// KindRoundStart marks the beginning of a reasoning round.
	KindRoundStart EventKind = "round_start"
	// KindTextDelta carries one text fragment of the speaking round.
	KindTextDelta EventKind = "text_delta"
	// KindToolStart announces a tool invocation.
	KindToolStart EventKind = "tool_start"
	// KindToolResult carries a finished tool invocation.
	KindToolResult EventKind = "tool_result"
	// KindSkillChanged reports a successful skill toggle.
	KindSkillChanged EventKind = "skill_changed"
	// KindDone carries the complete final answer.
	KindDone EventKind = "done"
	// KindError reports a failed turn. No Done follows.
	KindError EventKind = "error"
)

// ToolEvent describes a tool invocation on start and result events.
type ToolEvent struct {
	CallID    string
	Name      string
	Arguments string
	// Content is the result preview shown to observers. The full content
	// goes into the history untrimmed.
	Content string
	IsError bool
	Elapsed time.Duration
}

// SkillChange describes a skill toggle performed by the model mid-turn.
type SkillChange struct {
	// Action is "activated" or "deactivated".
	Action string
	Name   string
	// Skills is the catalog after the change.
	Skills []skills.Info
}

// Event is one progress report from a running turn.
type Event struct {
	Kind  EventKind
	Round int
	// Text is the delta on KindTextDelta, the complete answer on KindDone
	// and the message on KindError.
	Text  string
	Tool  ToolEvent
	Skill SkillChange
	Err   error
}

// ─────────────────────────────── Loop ───────────────────────────────

const (
	// DefaultMaxRounds bounds tool-calling rounds per turn.
	DefaultMaxRounds = 5
	// DefaultResultPreview caps tool result text on events.
	DefaultResultPreview = 2000

	minResultPreview = 200
	eventBuf         = 32

	// maxRoundsAnswer is spoken when the model is still asking for tools
	// after the last allowed round.
	maxRoundsAnswer = "(reached maximum reasoning rounds)"
)

// Loop drives the reasoning rounds of one turn. A single Loop is shared by
// all turns of a session; per-turn state lives in Run.
type Loop struct {
	llm      llm.Provider
	tools    *tools.Registry
	identity *identity.Store
	skills   *skills.ActiveSet
	metrics  *observe.Metrics
	log      *slog.Logger

	maxRounds int
	preview   int
}

// Option configures a Loop.
type Option func(*Loop)

// WithIdentity supplies the persona store used to build the system prompt.
func WithIdentity(store *identity.Store) Option {
	return func(l *Loop) { l.identity = store }
}

// WithSkills supplies the skill set whose catalog and active instructions are
// appended to the system prompt each round.
func WithSkills(set *skills.ActiveSet) Option {
	return func(l *Loop) { l.skills = set }
}

// WithMetrics enables tool and token instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// WithMaxRounds overrides the reasoning round budget.
func WithMaxRounds(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

// WithResultPreview overrides how much tool result text events carry.
// Values below 200 are raised to 200.
func WithResultPreview(chars int) Option {
	return func(l *Loop) {
		if chars > 0 {
			l.preview = max(minResultPreview, chars)
		}
	}
}

// New builds a Loop around a completion provider and a tool registry.
func New(provider llm.Provider, registry *tools.Registry, opts ...Option) *Loop {
	l := &Loop{
		llm:       provider,
		tools:     registry,
		log:       slog.Default(),
		maxRounds: DefaultMaxRounds,
		preview:   DefaultResultPreview,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run starts one turn against the given history and returns its event
// channel. The channel is closed when the turn finishes, fails, or the
// context is cancelled. The caller appends the user utterance before Run and
// the final answer after playback; Run appends only finished tool rounds.
func (l *Loop) Run(ctx context.Context, history *History) (<-chan Event, error) {
	if history == nil || history.Len() == 0 {
		return nil, errors.New("agent: history is empty")
	}
	events := make(chan Event, eventBuf)
	go l.run(ctx, history, events)
	return events, nil
}

func (l *Loop) run(ctx context.Context, history *History, events chan<- Event) {
	defer close(events)

	defs := l.tools.Describe()
	toolSeq := 0

	for round := 1; round <= l.maxRounds; round++ {
		if !l.emit(ctx, events, Event{Kind: KindRoundStart, Round: round}) {
			return
		}

		req := llm.CompletionRequest{
			SystemPrompt: l.systemPrompt(),
			Messages:     history.Snapshot(),
			Tools:        defs,
		}
		chunks, err := l.llm.StreamCompletion(ctx, req)
		if err != nil {
			l.fail(ctx, events, round, fmt.Errorf("agent: start completion: %w", err))
			return
		}

		deltas, calls, err := collectRound(ctx, chunks)
		if err != nil {
			l.fail(ctx, events, round, err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if l.metrics != nil {
			l.metrics.LLMTokens.Add(ctx, int64(len(deltas)))
		}

		if len(calls) == 0 {
			// Speaking round: replay the buffered deltas, then hand the
			// caller the complete answer.
			for _, d := range deltas {
				if !l.emit(ctx, events, Event{Kind: KindTextDelta, Round: round, Text: d}) {
					return
				}
			}
			answer := strings.Join(deltas, "")
			l.log.Debug("turn answered", "round", round, "chars", len(answer))
			l.emit(ctx, events, Event{Kind: KindDone, Round: round, Text: answer})
			return
		}

		if !l.toolRound(ctx, events, history, round, &toolSeq, deltas, calls) {
			return
		}
	}

	// The model kept asking for tools past the budget. Finished rounds are
	// already in the history; answer with a fixed notice instead of forcing
	// another completion.
	l.log.Warn("reasoning round budget exhausted", "rounds", l.maxRounds)
	if !l.emit(ctx, events, Event{Kind: KindTextDelta, Round: l.maxRounds, Text: maxRoundsAnswer}) {
		return
	}
	l.emit(ctx, events, Event{Kind: KindDone, Round: l.maxRounds, Text: maxRoundsAnswer})
}

// toolRound executes one round's tool calls and commits the round to the
// history. It reports false when the turn should stop.
func (l *Loop) toolRound(ctx context.Context, events chan<- Event, history *History, round int, toolSeq *int, deltas []string, calls []types.ToolCall) bool {
	// Some providers omit call ids; mint stable ones so start and result
	// events correlate and the tool messages reference the manifest.
	seq := *toolSeq
	for i := range calls {
		seq++
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("fallback_%d_%d_%d", round, seq, time.Now().UnixMilli())
		}
	}
	*toolSeq = seq

	for _, call := range calls {
		l.log.Info("tool call", "round", round, "tool", call.Name, "id", call.ID)
		ev := Event{Kind: KindToolStart, Round: round, Tool: ToolEvent{
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		}}
		if !l.emit(ctx, events, ev) {
			return false
		}
	}

	results := make([]tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			cctx, span := observe.StartSpan(gctx, "tool "+call.Name,
				trace.WithAttributes(observe.Attr("tool", call.Name)))
			defer span.End()
			results[i] = l.tools.Execute(cctx, call)
			if results[i].IsError {
				span.SetStatus(codes.Error, preview(results[i].Content, minResultPreview))
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		// Cancelled mid-round: commit nothing, the turn is discarded.
		return false
	}

	for i, call := range calls {
		res := results[i]
		if l.metrics != nil {
			status := "ok"
			if res.IsError {
				status = "error"
			}
			l.metrics.RecordToolCall(ctx, call.Name, status)
			l.metrics.ToolDuration.Record(ctx, res.Elapsed.Seconds(),
				metric.WithAttributes(observe.Attr("tool", call.Name)))
		}
		ev := Event{Kind: KindToolResult, Round: round, Tool: ToolEvent{
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Content:   preview(res.Content, l.preview),
			IsError:   res.IsError,
			Elapsed:   res.Elapsed,
		}}
		if !l.emit(ctx, events, ev) {
			return false
		}
	}

	// Commit the finished round atomically: the assistant manifest first,
	// then one tool message per call in issuance order.
	msgs := make([]types.Message, 0, len(calls)+1)
	msgs = append(msgs, types.Message{
		Role:      types.RoleAssistant,
		Content:   strings.Join(deltas, ""),
		ToolCalls: calls,
	})
	for i, call := range calls {
		msgs = append(msgs, types.Message{
			Role:       types.RoleTool,
			Content:    results[i].Content,
			ToolCallID: call.ID,
		})
	}
	history.Append(msgs...)

	// Successful skill toggles reshape the next round's system prompt;
	// surface them so the client can refresh its catalog.
	for i, call := range calls {
		if results[i].IsError {
			continue
		}
		var action string
		switch call.Name {
		case "activate_skill":
			action = "activated"
		case "deactivate_skill":
			action = "deactivated"
		default:
			continue
		}
		change := SkillChange{Action: action, Name: skillNameArg(call.Arguments)}
		if l.skills != nil {
			change.Skills = l.skills.Infos()
		}
		if !l.emit(ctx, events, Event{Kind: KindSkillChanged, Round: round, Skill: change}) {
			return false
		}
	}
	return true
}

// collectRound drains one completion stream, buffering text deltas and
// gathering the assembled tool calls from the terminal chunk.
func collectRound(ctx context.Context, chunks <-chan llm.Chunk) (deltas []string, calls []types.ToolCall, err error) {
	for {
		select {
		case <-ctx.Done():
			go drainChunks(chunks)
			return nil, nil, nil
		case chunk, ok := <-chunks:
			if !ok {
				return deltas, calls, nil
			}
			if chunk.FinishReason == llm.FinishError {
				go drainChunks(chunks)
				return nil, nil, fmt.Errorf("agent: completion stream: %s", chunk.Text)
			}
			if chunk.Text != "" {
				deltas = append(deltas, chunk.Text)
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				go drainChunks(chunks)
				return deltas, calls, nil
			}
		}
	}
}

// drainChunks empties an abandoned stream so the producer can finish.
func drainChunks(chunks <-chan llm.Chunk) {
	for range chunks {
	}
}

// systemPrompt renders persona and user profile, operating instructions, then
// the skill catalog with active skill instructions. Recomputed every round so
// a mid-turn skill toggle shapes the very next completion.
func (l *Loop) systemPrompt() string {
	var parts []string
	if l.identity != nil {
		if p := l.identity.SoulPrompt(); p != "" {
			parts = append(parts, p)
		}
		if ins := l.identity.Instructions(); ins != "" {
			parts = append(parts, ins)
		}
	}
	if l.skills != nil {
		if s := l.skills.PromptSection(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (l *Loop) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Loop) fail(ctx context.Context, events chan<- Event, round int, err error) {
	l.log.Error("turn failed", "round", round, "err", err)
	l.emit(ctx, events, Event{Kind: KindError, Round: round, Text: err.Error(), Err: err})
}

func preview(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// Cut on a rune boundary so the event stays valid UTF-8.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func skillNameArg(arguments string) string {
	var p struct {
		SkillName string `json:"skill_name"`
	}
	if err := json.Unmarshal([]byte(arguments), &p); err != nil {
		return ""
	}
	return p.SkillName
}
