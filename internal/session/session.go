// Package session orchestrates one client's voice conversation.
//
// A session owns the full duplex loop: microphone PCM flows into a streaming
// ASR stream, endpointed utterances become turns, each turn runs the agent
// loop against the shared history, and the streamed answer is synthesized and
// played back while the rest of it is still being generated. The session
// tracks a five state machine (idle, listening, thinking, executing,
// speaking) and reports every transition, transcript fragment, answer token,
// tool call and latency metric to the client through an Emitter.
//
// At most one turn is in flight at a time. A barge-in, whether an explicit
// client interrupt or a fresh utterance heard while the agent is speaking,
// cancels synthesis first and then the rest of the turn; a cancelled turn
// never commits the partial answer. A turn that plays to completion commits
// the answer to the history, appends a summary to long-term memory and
// archives the transcript asynchronously.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loquilabs/loqui/internal/agent"
	"github.com/loquilabs/loqui/internal/archive"
	"github.com/loquilabs/loqui/internal/lexicon"
	"github.com/loquilabs/loqui/internal/observe"
	"github.com/loquilabs/loqui/internal/skills"
	"github.com/loquilabs/loqui/pkg/provider/asr"
	"github.com/loquilabs/loqui/pkg/provider/tts"
)

// ─────────────────────────────── States ───────────────────────────────

// State is one phase of the session state machine.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateExecuting State = "executing"
	StateSpeaking  State = "speaking"
)

const (
	// endpointDedupWindow suppresses a repeated endpoint carrying the same
	// normalized sentence. Some ASR backends deliver the closing endpoint
	// twice in quick succession.
	endpointDedupWindow = 2500 * time.Millisecond

	// Auto barge-in: a final transcript heard while the agent is speaking
	// or executing interrupts the turn when it has at least bargeMinRunes
	// visible runes, differs from the previous trigger text and arrives at
	// least bargeCooldown after the last barge-in.
	bargeMinRunes = 3
	bargeCooldown = 1500 * time.Millisecond

	// speechTextBuf decouples answer delta arrival from TTS consumption.
	speechTextBuf = 16

	// archiveTimeout bounds the asynchronous turn archive write.
	archiveTimeout = 10 * time.Second
)

const (
	bargeSourceClient    = "client"
	bargeSourceHeuristic = "heuristic"
)

// ─────────────────────────────── Collaborators ───────────────────────────────

// MemoryWriter appends turn summaries to the persona's long-term memory.
// The identity store satisfies it.
type MemoryWriter interface {
	AppendMemory(summary string) error
}

// TurnArchiver persists finished turns. The archive store satisfies it.
type TurnArchiver interface {
	SaveTurn(ctx context.Context, rec archive.TurnRecord) error
}

// ─────────────────────────────── Session ───────────────────────────────

// Session runs the conversation loop for one connected client.
type Session struct {
	id      string
	emitter Emitter

	asr     asr.Provider
	tts     tts.Provider
	loop    *agent.Loop
	history *agent.History

	skills     *skills.ActiveSet
	memory     MemoryWriter
	archiver   TurnArchiver
	corrector  *lexicon.Corrector
	extraTerms []string
	metrics    *observe.Metrics
	log        *slog.Logger

	languageHints []string

	mu             sync.Mutex
	state          State
	running        bool
	cancelRun      context.CancelFunc
	runDone        chan struct{}
	stream         asr.Stream
	turn           *turnHandle
	listeningAt    time.Time
	lastEndpoint   string
	lastEndpointAt time.Time
	lastBargeText  string
	lastBargeAt    time.Time

	wg sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The session id is attached automatically.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics enables turn and barge-in instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithSkills supplies the skill set published to the client and toggled by
// session controls.
func WithSkills(set *skills.ActiveSet) Option {
	return func(s *Session) { s.skills = set }
}

// WithMemory enables the per-turn long-term memory summary.
func WithMemory(w MemoryWriter) Option {
	return func(s *Session) { s.memory = w }
}

// WithArchive enables asynchronous turn persistence.
func WithArchive(a TurnArchiver) Option {
	return func(s *Session) { s.archiver = a }
}

// WithLexicon corrects final transcripts against the skill catalog plus the
// given extra terms before they are shown or committed.
func WithLexicon(c *lexicon.Corrector, extraTerms ...string) Option {
	return func(s *Session) {
		s.corrector = c
		s.extraTerms = extraTerms
	}
}

// WithLanguageHints passes language hints to the ASR stream.
func WithLanguageHints(hints []string) Option {
	return func(s *Session) { s.languageHints = hints }
}

// New builds an idle session. Start opens the audio loop.
func New(id string, emitter Emitter, asrProvider asr.Provider, ttsProvider tts.Provider, loop *agent.Loop, opts ...Option) *Session {
	s := &Session{
		id:      id,
		emitter: emitter,
		asr:     asrProvider,
		tts:     ttsProvider,
		loop:    loop,
		history: agent.NewHistory(),
		log:     slog.Default(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session_id", id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History exposes the conversation history shared with the agent loop.
func (s *Session) History() *agent.History { return s.history }

// ─────────────────────────────── Controls ───────────────────────────────

// Start brings the session from idle to listening: it publishes the skill
// catalog, opens the ASR stream and begins consuming transcript events. The
// session runs until Stop, ctx cancellation or a fatal ASR failure. Start on
// a running session is ignored.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Info("start ignored: session already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancelRun = cancel
	s.runDone = make(chan struct{})
	done := s.runDone
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.run(runCtx)
	}()
}

// Stop ends the session from any state: the in-flight turn is cancelled, the
// ASR stream torn down and the session returns to idle before Stop returns.
// The conversation history survives for a later Start on the same
// connection.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancelRun
	done := s.runDone
	t := s.turn
	s.mu.Unlock()

	s.log.Info("session stopping")
	if t != nil {
		t.abort()
		<-t.done
	}
	cancel()
	<-done
}

// Close stops the session and releases per-connection state: the history is
// cleared and background work (turn teardown, archive writes) is flushed.
func (s *Session) Close() {
	s.Stop()
	s.history.Clear()
	s.wg.Wait()
}

// Interrupt cancels the in-flight turn on behalf of the client. Playback
// stops before the rest of the turn unwinds, so no audio trails the
// interrupt. Without an active turn this is a no-op.
func (s *Session) Interrupt() {
	s.interrupt(bargeSourceClient)
}

func (s *Session) interrupt(source string) {
	s.mu.Lock()
	t := s.turn
	state := s.state
	if t != nil {
		s.lastBargeAt = time.Now()
	}
	s.mu.Unlock()
	if t == nil {
		return
	}
	s.log.Info("barge-in", "source", source, "turn_id", t.id, "state", string(state))
	t.abort()
	if s.metrics != nil {
		s.metrics.RecordBargeIn(context.Background(), source)
	}
}

// FeedAudio forwards one uplink PCM chunk to the ASR stream. Chunks arriving
// while no stream is open are dropped.
func (s *Session) FeedAudio(pcm []byte) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.Feed(pcm); err != nil && !errors.Is(err, asr.ErrStreamClosed) {
		s.log.Debug("audio feed failed", "err", err)
	}
}

// ActivateSkill enables a skill at the client's request and republishes the
// catalog on success.
func (s *Session) ActivateSkill(name string) error {
	if s.skills == nil {
		return errors.New("session: no skills configured")
	}
	if err := s.skills.Activate(name); err != nil {
		return err
	}
	s.log.Info("skill activated", "skill", name)
	s.refreshVocabulary()
	s.emitter.SendEvent(SkillEvent{Type: "skill", Event: "activated", Name: name, Skills: s.skills.Infos()})
	return nil
}

// DeactivateSkill disables a skill at the client's request and republishes
// the catalog on success.
func (s *Session) DeactivateSkill(name string) error {
	if s.skills == nil {
		return errors.New("session: no skills configured")
	}
	if err := s.skills.Deactivate(name); err != nil {
		return err
	}
	s.log.Info("skill deactivated", "skill", name)
	s.refreshVocabulary()
	s.emitter.SendEvent(SkillEvent{Type: "skill", Event: "deactivated", Name: name, Skills: s.skills.Infos()})
	return nil
}

// ─────────────────────────────── Internals ───────────────────────────────

// setState records a transition and reports it to the client. Setting the
// current state again is dropped, so the client sees each phase once.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	if next == StateListening {
		s.listeningAt = time.Now()
	}
	s.emitter.SendEvent(StateEvent{Type: "state", State: string(next)})
	s.mu.Unlock()
	s.log.Info("session state", "state", string(next))
}

func (s *Session) sendStatus(service, status, detail string) {
	s.emitter.SendEvent(ConnectionStatusEvent{
		Type:    "connection_status",
		Service: service,
		Status:  status,
		Detail:  detail,
	})
}

func (s *Session) sendError(turnID, message string) {
	s.emitter.SendEvent(ErrorEvent{Type: "error", TurnID: turnID, Message: message})
}

// refreshVocabulary rebuilds the correction vocabulary from the full skill
// catalog plus the configured extra terms. Inactive skill names stay in so
// "activate the coder skill" transcribes cleanly.
func (s *Session) refreshVocabulary() {
	if s.corrector == nil {
		return
	}
	var terms []string
	if s.skills != nil {
		for _, info := range s.skills.Infos() {
			terms = append(terms, info.Name)
		}
	}
	terms = append(terms, s.extraTerms...)
	s.corrector.SetVocabulary(terms)
}

// correctFinal runs the lexicon over a final transcript. Without a corrector
// the text passes through untouched.
func (s *Session) correctFinal(text string) string {
	if s.corrector == nil {
		return text
	}
	corrected, _ := s.corrector.Correct(text)
	return corrected
}

// turnHandle tracks one in-flight turn so control paths can cancel it.
type turnHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	synth       tts.Synthesis
	interrupted bool
}

func (t *turnHandle) setSynth(s tts.Synthesis) {
	t.mu.Lock()
	t.synth = s
	t.mu.Unlock()
}

// abort cancels the turn: the interrupted mark lands first so the turn can
// never pass as completed, then playback stops so no audio trails the cut,
// then the turn context unwinds the rest.
func (t *turnHandle) abort() {
	t.mu.Lock()
	t.interrupted = true
	synth := t.synth
	t.mu.Unlock()
	if synth != nil {
		synth.Cancel()
	}
	t.cancel()
}

func (t *turnHandle) wasInterrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}
