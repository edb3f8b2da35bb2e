// Package server exposes the voice agent over HTTP.
//
// The surface is small: GET /ws upgrades to the WebSocket agent channel,
// /healthz and /readyz serve probes, and /metrics serves the Prometheus
// scrape endpoint when one is configured. Everything else falls through to
// an optional caller-provided handler.
//
// Each accepted WebSocket gets its own conversation built by the
// [SessionFactory]: a reader goroutine dispatches client frames (JSON
// control messages and binary uplink PCM) and a writer goroutine drains a
// per-connection outbound queue, so session code never blocks on a slow
// client. Closing the socket from either side tears the conversation down.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loquilabs/loqui/internal/health"
	"github.com/loquilabs/loqui/internal/identity"
	"github.com/loquilabs/loqui/internal/observe"
	"github.com/loquilabs/loqui/internal/session"
	"github.com/loquilabs/loqui/internal/skills"
)

const (
	// defaultQueueSize bounds the per-connection outbound frame queue. At
	// 24 kHz mono s16le a queue this deep holds several seconds of audio;
	// a client that falls further behind starts losing frames.
	defaultQueueSize = 256

	// defaultWriteTimeout caps a single WebSocket write.
	defaultWriteTimeout = 10 * time.Second
)

// Session is the per-connection conversation the transport drives. It is
// implemented by [session.Session]; tests substitute fakes.
type Session interface {
	Start(ctx context.Context)
	Stop()
	Close()
	Interrupt()
	FeedAudio(pcm []byte)
	ActivateSkill(name string) error
	DeactivateSkill(name string) error
}

var _ Session = (*session.Session)(nil)

// SessionFactory builds the conversation behind one accepted WebSocket.
// The emitter is the connection itself; everything the session emits is
// queued onto that connection. The returned info is sent to the client
// verbatim as the session_info event. The session's Close must release
// everything the factory allocated for it.
type SessionFactory func(id string, emitter session.Emitter) (Session, SessionInfo, error)

// SessionInfo is the handshake event sent once per connection, before any
// other traffic. It tells the client what it is talking to.
type SessionInfo struct {
	Type          string        `json:"type"` // "session_info"
	LLMModel      string        `json:"llm_model"`
	TTSModel      string        `json:"tts_model"`
	TTSVoice      string        `json:"tts_voice"`
	ASRConfigured bool          `json:"asr_configured"`
	LLMConfigured bool          `json:"llm_configured"`
	TTSConfigured bool          `json:"tts_configured"`
	ASRWSURL      string        `json:"asr_ws_url,omitempty"`
	TTSWSURL      string        `json:"tts_ws_url,omitempty"`
	LLMBaseURL    string        `json:"llm_base_url,omitempty"`
	Tools         []string      `json:"tools"`
	Skills        []skills.Info `json:"skills"`
	Identity      identity.Info `json:"identity"`
}

// Server accepts agent connections and mounts the operational endpoints.
type Server struct {
	factory        SessionFactory
	log            *slog.Logger
	metrics        *observe.Metrics
	health         *health.Handler
	metricsHandler http.Handler
	fallback       http.Handler
	queueSize      int
	writeTimeout   time.Duration

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics instruments used by the HTTP middleware and
// the active-session gauge. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth sets the health handler serving /healthz and /readyz. The
// default handler has no readiness checks and always reports ready.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at GET /metrics (normally promhttp.Handler).
// Without it the path is not served.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithFallback mounts h for every path the server does not claim.
func WithFallback(h http.Handler) Option {
	return func(s *Server) { s.fallback = h }
}

// WithQueueSize overrides the outbound frame queue depth per connection.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWriteTimeout overrides the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// New creates a Server that builds one conversation per WebSocket via factory.
func New(factory SessionFactory, opts ...Option) *Server {
	s := &Server{
		factory:      factory,
		log:          slog.Default(),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		conns:        make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Handler returns the full HTTP handler: the agent channel, probes, the
// scrape endpoint and the fallback, wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	s.health.Register(mux)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.fallback != nil {
		mux.Handle("/", s.fallback)
	}
	return observe.Middleware(s.metrics)(mux)
}

// handleWS upgrades the request and runs the connection until either side
// closes. The handler goroutine is the reader; writes happen on the
// connection's writer goroutine.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The browser client is typically served from a different origin
		// during development; auth, when needed, sits in front of this
		// server.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	c := newConn(s, newConnID(), ws)
	if !s.track(c) {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	c.run(r.Context())
}

// Close disconnects every live agent connection. New connections are
// refused afterwards. HTTP listener lifecycle belongs to the caller.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.disconnect(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// newConnID returns a short random connection identifier.
func newConnID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("server: rand.Read: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
