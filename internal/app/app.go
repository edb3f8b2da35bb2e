// Package app wires all Loqui subsystems into a running voice agent server.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem from config, Run serves the HTTP and WebSocket surface until the
// context is cancelled, and Shutdown tears everything down.
//
// Provider slots for speech recognition, synthesis, and the language model
// are built from config by default; tests inject doubles via functional
// options (WithASRProvider, WithTTSProvider, etc.). An unconfigured slot gets
// a placeholder implementation so sessions still open and report their
// degraded state through config warnings instead of failing the handshake.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loquilabs/loqui/internal/archive"
	"github.com/loquilabs/loqui/internal/config"
	"github.com/loquilabs/loqui/internal/health"
	"github.com/loquilabs/loqui/internal/identity"
	"github.com/loquilabs/loqui/internal/lexicon"
	"github.com/loquilabs/loqui/internal/observe"
	"github.com/loquilabs/loqui/internal/server"
	"github.com/loquilabs/loqui/internal/skills"
	"github.com/loquilabs/loqui/internal/tools"
	"github.com/loquilabs/loqui/pkg/provider/asr"
	"github.com/loquilabs/loqui/pkg/provider/embeddings"
	"github.com/loquilabs/loqui/pkg/provider/llm"
	"github.com/loquilabs/loqui/pkg/provider/tts"
)

// App owns all subsystem lifetimes behind the voice agent server.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	identity    *identity.Store
	skills      *skills.Library
	archive     *archive.Store
	transcripts tools.TranscriptSearcher
	corrector   *lexicon.Corrector

	asrProvider asr.Provider
	ttsProvider tts.Provider
	llmProvider llm.Provider
	embedder    embeddings.Provider

	srv      *server.Server
	httpSrv  *http.Server
	listener net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger for the app and every subsystem it creates.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithASRProvider injects a recognition backend instead of building one
// from config.
func WithASRProvider(p asr.Provider) Option {
	return func(a *App) { a.asrProvider = p }
}

// WithTTSProvider injects a synthesis backend instead of building one
// from config.
func WithTTSProvider(p tts.Provider) Option {
	return func(a *App) { a.ttsProvider = p }
}

// WithLLMProvider injects a language model backend instead of building one
// from config.
func WithLLMProvider(p llm.Provider) Option {
	return func(a *App) { a.llmProvider = p }
}

// WithEmbedder injects an embedding backend for the archive's semantic index.
func WithEmbedder(p embeddings.Provider) Option {
	return func(a *App) { a.embedder = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any provider slot.
//
// New performs all initialisation synchronously: identity loading, skill
// library scan, provider construction, archive connection and schema check,
// and the listening socket. Per-connection state (tool registry, agent loop,
// session) is created later by the session factory.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Identity store ────────────────────────────────────────────────
	if err := a.initIdentity(); err != nil {
		return nil, fmt.Errorf("app: init identity: %w", err)
	}

	// ── 2. Skill library ─────────────────────────────────────────────────
	a.initSkills()

	// ── 3. Speech + language providers ───────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 4. Conversation archive ──────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 5. Lexicon corrector ─────────────────────────────────────────────
	a.initLexicon()

	// ── 6. HTTP server + listener ────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initIdentity opens the identity directory and loads the persona artifacts.
// Missing files are fine (fresh install); read failures are not.
func (a *App) initIdentity() error {
	store, err := identity.New(a.cfg.Identity.Dir, identity.WithLogger(a.log))
	if err != nil {
		return err
	}
	if err := store.Load(); err != nil {
		return err
	}
	a.identity = store
	return nil
}

// initSkills scans the configured skill directories. A scan failure is
// logged, not fatal: the server is useful without skills.
func (a *App) initSkills() {
	lib := skills.NewLibrary(a.cfg.Skills.Dirs, skills.WithLogger(a.log))
	if err := lib.Reload(); err != nil {
		a.log.Warn("skill scan failed", "dirs", a.cfg.Skills.Dirs, "err", err)
	}
	a.skills = lib
}

// initArchive connects the Postgres turn archive when DATABASE_URL is set.
// The archive is optional, but once configured a connection failure is fatal:
// silently running without the configured long-term memory would lose turns.
func (a *App) initArchive(ctx context.Context) error {
	if !a.cfg.ArchiveConfigured() {
		a.log.Info("turn archive disabled, no DATABASE_URL")
		return nil
	}

	archOpts := []archive.Option{archive.WithLogger(a.log)}
	if a.embedder != nil {
		archOpts = append(archOpts, archive.WithEmbedder(a.embedder))
	}

	store, err := archive.New(ctx, a.cfg.Archive.DatabaseURL, archOpts...)
	if err != nil {
		return err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return fmt.Errorf("ensure schema: %w", err)
	}

	a.archive = store
	a.transcripts = &transcriptSearcher{store: store, embedder: a.embedder}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initLexicon builds the transcript corrector unless disabled. Skill names
// and configured terms are added per session, where the active set is known.
func (a *App) initLexicon() {
	if a.cfg.Lexicon.Disabled {
		a.log.Info("lexicon correction disabled")
		return
	}
	a.corrector = lexicon.New(lexicon.WithLogger(a.log))
}

// initServer builds the WebSocket server, the health surface, and the
// listening socket. Binding in New rather than Run surfaces a bad
// LISTEN_ADDR before the process reports itself started.
func (a *App) initServer() error {
	var checkers []health.Checker
	if a.archive != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.archive.Ping})
	}

	a.srv = server.New(a.newSession,
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(checkers...)),
		server.WithMetricsHandler(promhttp.Handler()),
	)

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.listener = ln
	a.httpSrv = &http.Server{
		Handler:           a.srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Addr returns the bound listen address. Useful when LISTEN_ADDR requested an
// ephemeral port.
func (a *App) Addr() string {
	return a.listener.Addr().String()
}

// Run serves HTTP on the listener bound in New and blocks until ctx is
// cancelled or the server fails. On cancellation Run returns ctx.Err();
// call Shutdown to tear down connections and subsystems.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.httpSrv.Serve(a.listener)
	}()

	a.log.Info("server listening", "addr", a.Addr())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects all clients, stops the HTTP server, and tears down
// subsystems in reverse-init order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		// Force-close WebSocket connections first. Each connection's
		// teardown stops its session and tool registry.
		a.srv.Close()

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		// Serve may never have been called, so release the listener directly.
		_ = a.listener.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
