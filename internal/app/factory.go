package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loquilabs/loqui/internal/agent"
	"github.com/loquilabs/loqui/internal/archive"
	"github.com/loquilabs/loqui/internal/server"
	"github.com/loquilabs/loqui/internal/session"
	"github.com/loquilabs/loqui/internal/skills"
	"github.com/loquilabs/loqui/internal/tools"
	"github.com/loquilabs/loqui/pkg/provider/embeddings"
)

// mcpAttachTimeout bounds each MCP server handshake during session setup.
const mcpAttachTimeout = 10 * time.Second

// newSession is the server's SessionFactory. Each connection gets its own
// skill active set, tool registry (with fresh MCP subprocesses), and agent
// loop; the heavyweight pieces (providers, identity, archive) are shared.
func (a *App) newSession(id string, emitter session.Emitter) (server.Session, server.SessionInfo, error) {
	set := skills.NewActiveSet(a.skills)

	reg := tools.New(tools.WithLogger(a.log), tools.WithTimeout(a.cfg.Tools.Timeout))
	deps := tools.Deps{
		Skills:      set,
		Identity:    a.identity,
		Transcripts: a.transcripts,
	}
	if err := tools.RegisterDefaults(reg, deps, a.cfg.Tools); err != nil {
		return nil, server.SessionInfo{}, fmt.Errorf("register tools: %w", err)
	}

	// An unreachable MCP server costs this session its tools, not the
	// connection.
	for _, srv := range a.cfg.MCP.Servers {
		attachCtx, cancel := context.WithTimeout(context.Background(), mcpAttachTimeout)
		err := reg.AttachServer(attachCtx, srv.Name, srv.Command)
		cancel()
		if err != nil {
			a.log.Warn("MCP server unavailable", "session", id, "name", srv.Name, "err", err)
		}
	}

	loop := agent.New(a.llmProvider, reg,
		agent.WithIdentity(a.identity),
		agent.WithSkills(set),
		agent.WithMetrics(a.metrics),
		agent.WithLogger(a.log),
		agent.WithMaxRounds(a.cfg.Agent.MaxToolRounds),
	)

	sessOpts := []session.Option{
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
		session.WithSkills(set),
		session.WithMemory(a.identity),
		session.WithLanguageHints(a.cfg.ASR.LanguageHints),
	}
	if a.corrector != nil {
		sessOpts = append(sessOpts, session.WithLexicon(a.corrector, a.cfg.Lexicon.Terms...))
	}
	if a.archive != nil {
		sessOpts = append(sessOpts, session.WithArchive(a.archive))
	}

	sess := session.New(id, emitter, a.asrProvider, a.ttsProvider, loop, sessOpts...)

	return &connSession{Session: sess, reg: reg, log: a.log}, a.sessionInfo(reg, set), nil
}

// sessionInfo assembles the handshake payload for one connection.
func (a *App) sessionInfo(reg *tools.Registry, set *skills.ActiveSet) server.SessionInfo {
	ttsModel := a.cfg.TTS.Model
	ttsVoice := a.cfg.TTS.VoiceID
	if a.cfg.TTS.APIKey == "" && a.cfg.TTS.ElevenLabsAPIKey != "" {
		ttsModel = "elevenlabs"
		ttsVoice = a.cfg.TTS.ElevenLabsVoiceID
	}

	return server.SessionInfo{
		LLMModel:      a.cfg.LLM.Model,
		TTSModel:      ttsModel,
		TTSVoice:      ttsVoice,
		ASRConfigured: a.cfg.ASRConfigured(),
		LLMConfigured: a.cfg.LLMConfigured(),
		TTSConfigured: a.cfg.TTSConfigured(),
		ASRWSURL:      a.cfg.ASR.WSURL,
		TTSWSURL:      a.cfg.TTS.WSURL,
		LLMBaseURL:    a.cfg.LLM.BaseURL,
		Tools:         reg.Names(),
		Skills:        set.Infos(),
		Identity:      a.identity.Info(),
	}
}

// connSession couples a session's lifetime with its connection-scoped tool
// registry, which may own MCP subprocesses.
type connSession struct {
	*session.Session
	reg *tools.Registry
	log *slog.Logger
}

func (cs *connSession) Close() {
	cs.Session.Close()
	if err := cs.reg.Close(); err != nil {
		cs.log.Warn("tool registry close failed", "err", err)
	}
}

// turnSearchStore is the slice of the archive the transcript searcher needs.
type turnSearchStore interface {
	Search(ctx context.Context, query string, opts archive.SearchOpts) ([]archive.TurnRecord, error)
	SemanticSearch(ctx context.Context, embedding []float32, topK int) ([]archive.SemanticHit, error)
}

// transcriptSearcher adapts the archive to the recall_transcript tool:
// full-text first, semantic nearest-neighbour when the text index comes up
// empty and an embedder is configured.
type transcriptSearcher struct {
	store    turnSearchStore
	embedder embeddings.Provider
}

var (
	_ turnSearchStore          = (*archive.Store)(nil)
	_ tools.TranscriptSearcher = (*transcriptSearcher)(nil)
)

func (ts *transcriptSearcher) SearchTurns(ctx context.Context, query string, limit int) ([]tools.TurnHit, error) {
	recs, err := ts.store.Search(ctx, query, archive.SearchOpts{Limit: limit})
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 && ts.embedder != nil {
		vec, err := ts.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		hits, err := ts.store.SemanticSearch(ctx, vec, limit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			recs = append(recs, h.Turn)
		}
	}

	out := make([]tools.TurnHit, 0, len(recs))
	for _, r := range recs {
		out = append(out, tools.TurnHit{
			StartedAt:     r.StartedAt,
			UserText:      r.UserText,
			AssistantText: r.AssistantText,
		})
	}
	return out, nil
}
