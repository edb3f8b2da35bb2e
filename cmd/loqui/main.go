// Command loqui is the main entry point for the Loqui voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loquilabs/loqui/internal/app"
	"github.com/loquilabs/loqui/internal/config"
	"github.com/loquilabs/loqui/internal/observe"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	envPath := flag.String("env", "", "path to an env file (defaults to .env when present)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loqui: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("loqui starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "loqui",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           Loqui — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")

	asrName := ""
	if cfg.ASRConfigured() {
		asrName = "soniox"
	}
	printService("ASR", asrName, cfg.ASR.Model)

	llmName := ""
	if cfg.LLMConfigured() {
		llmName = cfg.LLM.Provider
	}
	printService("LLM", llmName, cfg.LLM.Model)

	ttsName, ttsVoice := "", ""
	switch {
	case cfg.TTS.APIKey != "" && cfg.TTS.VoiceID != "":
		ttsName, ttsVoice = "dashscope", cfg.TTS.VoiceID
	case cfg.TTS.ElevenLabsAPIKey != "":
		ttsName, ttsVoice = "elevenlabs", cfg.TTS.ElevenLabsVoiceID
	}
	printService("TTS", ttsName, ttsVoice)
	printService("Embeddings", embedderName(cfg), cfg.LLM.EmbedModel)

	if cfg.ArchiveConfigured() {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	if cfg.Lexicon.Disabled {
		fmt.Printf("║  Lexicon         : %-19s ║\n", "(disabled)")
	} else {
		fmt.Printf("║  Lexicon         : %-19s ║\n", "on")
	}
	fmt.Printf("║  Skill dirs      : %-19d ║\n", len(cfg.Skills.Dirs))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printService(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// embedderName mirrors the archive's embedder selection for display.
func embedderName(cfg *config.Config) string {
	if cfg.LLM.EmbedModel == "" || !cfg.ArchiveConfigured() {
		return ""
	}
	if cfg.LLM.Provider == "ollama" {
		return "ollama"
	}
	return "openai"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
