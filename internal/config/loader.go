package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied by [FromEnv] when the corresponding variable is unset.
const (
	DefaultListenAddr = ":8080"
	DefaultSonioxURL  = "wss://stt-rt.soniox.com/transcribe-websocket"
	DefaultASRModel   = "stt-rt-v4"
	DefaultTTSURL     = "wss://dashscope-intl.aliyuncs.com/api-ws/v1/realtime"
	DefaultTTSModel   = "qwen3-tts-vc-realtime-2026-01-15"
	DefaultTTSVoice   = "qwen-tts-vc-guanyu-voice-20260202204902188-2ed0"

	DefaultMaxToolRounds = 5
	DefaultToolTimeout   = 30 * time.Second
)

// DefaultEnabledTools is the builtin tool set offered to the model when
// TOOLS_ENABLED is unset. Side-effecting tools (write_file, run_command,
// save_note, update_user_profile) must be opted into explicitly.
var DefaultEnabledTools = []string{
	"get_datetime", "calculate", "web_search", "read_file", "run_python",
	"list_directory", "search_files", "list_skills", "activate_skill",
	"deactivate_skill", "recall_memory",
}

// KnownLLMProviders lists the backend names [Validate] accepts for
// LLM_PROVIDER. "openai" is served natively; the rest go through any-llm.
var KnownLLMProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral",
	"groq", "llamacpp", "llamafile",
}

// Load assembles the configuration from the process environment and
// validates it. When envPath is non-empty the named .env file is loaded
// first and must exist; otherwise a ./.env file is loaded when present.
// Variables already set in the environment always win over .env values.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config: load env file %q: %w", envPath, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a [Config] from the current process environment without
// touching any .env file. Malformed numeric, boolean, or duration values
// are collected into a single joined error.
func FromEnv() (*Config, error) {
	r := &envReader{}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: r.String("LISTEN_ADDR", DefaultListenAddr),
			LogLevel:   LogLevel(r.String("LOG_LEVEL", string(LogInfo))),
		},
		ASR: ASRConfig{
			APIKey:        r.String("SONIOX_API_KEY", ""),
			WSURL:         r.String("SONIOX_WS_URL", DefaultSonioxURL),
			Model:         r.String("ASR_MODEL", DefaultASRModel),
			LanguageHints: r.List("ASR_LANGUAGE_HINTS", []string{"en", "zh"}),
		},
		TTS: TTSConfig{
			APIKey:            r.String("DASHSCOPE_API_KEY", ""),
			WSURL:             r.String("TTS_WS_URL", DefaultTTSURL),
			Model:             r.String("TTS_MODEL", DefaultTTSModel),
			VoiceID:           r.String("TTS_VOICE_ID", DefaultTTSVoice),
			ElevenLabsAPIKey:  r.String("ELEVENLABS_API_KEY", ""),
			ElevenLabsVoiceID: r.String("ELEVENLABS_VOICE_ID", ""),
		},
		LLM: LLMConfig{
			Provider:   r.String("LLM_PROVIDER", "openai"),
			BaseURL:    r.String("LLM_BASE_URL", ""),
			APIKey:     r.String("LLM_API_KEY", ""),
			Model:      r.String("LLM_MODEL", ""),
			EmbedModel: r.String("LLM_EMBED_MODEL", ""),
		},
		Identity: IdentityConfig{
			Dir: r.String("IDENTITY_DIR", "./identity"),
		},
		Skills: SkillsConfig{
			Dirs: r.List("SKILLS_DIRS", []string{"skills"}),
		},
		Agent: AgentConfig{
			MaxToolRounds: r.Int("AGENT_MAX_TOOL_ROUNDS", DefaultMaxToolRounds),
		},
		Tools: ToolsConfig{
			Enabled:    r.List("TOOLS_ENABLED", DefaultEnabledTools),
			AllowShell: r.Bool("TOOLS_ALLOW_SHELL", false),
			PythonExec: r.Bool("PYTHON_EXEC_ENABLED", true),
			Timeout:    r.Duration("TOOL_TIMEOUT", DefaultToolTimeout),
		},
		Lexicon: LexiconConfig{
			Terms:    r.List("LEXICON_TERMS", nil),
			Disabled: r.Bool("LEXICON_DISABLED", false),
		},
		Archive: ArchiveConfig{
			DatabaseURL: r.String("DATABASE_URL", ""),
		},
		MCP: MCPConfig{
			Servers: parseMCPServers(r.String("MCP_SERVERS", "")),
		},
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all hard failures found; softer issues
// (missing credentials, risky toggles) are logged as warnings so the server
// can still start in a degraded, inspectable state.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("LISTEN_ADDR must not be empty"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !slices.Contains(KnownLLMProviders, cfg.LLM.Provider) {
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is unknown; valid values: %s",
			cfg.LLM.Provider, strings.Join(KnownLLMProviders, ", ")))
	}

	if cfg.Agent.MaxToolRounds < 1 {
		errs = append(errs, fmt.Errorf("AGENT_MAX_TOOL_ROUNDS must be at least 1, got %d", cfg.Agent.MaxToolRounds))
	}
	if cfg.Tools.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("TOOL_TIMEOUT must be positive, got %s", cfg.Tools.Timeout))
	}

	for i, srv := range cfg.MCP.Servers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("MCP_SERVERS entry %d: name is required", i))
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Errorf("MCP_SERVERS entry %d (%s): command is required", i, srv.Name))
		}
	}

	// Missing credentials degrade the session rather than fail startup:
	// session_info reports per-service readiness and the client shows it.
	if !cfg.ASRConfigured() {
		slog.Warn("SONIOX_API_KEY is not set; speech recognition is unavailable")
	}
	if !cfg.LLMConfigured() {
		slog.Warn("LLM endpoint is not fully configured; agent responses are unavailable",
			"provider", cfg.LLM.Provider)
	}
	if !cfg.TTSConfigured() {
		slog.Warn("no TTS credentials configured; speech synthesis is unavailable")
	}
	if cfg.Tools.AllowShell {
		slog.Warn("TOOLS_ALLOW_SHELL is enabled; the model may execute shell commands")
	}
	if cfg.LLM.EmbedModel != "" && !cfg.ArchiveConfigured() {
		slog.Warn("LLM_EMBED_MODEL is set but DATABASE_URL is not; semantic recall stays disabled")
	}

	return errors.Join(errs...)
}

// parseMCPServers parses the MCP_SERVERS value: semicolon-separated
// "name=command arg..." entries. Empty entries are skipped; entries missing
// the "=" are kept with an empty command so Validate can report them.
func parseMCPServers(raw string) []MCPServerConfig {
	var servers []MCPServerConfig
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, command, found := strings.Cut(entry, "=")
		srv := MCPServerConfig{Name: strings.TrimSpace(name)}
		if found {
			srv.Command = strings.TrimSpace(command)
		}
		servers = append(servers, srv)
	}
	return servers
}

// envReader reads typed values from the environment, accumulating parse
// failures so callers can report them all at once.
type envReader struct {
	errs []error
}

// Err returns the accumulated parse failures joined into one error.
func (r *envReader) Err() error {
	return errors.Join(r.errs...)
}

// String returns the value of key, or def when unset or empty.
func (r *envReader) String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int parses key as a decimal integer.
func (r *envReader) Int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return def
	}
	return v
}

// Bool parses key with strconv.ParseBool semantics (1/t/true/0/f/false).
func (r *envReader) Bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return def
	}
	return v
}

// Duration parses key with time.ParseDuration.
func (r *envReader) Duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return def
	}
	return v
}

// List splits key on commas, trimming whitespace and dropping empties.
func (r *envReader) List(key string, def []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
