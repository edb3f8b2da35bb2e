// Package config provides the environment-driven configuration schema and
// loader for the Loqui voice agent server.
//
// All settings come from environment variables, optionally seeded from a
// .env file (see [Load]). There is no configuration file format beyond that:
// the server is designed to run the same way in a shell, a container, or a
// process manager.
package config

import "time"

// LogLevel controls log verbosity for the Loqui server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Loqui, assembled from the
// process environment by [FromEnv].
type Config struct {
	Server   ServerConfig
	ASR      ASRConfig
	TTS      TTSConfig
	LLM      LLMConfig
	Identity IdentityConfig
	Skills   SkillsConfig
	Agent    AgentConfig
	Tools    ToolsConfig
	Lexicon  LexiconConfig
	Archive  ArchiveConfig
	MCP      MCPConfig
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on.
	// Env: LISTEN_ADDR. Default ":8080".
	ListenAddr string

	// LogLevel controls verbosity. Env: LOG_LEVEL. Default "info".
	LogLevel LogLevel
}

// ASRConfig holds the Soniox real-time transcription settings.
type ASRConfig struct {
	// APIKey authenticates against the Soniox API. Env: SONIOX_API_KEY.
	// When empty, speech recognition is unavailable and sessions report
	// asr_ready=false.
	APIKey string

	// WSURL is the Soniox realtime WebSocket endpoint. Env: SONIOX_WS_URL.
	WSURL string

	// Model selects the Soniox realtime model. Env: ASR_MODEL.
	Model string

	// LanguageHints biases recognition toward the listed languages.
	// Env: ASR_LANGUAGE_HINTS (comma separated).
	LanguageHints []string
}

// TTSConfig holds speech synthesis settings. DashScope (Qwen realtime TTS)
// is the primary backend; ElevenLabs serves as an alternative when its API
// key is set and the DashScope credentials are not.
type TTSConfig struct {
	// APIKey authenticates against DashScope. Env: DASHSCOPE_API_KEY.
	APIKey string

	// WSURL is the DashScope realtime WebSocket endpoint. Env: TTS_WS_URL.
	WSURL string

	// Model selects the realtime TTS model. Env: TTS_MODEL.
	Model string

	// VoiceID selects the synthesis voice. Env: TTS_VOICE_ID.
	VoiceID string

	// ElevenLabsAPIKey enables the ElevenLabs backend. Env: ELEVENLABS_API_KEY.
	ElevenLabsAPIKey string

	// ElevenLabsVoiceID selects the ElevenLabs voice. Env: ELEVENLABS_VOICE_ID.
	ElevenLabsVoiceID string
}

// LLMConfig holds the language model settings.
type LLMConfig struct {
	// Provider selects the LLM backend. "openai" speaks the OpenAI chat
	// completions protocol against BaseURL; any other value is routed
	// through the any-llm multi-provider layer (anthropic, gemini, ollama,
	// deepseek, mistral, groq, llamacpp, llamafile).
	// Env: LLM_PROVIDER. Default "openai".
	Provider string

	// BaseURL overrides the provider's default API endpoint (any
	// OpenAI-compatible gateway works for the "openai" provider).
	// Env: LLM_BASE_URL.
	BaseURL string

	// APIKey authenticates against the LLM API. Env: LLM_API_KEY.
	APIKey string

	// Model is the chat model identifier. Env: LLM_MODEL.
	Model string

	// EmbedModel is the embedding model used for the turn archive's
	// semantic index. Empty disables semantic search. Env: LLM_EMBED_MODEL.
	EmbedModel string
}

// IdentityConfig locates the agent's identity artifacts.
type IdentityConfig struct {
	// Dir is the directory holding SOUL.md, USER.md, and MEMORY.md.
	// Env: IDENTITY_DIR. Default "./identity".
	Dir string
}

// SkillsConfig locates skill definitions.
type SkillsConfig struct {
	// Dirs lists directories scanned for SKILL.md packages.
	// Env: SKILLS_DIRS (comma separated). Default ["skills"].
	Dirs []string
}

// AgentConfig tunes the reasoning loop.
type AgentConfig struct {
	// MaxToolRounds bounds the LLM/tool round trips per turn.
	// Env: AGENT_MAX_TOOL_ROUNDS. Default 5.
	MaxToolRounds int
}

// ToolsConfig controls which builtin tools are exposed to the model.
type ToolsConfig struct {
	// Enabled lists the builtin tool names offered to the model. The single
	// entry "all" enables every registered builtin.
	// Env: TOOLS_ENABLED (comma separated).
	Enabled []string

	// AllowShell gates the run_command tool. Env: TOOLS_ALLOW_SHELL. Default false.
	AllowShell bool

	// PythonExec gates the run_python tool. Env: PYTHON_EXEC_ENABLED. Default true.
	PythonExec bool

	// Timeout is the per-call wall clock budget for tool execution.
	// Env: TOOL_TIMEOUT (Go duration, e.g. "30s"). Default 30s.
	Timeout time.Duration
}

// LexiconConfig tunes transcript vocabulary correction.
type LexiconConfig struct {
	// Terms lists extra vocabulary beyond skill names (product names,
	// people, jargon the ASR tends to mangle). Env: LEXICON_TERMS
	// (comma separated).
	Terms []string

	// Disabled turns transcript correction off entirely.
	// Env: LEXICON_DISABLED. Default false.
	Disabled bool
}

// ArchiveConfig holds the optional Postgres turn archive settings.
type ArchiveConfig struct {
	// DatabaseURL is the Postgres connection string. Empty disables the
	// archive and the recall_transcript tool. Env: DATABASE_URL.
	DatabaseURL string
}

// MCPConfig lists external Model Context Protocol tool servers.
type MCPConfig struct {
	// Servers are parsed from MCP_SERVERS: semicolon-separated
	// "name=command arg..." entries.
	Servers []MCPServerConfig
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	// Name namespaces the server's tools (registered as "name.tool").
	Name string

	// Command is the executable with arguments, launched as a subprocess
	// over stdio. An http:// or https:// value connects over streamable
	// HTTP instead.
	Command string
}

// ASRConfigured reports whether speech recognition has the credentials it
// needs to start a stream.
func (c *Config) ASRConfigured() bool {
	return c.ASR.APIKey != ""
}

// LLMConfigured reports whether the language model can be called. The
// "openai" provider needs the full endpoint triple; any-llm backends
// resolve missing keys from their own environment conventions, so for
// those a model name is enough.
func (c *Config) LLMConfigured() bool {
	if c.LLM.Provider == "openai" || c.LLM.Provider == "" {
		return c.LLM.BaseURL != "" && c.LLM.APIKey != "" && c.LLM.Model != ""
	}
	return c.LLM.Model != ""
}

// TTSConfigured reports whether speech synthesis has a usable backend.
func (c *Config) TTSConfigured() bool {
	if c.TTS.APIKey != "" && c.TTS.VoiceID != "" {
		return true
	}
	return c.TTS.ElevenLabsAPIKey != ""
}

// ArchiveConfigured reports whether the Postgres turn archive is enabled.
func (c *Config) ArchiveConfigured() bool {
	return c.Archive.DatabaseURL != ""
}
