package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loquilabs/loqui/internal/config"
)

// allVars lists every variable the loader reads, so tests can pin the whole
// schema to a known state regardless of the invoking shell.
var allVars = []string{
	"LISTEN_ADDR", "LOG_LEVEL",
	"SONIOX_API_KEY", "SONIOX_WS_URL", "ASR_MODEL", "ASR_LANGUAGE_HINTS",
	"DASHSCOPE_API_KEY", "TTS_WS_URL", "TTS_MODEL", "TTS_VOICE_ID",
	"ELEVENLABS_API_KEY", "ELEVENLABS_VOICE_ID",
	"LLM_PROVIDER", "LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL", "LLM_EMBED_MODEL",
	"IDENTITY_DIR", "SKILLS_DIRS",
	"AGENT_MAX_TOOL_ROUNDS", "TOOL_TIMEOUT", "TOOLS_ENABLED",
	"TOOLS_ALLOW_SHELL", "PYTHON_EXEC_ENABLED",
	"LEXICON_TERMS", "LEXICON_DISABLED",
	"DATABASE_URL", "MCP_SERVERS",
}

// resetEnv pins every schema variable to empty (treated as unset) for the
// duration of the test. t.Setenv restores the original values on cleanup.
func resetEnv(t *testing.T) {
	t.Helper()
	for _, v := range allVars {
		t.Setenv(v, "")
	}
}

// unsetEnv removes keys from the environment entirely. godotenv refuses to
// override variables that are present, even when empty, so tests exercising
// .env precedence need a true unset. t.Setenv is called first purely to
// register restoration of the original value.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	resetEnv(t)

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.ASR.WSURL != config.DefaultSonioxURL {
		t.Errorf("ASR.WSURL = %q, want default", cfg.ASR.WSURL)
	}
	if cfg.ASR.Model != "stt-rt-v4" {
		t.Errorf("ASR.Model = %q, want stt-rt-v4", cfg.ASR.Model)
	}
	if len(cfg.ASR.LanguageHints) != 2 {
		t.Errorf("LanguageHints = %v, want [en zh]", cfg.ASR.LanguageHints)
	}
	if cfg.TTS.Model != config.DefaultTTSModel {
		t.Errorf("TTS.Model = %q, want default", cfg.TTS.Model)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("LLM.Provider = %q, want openai", cfg.LLM.Provider)
	}
	if cfg.Identity.Dir != "./identity" {
		t.Errorf("Identity.Dir = %q, want ./identity", cfg.Identity.Dir)
	}
	if len(cfg.Skills.Dirs) != 1 || cfg.Skills.Dirs[0] != "skills" {
		t.Errorf("Skills.Dirs = %v, want [skills]", cfg.Skills.Dirs)
	}
	if cfg.Agent.MaxToolRounds != 5 {
		t.Errorf("MaxToolRounds = %d, want 5", cfg.Agent.MaxToolRounds)
	}
	if cfg.Tools.Timeout != 30*time.Second {
		t.Errorf("Tools.Timeout = %s, want 30s", cfg.Tools.Timeout)
	}
	if cfg.Tools.AllowShell {
		t.Error("AllowShell = true, want false by default")
	}
	if !cfg.Tools.PythonExec {
		t.Error("PythonExec = false, want true by default")
	}
	if len(cfg.Lexicon.Terms) != 0 || cfg.Lexicon.Disabled {
		t.Errorf("Lexicon = %+v, want empty and enabled", cfg.Lexicon)
	}
	if len(cfg.MCP.Servers) != 0 {
		t.Errorf("MCP.Servers = %v, want empty", cfg.MCP.Servers)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	resetEnv(t)
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ASR_LANGUAGE_HINTS", "de, fr ,")
	t.Setenv("AGENT_MAX_TOOL_ROUNDS", "3")
	t.Setenv("TOOL_TIMEOUT", "45s")
	t.Setenv("TOOLS_ALLOW_SHELL", "true")
	t.Setenv("TOOLS_ENABLED", "get_datetime,calculate")
	t.Setenv("LEXICON_TERMS", "Loqui, DashScope")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	want := []string{"de", "fr"}
	if len(cfg.ASR.LanguageHints) != len(want) {
		t.Fatalf("LanguageHints = %v, want %v", cfg.ASR.LanguageHints, want)
	}
	for i := range want {
		if cfg.ASR.LanguageHints[i] != want[i] {
			t.Errorf("LanguageHints[%d] = %q, want %q", i, cfg.ASR.LanguageHints[i], want[i])
		}
	}
	if cfg.Agent.MaxToolRounds != 3 {
		t.Errorf("MaxToolRounds = %d, want 3", cfg.Agent.MaxToolRounds)
	}
	if cfg.Tools.Timeout != 45*time.Second {
		t.Errorf("Tools.Timeout = %s, want 45s", cfg.Tools.Timeout)
	}
	if !cfg.Tools.AllowShell {
		t.Error("AllowShell = false, want true")
	}
	if len(cfg.Tools.Enabled) != 2 {
		t.Errorf("Tools.Enabled = %v, want two entries", cfg.Tools.Enabled)
	}
	if len(cfg.Lexicon.Terms) != 2 || cfg.Lexicon.Terms[1] != "DashScope" {
		t.Errorf("Lexicon.Terms = %v, want [Loqui DashScope]", cfg.Lexicon.Terms)
	}
}

func TestFromEnv_MalformedValuesAreJoined(t *testing.T) {
	resetEnv(t)
	t.Setenv("AGENT_MAX_TOOL_ROUNDS", "five")
	t.Setenv("TOOLS_ALLOW_SHELL", "yep")
	t.Setenv("TOOL_TIMEOUT", "soon")

	_, err := config.FromEnv()
	if err == nil {
		t.Fatal("expected error for malformed values, got nil")
	}
	for _, frag := range []string{"AGENT_MAX_TOOL_ROUNDS", "TOOLS_ALLOW_SHELL", "TOOL_TIMEOUT"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("error should mention %s, got: %v", frag, err)
		}
	}
}

func TestFromEnv_MCPServers(t *testing.T) {
	resetEnv(t)
	t.Setenv("MCP_SERVERS", "files=npx -y @modelcontextprotocol/server-filesystem /data; time=uvx mcp-server-time")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("MCP.Servers = %v, want 2 entries", cfg.MCP.Servers)
	}
	if cfg.MCP.Servers[0].Name != "files" {
		t.Errorf("Servers[0].Name = %q, want files", cfg.MCP.Servers[0].Name)
	}
	if cfg.MCP.Servers[0].Command != "npx -y @modelcontextprotocol/server-filesystem /data" {
		t.Errorf("Servers[0].Command = %q", cfg.MCP.Servers[0].Command)
	}
	if cfg.MCP.Servers[1].Name != "time" || cfg.MCP.Servers[1].Command != "uvx mcp-server-time" {
		t.Errorf("Servers[1] = %+v", cfg.MCP.Servers[1])
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	resetEnv(t)
	t.Setenv("LOG_LEVEL", "loud")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	err = config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Errorf("error should mention LOG_LEVEL, got: %v", err)
	}
}

func TestValidate_UnknownLLMProvider(t *testing.T) {
	resetEnv(t)
	t.Setenv("LLM_PROVIDER", "skynet")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	err = config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	if !strings.Contains(err.Error(), "skynet") {
		t.Errorf("error should mention the provider name, got: %v", err)
	}
}

func TestValidate_MCPServerMissingCommand(t *testing.T) {
	resetEnv(t)
	t.Setenv("MCP_SERVERS", "broken")

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	err = config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for MCP entry without command, got nil")
	}
	if !strings.Contains(err.Error(), "command is required") {
		t.Errorf("error should mention the missing command, got: %v", err)
	}
}

func TestValidate_DegradedConfigStillPasses(t *testing.T) {
	resetEnv(t)

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	// No credentials at all is a warning situation, not a startup failure.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() error for bare config: %v", err)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	resetEnv(t)
	unsetEnv(t, "SONIOX_API_KEY", "LISTEN_ADDR")

	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "SONIOX_API_KEY=sx-from-file\nLISTEN_ADDR=:9090\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ASR.APIKey != "sx-from-file" {
		t.Errorf("ASR.APIKey = %q, want value from env file", cfg.ASR.APIKey)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	resetEnv(t)

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	if err == nil {
		t.Fatal("expected error for missing explicit env file, got nil")
	}
}
