package config_test

import (
	"testing"

	"github.com/loquilabs/loqui/internal/config"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	valid := []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = false, want true", l)
		}
	}
	invalid := []config.LogLevel{"", "trace", "DEBUG", "verbose"}
	for _, l := range invalid {
		if l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = true, want false", l)
		}
	}
}

func TestReadinessPredicates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     config.Config
		asr     bool
		llm     bool
		tts     bool
		archive bool
	}{
		{
			name: "nothing configured",
		},
		{
			name: "asr needs only the key",
			cfg:  config.Config{ASR: config.ASRConfig{APIKey: "sx-key"}},
			asr:  true,
		},
		{
			name: "openai llm missing model is not ready",
			cfg: config.Config{LLM: config.LLMConfig{
				Provider: "openai", BaseURL: "https://gw.example.com/v1", APIKey: "k",
			}},
		},
		{
			name: "openai llm fully configured",
			cfg: config.Config{LLM: config.LLMConfig{
				Provider: "openai", BaseURL: "https://gw.example.com/v1", APIKey: "k", Model: "gpt-4o",
			}},
			llm: true,
		},
		{
			name: "anyllm backend needs only a model",
			cfg:  config.Config{LLM: config.LLMConfig{Provider: "ollama", Model: "llama3"}},
			llm:  true,
		},
		{
			name: "dashscope tts missing voice is not ready",
			cfg:  config.Config{TTS: config.TTSConfig{APIKey: "ds-key"}},
		},
		{
			name: "dashscope tts fully configured",
			cfg:  config.Config{TTS: config.TTSConfig{APIKey: "ds-key", VoiceID: "voice-1"}},
			tts:  true,
		},
		{
			name: "elevenlabs key alone enables tts",
			cfg:  config.Config{TTS: config.TTSConfig{ElevenLabsAPIKey: "el-key"}},
			tts:  true,
		},
		{
			name:    "database url enables the archive",
			cfg:     config.Config{Archive: config.ArchiveConfig{DatabaseURL: "postgres://localhost/loqui"}},
			archive: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.cfg.ASRConfigured(); got != tc.asr {
				t.Errorf("ASRConfigured() = %v, want %v", got, tc.asr)
			}
			if got := tc.cfg.LLMConfigured(); got != tc.llm {
				t.Errorf("LLMConfigured() = %v, want %v", got, tc.llm)
			}
			if got := tc.cfg.TTSConfigured(); got != tc.tts {
				t.Errorf("TTSConfigured() = %v, want %v", got, tc.tts)
			}
			if got := tc.cfg.ArchiveConfigured(); got != tc.archive {
				t.Errorf("ArchiveConfigured() = %v, want %v", got, tc.archive)
			}
		})
	}
}
