package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/loquilabs/loqui/internal/resilience"
	"github.com/loquilabs/loqui/pkg/provider/asr"
	"github.com/loquilabs/loqui/pkg/provider/asr/soniox"
	"github.com/loquilabs/loqui/pkg/provider/embeddings"
	ollamaembed "github.com/loquilabs/loqui/pkg/provider/embeddings/ollama"
	openaiembed "github.com/loquilabs/loqui/pkg/provider/embeddings/openai"
	"github.com/loquilabs/loqui/pkg/provider/llm"
	"github.com/loquilabs/loqui/pkg/provider/llm/anyllm"
	openaillm "github.com/loquilabs/loqui/pkg/provider/llm/openai"
	"github.com/loquilabs/loqui/pkg/provider/tts"
	"github.com/loquilabs/loqui/pkg/provider/tts/dashscope"
	"github.com/loquilabs/loqui/pkg/provider/tts/elevenlabs"
)

// initProviders fills every provider slot not already injected via options.
// Unconfigured slots get placeholders rather than nils so the session
// pipeline never has to check.
func (a *App) initProviders() error {
	if a.asrProvider == nil {
		p, err := a.buildASR()
		if err != nil {
			return fmt.Errorf("asr: %w", err)
		}
		a.asrProvider = p
	}
	if a.ttsProvider == nil {
		p, err := a.buildTTS()
		if err != nil {
			return fmt.Errorf("tts: %w", err)
		}
		a.ttsProvider = p
	}
	if a.llmProvider == nil {
		p, err := a.buildLLM()
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		a.llmProvider = p
	}
	if a.embedder == nil {
		a.embedder = a.buildEmbedder()
	}
	return nil
}

// buildASR constructs the Soniox realtime transcription provider.
func (a *App) buildASR() (asr.Provider, error) {
	if !a.cfg.ASRConfigured() {
		a.log.Warn("ASR not configured, microphone input will not transcribe")
		return unconfiguredASR{}, nil
	}

	var opts []soniox.Option
	if a.cfg.ASR.WSURL != "" {
		opts = append(opts, soniox.WithEndpoint(a.cfg.ASR.WSURL))
	}
	if a.cfg.ASR.Model != "" {
		opts = append(opts, soniox.WithModel(a.cfg.ASR.Model))
	}
	p, err := soniox.New(a.cfg.ASR.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("soniox: %w", err)
	}
	a.log.Info("ASR ready", "provider", "soniox", "model", a.cfg.ASR.Model)
	return p, nil
}

// buildTTS constructs the synthesis backend. With both DashScope and
// ElevenLabs credentials present, DashScope is primary behind a circuit
// breaker and ElevenLabs takes over while it is down.
func (a *App) buildTTS() (tts.Provider, error) {
	var dash, eleven tts.Provider

	if a.cfg.TTS.APIKey != "" && a.cfg.TTS.VoiceID != "" {
		opts := []dashscope.Option{dashscope.WithVoice(a.cfg.TTS.VoiceID)}
		if a.cfg.TTS.WSURL != "" {
			opts = append(opts, dashscope.WithEndpoint(a.cfg.TTS.WSURL))
		}
		if a.cfg.TTS.Model != "" {
			opts = append(opts, dashscope.WithModel(a.cfg.TTS.Model))
		}
		p, err := dashscope.New(a.cfg.TTS.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("dashscope: %w", err)
		}
		dash = p
	}

	if a.cfg.TTS.ElevenLabsAPIKey != "" {
		var opts []elevenlabs.Option
		if a.cfg.TTS.ElevenLabsVoiceID != "" {
			opts = append(opts, elevenlabs.WithVoice(a.cfg.TTS.ElevenLabsVoiceID))
		}
		p, err := elevenlabs.New(a.cfg.TTS.ElevenLabsAPIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: %w", err)
		}
		eleven = p
	}

	switch {
	case dash != nil && eleven != nil:
		fb := resilience.NewTTSFallback(dash, "dashscope", resilience.FallbackConfig{Logger: a.log})
		fb.AddFallback("elevenlabs", eleven)
		a.log.Info("TTS ready", "primary", "dashscope", "fallback", "elevenlabs", "voice", a.cfg.TTS.VoiceID)
		return fb, nil
	case dash != nil:
		a.log.Info("TTS ready", "provider", "dashscope", "voice", a.cfg.TTS.VoiceID)
		return dash, nil
	case eleven != nil:
		a.log.Info("TTS ready", "provider", "elevenlabs", "voice", a.cfg.TTS.ElevenLabsVoiceID)
		return eleven, nil
	default:
		a.log.Warn("TTS not configured, replies will be text only")
		return textOnlyTTS{}, nil
	}
}

// buildLLM constructs the language model provider. "openai" speaks the chat
// completions protocol directly against LLM_BASE_URL; every other provider
// name goes through the any-llm layer.
func (a *App) buildLLM() (llm.Provider, error) {
	if !a.cfg.LLMConfigured() {
		a.log.Warn("LLM not configured, agent replies disabled")
		return unconfiguredLLM{}, nil
	}

	if a.cfg.LLM.Provider == "" || a.cfg.LLM.Provider == "openai" {
		var opts []openaillm.Option
		if a.cfg.LLM.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(a.cfg.LLM.BaseURL))
		}
		p, err := openaillm.New(a.cfg.LLM.APIKey, a.cfg.LLM.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		a.log.Info("LLM ready", "provider", "openai", "model", a.cfg.LLM.Model, "base_url", a.cfg.LLM.BaseURL)
		return p, nil
	}

	var opts []anyllmlib.Option
	if a.cfg.LLM.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(a.cfg.LLM.APIKey))
	}
	if a.cfg.LLM.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(a.cfg.LLM.BaseURL))
	}
	p, err := anyllm.New(a.cfg.LLM.Provider, a.cfg.LLM.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.cfg.LLM.Provider, err)
	}
	a.log.Info("LLM ready", "provider", a.cfg.LLM.Provider, "model", a.cfg.LLM.Model)
	return p, nil
}

// buildEmbedder picks an embedding backend for the archive's semantic index.
// Returns nil when LLM_EMBED_MODEL is unset, the archive is disabled, or
// credentials are missing; the archive then serves full-text search only.
func (a *App) buildEmbedder() embeddings.Provider {
	if a.cfg.LLM.EmbedModel == "" || !a.cfg.ArchiveConfigured() {
		return nil
	}

	if a.cfg.LLM.Provider == "ollama" {
		p, err := ollamaembed.New(a.cfg.LLM.BaseURL, a.cfg.LLM.EmbedModel)
		if err != nil {
			a.log.Warn("embedder unavailable", "provider", "ollama", "err", err)
			return nil
		}
		a.log.Info("embedder ready", "provider", "ollama", "model", a.cfg.LLM.EmbedModel)
		return p
	}

	if a.cfg.LLM.APIKey == "" {
		a.log.Warn("LLM_EMBED_MODEL set but LLM_API_KEY missing, semantic search disabled")
		return nil
	}
	var opts []openaiembed.Option
	if a.cfg.LLM.BaseURL != "" {
		opts = append(opts, openaiembed.WithBaseURL(a.cfg.LLM.BaseURL))
	}
	p, err := openaiembed.New(a.cfg.LLM.APIKey, a.cfg.LLM.EmbedModel, opts...)
	if err != nil {
		a.log.Warn("embedder unavailable", "provider", "openai", "err", err)
		return nil
	}
	a.log.Info("embedder ready", "provider", "openai", "model", a.cfg.LLM.EmbedModel)
	return p
}

// ─── Unconfigured placeholders ───────────────────────────────────────────────

var (
	errNoASR = errors.New("app: no speech recognition backend configured")
	errNoLLM = errors.New("app: no language model configured")
)

var (
	_ asr.Provider = unconfiguredASR{}
	_ llm.Provider = unconfiguredLLM{}
	_ tts.Provider = textOnlyTTS{}
)

// unconfiguredASR fails every stream start. The session surfaces the failure
// as an error event and drops back to idle, matching the config warning the
// client already received at connect time.
type unconfiguredASR struct{}

func (unconfiguredASR) StartStream(context.Context, asr.StreamConfig) (asr.Stream, error) {
	return nil, errNoASR
}

// unconfiguredLLM fails every completion before the stream opens.
type unconfiguredLLM struct{}

func (unconfiguredLLM) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, errNoLLM
}

func (unconfiguredLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errNoLLM
}

// textOnlyTTS drains reply text without producing audio. Turns still
// complete and commit to history, so a deployment without synthesis
// credentials works as a text chat over the token events.
type textOnlyTTS struct{}

func (textOnlyTTS) Synthesize(ctx context.Context, text <-chan string) (tts.Synthesis, error) {
	s := &silentSynthesis{audio: make(chan []byte), stop: make(chan struct{})}
	go s.drain(ctx, text)
	return s, nil
}

type silentSynthesis struct {
	audio    chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *silentSynthesis) drain(ctx context.Context, text <-chan string) {
	defer close(s.audio)
	for {
		select {
		case _, ok := <-text:
			if !ok {
				return
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *silentSynthesis) Audio() <-chan []byte { return s.audio }

func (s *silentSynthesis) Cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *silentSynthesis) Err() error { return nil }
