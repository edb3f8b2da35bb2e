// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface.
//
// It exists as the fallback synthesis backend: output is configured to
// pcm_24000 so its audio is interchangeable with the primary provider's on
// the downlink.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loquilabs/loqui/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"

	// defaultVoiceID is the ElevenLabs premade "Rachel" voice.
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	dialTimeout = 12 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the ElevenLabs voice ID.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voiceID = voiceID
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	voiceID      string
	outputFormat string
}

// Ensure Provider implements the tts.Provider interface at compile time.
var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		voiceID:      defaultVoiceID,
		outputFormat: defaultOutputFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text value is the flush command that ends the input stream.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is the initial "begin of input" handshake that authenticates
// and configures the stream.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model)
}

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// Synthesize opens a WebSocket to ElevenLabs, sends the BOI handshake, and
// starts the ingress and egress loops.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string) (tts.Synthesis, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, buildURLForVoice(p.voiceID, p.model), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// ElevenLabs requires a non-empty first text value.
	boi := boiMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey:     p.apiKey,
		OutputFormat: p.outputFormat,
	}
	boiBytes, err := json.Marshal(boi)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "BOI marshal failed")
		return nil, fmt.Errorf("elevenlabs: marshal BOI: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	s := &synthesis{
		conn:  conn,
		audio: make(chan []byte, 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.ingress(ctx, text)
	go s.egress(ctx)
	return s, nil
}

// ---- synthesis ----

// synthesis is a live ElevenLabs stream. It implements tts.Synthesis.
type synthesis struct {
	conn  *websocket.Conn
	audio chan []byte

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// Audio returns the PCM chunk channel for this synthesis.
func (s *synthesis) Audio() <-chan []byte { return s.audio }

// Cancel aborts the synthesis. The stop gate closes first so the egress loop
// refuses to emit, then the connection is torn down, then Cancel waits for
// the egress loop to exit.
func (s *synthesis) Cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.conn.Close(websocket.StatusNormalClosure, "cancelled")
	})
	<-s.done
}

// Err reports the terminal error of the stream, if any.
func (s *synthesis) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *synthesis) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// ingress writes text fragments to ElevenLabs. Voice settings ride along only
// on the first fragment; the empty-text flush command ends the input.
func (s *synthesis) ingress(ctx context.Context, text <-chan string) {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				flush, _ := buildWSMessage("", nil)
				_ = s.conn.Write(ctx, websocket.MessageText, flush)
				return
			}
			if strings.TrimSpace(frag) == "" {
				continue
			}
			payload, err := buildWSMessage(frag, vs)
			if err != nil {
				continue
			}
			vs = nil
			if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// egress receives audio messages and emits decoded PCM until the final
// message arrives, the stream fails, or it is cancelled.
func (s *synthesis) egress(ctx context.Context) {
	defer close(s.done)
	defer close(s.audio)
	defer s.conn.Close(websocket.StatusNormalClosure, "done")

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.setErr(fmt.Errorf("elevenlabs: read: %w", err))
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil || len(pcm) == 0 {
				continue
			}
			select {
			case s.audio <- pcm:
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

// Ensure synthesis implements the tts.Synthesis interface at compile time.
var _ tts.Synthesis = (*synthesis)(nil)
