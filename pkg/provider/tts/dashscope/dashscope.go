// Package dashscope provides a DashScope-backed TTS provider using the Qwen
// realtime speech synthesis WebSocket API. It implements the tts.Provider
// interface.
//
// The protocol is event-based JSON in both directions. The client configures
// the session with a session.update event, appends text fragments with
// input_text_buffer.append, and signals end of input with session.finish. In
// server_commit mode the service decides on its own when to start
// synthesizing appended text, so no explicit commit is needed. Audio arrives
// as base64-encoded PCM in response.audio.delta events; session.finished
// marks the end of the stream.
package dashscope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loquilabs/loqui/pkg/provider/tts"
)

const (
	// DefaultEndpoint is the DashScope realtime API endpoint.
	DefaultEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"

	// DefaultModel is the Qwen realtime TTS model used when none is
	// configured.
	DefaultModel = "qwen-tts-realtime"

	// DefaultVoice is used when no voice is configured.
	DefaultVoice = "Cherry"

	dialTimeout = 12 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint URL.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.wsURL = url
	}
}

// WithModel sets the DashScope model identifier (e.g., "qwen-tts-realtime").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the synthesis voice (e.g., "Cherry").
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// Provider implements tts.Provider backed by the Qwen realtime TTS API.
type Provider struct {
	apiKey string
	wsURL  string
	model  string
	voice  string
}

// Ensure Provider implements the tts.Provider interface at compile time.
var _ tts.Provider = (*Provider)(nil)

// New creates a new DashScope Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("dashscope: apiKey must not be empty")
	}
	p := &Provider{
		apiKey: apiKey,
		wsURL:  DefaultEndpoint,
		model:  DefaultModel,
		voice:  DefaultVoice,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// clientEvent is the JSON payload for every client-to-server event.
type clientEvent struct {
	Type    string         `json:"type"`
	Session *sessionConfig `json:"session,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// sessionConfig is the session object carried by session.update.
type sessionConfig struct {
	Mode           string `json:"mode"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
	SampleRate     int    `json:"sample_rate"`
}

// serverEvent is the JSON structure of server-to-client events. Only the
// fields the client acts on are mapped.
type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildURL constructs the connection URL with the model query parameter.
func (p *Provider) buildURL() string {
	return p.wsURL + "?model=" + url.QueryEscape(p.model)
}

// sessionUpdate constructs the session.update event that configures voice and
// output format. Output is fixed to 16-bit mono PCM at 24 kHz, matching what
// the rest of the pipeline expects on the downlink.
func (p *Provider) sessionUpdate() clientEvent {
	return clientEvent{
		Type: "session.update",
		Session: &sessionConfig{
			Mode:           "server_commit",
			Voice:          p.voice,
			ResponseFormat: "pcm",
			SampleRate:     24000,
		},
	}
}

// Synthesize opens a WebSocket session, configures it, and starts the ingress
// and egress loops.
func (p *Provider) Synthesize(ctx context.Context, text <-chan string) (tts.Synthesis, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+p.apiKey)
	conn, _, err := websocket.Dial(dialCtx, p.buildURL(), &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("dashscope: dial: %w", err)
	}

	cfgJSON, err := json.Marshal(p.sessionUpdate())
	if err != nil {
		conn.Close(websocket.StatusInternalError, "session config marshal failed")
		return nil, fmt.Errorf("dashscope: marshal session config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, cfgJSON); err != nil {
		conn.Close(websocket.StatusInternalError, "session config send failed")
		return nil, fmt.Errorf("dashscope: send session config: %w", err)
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

// synthesis is a live Qwen TTS session. It implements tts.Synthesis.
type synthesis struct {
	conn  *websocket.Conn
	audio chan []byte

	stop     chan struct{} // closed by Cancel before anything else
	stopOnce sync.Once
	done     chan struct{} // closed when the egress loop has exited

	mu  sync.Mutex
	err error
}

// Audio returns the PCM chunk channel for this synthesis.
func (s *synthesis) Audio() <-chan []byte { return s.audio }

// Cancel aborts the synthesis. The stop gate is closed first so the egress
// loop refuses to emit, then the connection is torn down to unblock any
// pending read, then Cancel waits for the egress loop to exit. Once Cancel
// returns no further chunk can appear on Audio.
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

// ingress feeds text fragments to the service. When the text channel closes
// it sends session.finish so the service synthesizes whatever remains in its
// buffer and ends the session.
func (s *synthesis) ingress(ctx context.Context, text <-chan string) {
	for {
		select {
		case frag, ok := <-text:
			if !ok {
				finish, _ := json.Marshal(clientEvent{Type: "session.finish"})
				_ = s.conn.Write(ctx, websocket.MessageText, finish)
				return
			}
			if strings.TrimSpace(frag) == "" {
				continue
			}
			payload, err := json.Marshal(clientEvent{Type: "input_text_buffer.append", Text: frag})
			if err != nil {
				continue
			}
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

// egress receives server events and emits decoded PCM until the session
// finishes, fails, or is cancelled.
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
				// Cancelled; the closed connection is expected.
			default:
				s.setErr(fmt.Errorf("dashscope: read: %w", err))
			}
			return
		}

		ev, ok := parseServerEvent(data)
		if !ok {
			continue
		}
		switch ev.Type {
		case "response.audio.delta":
			pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
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
		case "session.finished":
			return
		case "error":
			if ev.Error != nil {
				s.setErr(fmt.Errorf("dashscope: %s: %s", ev.Error.Code, ev.Error.Message))
			} else {
				s.setErr(errors.New("dashscope: unspecified server error"))
			}
			return
		}
	}
}

// Ensure synthesis implements the tts.Synthesis interface at compile time.
var _ tts.Synthesis = (*synthesis)(nil)

// parseServerEvent parses a raw server frame. It reports false for frames
// that are not valid JSON events.
func parseServerEvent(data []byte) (serverEvent, bool) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return serverEvent{}, false
	}
	if ev.Type == "" {
		return serverEvent{}, false
	}
	return ev, true
}
