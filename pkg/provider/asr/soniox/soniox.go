// Package soniox provides a Soniox-backed ASR provider using the Soniox
// real-time transcription WebSocket API. It implements the asr.Provider
// interface.
//
// The protocol is config-first: the client sends a JSON configuration object,
// then streams raw binary PCM frames. The service answers with token batches
// carrying an is_final flag per token and a synthetic "<end>" token when its
// endpoint detection decides the speaker has finished. An empty text frame
// from the client marks end of audio.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/loquilabs/loqui/pkg/provider/asr"
)

const (
	// DefaultEndpoint is the Soniox real-time transcription endpoint.
	DefaultEndpoint = "wss://stt-rt.soniox.com/transcribe-websocket"

	// DefaultModel is the Soniox real-time model used when none is configured.
	DefaultModel = "stt-rt-v4"

	// endpointToken is the synthetic token Soniox emits when endpoint
	// detection fires. It is a marker, never transcript text.
	endpointToken = "<end>"

	dialTimeout = 12 * time.Second
	closeGrace  = 5 * time.Second
)

// DefaultLanguageHints is used when the stream config carries no hints.
var DefaultLanguageHints = []string{"zh", "en"}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint URL.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.wsURL = url
	}
}

// WithModel sets the Soniox model identifier (e.g., "stt-rt-v4").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// Provider implements asr.Provider backed by the Soniox real-time API.
type Provider struct {
	apiKey string
	wsURL  string
	model  string
}

// Ensure Provider implements the asr.Provider interface at compile time.
var _ asr.Provider = (*Provider)(nil)

// New creates a new Soniox Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{
		apiKey: apiKey,
		wsURL:  DefaultEndpoint,
		model:  DefaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// configMessage is the first frame sent on a new connection.
type configMessage struct {
	APIKey                       string   `json:"api_key"`
	Model                        string   `json:"model"`
	LanguageHints                []string `json:"language_hints,omitempty"`
	EnableLanguageIdentification bool     `json:"enable_language_identification"`
	EnableSpeakerDiarization     bool     `json:"enable_speaker_diarization"`
	EnableEndpointDetection      bool     `json:"enable_endpoint_detection"`
	AudioFormat                  string   `json:"audio_format"`
	SampleRate                   int      `json:"sample_rate"`
	NumChannels                  int      `json:"num_channels"`
}

// serverMessage is the JSON structure Soniox sends for each token batch.
type serverMessage struct {
	Tokens []struct {
		Text    string `json:"text"`
		IsFinal bool   `json:"is_final"`
	} `json:"tokens"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Finished     bool   `json:"finished"`
}

// StartStream opens a streaming transcription session with Soniox.
//
// The dial honors the environment proxy settings on the first attempt; when
// that attempt fails it retries once with proxying disabled, since misdeclared
// SOCKS proxies are a common way for the first dial to break.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("soniox: dial: %w", err)
	}

	configJSON, err := json.Marshal(p.buildConfig(cfg))
	if err != nil {
		conn.Close(websocket.StatusInternalError, "config marshal failed")
		return nil, fmt.Errorf("soniox: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, configJSON); err != nil {
		conn.Close(websocket.StatusInternalError, "config send failed")
		return nil, fmt.Errorf("soniox: send config: %w", err)
	}

	st := &stream{
		conn:   conn,
		events: make(chan asr.Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	st.wg.Add(2)
	go st.readLoop(ctx)
	go st.writeLoop(ctx)

	st.emit(asr.Event{Kind: asr.KindStatus, Detail: "connected"})
	return st, nil
}

// buildConfig assembles the handshake message, applying defaults for unset
// stream parameters.
func (p *Provider) buildConfig(cfg asr.StreamConfig) configMessage {
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	hints := cfg.LanguageHints
	if len(hints) == 0 {
		hints = DefaultLanguageHints
	}
	return configMessage{
		APIKey:                  p.apiKey,
		Model:                   p.model,
		LanguageHints:           hints,
		EnableEndpointDetection: true,
		AudioFormat:             "pcm_s16le",
		SampleRate:              sampleRate,
		NumChannels:             channels,
	}
}

// dial connects to the Soniox endpoint, retrying once without the environment
// proxy when the first attempt fails.
func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.wsURL, nil)
	if err == nil {
		return conn, nil
	}
	firstErr := err

	retryCtx, cancelRetry := context.WithTimeout(ctx, dialTimeout)
	defer cancelRetry()

	conn, _, err = websocket.Dial(retryCtx, p.wsURL, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: &http.Transport{Proxy: nil}},
	})
	if err != nil {
		return nil, fmt.Errorf("with proxy: %w (direct retry: %v)", firstErr, err)
	}
	return conn, nil
}

// ---- stream ----

// stream is a live Soniox transcription stream. It implements asr.Stream.
type stream struct {
	conn   *websocket.Conn
	events chan asr.Event
	audio  chan []byte

	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	halfOpen atomic.Bool
}

// Feed queues a PCM chunk for delivery to Soniox. In the half-open state
// (after an unrecoverable provider failure) chunks are dropped silently so a
// dead recognizer does not take the session down with it.
func (s *stream) Feed(pcm []byte) error {
	if s.halfOpen.Load() {
		return nil
	}
	select {
	case <-s.done:
		return asr.ErrStreamClosed
	default:
	}
	select {
	case s.audio <- pcm:
		return nil
	case <-s.done:
		return asr.ErrStreamClosed
	}
}

// Events returns the ordered event sequence for this stream.
func (s *stream) Events() <-chan asr.Event { return s.events }

// Close terminates the stream cleanly: pending audio is flushed, the
// end-of-audio marker is sent, and the provider is given a short grace period
// to deliver its remaining tokens before the connection is torn down.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)

		finished := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(closeGrace):
		}

		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		<-finished
	})
	return nil
}

// emit delivers an event unless the stream is shutting down.
func (s *stream) emit(e asr.Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// fail records an unrecoverable provider failure: the stream flips to
// half-open and the failure is surfaced as an error event.
func (s *stream) fail(detail string) {
	s.halfOpen.Store(true)
	s.emit(asr.Event{Kind: asr.KindError, Detail: detail})
}

// writeLoop drains the audio channel into binary frames. When the stream is
// closing it flushes whatever is queued and sends the empty text frame that
// tells Soniox no more audio is coming.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(""))
					return
				}
			}
		}
	}
}

// readLoop receives token batches and turns them into asr events.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	var utt utterance

	for {
		kind, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Normal shutdown.
			default:
				s.fail(fmt.Sprintf("read: %v", err))
			}
			return
		}
		if kind != websocket.MessageText {
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if msg.ErrorCode != nil {
			s.fail(fmt.Sprintf("provider error %d: %s", *msg.ErrorCode, msg.ErrorMessage))
			return
		}

		for _, e := range utt.absorb(msg) {
			s.emit(e)
		}

		if msg.Finished {
			s.emit(asr.Event{Kind: asr.KindStatus, Detail: "disconnected"})
			return
		}
	}
}

// utterance accumulates the final tokens of the sentence currently being
// spoken and converts server token batches into events.
//
// Final tokens append to the buffer; non-final tokens only render the
// provisional tail. Every non-empty batch yields a display event, final when
// the batch left no provisional tail, partial otherwise. The "<end>" marker
// (or the finished flag) commits the buffered final tokens as an endpoint
// event and clears the buffer.
type utterance struct {
	finals []string
}

// absorb processes one token batch and returns the events it produced,
// in emission order.
func (u *utterance) absorb(msg serverMessage) []asr.Event {
	var events []asr.Event

	gotEndpoint := false
	var nonFinal []string

	for _, tok := range msg.Tokens {
		if tok.Text == "" {
			continue
		}
		if tok.Text == endpointToken {
			gotEndpoint = true
			continue
		}
		if tok.IsFinal {
			u.finals = append(u.finals, tok.Text)
		} else {
			nonFinal = append(nonFinal, tok.Text)
		}
	}

	display := strings.Join(u.finals, "") + strings.Join(nonFinal, "")
	if display != "" {
		kind := asr.KindPartial
		if len(nonFinal) == 0 {
			kind = asr.KindFinal
		}
		events = append(events, asr.Event{Kind: kind, Text: display})
	}

	if gotEndpoint || msg.Finished {
		if e, ok := u.flush(); ok {
			events = append(events, e)
		}
	}
	return events
}

// flush commits the buffered final tokens as an endpoint event. It reports
// false when the buffer holds nothing but whitespace.
func (u *utterance) flush() (asr.Event, bool) {
	sentence := strings.TrimSpace(strings.Join(u.finals, ""))
	u.finals = u.finals[:0]
	if sentence == "" {
		return asr.Event{}, false
	}
	return asr.Event{Kind: asr.KindEndpoint, Text: sentence}, true
}
