package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/loquilabs/loqui/internal/session"
)

// drainTimeout bounds the final flush of queued frames after the session
// has closed, so a stalled client cannot hold the teardown hostage.
const drainTimeout = 2 * time.Second

// logEveryNDrops throttles the slow-client warning.
const logEveryNDrops = 100

// controlMessage is the client->server JSON envelope.
type controlMessage struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// outFrame is one queued WebSocket frame.
type outFrame struct {
	kind websocket.MessageType
	data []byte
}

// conn is one accepted agent connection. The handler goroutine reads; a
// dedicated goroutine writes. conn doubles as the session's emitter:
// SendEvent and SendAudio enqueue and never block, dropping frames when the
// client cannot keep up.
type conn struct {
	id           string
	ws           *websocket.Conn
	srv          *Server
	log          *slog.Logger
	sess         Session
	out          chan outFrame
	flush        chan struct{}
	writerDone   chan struct{}
	cancel       context.CancelFunc
	dropped      atomic.Int64
	writeTimeout time.Duration
}

var _ session.Emitter = (*conn)(nil)

func newConn(s *Server, id string, ws *websocket.Conn) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		srv:          s,
		log:          s.log.With("conn_id", id),
		out:          make(chan outFrame, s.queueSize),
		flush:        make(chan struct{}),
		writerDone:   make(chan struct{}),
		writeTimeout: s.writeTimeout,
	}
}

// run drives the connection to completion: build the session, send the
// handshake, pump frames both ways, tear down. It returns when the socket
// is gone and the session is fully closed.
func (c *conn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c.cancel = cancel

	sess, info, err := c.srv.factory(c.id, c)
	if err != nil {
		c.log.Error("session setup failed", "err", err)
		c.ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	c.sess = sess

	c.srv.metrics.ActiveSessions.Add(ctx, 1)
	defer c.srv.metrics.ActiveSessions.Add(context.Background(), -1)

	go c.writePump(ctx)

	info.Type = "session_info"
	c.SendEvent(info)
	c.sendConfigWarnings(info)

	startedAt := time.Now()
	c.log.Info("client connected")

	c.readLoop(ctx)

	// The socket is done. Close the session first so its final events land
	// in the queue, then flush what the client can still take.
	c.sess.Close()
	close(c.flush)
	<-c.writerDone
	c.ws.Close(websocket.StatusNormalClosure, "")

	c.log.Info("client disconnected",
		"duration", time.Since(startedAt),
		"dropped_frames", c.dropped.Load(),
	)
}

// readLoop dispatches inbound frames until the socket errors or closes.
// Binary frames are uplink PCM; text frames are control messages.
func (c *conn) readLoop(ctx context.Context) {
	for {
		kind, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.log.Info("client closed connection", "status", int(status))
			} else if ctx.Err() == nil {
				c.log.Warn("websocket read failed", "err", err)
			}
			return
		}
		switch kind {
		case websocket.MessageBinary:
			c.sess.FeedAudio(data)
		case websocket.MessageText:
			c.handleControl(ctx, data)
		}
	}
}

// handleControl decodes and dispatches one control message. Malformed and
// unknown messages are reported to the client and otherwise ignored; the
// connection stays up.
func (c *conn) handleControl(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed control message", "err", err)
		c.sendError("invalid JSON control message")
		return
	}

	switch msg.Type {
	case "start_session":
		c.log.Info("control: start_session")
		c.sess.Start(ctx)
	case "stop_session":
		c.log.Info("control: stop_session")
		c.sess.Stop()
	case "interrupt":
		c.log.Info("control: interrupt")
		c.sess.Interrupt()
	case "activate_skill":
		c.log.Info("control: activate_skill", "skill", msg.Name)
		if err := c.sess.ActivateSkill(msg.Name); err != nil {
			c.sendError(err.Error())
		}
	case "deactivate_skill":
		c.log.Info("control: deactivate_skill", "skill", msg.Name)
		if err := c.sess.DeactivateSkill(msg.Name); err != nil {
			c.sendError(err.Error())
		}
	default:
		c.log.Warn("unknown control message type", "control_type", msg.Type)
		c.sendError("unknown message type: " + msg.Type)
	}
}

// SendEvent queues a JSON event frame. Part of the session.Emitter contract:
// it must not block, so a full queue drops the frame.
func (c *conn) SendEvent(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("event encode failed", "err", err)
		return
	}
	c.enqueue(outFrame{kind: websocket.MessageText, data: data})
}

// SendAudio queues a binary downlink PCM frame.
func (c *conn) SendAudio(pcm []byte) {
	c.enqueue(outFrame{kind: websocket.MessageBinary, data: pcm})
}

func (c *conn) enqueue(f outFrame) {
	select {
	case c.out <- f:
	default:
		if n := c.dropped.Add(1); n == 1 || n%logEveryNDrops == 0 {
			c.log.Warn("outbound queue full, frame dropped", "dropped_total", n)
		}
	}
}

func (c *conn) sendError(msg string) {
	c.SendEvent(session.ErrorEvent{Type: "error", Message: msg})
}

// sendConfigWarnings mirrors missing credentials to the client right after
// the handshake, so a misconfigured server fails loudly in the UI instead
// of sitting silent.
func (c *conn) sendConfigWarnings(info SessionInfo) {
	if !info.ASRConfigured {
		c.log.Warn("asr not configured")
		c.sendError("ASR not configured: missing SONIOX_API_KEY")
	}
	if !info.LLMConfigured {
		c.log.Warn("llm not configured")
		c.sendError("LLM not configured: missing LLM_BASE_URL, LLM_API_KEY or LLM_MODEL")
	}
	if !info.TTSConfigured {
		c.log.Warn("tts not configured")
		c.sendError("TTS not configured: missing DASHSCOPE_API_KEY and TTS_VOICE_ID (or ELEVENLABS_API_KEY)")
	}
}

// writePump serializes all socket writes. It runs until the context ends, a
// write fails, or the flush signal tells it to drain and exit.
func (c *conn) writePump(ctx context.Context) {
	defer close(c.writerDone)
	for {
		select {
		case f := <-c.out:
			if !c.write(ctx, f) {
				c.cancel()
				return
			}
		case <-c.flush:
			c.drain()
			return
		case <-ctx.Done():
			return
		}
	}
}

// write sends one frame under the per-frame deadline.
func (c *conn) write(ctx context.Context, f outFrame) bool {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	err := c.ws.Write(wctx, f.kind, f.data)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			c.log.Debug("websocket write failed", "err", err)
		}
		return false
	}
	return true
}

// drain flushes whatever is queued after the session closed. Producers are
// gone by then, so an empty queue means done. The shared deadline bounds the
// whole flush when the peer has stopped reading.
func (c *conn) drain() {
	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case f := <-c.out:
			if !c.write(dctx, f) {
				return
			}
		default:
			return
		}
	}
}

// disconnect force-closes the socket; the reader unblocks and the normal
// teardown path runs on the handler goroutine.
func (c *conn) disconnect(code websocket.StatusCode, reason string) {
	c.ws.Close(code, reason)
}
