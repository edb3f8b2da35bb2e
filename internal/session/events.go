package session

import (
	"encoding/json"

	"github.com/loquilabs/loqui/internal/skills"
)

// ─────────────────────────────── Emitter ───────────────────────────────

// Emitter delivers session output to the connected client. The transport
// layer implements it on top of its outbound queue.
//
// Both methods are called while the session holds internal locks, so
// implementations must not block and must not call back into the Session.
// Queue and return; drop on overflow if the client cannot keep up.
type Emitter interface {
	// SendEvent queues one JSON-marshalable event for the client.
	SendEvent(v any)

	// SendAudio queues one chunk of 24 kHz mono s16le PCM for playback.
	SendAudio(pcm []byte)
}

// ─────────────────────────────── Wire events ───────────────────────────────

// Connection status values reported on ConnectionStatusEvent.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// StateEvent announces a session state transition.
type StateEvent struct {
	Type  string `json:"type"` // "state"
	State string `json:"state"`
}

// ConnectionStatusEvent reports the health of one upstream service
// ("asr", "llm" or "tts").
type ConnectionStatusEvent struct {
	Type    string `json:"type"` // "connection_status"
	Service string `json:"service"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// ASREvent carries a live transcript fragment. Partials are provisional and
// each one replaces the previous partial; finals are stable.
type ASREvent struct {
	Type    string `json:"type"` // "asr"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// TurnEvent marks a turn boundary: "user_committed" opens a turn with the
// committed utterance, "finished" closes it.
type TurnEvent struct {
	Type   string `json:"type"`  // "turn"
	Event  string `json:"event"` // "user_committed" | "finished"
	TurnID string `json:"turn_id"`
	Text   string `json:"text,omitempty"`
}

// LLMEvent streams one text fragment of the answer. The terminal event has
// Done set, empty text and ElapsedMS covering the whole stream.
type LLMEvent struct {
	Type       string `json:"type"` // "llm"
	TurnID     string `json:"turn_id"`
	Text       string `json:"text"`
	Done       bool   `json:"done"`
	TokenIndex int    `json:"token_index"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// ToolStartEvent announces a tool invocation.
type ToolStartEvent struct {
	Type       string          `json:"type"`  // "tool"
	Event      string          `json:"event"` // "start"
	TurnID     string          `json:"turn_id"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultEvent carries a finished tool invocation.
type ToolResultEvent struct {
	Type       string `json:"type"`  // "tool"
	Event      string `json:"event"` // "result"
	TurnID     string `json:"turn_id"`
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// SkillEvent reports a skill toggle, whether requested by the client or by
// the model mid-turn. Skills is the full catalog after the change.
type SkillEvent struct {
	Type   string        `json:"type"`  // "skill"
	Event  string        `json:"event"` // "activated" | "deactivated"
	Name   string        `json:"name"`
	Skills []skills.Info `json:"skills"`
}

// SkillsListEvent publishes the skill catalog, sent once per session start.
type SkillsListEvent struct {
	Type   string        `json:"type"` // "skills_list"
	Skills []skills.Info `json:"skills"`
}

// MetricsEvent summarizes one turn's latency profile. Pointer fields are
// null when the turn never reached that stage.
type MetricsEvent struct {
	Type                string  `json:"type"` // "metrics"
	TurnID              string  `json:"turn_id"`
	ListeningDurationMS int64   `json:"listening_duration_ms"`
	ThinkingMS          *int64  `json:"thinking_ms"`
	SpeakingMS          int64   `json:"speaking_ms"`
	LLMFirstTokenMS     *int64  `json:"llm_first_token_ms"`
	TTSFirstAudioMS     *int64  `json:"tts_first_audio_ms"`
	E2ELatencyMS        *int64  `json:"e2e_latency_ms"`
	LLMTokens           int     `json:"llm_tokens"`
	LLMTokPerSec        float64 `json:"llm_tok_per_sec"`
	TTSAudioChunks      int     `json:"tts_audio_chunks"`
	TTSEstDurationMS    int64   `json:"tts_est_duration_ms"`
	TurnTotalMS         int64   `json:"turn_total_ms"`
	ToolCalls           int     `json:"tool_calls"`
}

// payload renders the event as the JSONB document stored with an archived
// turn. Null stages are omitted rather than stored as nulls.
func (m MetricsEvent) payload() map[string]any {
	p := map[string]any{
		"listening_duration_ms": m.ListeningDurationMS,
		"speaking_ms":           m.SpeakingMS,
		"llm_tokens":            m.LLMTokens,
		"llm_tok_per_sec":       m.LLMTokPerSec,
		"tts_audio_chunks":      m.TTSAudioChunks,
		"tts_est_duration_ms":   m.TTSEstDurationMS,
		"turn_total_ms":         m.TurnTotalMS,
		"tool_calls":            m.ToolCalls,
	}
	if m.ThinkingMS != nil {
		p["thinking_ms"] = *m.ThinkingMS
	}
	if m.LLMFirstTokenMS != nil {
		p["llm_first_token_ms"] = *m.LLMFirstTokenMS
	}
	if m.TTSFirstAudioMS != nil {
		p["tts_first_audio_ms"] = *m.TTSFirstAudioMS
	}
	if m.E2ELatencyMS != nil {
		p["e2e_latency_ms"] = *m.E2ELatencyMS
	}
	return p
}

// ErrorEvent reports a user-visible failure. TurnID is set when the failure
// belongs to a specific turn.
type ErrorEvent struct {
	Type    string `json:"type"` // "error"
	TurnID  string `json:"turn_id,omitempty"`
	Message string `json:"message"`
}
