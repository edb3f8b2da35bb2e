package agent

import (
	"sync"

	"github.com/loquilabs/loqui/pkg/types"
)

// History is the LLM conversation of one session. The session appends the
// committed user utterance before running the loop and the final assistant
// answer after clean speech completion; the loop itself appends only finished
// tool rounds. A cancelled turn therefore leaves no partial assistant state
// behind.
//
// History is safe for concurrent use.
type History struct {
	mu   sync.Mutex
	msgs []types.Message
}

// NewHistory returns an empty conversation history.
func NewHistory() *History {
	return &History{}
}

// Append adds messages to the end of the conversation.
func (h *History) Append(msgs ...types.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msgs...)
	h.mu.Unlock()
}

// AppendUser appends a user message.
func (h *History) AppendUser(text string) {
	h.Append(types.Message{Role: types.RoleUser, Content: text})
}

// AppendAssistant appends a plain assistant message.
func (h *History) AppendAssistant(text string) {
	h.Append(types.Message{Role: types.RoleAssistant, Content: text})
}

// Snapshot returns a copy of the conversation. The copy is safe to hand to a
// provider while other goroutines keep appending.
func (h *History) Snapshot() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Clear drops the whole conversation. Called when a session stops.
func (h *History) Clear() {
	h.mu.Lock()
	h.msgs = nil
	h.mu.Unlock()
}
