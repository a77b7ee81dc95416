package orchestrator

import "sync"

// Frame types streamed to clients during a turn.
const (
	FrameConversationID = "conversation_id"
	FrameChunk          = "chunk"
	FrameReasoning      = "reasoning"
	FrameReferences     = "references"
	FrameToolCall       = "tool_call"
	FrameToolResult     = "tool_result"
	FrameSuggestions    = "suggestions"
	FrameError          = "error"
	FrameDone           = "done"
)

// Frame is one streamed turn event as delivered to a client.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DoneData is the payload of the terminal done frame.
type DoneData struct {
	ConversationID   string `json:"conversationId"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	DurationMS       int64  `json:"durationMs"`
}

// Sink receives frames as a turn progresses. A nil Sink runs the turn in
// blocking mode: no frames, only the final outcome.
type Sink interface {
	Send(frame Frame) error
}

// CollectSink buffers frames in memory. Used in tests and blocking mode
// diagnostics.
type CollectSink struct {
	mu     sync.Mutex
	frames []Frame
}

// Send appends the frame.
func (c *CollectSink) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

// Frames returns a copy of everything received so far.
func (c *CollectSink) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Types returns the frame types in arrival order.
func (c *CollectSink) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.frames))
	for i, f := range c.frames {
		types[i] = f.Type
	}
	return types
}
