// Package domain defines the core types shared across the conversation engine.
package domain

import (
	"encoding/json"
	"time"
)

// Role constants for messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in a conversation's message list.
// Ordering is significant and preserved exactly as sent to the provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning,omitempty"`  // one-turn artifact, stripped on replay
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`  // assistant messages requesting tool use
	ToolCallID string     `json:"toolCallId,omitempty"` // role=tool: links the result to its call
	Error      bool       `json:"error,omitempty"`      // assistant message recorded on a failed turn
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// Usage tracks token consumption for one provider call or one whole turn.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates another usage report into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Tool call status values. A call is pending from the moment the provider
// requests it until the dispatcher closes it, terminal either way.
const (
	CallPending = "pending"
	CallSuccess = "success"
	CallError   = "error"
)

// ToolCall is both the provider's request to invoke a tool and, once the
// dispatcher has run it, the closed record of that invocation.
type ToolCall struct {
	ID       string          `json:"id"`
	Server   string          `json:"server,omitempty"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Started  time.Time       `json:"started,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`
}

// Reference is a retrieved knowledge snippet injected into the model context
// and optionally surfaced to the caller.
type Reference struct {
	Source  string  `json:"source,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}
