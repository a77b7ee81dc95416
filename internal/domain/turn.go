package domain

import "time"

// Overrides are per-turn knobs that replace the agent's defaults.
type Overrides struct {
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	// ToolServers replaces the agent's tool server list for this turn.
	// An empty non-nil slice disables tools for the turn.
	ToolServers []string `json:"toolServers,omitempty"`
}

// TurnRequest describes one chat turn. Immutable once the turn starts.
type TurnRequest struct {
	// ConversationID is empty when the turn starts a new conversation.
	ConversationID string `json:"conversationId,omitempty"`
	AgentID        string `json:"agentId"`

	// Principal identifies the billed party. Empty means anonymous: the
	// turn runs unbilled.
	Principal string `json:"principal,omitempty"`

	// Messages is the ordered input for this turn; the last user message
	// is the newest turn content.
	Messages []Message `json:"messages"`

	// Save controls persistence. When false the turn is not recorded,
	// but billing still applies.
	Save bool `json:"save"`

	Overrides *Overrides `json:"overrides,omitempty"`
}

// LastUserText returns the content of the newest user message, or "".
func (r TurnRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// TurnOutcome is the finalized result of one turn, built incrementally
// while events stream through and handed to the store and the transport's
// terminal event exactly once.
type TurnOutcome struct {
	ConversationID string        `json:"conversationId,omitempty"`
	Text           string        `json:"text"`
	Reasoning      string        `json:"reasoning,omitempty"`
	Usage          Usage         `json:"usage"`
	ToolCalls      []ToolCall    `json:"toolCalls,omitempty"`
	References     []Reference   `json:"references,omitempty"`
	Suggestions    []string      `json:"suggestions,omitempty"`
	Duration       time.Duration `json:"duration"`
}
