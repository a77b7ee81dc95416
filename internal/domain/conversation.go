package domain

import "time"

// Conversation is the durable record a sequence of turns accrues into.
// Metadata carries opaque per-platform state, e.g. the platform-side
// conversation handle under "<platform>_conversation_id".
type Conversation struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agentId"`
	Principal    string            `json:"principal,omitempty"`
	Title        string            `json:"title,omitempty"`
	MessageCount int               `json:"messageCount"`
	TotalTokens  int               `json:"totalTokens"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// HandleKey returns the metadata key under which a platform-side
// conversation handle is stored for the given platform.
func HandleKey(platform string) string {
	return platform + "_conversation_id"
}
