package domain

// Agent creation modes. The mode selects which platform adapter drives the
// agent's turns; it never changes mid-turn.
const (
	ModeDirect = "direct"
	ModeDify   = "dify"
	ModeCoze   = "coze"
)

// Agent is the resolved configuration a turn runs against.
type Agent struct {
	ID           string
	Name         string
	CreateMode   string // direct | dify | coze
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64

	// MaxContext bounds how many messages are replayed to the provider.
	// Zero means no trimming.
	MaxContext int

	// Price is the amount deducted from the principal per turn, in power
	// units. Zero means the agent is free.
	Price int64

	// ToolServers lists the tool server IDs whose tools make up the
	// agent's tool set, resolved once at turn start.
	ToolServers []string

	// Knowledge enables retrieval-augmented context for this agent.
	Knowledge bool
	// ShowReferences surfaces retrieved snippets to the caller as a
	// references frame in addition to injecting them into context.
	ShowReferences bool
	// Suggestions asks third-party platforms for follow-up suggestions
	// after the main stream completes.
	Suggestions bool
}
