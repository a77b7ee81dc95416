// Package provider defines the canonical stream event vocabulary and the
// platform adapter interface. Each adapter translates one backend's wire
// protocol into the same event stream so the orchestrator never branches
// on backend identity.
package provider

import (
	"context"
	"fmt"

	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/logging"
	"github.com/arcfield/parley/internal/tools"
)

// Canonical stream event types. Every adapter emits exactly one terminal
// event per Converse call: done or error.
const (
	EventChunk       = "chunk"
	EventReasoning   = "reasoning"
	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventReferences  = "references"
	EventSuggestions = "suggestions"
	EventError       = "error"
	EventDone        = "done"
)

// Event is one canonical stream event.
type Event struct {
	Type string

	// Text carries the delta for chunk and reasoning events.
	Text string

	// Call carries the pending request for tool_call events and the
	// closed record for tool_result events (third-party platforms
	// report their own tool runs as informational records).
	Call *domain.ToolCall

	References  []domain.Reference
	Suggestions []string

	// Err is set on error events.
	Err *Error

	// Result is set on the terminal done event.
	Result *Result
}

// Error is an adapter-level failure with an optional upstream code.
type Error struct {
	Provider string
	Code     int
	Message  string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Provider, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Request is one provider call within a turn.
type Request struct {
	Model       string
	Messages    []domain.Message
	Tools       []tools.Descriptor
	MaxTokens   int
	Temperature *float64

	// Handle is the platform-side conversation handle from a previous
	// turn, empty on the first turn. Only third-party adapters use it.
	Handle string

	// User identifies the end user to platforms that require one.
	User string

	// Suggestions asks the platform for follow-up suggestions after the
	// main stream completes. Best-effort; failure never fails the call.
	Suggestions bool
}

// Result is the terminal payload of one provider call.
type Result struct {
	Text      string
	Reasoning string

	// ToolCalls are the calls the model wants executed before it can
	// continue. Empty means the call's text is final. Third-party
	// platforms run their own tools, so their results carry none.
	ToolCalls []domain.ToolCall

	Usage      domain.Usage
	Handle     string // platform-side conversation handle to persist
	MessageID  string // platform-side message id, where the platform has one
	StopReason string
}

// Adapter is the interface every platform backend implements. Converse
// issues one call and streams canonical events until a terminal done or
// error event, then closes the channel.
type Adapter interface {
	Converse(ctx context.Context, req Request) (<-chan Event, error)
	Name() string
}

// Registry holds the configured adapters keyed by name.
type Registry struct {
	adapters map[string]Adapter
	log      *logging.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		log:      log.Sub("provider"),
	}
}

// Register adds an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
	r.log.Debug().Str("adapter", a.Name()).Msg("adapter registered")
}

// Get returns a registered adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// ForMode selects the adapter for an agent's create mode. Selection is a
// pure function of the mode; it is resolved once per turn.
func (r *Registry) ForMode(mode string) (Adapter, error) {
	name, ok := adapterNameForMode(mode)
	if !ok {
		return nil, fmt.Errorf("unknown create mode %q", mode)
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no %s adapter configured for mode %q", name, mode)
	}
	return a, nil
}

func adapterNameForMode(mode string) (string, bool) {
	switch mode {
	case domain.ModeDirect:
		return "native", true
	case domain.ModeDify:
		return "dify", true
	case domain.ModeCoze:
		return "coze", true
	default:
		return "", false
	}
}
