package provider

import "context"

// MockAdapter is a scriptable Adapter for tests.
type MockAdapter struct {
	NameValue   string
	ConverseFn  func(ctx context.Context, req Request) (<-chan Event, error)
	LastRequest *Request
}

// NewMockAdapter creates a mock registered under name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{NameValue: name}
}

func (m *MockAdapter) Name() string { return m.NameValue }

// Converse records the request and delegates to ConverseFn. Without a
// ConverseFn it emits a single empty done event.
func (m *MockAdapter) Converse(ctx context.Context, req Request) (<-chan Event, error) {
	reqCopy := req
	m.LastRequest = &reqCopy
	if m.ConverseFn != nil {
		return m.ConverseFn(ctx, req)
	}
	return ScriptedEvents(Event{Type: EventDone, Result: &Result{}}), nil
}

// ScriptedEvents returns a closed-after-drain channel replaying the given
// events in order.
func ScriptedEvents(events ...Event) <-chan Event {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// ScriptTurns returns a ConverseFn that replays one event script per
// call, in sequence. Calls past the last script emit an empty done.
func ScriptTurns(scripts ...[]Event) func(ctx context.Context, req Request) (<-chan Event, error) {
	call := 0
	return func(ctx context.Context, req Request) (<-chan Event, error) {
		if call >= len(scripts) {
			return ScriptedEvents(Event{Type: EventDone, Result: &Result{}}), nil
		}
		script := scripts[call]
		call++
		return ScriptedEvents(script...), nil
	}
}
