// Package tools resolves a turn's tool set from connected tool servers and
// executes individual tool calls against them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/logging"
)

// Descriptor describes a tool offered by a tool server.
type Descriptor struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Conn is a live connection to one tool server. A connection may serve
// multiple calls within a turn and is released when the turn ends.
type Conn interface {
	ID() string
	ListTools(ctx context.Context) ([]Descriptor, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
	Close() error
}

// Set is the collection of callable tools fixed for one turn. It is
// resolved once at turn start and read-only afterwards.
type Set struct {
	conns  map[string]Conn
	byName map[string]Descriptor
	order  []Descriptor
}

// ResolveSet lists tools from each connection and builds the turn's tool
// set. Tool names are unique within a set; a later server's duplicate name
// is skipped. The caller owns the connections and must Close the set on
// every exit path.
func ResolveSet(ctx context.Context, conns []Conn) (*Set, error) {
	s := &Set{
		conns:  make(map[string]Conn, len(conns)),
		byName: make(map[string]Descriptor),
	}
	for _, conn := range conns {
		descs, err := conn.ListTools(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("listing tools on %s: %w", conn.ID(), err)
		}
		s.conns[conn.ID()] = conn
		for _, d := range descs {
			d.Server = conn.ID()
			if _, exists := s.byName[d.Name]; exists {
				continue
			}
			s.byName[d.Name] = d
			s.order = append(s.order, d)
		}
	}
	return s, nil
}

// Descriptors returns the set's tools in resolution order.
func (s *Set) Descriptors() []Descriptor {
	return s.order
}

// Lookup finds a tool by name.
func (s *Set) Lookup(name string) (Descriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// Len reports the number of tools in the set.
func (s *Set) Len() int { return len(s.order) }

// Close releases every connection in the set. Best-effort: close errors
// are dropped because the turn is already ending.
func (s *Set) Close() {
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

// Dispatcher executes one tool call against the turn's tool set.
type Dispatcher struct {
	log *logging.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(log *logging.Logger) *Dispatcher {
	return &Dispatcher{log: log.Sub("tools")}
}

// Execute runs one tool call and returns the closed record. An unknown
// tool name yields a record with status error, not an error return, so the
// loop can report and stop cleanly. The dispatcher performs no retries.
func (d *Dispatcher) Execute(ctx context.Context, call domain.ToolCall, set *Set) domain.ToolCall {
	call.Status = domain.CallPending
	call.Started = time.Now()

	desc, ok := set.Lookup(call.Name)
	if !ok {
		call.Status = domain.CallError
		call.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		call.Duration = time.Since(call.Started)
		d.log.Warn().Str("tool", call.Name).Msg("tool not in turn's tool set")
		return call
	}
	call.Server = desc.Server

	conn := set.conns[desc.Server]
	d.log.Debug().Str("tool", call.Name).Str("server", desc.Server).Msg("executing tool call")

	output, err := conn.CallTool(ctx, call.Name, call.Input)
	call.Duration = time.Since(call.Started)

	if err != nil {
		call.Status = domain.CallError
		call.Error = err.Error()
		// Connection-class failures are distinguished from tool-level
		// errors for logging only; the record contract is the same.
		if IsConnectionError(err) {
			d.log.Error().Err(err).Str("tool", call.Name).Str("server", desc.Server).
				Dur("duration", call.Duration).Msg("tool server unreachable")
		} else {
			d.log.Warn().Err(err).Str("tool", call.Name).Str("server", desc.Server).
				Dur("duration", call.Duration).Msg("tool call failed")
		}
		return call
	}

	call.Status = domain.CallSuccess
	call.Output = output
	d.log.Debug().Str("tool", call.Name).Dur("duration", call.Duration).Msg("tool call completed")
	return call
}

// connectionErrorPatterns identify network-level failures by message,
// matching how tool servers report refused, timed-out, and DNS errors.
var connectionErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"connect: ",
	"timeout",
	"deadline exceeded",
	"no such host",
	"EOF",
	"broken pipe",
}

// IsConnectionError reports whether an error looks like a network-level
// failure rather than an application-level tool error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range connectionErrorPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
