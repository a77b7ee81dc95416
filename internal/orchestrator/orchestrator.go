// Package orchestrator runs conversation turns: it assembles context,
// drives the provider stream, executes requested tools, and settles
// billing and persistence when the turn ends.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcfield/parley/internal/billing"
	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/logging"
	"github.com/arcfield/parley/internal/metrics"
	"github.com/arcfield/parley/internal/provider"
	"github.com/arcfield/parley/internal/tools"
)

// maxToolIterations bounds the provider/tool loop within one turn.
const maxToolIterations = 5

// ToolConnector opens connections to configured tool servers.
// tools.Directory is the production implementation.
type ToolConnector interface {
	Connect(ctx context.Context, serverID string) (tools.Conn, error)
}

// Options wires an Orchestrator.
type Options struct {
	Providers *provider.Registry
	Store     ConversationStore
	Retriever Retriever     // optional, nil disables knowledge retrieval
	Gate      *billing.Gate // optional, nil disables billing
	Connector ToolConnector // optional, nil disables tool servers
	Agents    []domain.Agent
	Metrics   *metrics.Metrics // optional
	Log       *logging.Logger

	// HistoryLimit bounds how many stored messages are loaded per turn.
	// 0 loads everything.
	HistoryLimit int

	// KnowledgeLimit bounds retrieved references per turn. 0 uses the
	// retriever's default.
	KnowledgeLimit int
}

// Orchestrator runs turns against registered agents.
type Orchestrator struct {
	providers  *provider.Registry
	store      ConversationStore
	retriever  Retriever
	gate       *billing.Gate
	connector  ToolConnector
	dispatcher *tools.Dispatcher
	agents     map[string]domain.Agent
	metrics    *metrics.Metrics
	log        *logging.Logger

	historyLimit   int
	knowledgeLimit int
}

// New creates an orchestrator from the given options.
func New(opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	gate := opts.Gate
	if gate == nil {
		gate = billing.NewGate(nil, log)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	agents := make(map[string]domain.Agent, len(opts.Agents))
	for _, a := range opts.Agents {
		agents[a.ID] = a
	}
	return &Orchestrator{
		providers:      opts.Providers,
		store:          opts.Store,
		retriever:      opts.Retriever,
		gate:           gate,
		connector:      opts.Connector,
		dispatcher:     tools.NewDispatcher(log),
		agents:         agents,
		metrics:        m,
		log:            log.Sub("orchestrator"),
		historyLimit:   opts.HistoryLimit,
		knowledgeLimit: opts.KnowledgeLimit,
	}
}

// Agent returns a registered agent by ID.
func (o *Orchestrator) Agent(id string) (domain.Agent, bool) {
	a, ok := o.agents[id]
	return a, ok
}

// RunTurn executes one turn. Frames stream to sink as the turn progresses;
// a nil sink runs the turn in blocking mode. On success the sink has seen
// a terminal done frame; on failure a single terminal error frame.
// Cancellation returns ctx.Err() without emitting further frames.
func (o *Orchestrator) RunTurn(ctx context.Context, req domain.TurnRequest, sink Sink) (*domain.TurnOutcome, error) {
	start := time.Now()

	agent, ok := o.agents[req.AgentID]
	if !ok {
		err := fmt.Errorf("unknown agent %q", req.AgentID)
		o.sendError(sink, 404, err.Error())
		return nil, err
	}
	if len(req.Messages) == 0 {
		err := fmt.Errorf("turn request carries no messages")
		o.sendError(sink, 400, err.Error())
		return nil, err
	}
	adapter, err := o.providers.ForMode(agent.CreateMode)
	if err != nil {
		o.sendError(sink, 500, err.Error())
		return nil, err
	}

	decision, err := o.gate.Precheck(ctx, req.Principal, agent.Price)
	if err != nil {
		if billing.IsInsufficient(err) {
			o.sendError(sink, billing.CodeInsufficient, err.Error())
		} else {
			o.sendError(sink, 500, err.Error())
		}
		o.metrics.TurnCounter.WithLabelValues(agent.ID, "insufficient").Inc()
		return nil, err
	}

	conv, history, err := o.openConversation(ctx, req, agent, sink)
	if err != nil {
		o.sendError(sink, 404, err.Error())
		return nil, err
	}
	handle := conv.Metadata[domain.HandleKey(adapter.Name())]

	refs := o.retrieve(ctx, agent, req.LastUserText())
	if agent.ShowReferences && len(refs) > 0 {
		o.send(sink, Frame{Type: FrameReferences, Data: refs})
	}

	set, err := o.resolveTools(ctx, agent, req)
	if err != nil {
		o.sendError(sink, 500, err.Error())
		return nil, err
	}
	if set != nil {
		defer set.Close()
	}

	working := Assemble(AssembleInput{
		SystemPrompt: agent.SystemPrompt,
		References:   refs,
		History:      history,
		Incoming:     req.Messages,
		MaxMessages:  agent.MaxContext,
	})

	turn := &turnState{
		req:      req,
		agent:    agent,
		adapter:  adapter,
		conv:     conv,
		decision: decision,
		refs:     refs,
		start:    start,
	}

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		if ctx.Err() != nil {
			o.metrics.TurnCounter.WithLabelValues(agent.ID, "cancelled").Inc()
			return nil, ctx.Err()
		}

		result, err := o.converseOnce(ctx, turn, working, set, handle, sink)
		if err != nil {
			if ctx.Err() != nil {
				o.metrics.TurnCounter.WithLabelValues(agent.ID, "cancelled").Inc()
				return nil, ctx.Err()
			}
			return nil, o.failTurn(ctx, turn, sink, err)
		}

		turn.usage.Add(result.Usage)
		o.metrics.RecordTokens(adapter.Name(), result.Usage.PromptTokens, result.Usage.CompletionTokens)
		if result.Handle != "" {
			turn.newHandle = result.Handle
		}

		if len(result.ToolCalls) == 0 {
			return o.finishTurn(ctx, turn, sink)
		}

		if set == nil || set.Len() == 0 {
			turn.settle = true
			return nil, o.failTurn(ctx, turn, sink,
				fmt.Errorf("model requested tools but none are available"))
		}
		working = append(working, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   result.Text,
			ToolCalls: result.ToolCalls,
		})
		for _, call := range result.ToolCalls {
			record := o.dispatcher.Execute(ctx, call, set)
			if ctx.Err() != nil {
				o.metrics.TurnCounter.WithLabelValues(agent.ID, "cancelled").Inc()
				return nil, ctx.Err()
			}
			o.observeTool(record)
			o.send(sink, Frame{Type: FrameToolResult, Data: record})
			turn.toolRecords = append(turn.toolRecords, record)

			if record.Status == domain.CallError {
				// Tool failure ends the turn; the provider and any prior
				// tools did real work, so billing still settles.
				turn.settle = true
				return nil, o.failTurn(ctx, turn, sink,
					fmt.Errorf("tool %s failed: %s", record.Name, record.Error))
			}
			working = append(working, domain.Message{
				Role:       domain.RoleTool,
				Content:    record.Output,
				ToolCallID: record.ID,
			})
		}
	}

	turn.settle = true
	return nil, o.failTurn(ctx, turn, sink,
		fmt.Errorf("tool call limit reached after %d iterations", maxToolIterations))
}

// turnState carries everything accumulated across provider rounds.
type turnState struct {
	req      domain.TurnRequest
	agent    domain.Agent
	adapter  provider.Adapter
	conv     *domain.Conversation
	decision billing.Decision
	refs     []domain.Reference
	start    time.Time

	text        []byte
	reasoning   []byte
	toolRecords []domain.ToolCall
	suggestions []string
	usage       domain.Usage
	newHandle   string

	// settle marks failure paths that still owe a billing settlement.
	settle bool
}

// converseOnce runs a single provider call, forwarding stream events as
// frames and folding them into the turn state. Returns the terminal result
// or the terminal error.
func (o *Orchestrator) converseOnce(ctx context.Context, turn *turnState, working []domain.Message, set *tools.Set, handle string, sink Sink) (*provider.Result, error) {
	req := provider.Request{
		Model:       turn.agent.Model,
		Messages:    working,
		MaxTokens:   turn.agent.MaxTokens,
		Temperature: turn.agent.Temperature,
		Handle:      handle,
		User:        turn.req.Principal,
		Suggestions: turn.agent.Suggestions,
	}
	if ov := turn.req.Overrides; ov != nil {
		if ov.Model != "" {
			req.Model = ov.Model
		}
		if ov.MaxTokens > 0 {
			req.MaxTokens = ov.MaxTokens
		}
		if ov.Temperature != nil {
			req.Temperature = ov.Temperature
		}
	}
	if set != nil {
		req.Tools = set.Descriptors()
	}

	callStart := time.Now()
	events, err := turn.adapter.Converse(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		o.metrics.ProviderRequestDuration.WithLabelValues(turn.adapter.Name()).
			Observe(time.Since(callStart).Seconds())
	}()

	var result *provider.Result
	for ev := range events {
		if ctx.Err() != nil {
			go func() {
				for range events {
				}
			}()
			return nil, ctx.Err()
		}

		switch ev.Type {
		case provider.EventChunk:
			turn.text = append(turn.text, ev.Text...)
			o.send(sink, Frame{Type: FrameChunk, Data: ev.Text})
		case provider.EventReasoning:
			turn.reasoning = append(turn.reasoning, ev.Text...)
			o.send(sink, Frame{Type: FrameReasoning, Data: ev.Text})
		case provider.EventToolCall:
			o.send(sink, Frame{Type: FrameToolCall, Data: *ev.Call})
		case provider.EventToolResult:
			// Platform-side tool runs are informational records only.
			turn.toolRecords = append(turn.toolRecords, *ev.Call)
			o.send(sink, Frame{Type: FrameToolResult, Data: *ev.Call})
		case provider.EventReferences:
			o.send(sink, Frame{Type: FrameReferences, Data: ev.References})
		case provider.EventSuggestions:
			turn.suggestions = append(turn.suggestions, ev.Suggestions...)
			o.send(sink, Frame{Type: FrameSuggestions, Data: ev.Suggestions})
		case provider.EventError:
			return nil, ev.Err
		case provider.EventDone:
			result = ev.Result
		}
	}
	if result == nil {
		return nil, &provider.Error{Provider: turn.adapter.Name(), Message: "stream ended without result"}
	}
	return result, nil
}

// finishTurn persists, settles and emits the terminal done frame.
func (o *Orchestrator) finishTurn(ctx context.Context, turn *turnState, sink Sink) (*domain.TurnOutcome, error) {
	outcome := &domain.TurnOutcome{
		ConversationID: turn.conv.ID,
		Text:           string(turn.text),
		Reasoning:      string(turn.reasoning),
		Usage:          turn.usage,
		ToolCalls:      turn.toolRecords,
		References:     turn.refs,
		Suggestions:    turn.suggestions,
		Duration:       time.Since(turn.start),
	}

	if turn.req.Save {
		o.persistExchange(ctx, turn, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   outcome.Text,
			Reasoning: outcome.Reasoning,
			ToolCalls: turn.toolRecords,
			Timestamp: time.Now(),
		})
		if turn.newHandle != "" {
			key := domain.HandleKey(turn.adapter.Name())
			if err := o.store.SetMetadata(ctx, turn.conv.ID, key, turn.newHandle); err != nil {
				o.log.Warn().Err(err).Str("conversation", turn.conv.ID).Msg("persisting platform handle failed")
			}
		}
	}

	if err := o.gate.Settle(ctx, turn.decision, turn.conv.ID); err != nil {
		o.log.Warn().Err(err).Str("principal", turn.decision.Payer).Msg("billing settlement failed")
	}

	o.send(sink, Frame{Type: FrameDone, Data: DoneData{
		ConversationID:   turn.conv.ID,
		PromptTokens:     turn.usage.PromptTokens,
		CompletionTokens: turn.usage.CompletionTokens,
		TotalTokens:      turn.usage.TotalTokens,
		DurationMS:       outcome.Duration.Milliseconds(),
	}})

	o.metrics.TurnCounter.WithLabelValues(turn.agent.ID, "done").Inc()
	o.metrics.TurnDuration.WithLabelValues(turn.agent.ID).Observe(outcome.Duration.Seconds())
	o.log.Info().
		Str("conversation", turn.conv.ID).
		Str("agent", turn.agent.ID).
		Int("totalTokens", turn.usage.TotalTokens).
		Dur("duration", outcome.Duration).
		Msg("turn complete")
	return outcome, nil
}

// failTurn persists the failed exchange, optionally settles billing, and
// emits the single terminal error frame.
func (o *Orchestrator) failTurn(ctx context.Context, turn *turnState, sink Sink, cause error) error {
	content := string(turn.text)
	if content == "" {
		content = cause.Error()
	}
	if turn.req.Save {
		o.persistExchange(ctx, turn, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   content,
			Reasoning: string(turn.reasoning),
			ToolCalls: turn.toolRecords,
			Error:     true,
			Timestamp: time.Now(),
		})
	}
	if turn.settle {
		if err := o.gate.Settle(ctx, turn.decision, turn.conv.ID); err != nil {
			o.log.Warn().Err(err).Str("principal", turn.decision.Payer).Msg("billing settlement failed")
		}
	}

	code := 500
	if perr, ok := cause.(*provider.Error); ok && perr.Code != 0 {
		code = perr.Code
	}
	o.sendError(sink, code, cause.Error())
	o.metrics.TurnCounter.WithLabelValues(turn.agent.ID, "error").Inc()
	o.log.Error().Err(cause).Str("conversation", turn.conv.ID).Msg("turn failed")
	return cause
}

// persistExchange writes the incoming messages plus the assistant reply
// and bumps the conversation counters.
func (o *Orchestrator) persistExchange(ctx context.Context, turn *turnState, assistant domain.Message) {
	for _, msg := range turn.req.Messages {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		if err := o.store.AppendMessage(ctx, turn.conv.ID, msg); err != nil {
			o.log.Warn().Err(err).Str("conversation", turn.conv.ID).Msg("persisting message failed")
		}
	}
	if err := o.store.AppendMessage(ctx, turn.conv.ID, assistant); err != nil {
		o.log.Warn().Err(err).Str("conversation", turn.conv.ID).Msg("persisting reply failed")
	}
	if err := o.store.UpdateStats(ctx, turn.conv.ID, 2, turn.usage.TotalTokens); err != nil {
		o.log.Warn().Err(err).Str("conversation", turn.conv.ID).Msg("updating stats failed")
	}
}

// openConversation loads an existing conversation or creates a new one,
// emitting the conversation_id frame for new conversations.
func (o *Orchestrator) openConversation(ctx context.Context, req domain.TurnRequest, agent domain.Agent, sink Sink) (*domain.Conversation, []domain.Message, error) {
	if req.ConversationID != "" {
		conv, err := o.store.Get(ctx, req.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		if conv.AgentID != agent.ID {
			return nil, nil, fmt.Errorf("conversation %s belongs to agent %q", conv.ID, conv.AgentID)
		}
		history, err := o.store.History(ctx, conv.ID, o.historyLimit)
		if err != nil {
			return nil, nil, err
		}
		return conv, history, nil
	}

	conv := &domain.Conversation{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		Principal: req.Principal,
		Title:     deriveTitle(req.LastUserText()),
		CreatedAt: time.Now(),
	}
	if req.Save {
		if err := o.store.Create(ctx, conv); err != nil {
			return nil, nil, err
		}
	}
	o.send(sink, Frame{Type: FrameConversationID, Data: conv.ID})
	return conv, nil, nil
}

// retrieve fetches knowledge references, best effort.
func (o *Orchestrator) retrieve(ctx context.Context, agent domain.Agent, query string) []domain.Reference {
	if o.retriever == nil || !agent.Knowledge || query == "" {
		return nil
	}
	refs, err := o.retriever.Retrieve(ctx, agent.ID, query, o.knowledgeLimit)
	if err != nil {
		o.log.Warn().Err(err).Str("agent", agent.ID).Msg("knowledge retrieval failed")
		return nil
	}
	return refs
}

// resolveTools connects the turn's tool servers into one set. A non-nil
// override list replaces the agent's. Servers that fail to connect are
// skipped with a warning; only direct-mode agents get local tools,
// third-party platforms run their own.
func (o *Orchestrator) resolveTools(ctx context.Context, agent domain.Agent, req domain.TurnRequest) (*tools.Set, error) {
	servers := agent.ToolServers
	if ov := req.Overrides; ov != nil && ov.ToolServers != nil {
		servers = ov.ToolServers
	}
	if o.connector == nil || len(servers) == 0 || agent.CreateMode != domain.ModeDirect {
		return nil, nil
	}
	var conns []tools.Conn
	for _, serverID := range servers {
		conn, err := o.connector.Connect(ctx, serverID)
		if err != nil {
			o.log.Warn().Err(err).Str("server", serverID).Msg("tool server unavailable")
			continue
		}
		conns = append(conns, conn)
	}
	if len(conns) == 0 {
		return nil, nil
	}
	set, err := tools.ResolveSet(ctx, conns)
	if err != nil {
		return nil, fmt.Errorf("resolving tool set: %w", err)
	}
	return set, nil
}

func (o *Orchestrator) observeTool(record domain.ToolCall) {
	status := "success"
	if record.Status == domain.CallError {
		status = "error"
	}
	o.metrics.ToolExecutionCounter.WithLabelValues(record.Name, status).Inc()
	o.metrics.ToolExecutionDuration.WithLabelValues(record.Name).Observe(record.Duration.Seconds())
}

func (o *Orchestrator) send(sink Sink, frame Frame) {
	if sink == nil {
		return
	}
	if err := sink.Send(frame); err != nil {
		o.log.Debug().Err(err).Str("frame", frame.Type).Msg("sink rejected frame")
	}
}

func (o *Orchestrator) sendError(sink Sink, code int, message string) {
	o.send(sink, Frame{Type: FrameError, Data: ErrorData{Code: code, Message: message}})
}
