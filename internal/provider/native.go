package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/logging"
	"github.com/arcfield/parley/internal/tools"
	openai "github.com/sashabaranov/go-openai"
)

// NativeConfig configures the OpenAI-compatible backend.
type NativeConfig struct {
	BaseURL string
	APIKey  string
	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// Native talks to an OpenAI-compatible chat-completions endpoint and maps
// its stream deltas 1:1 onto canonical events. Tool calls arrive as
// structured deltas accumulated by index until the stream finishes.
type Native struct {
	client       *openai.Client
	defaultModel string
	log          *logging.Logger
}

// NewNative creates the native adapter.
func NewNative(cfg NativeConfig, log *logging.Logger) *Native {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Native{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		log:          log.Sub("provider.native"),
	}
}

// Name returns "native".
func (n *Native) Name() string { return "native" }

// Converse issues one streaming chat-completions call.
func (n *Native) Converse(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = n.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.User != "" {
		chatReq.User = req.User
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := n.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, &Error{Provider: "native", Message: err.Error()}
	}

	events := make(chan Event)
	go n.processStream(ctx, stream, events, model)
	return events, nil
}

func (n *Native) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- Event, model string) {
	defer close(events)
	defer stream.Close()

	var result Result
	var text, reasoning []byte

	// Tool call fragments arrive incrementally and are tracked by index;
	// order of first appearance is the request order.
	calls := make(map[int]*domain.ToolCall)
	var order []int

	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			events <- Event{Type: EventError, Err: &Error{Provider: "native", Message: err.Error()}}
			return
		}

		if resp.Usage != nil {
			result.Usage = domain.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			text = append(text, delta.Content...)
			events <- Event{Type: EventChunk, Text: delta.Content}
		}
		if delta.ReasoningContent != "" {
			reasoning = append(reasoning, delta.ReasoningContent...)
			events <- Event{Type: EventReasoning, Text: delta.ReasoningContent}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &domain.ToolCall{Status: domain.CallPending}
				order = append(order, index)
			}
			if tc.ID != "" {
				calls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[index].Input = append(calls[index].Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			result.StopReason = string(choice.FinishReason)
		}
	}

	result.Text = string(text)
	result.Reasoning = string(reasoning)
	for _, idx := range order {
		call := calls[idx]
		if call.ID == "" || call.Name == "" {
			events <- Event{Type: EventError, Err: &Error{
				Provider: "native",
				Message:  "malformed tool call in stream: missing id or name",
			}}
			return
		}
		result.ToolCalls = append(result.ToolCalls, *call)
		events <- Event{Type: EventToolCall, Call: call}
	}

	n.log.Debug().
		Str("model", model).
		Int("toolCalls", len(result.ToolCalls)).
		Int("totalTokens", result.Usage.TotalTokens).
		Msg("stream complete")
	events <- Event{Type: EventDone, Result: &result}
}

func toOpenAIMessages(messages []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.Role == domain.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				msg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(descs []tools.Descriptor) []openai.Tool {
	out := make([]openai.Tool, len(descs))
	for i, d := range descs {
		var schema map[string]any
		if err := json.Unmarshal(d.InputSchema, &schema); err != nil || schema == nil {
			// One bad schema must not break the rest of the tool set.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
