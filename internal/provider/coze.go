package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/logging"
)

// CozeConfig configures the Coze v3 chat backend.
type CozeConfig struct {
	BaseURL string
	APIKey  string
	BotID   string
}

// Coze drives a Coze bot over the v3 chat API. Like Dify, the platform
// runs its own agent loop; function_call and tool_output messages are
// surfaced as informational records only.
type Coze struct {
	baseURL string
	apiKey  string
	botID   string
	client  *http.Client
	log     *logging.Logger
}

// NewCoze creates the Coze adapter.
func NewCoze(cfg CozeConfig, log *logging.Logger) *Coze {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.coze.com"
	}
	return &Coze{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		botID:   cfg.BotID,
		client:  &http.Client{Timeout: 300 * time.Second},
		log:     log.Sub("provider.coze"),
	}
}

// Name returns "coze".
func (c *Coze) Name() string { return "coze" }

type cozeChatRequest struct {
	BotID              string            `json:"bot_id"`
	UserID             string            `json:"user_id"`
	Stream             bool              `json:"stream"`
	AutoSaveHistory    bool              `json:"auto_save_history"`
	AdditionalMessages []cozeChatMessage `json:"additional_messages"`
}

type cozeChatMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type cozeStreamMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Type           string `json:"type"`
	Content        string `json:"content"`

	// chat object fields (conversation.chat.* events)
	Status string `json:"status,omitempty"`
	Usage  *struct {
		TokenCount  int `json:"token_count"`
		OutputCount int `json:"output_count"`
		InputCount  int `json:"input_count"`
	} `json:"usage,omitempty"`
	LastError *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"last_error,omitempty"`
}

type cozeFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Converse issues one streaming v3 chat call. Only the latest user
// message is sent; the platform keeps history behind the handle.
func (c *Coze) Converse(ctx context.Context, req Request) (<-chan Event, error) {
	query := lastUserText(req.Messages)
	if query == "" {
		return nil, &Error{Provider: "coze", Message: "no user message in request"}
	}

	user := req.User
	if user == "" {
		user = "anonymous"
	}
	payload, err := json.Marshal(cozeChatRequest{
		BotID:           c.botID,
		UserID:          user,
		Stream:          true,
		AutoSaveHistory: true,
		AdditionalMessages: []cozeChatMessage{
			{Role: "user", Content: query, ContentType: "text"},
		},
	})
	if err != nil {
		return nil, &Error{Provider: "coze", Message: err.Error()}
	}

	url := c.baseURL + "/v3/chat"
	if req.Handle != "" {
		url += "?conversation_id=" + req.Handle
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: "coze", Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: "coze", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &Error{Provider: "coze", Code: resp.StatusCode, Message: string(body)}
	}

	events := make(chan Event)
	go c.processStream(ctx, resp.Body, events)
	return events, nil
}

// processStream parses the event:/data: framed v3 stream. Answer text
// arrives through conversation.message.delta; tool activity and
// follow-ups arrive as completed messages typed function_call,
// tool_output and follow_up.
func (c *Coze) processStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	var result Result
	var text strings.Builder
	var suggestions []string
	pending := make(map[string]*domain.ToolCall)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" || data == `"[DONE]"` {
			break
		}

		var msg cozeStreamMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.ConversationID != "" {
			result.Handle = msg.ConversationID
		}

		switch eventName {
		case "conversation.message.delta":
			if msg.Type == "answer" && msg.Content != "" {
				text.WriteString(msg.Content)
				events <- Event{Type: EventChunk, Text: msg.Content}
			}
		case "conversation.message.completed":
			switch msg.Type {
			case "answer":
				result.MessageID = msg.ID
			case "function_call":
				var fc cozeFunctionCall
				if err := json.Unmarshal([]byte(msg.Content), &fc); err != nil {
					continue
				}
				call := &domain.ToolCall{
					ID:     msg.ID,
					Name:   fc.Name,
					Input:  fc.Arguments,
					Status: domain.CallPending,
				}
				pending[fc.Name] = call
				events <- Event{Type: EventToolCall, Call: call}
			case "tool_output", "tool_response":
				record := domain.ToolCall{
					ID:     msg.ID,
					Status: domain.CallSuccess,
					Output: msg.Content,
				}
				// Pair the output with the latest unmatched call when the
				// platform sends only one of each, the common case.
				if len(pending) == 1 {
					for name, call := range pending {
						record.ID = call.ID
						record.Name = call.Name
						record.Input = call.Input
						delete(pending, name)
					}
				}
				events <- Event{Type: EventToolResult, Call: &record}
			case "follow_up":
				if msg.Content != "" {
					suggestions = append(suggestions, msg.Content)
				}
			case "verbose":
				// Workflow bookkeeping, not user-visible.
			}
		case "conversation.chat.completed":
			if msg.Usage != nil {
				result.Usage = domain.Usage{
					PromptTokens:     msg.Usage.InputCount,
					CompletionTokens: msg.Usage.OutputCount,
					TotalTokens:      msg.Usage.TokenCount,
				}
			}
		case "conversation.chat.failed":
			e := &Error{Provider: "coze", Message: "chat failed"}
			if msg.LastError != nil {
				e.Code = msg.LastError.Code
				e.Message = msg.LastError.Msg
			}
			events <- Event{Type: EventError, Err: e}
			return
		case "error":
			events <- Event{Type: EventError, Err: &Error{Provider: "coze", Message: msg.Content}}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		events <- Event{Type: EventError, Err: &Error{Provider: "coze", Message: err.Error()}}
		return
	}

	result.Text = text.String()
	if len(suggestions) > 0 {
		events <- Event{Type: EventSuggestions, Suggestions: suggestions}
	}
	events <- Event{Type: EventDone, Result: &result}
}
