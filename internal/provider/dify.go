package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/logging"
)

// DifyConfig configures the Dify platform backend.
type DifyConfig struct {
	BaseURL string
	APIKey  string
}

// Dify drives a Dify chat application. The platform runs its own agent
// loop server-side: tool use is reported through agent_thought events and
// surfaced here as informational tool_call/tool_result pairs, never as
// pending calls for the orchestrator to execute.
type Dify struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *logging.Logger
}

// NewDify creates the Dify adapter.
func NewDify(cfg DifyConfig, log *logging.Logger) *Dify {
	return &Dify{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: 300 * time.Second},
		log:     log.Sub("provider.dify"),
	}
}

// Name returns "dify".
func (d *Dify) Name() string { return "dify" }

type difyChatRequest struct {
	Inputs           map[string]any `json:"inputs"`
	Query            string         `json:"query"`
	ResponseMode     string         `json:"response_mode"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	User             string         `json:"user"`
	AutoGenerateName bool           `json:"auto_generate_name"`
}

type difyStreamEvent struct {
	Event          string `json:"event"`
	ID             string `json:"id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Answer         string `json:"answer,omitempty"`

	// agent_thought fields
	Thought     string `json:"thought,omitempty"`
	Tool        string `json:"tool,omitempty"`
	ToolInput   string `json:"tool_input,omitempty"`
	Observation string `json:"observation,omitempty"`

	// message_end fields
	Metadata struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"metadata,omitempty"`

	// error fields
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Converse issues one streaming chat-messages call. The last user message
// is the query; history lives platform-side behind the conversation handle.
func (d *Dify) Converse(ctx context.Context, req Request) (<-chan Event, error) {
	query := lastUserText(req.Messages)
	if query == "" {
		return nil, &Error{Provider: "dify", Message: "no user message in request"}
	}

	user := req.User
	if user == "" {
		user = "anonymous"
	}
	payload, err := json.Marshal(difyChatRequest{
		Inputs:         map[string]any{},
		Query:          query,
		ResponseMode:   "streaming",
		ConversationID: req.Handle,
		User:           user,
	})
	if err != nil {
		return nil, &Error{Provider: "dify", Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat-messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: "dify", Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: "dify", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &Error{Provider: "dify", Code: resp.StatusCode, Message: string(body)}
	}

	events := make(chan Event)
	go d.processStream(ctx, resp.Body, events, user, req.Suggestions)
	return events, nil
}

func (d *Dify) processStream(ctx context.Context, body io.ReadCloser, events chan<- Event, user string, wantSuggestions bool) {
	defer close(events)
	defer body.Close()

	var result Result
	var text, reasoning strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev difyStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.ConversationID != "" {
			result.Handle = ev.ConversationID
		}

		switch ev.Event {
		case "message", "agent_message":
			if ev.Answer != "" {
				text.WriteString(ev.Answer)
				events <- Event{Type: EventChunk, Text: ev.Answer}
			}
		case "agent_thought":
			if ev.Thought != "" {
				reasoning.WriteString(ev.Thought)
				events <- Event{Type: EventReasoning, Text: ev.Thought}
			}
			if ev.Tool != "" {
				// The platform already ran the tool; surface the pair
				// as informational records.
				call := domain.ToolCall{
					ID:     ev.ID,
					Name:   ev.Tool,
					Input:  json.RawMessage(ev.ToolInput),
					Status: domain.CallPending,
				}
				events <- Event{Type: EventToolCall, Call: &call}
				if ev.Observation != "" {
					record := call
					record.Status = domain.CallSuccess
					record.Output = ev.Observation
					events <- Event{Type: EventToolResult, Call: &record}
				}
			}
		case "message_end":
			if ev.MessageID != "" {
				result.MessageID = ev.MessageID
			} else if ev.ID != "" {
				result.MessageID = ev.ID
			}
			result.Usage = domain.Usage{
				PromptTokens:     ev.Metadata.Usage.PromptTokens,
				CompletionTokens: ev.Metadata.Usage.CompletionTokens,
				TotalTokens:      ev.Metadata.Usage.TotalTokens,
			}
		case "error":
			events <- Event{Type: EventError, Err: &Error{
				Provider: "dify",
				Code:     ev.Status,
				Message:  fmt.Sprintf("%s: %s", ev.Code, ev.Message),
			}}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		events <- Event{Type: EventError, Err: &Error{Provider: "dify", Message: err.Error()}}
		return
	}

	result.Text = text.String()
	result.Reasoning = reasoning.String()

	if wantSuggestions && result.MessageID != "" {
		if suggestions := d.fetchSuggestions(ctx, result.MessageID, user); len(suggestions) > 0 {
			events <- Event{Type: EventSuggestions, Suggestions: suggestions}
		}
	}

	events <- Event{Type: EventDone, Result: &result}
}

// fetchSuggestions asks the platform for follow-up suggestions after the
// main stream. Best-effort: any failure is logged and dropped.
func (d *Dify) fetchSuggestions(ctx context.Context, messageID, user string) []string {
	url := fmt.Sprintf("%s/messages/%s/suggested?user=%s", d.baseURL, messageID, user)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.log.Warn().Err(err).Msg("suggestion fetch failed")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.log.Warn().Int("status", resp.StatusCode).Msg("suggestion fetch rejected")
		return nil
	}

	var parsed struct {
		Result string   `json:"result"`
		Data   []string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil
	}
	return parsed.Data
}

func lastUserText(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
