package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/arcfield/parley/internal/billing"
	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/orchestrator"
)

// chatRequest is the POST /v1/chat body. Streaming and saving both
// default to on.
type chatRequest struct {
	AgentID        string            `json:"agentId"`
	ConversationID string            `json:"conversationId,omitempty"`
	Principal      string            `json:"principal,omitempty"`
	Messages       []domain.Message  `json:"messages"`
	Save           *bool             `json:"save,omitempty"`
	Stream         *bool             `json:"stream,omitempty"`
	Overrides      *domain.Overrides `json:"overrides,omitempty"`
}

// chatResponse is the blocking-mode reply envelope. Code 0 is success;
// business failures reuse the upstream codes, notably 40602 for an
// insufficient balance.
type chatResponse struct {
	Code           int          `json:"code"`
	Message        string       `json:"message,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	Text           string       `json:"text,omitempty"`
	Reasoning      string       `json:"reasoning,omitempty"`
	Suggestions    []string     `json:"suggestions,omitempty"`
	Usage          domain.Usage `json:"usage"`
	DurationMS     int64        `json:"durationMs,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, chatResponse{Code: 400, Message: "invalid request body: " + err.Error()})
		return
	}
	if body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, chatResponse{Code: 400, Message: "agentId is required"})
		return
	}

	req := domain.TurnRequest{
		ConversationID: body.ConversationID,
		AgentID:        body.AgentID,
		Principal:      body.Principal,
		Messages:       body.Messages,
		Save:           body.Save == nil || *body.Save,
		Overrides:      body.Overrides,
	}

	if body.Stream == nil || *body.Stream {
		s.streamChat(w, r, req)
		return
	}
	s.blockChat(w, r.Context(), req)
}

// streamChat runs the turn with an SSE sink. The orchestrator emits the
// terminal done or error frame; the handler only appends the sentinel.
// A client disconnect cancels the request context and with it the turn.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req domain.TurnRequest) {
	sink, err := newSSESink(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, chatResponse{Code: 500, Message: err.Error()})
		return
	}

	if _, err := s.orch.RunTurn(r.Context(), req, sink); err != nil {
		if r.Context().Err() != nil {
			// Client is gone; nothing left to write.
			return
		}
		s.log.Debug().Err(err).Msg("streamed turn failed")
	}
	sink.Terminate()
}

func (s *Server) blockChat(w http.ResponseWriter, ctx context.Context, req domain.TurnRequest) {
	outcome, err := s.orch.RunTurn(ctx, req, nil)
	if err != nil {
		var ie *billing.InsufficientError
		switch {
		case errors.As(err, &ie):
			writeJSON(w, http.StatusOK, chatResponse{Code: ie.Code(), Message: err.Error()})
		case errors.Is(err, orchestrator.ErrConversationNotFound):
			writeJSON(w, http.StatusNotFound, chatResponse{Code: 404, Message: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, chatResponse{Code: 500, Message: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: outcome.ConversationID,
		Text:           outcome.Text,
		Reasoning:      outcome.Reasoning,
		Suggestions:    outcome.Suggestions,
		Usage:          outcome.Usage,
		DurationMS:     outcome.Duration.Milliseconds(),
	})
}

// conversationResponse is the GET /v1/conversations/{id} payload.
type conversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Messages     []domain.Message     `json:"messages"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, chatResponse{Code: 404, Message: "conversation not found"})
		return
	}
	msgs, err := s.store.History(r.Context(), id, 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, chatResponse{Code: 500, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, chatResponse{Code: 404, Message: "not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
