package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcfield/parley/internal/billing"
	"github.com/arcfield/parley/internal/domain"
	"github.com/arcfield/parley/internal/logging"
	"github.com/arcfield/parley/internal/metrics"
	"github.com/arcfield/parley/internal/orchestrator"
	"github.com/arcfield/parley/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testGateway struct {
	srv    *httptest.Server
	store  *orchestrator.MemoryConversationStore
	ledger *billing.MemoryLedger
	mock   *provider.MockAdapter
}

func newTestGateway(t *testing.T, agent domain.Agent) *testGateway {
	t.Helper()

	tg := &testGateway{
		store:  orchestrator.NewMemoryConversationStore(),
		ledger: billing.NewMemoryLedger(),
		mock:   provider.NewMockAdapter("native"),
	}
	registry := provider.NewRegistry(logging.Nop())
	registry.Register(tg.mock)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	orch := orchestrator.New(orchestrator.Options{
		Providers: registry,
		Store:     tg.store,
		Gate:      billing.NewGate(tg.ledger, logging.Nop()),
		Agents:    []domain.Agent{agent},
		Metrics:   m,
		Log:       logging.Nop(),
	})

	server := New(Options{
		Addr:         "127.0.0.1:0",
		Orchestrator: orch,
		Store:        tg.store,
		Metrics:      m,
		Registry:     promReg,
		Log:          logging.Nop(),
		Version:      "test",
	})
	tg.srv = httptest.NewServer(server.Handler())
	t.Cleanup(tg.srv.Close)
	return tg
}

func scriptHello(mock *provider.MockAdapter) {
	mock.ConverseFn = provider.ScriptTurns([]provider.Event{
		{Type: provider.EventChunk, Text: "Hel"},
		{Type: provider.EventChunk, Text: "lo"},
		{Type: provider.EventDone, Result: &provider.Result{
			Text:  "Hello",
			Usage: domain.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		}},
	})
}

func postChat(t *testing.T, url string, body map[string]any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url+"/v1/chat", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

// readSSE collects the data payloads of an SSE response, including the
// final sentinel.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	var payloads []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, scanner.Err())
	return payloads
}

func freeAgent() domain.Agent {
	return domain.Agent{ID: "helper", CreateMode: domain.ModeDirect, Model: "m"}
}

func TestChatStreaming(t *testing.T) {
	tg := newTestGateway(t, freeAgent())
	scriptHello(tg.mock)

	resp := postChat(t, tg.srv.URL, map[string]any{
		"agentId":  "helper",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	payloads := readSSE(t, resp)
	require.NotEmpty(t, payloads)
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var types []string
	for _, p := range payloads[:len(payloads)-1] {
		var frame orchestrator.Frame
		require.NoError(t, json.Unmarshal([]byte(p), &frame))
		types = append(types, frame.Type)
	}
	assert.Equal(t, []string{
		orchestrator.FrameConversationID,
		orchestrator.FrameChunk,
		orchestrator.FrameChunk,
		orchestrator.FrameDone,
	}, types)
}

func TestChatStreamingInsufficientBalance(t *testing.T) {
	agent := freeAgent()
	agent.Price = 10
	tg := newTestGateway(t, agent)
	tg.ledger.Grant("alice", 3)

	resp := postChat(t, tg.srv.URL, map[string]any{
		"agentId":   "helper",
		"principal": "alice",
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	})
	payloads := readSSE(t, resp)
	require.Len(t, payloads, 2)
	assert.Equal(t, "[DONE]", payloads[1])

	var frame struct {
		Type string                 `json:"type"`
		Data orchestrator.ErrorData `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &frame))
	assert.Equal(t, orchestrator.FrameError, frame.Type)
	assert.Equal(t, billing.CodeInsufficient, frame.Data.Code)
}

func TestChatBlocking(t *testing.T) {
	tg := newTestGateway(t, freeAgent())
	scriptHello(tg.mock)

	resp := postChat(t, tg.srv.URL, map[string]any{
		"agentId":  "helper",
		"stream":   false,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 0, out.Code)
	assert.Equal(t, "Hello", out.Text)
	assert.Equal(t, 6, out.Usage.TotalTokens)
	assert.NotEmpty(t, out.ConversationID)
}

func TestChatBlockingInsufficientEnvelope(t *testing.T) {
	agent := freeAgent()
	agent.Price = 10
	tg := newTestGateway(t, agent)

	resp := postChat(t, tg.srv.URL, map[string]any{
		"agentId":   "helper",
		"principal": "alice",
		"stream":    false,
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, billing.CodeInsufficient, out.Code)
	assert.NotEmpty(t, out.Message)
}

func TestChatValidation(t *testing.T) {
	tg := newTestGateway(t, freeAgent())

	resp := postChat(t, tg.srv.URL, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetConversation(t *testing.T) {
	tg := newTestGateway(t, freeAgent())
	scriptHello(tg.mock)

	resp := postChat(t, tg.srv.URL, map[string]any{
		"agentId":  "helper",
		"stream":   false,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()

	getResp, err := http.Get(tg.srv.URL + "/v1/conversations/" + out.ConversationID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var conv conversationResponse
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&conv))
	assert.Equal(t, out.ConversationID, conv.Conversation.ID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Hello", conv.Messages[1].Content)
}

func TestGetConversationMissing(t *testing.T) {
	tg := newTestGateway(t, freeAgent())

	resp, err := http.Get(tg.srv.URL + "/v1/conversations/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, freeAgent())

	resp, err := http.Get(tg.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "test", out.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t, freeAgent())
	scriptHello(tg.mock)

	resp := postChat(t, tg.srv.URL, map[string]any{
		"agentId":  "helper",
		"stream":   false,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	resp.Body.Close()

	mResp, err := http.Get(tg.srv.URL + "/metrics")
	require.NoError(t, err)
	defer mResp.Body.Close()
	require.Equal(t, http.StatusOK, mResp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(mResp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "parley_turns_total")
}

func TestNotFound(t *testing.T) {
	tg := newTestGateway(t, freeAgent())

	resp, err := http.Get(tg.srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientDisconnectCancelsTurn(t *testing.T) {
	tg := newTestGateway(t, freeAgent())

	started := make(chan struct{})
	blocked := make(chan struct{})
	tg.mock.ConverseFn = func(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
		close(started)
		events := make(chan provider.Event)
		go func() {
			defer close(events)
			select {
			case <-ctx.Done():
			case <-blocked:
			}
		}()
		return events, nil
	}
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	payload, _ := json.Marshal(map[string]any{
		"agentId":  "helper",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tg.srv.URL+"/v1/chat", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	<-started
	cancel()

	// The handler returns only because the disconnect cancelled the turn:
	// the provider stream is still blocked on the `blocked` channel.
	<-done
}
