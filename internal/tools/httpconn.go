package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arcfield/parley/internal/logging"
)

// Tool server wire protocol: JSON-RPC 2.0 over HTTP POST. The server
// exposes three methods: initialize, tools/list, and tools/call.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []wireTool `json:"tools"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// HTTPConn is a Conn backed by a JSON-RPC tool server over HTTP.
//
// Connection-class failures are retried once transparently after a fresh
// initialize; the dispatcher never sees the retry. Application-level tool
// errors are surfaced immediately.
type HTTPConn struct {
	id       string
	endpoint string
	client   *http.Client
	log      *logging.Logger
	nextID   atomic.Int64
}

// DialHTTP connects to a tool server and performs the initialize handshake.
func DialHTTP(ctx context.Context, id, endpoint string, log *logging.Logger) (*HTTPConn, error) {
	c := &HTTPConn{
		id:       id,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
		log:      log.Sub("toolconn." + id),
	}
	if err := c.initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing tool server %s: %w", id, err)
	}
	return c, nil
}

// ID returns the server id this connection was dialed with.
func (c *HTTPConn) ID() string { return c.id }

func (c *HTTPConn) initialize(ctx context.Context) error {
	var result initializeResult
	if err := c.call(ctx, "initialize", nil, &result); err != nil {
		return err
	}
	c.log.Debug().
		Str("server", result.ServerInfo.Name).
		Str("protocol", result.ProtocolVersion).
		Msg("tool server initialized")
	return nil
}

// ListTools fetches the server's tool descriptors.
func (c *HTTPConn) ListTools(ctx context.Context) ([]Descriptor, error) {
	var result listToolsResult
	if err := c.callWithRetry(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}
	descs := make([]Descriptor, len(result.Tools))
	for i, t := range result.Tools {
		descs[i] = Descriptor{
			Server:      c.id,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return descs, nil
}

// CallTool invokes a tool and returns its text output. A tool result
// flagged isError becomes an error return.
func (c *HTTPConn) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	params, err := json.Marshal(callToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("marshaling call params: %w", err)
	}

	var result toolResult
	if err := c.callWithRetry(ctx, "tools/call", params, &result); err != nil {
		return "", err
	}

	var text strings.Builder
	for _, item := range result.Content {
		if item.Type == "text" {
			text.WriteString(item.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text.String())
	}
	return text.String(), nil
}

// Close releases the connection.
func (c *HTTPConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// callWithRetry performs one RPC, reconnecting and retrying once on a
// connection-class failure.
func (c *HTTPConn) callWithRetry(ctx context.Context, method string, params json.RawMessage, result any) error {
	err := c.call(ctx, method, params, result)
	if err == nil || !IsConnectionError(err) || ctx.Err() != nil {
		return err
	}

	c.log.Warn().Err(err).Str("method", method).Msg("connection failure, reconnecting")
	if rerr := c.initialize(ctx); rerr != nil {
		return err
	}
	return c.call(ctx, method, params, result)
}

func (c *HTTPConn) call(ctx context.Context, method string, params json.RawMessage, result any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool server returned %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("parsing result: %w", err)
		}
	}
	return nil
}
