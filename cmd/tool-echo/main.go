// tool-echo is a demo tool server speaking the JSON-RPC wire protocol
// the engine dials: initialize, tools/list, tools/call over HTTP POST.
// It serves two tools, echo and time.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

var tools = []tool{
	{
		Name:        "echo",
		Description: "Echoes the provided text back",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to echo"},
			},
			"required": []string{"text"},
		},
	},
	{
		Name:        "time",
		Description: "Returns the current server time in RFC3339",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "tool-echo", "version": "1.0.0"},
		}
	case "tools/list":
		resp.Result = map[string]any{"tools": tools}
	case "tools/call":
		resp.Result = callTool(req.Params)
	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func callTool(params json.RawMessage) toolResult {
	var p callParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errorResult("invalid params: " + err.Error())
	}

	switch p.Name {
	case "echo":
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
		if args.Text == "" {
			return errorResult("text is required")
		}
		return textResult(args.Text)
	case "time":
		return textResult(time.Now().Format(time.RFC3339))
	default:
		return errorResult("unknown tool: " + p.Name)
	}
}

func textResult(text string) toolResult {
	return toolResult{Content: []contentItem{{Type: "text", Text: text}}}
}

func errorResult(message string) toolResult {
	return toolResult{Content: []contentItem{{Type: "text", Text: message}}, IsError: true}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:18891", "listen address")
	flag.Parse()

	http.HandleFunc("POST /", handle)
	fmt.Printf("tool-echo listening on %s\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
