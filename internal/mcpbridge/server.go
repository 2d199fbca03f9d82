// Package mcpbridge exposes the Nebula control plane to Model Context
// Protocol hosts. Tools cover every mutation action, the read surface, and
// the bootstrap enrollment flow; transport is newline-delimited JSON-RPC 2.0
// on stdio.
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
)

const protocolVersion = "2024-11-05"

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// rpcMessage is one inbound frame. A missing id marks a notification, which
// never gets a reply.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one outbound frame.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// maxFrame bounds one inbound line.
const maxFrame = 1 << 20

// Server bridges a stdio JSON-RPC stream to the tool registry. Replies may
// be written from concurrent tool calls, so all output funnels through one
// locked encoder.
type Server struct {
	tools  *ToolRegistry
	logger *log.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

// NewServer builds a server writing replies to w. The logger must not share
// w: protocol frames own stdout, diagnostics belong on stderr.
func NewServer(w io.Writer, tools *ToolRegistry, logger *log.Logger) *Server {
	return &Server{tools: tools, logger: logger, enc: json.NewEncoder(w)}
}

// Serve consumes frames from r until EOF or cancellation. Protocol methods
// are answered inline; tool calls run in their own goroutines because they
// block on the network, and a host may pipeline requests.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	in := bufio.NewScanner(r)
	in.Buffer(make([]byte, maxFrame), maxFrame)

	for in.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.reply(rpcResponse{JSONRPC: "2.0", ID: json.RawMessage(`null`), Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		if len(msg.ID) == 0 {
			continue
		}

		if msg.Method == "tools/call" {
			go s.reply(s.answer(ctx, msg))
		} else {
			s.reply(s.answer(ctx, msg))
		}
	}
	return in.Err()
}

// answer produces the response frame for one request.
func (s *Server) answer(ctx context.Context, msg rpcMessage) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: msg.ID}

	switch msg.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "nebula-mcp-bridge", "version": "0.1.0"},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": s.tools.Definitions()}
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid params"}
			break
		}
		s.logger.Printf("tool call: %s", params.Name)
		text, isErr := s.tools.Call(ctx, params.Name, params.Arguments)
		resp.Result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
			"isError": isErr,
		}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", msg.Method)}
	}
	return resp
}

func (s *Server) reply(resp rpcResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		s.logger.Printf("write error: %v", err)
	}
}
