package mcpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nebula-cp/nebula/pkg/client"
)

// syncBuffer guards the output buffer: tools/call responses are written from
// goroutines while the test polls the buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func newTestServer(t *testing.T, enrolled bool, backend http.Handler) (*Server, *syncBuffer) {
	t.Helper()
	baseURL := "http://127.0.0.1:0"
	if backend != nil {
		srv := httptest.NewServer(backend)
		t.Cleanup(srv.Close)
		baseURL = srv.URL
	}
	tools := NewToolRegistry(client.New(baseURL), enrolled)
	out := &syncBuffer{}
	return NewServer(out, tools, log.New(io.Discard, "", 0)), out
}

// serve feeds newline-delimited requests through Serve and decodes responses
// until want of them arrive. tools/call responses are written from goroutines,
// so arrival can lag Serve returning.
func serve(t *testing.T, s *Server, out *syncBuffer, want int, lines ...string) []rpcResponse {
	t.Helper()
	if err := s.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n")); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	var resps []rpcResponse
	for {
		resps = resps[:0]
		dec := json.NewDecoder(bytes.NewReader(out.Snapshot()))
		for {
			var r rpcResponse
			if err := dec.Decode(&r); err != nil {
				break
			}
			resps = append(resps, r)
		}
		if len(resps) >= want || time.Now().After(deadline) {
			return resps
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServe_initialize(t *testing.T) {
	s, out := newTestServer(t, true, nil)
	resps := serve(t, s, out, 1, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)

	if len(resps) != 1 || resps[0].Error != nil {
		t.Fatalf("responses = %+v", resps)
	}
	result := resps[0].Result.(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "nebula-mcp-bridge" {
		t.Errorf("serverInfo = %v", info)
	}
}

func TestServe_toolsList(t *testing.T) {
	s, out := newTestServer(t, true, nil)
	resps := serve(t, s, out, 1, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	if len(resps) != 1 {
		t.Fatalf("responses = %+v", resps)
	}
	tools := resps[0].Result.(map[string]any)["tools"].([]any)
	names := make(map[string]bool, len(tools))
	for _, raw := range tools {
		names[raw.(map[string]any)["name"].(string)] = true
	}
	for _, want := range []string{
		"create_entity", "update_job_status", "list_entities", "whoami",
		"agent_enroll_start", "agent_enroll_wait", "agent_enroll_redeem",
	} {
		if !names[want] {
			t.Errorf("tools/list missing %q", want)
		}
	}
}

func TestServe_methodNotFound(t *testing.T) {
	s, out := newTestServer(t, true, nil)
	resps := serve(t, s, out, 1, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)

	if len(resps) != 1 || resps[0].Error == nil || resps[0].Error.Code != codeMethodNotFound {
		t.Fatalf("responses = %+v", resps)
	}
}

func TestServe_parseErrorAndNotification(t *testing.T) {
	s, out := newTestServer(t, true, nil)
	resps := serve(t, s, out, 1,
		`{not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	)

	// The garbage line yields a parse error; the notification yields nothing.
	if len(resps) != 1 || resps[0].Error == nil || resps[0].Error.Code != codeParseError {
		t.Fatalf("responses = %+v", resps)
	}
}

func TestServe_toolCallRoundTrip(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/whoami" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"kind":"agent","name":"crawler"}}`))
	})
	s, out := newTestServer(t, true, backend)
	resps := serve(t, s, out, 1,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"whoami","arguments":{}}}`)

	if len(resps) != 1 {
		t.Fatalf("responses = %+v", resps)
	}
	result := resps[0].Result.(map[string]any)
	if result["isError"] != false {
		t.Fatalf("result = %v", result)
	}
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(text, `"crawler"`) {
		t.Errorf("text = %q", text)
	}
}

func TestCall_gatesUnenrolledBridge(t *testing.T) {
	tools := NewToolRegistry(client.New("http://127.0.0.1:0"), false)

	text, isErr := tools.Call(context.Background(), "create_entity", json.RawMessage(`{}`))
	if !isErr {
		t.Fatal("unenrolled write must fail")
	}
	var hint struct {
		Error     string   `json:"error"`
		NextSteps []string `json:"next_steps"`
	}
	if err := json.Unmarshal([]byte(text), &hint); err != nil {
		t.Fatalf("hint is not JSON: %q", text)
	}
	if hint.Error != "ENROLLMENT_REQUIRED" || len(hint.NextSteps) != 3 {
		t.Errorf("hint = %+v", hint)
	}

	// Reads are gated too.
	if _, isErr := tools.Call(context.Background(), "list_entities", nil); !isErr {
		t.Error("unenrolled read must fail")
	}
}

func TestCall_enrollWithoutSession(t *testing.T) {
	tools := NewToolRegistry(client.New("http://127.0.0.1:0"), false)

	text, isErr := tools.Call(context.Background(), "agent_enroll_wait", nil)
	if !isErr || !strings.Contains(text, "agent_enroll_start") {
		t.Errorf("wait without a session: %q (isErr %v)", text, isErr)
	}
}

func TestCall_enrollFlowFlipsCredential(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents/register":
			w.Write([]byte(`{"data":{"session_id":"sess-1","approval_request_id":"req-1","token":"nbe_tok"}}`))
		case "/enroll/sess-1/redeem":
			w.Write([]byte(`{"data":{"agent":{"id":"a1"},"api_key":"nbl_newkey","key_prefix":"nbl_newk"}}`))
		case "/whoami":
			if got := r.Header.Get("Authorization"); got != "Bearer nbl_newkey" {
				t.Errorf("post-redeem credential = %q", got)
			}
			w.Write([]byte(`{"data":{"kind":"agent"}}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	})
	srv := httptest.NewServer(backend)
	defer srv.Close()
	tools := NewToolRegistry(client.New(srv.URL), false)
	ctx := context.Background()

	if text, isErr := tools.Call(ctx, "agent_enroll_start", json.RawMessage(`{"name":"crawler"}`)); isErr {
		t.Fatalf("start failed: %q", text)
	}
	if text, isErr := tools.Call(ctx, "agent_enroll_redeem", nil); isErr {
		t.Fatalf("redeem failed: %q", text)
	}
	if text, isErr := tools.Call(ctx, "whoami", nil); isErr {
		t.Fatalf("post-redeem read failed: %q", text)
	}
}

func TestCall_readRequiresID(t *testing.T) {
	tools := NewToolRegistry(client.New("http://127.0.0.1:0"), true)
	text, isErr := tools.Call(context.Background(), "get_entity", json.RawMessage(`{}`))
	if !isErr || text != "id is required" {
		t.Errorf("get_entity without id: %q (isErr %v)", text, isErr)
	}
}
