package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/pacer/internal/agent"
	"github.com/nugget/pacer/internal/tools"
)

type fakeExec struct {
	args map[string]any
}

func (f *fakeExec) Definitions() []tools.Tool {
	return []tools.Tool{
		{
			Name:        tools.NameGetActivityDetail,
			Description: "Fetch one activity",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "integer"}},
				"required":   []string{"id"},
			},
		},
	}
}

func (f *fakeExec) ExecuteArgs(_ context.Context, _ tools.Query, name string, args map[string]any) (string, error) {
	f.args = args
	if _, ok := args["id"]; !ok {
		return "", &tools.ArgumentError{Tool: name, Field: "id", Reason: "required"}
	}
	return `{"activity":{"id":42}}`, nil
}

type fakeAsker struct{ got agent.Request }

func (f *fakeAsker) Run(_ context.Context, req agent.Request) (*agent.Response, error) {
	f.got = req
	return &agent.Response{Answer: "12 rides", Note: "partial"}, nil
}

// rpcResult is the subset of a JSON-RPC response the tests inspect.
type rpcResult struct {
	Result struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
}

func send(t *testing.T, s *server.MCPServer, msg string) rpcResult {
	t.Helper()
	reply := s.HandleMessage(context.Background(), json.RawMessage(msg))
	raw, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	var out rpcResult
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode reply %s: %v", raw, err)
	}
	return out
}

func newTestServer(t *testing.T, opts ...Option) (*server.MCPServer, *fakeExec) {
	t.Helper()
	exec := &fakeExec{}
	s, err := New(exec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	send(t, s, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`)
	return s, exec
}

func TestListTools(t *testing.T) {
	s, _ := newTestServer(t, WithAsker(&fakeAsker{}))

	res := send(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	names := map[string]map[string]any{}
	for _, tool := range res.Result.Tools {
		names[tool.Name] = tool.InputSchema
	}
	schema, ok := names[tools.NameGetActivityDetail]
	if !ok {
		t.Fatalf("tools = %+v, missing %s", res.Result.Tools, tools.NameGetActivityDetail)
	}
	if props, _ := schema["properties"].(map[string]any); props["id"] == nil {
		t.Errorf("schema = %v, want id property", schema)
	}
	if _, ok := names[AskToolName]; !ok {
		t.Errorf("tools = %v, missing %s", names, AskToolName)
	}
}

func TestListTools_NoAsker(t *testing.T) {
	s, _ := newTestServer(t)
	res := send(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	for _, tool := range res.Result.Tools {
		if tool.Name == AskToolName {
			t.Errorf("%s offered without an asker", AskToolName)
		}
	}
}

func TestCallTool(t *testing.T) {
	s, exec := newTestServer(t)

	res := send(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_activity_detail","arguments":{"id":42}}}`)
	if res.Result.IsError {
		t.Fatalf("isError = true: %+v", res.Result.Content)
	}
	if len(res.Result.Content) != 1 || res.Result.Content[0].Text != `{"activity":{"id":42}}` {
		t.Errorf("content = %+v", res.Result.Content)
	}
	if exec.args["id"] != float64(42) {
		t.Errorf("args = %v", exec.args)
	}
}

func TestCallTool_ArgumentError(t *testing.T) {
	s, _ := newTestServer(t)

	res := send(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_activity_detail","arguments":{}}}`)
	if !res.Result.IsError {
		t.Fatal("isError = false, want true")
	}
	if len(res.Result.Content) == 0 || res.Result.Content[0].Text == "" {
		t.Errorf("content = %+v, want error text", res.Result.Content)
	}
}

func TestAsk(t *testing.T) {
	asker := &fakeAsker{}
	s, _ := newTestServer(t, WithAsker(asker))

	res := send(t, s, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"ask_pacer","arguments":{"question":"how many rides?"}}}`)
	if res.Result.IsError {
		t.Fatalf("isError = true: %+v", res.Result.Content)
	}
	if asker.got.Question != "how many rides?" || asker.got.Source != "mcp" {
		t.Errorf("request = %+v", asker.got)
	}
	if len(res.Result.Content) != 1 || res.Result.Content[0].Text != "12 rides\n\n_partial_" {
		t.Errorf("content = %+v", res.Result.Content)
	}

	res = send(t, s, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"ask_pacer","arguments":{}}}`)
	if !res.Result.IsError {
		t.Error("empty question accepted")
	}
}
