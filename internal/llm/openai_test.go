package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIClientImplementsInterface(t *testing.T) {
	var _ Client = (*OpenAIClient)(nil)
}

func TestOpenAIClient_ChatRoundTrip(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer or-test" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "gen-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "deepseek/deepseek-chat",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "search_activities", "arguments": "{\"rank_by\":\"distance\",\"limit\":1}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 300, "completion_tokens": 20, "total_tokens": 320}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("openrouter", "or-test", srv.URL, nil)
	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "search_activities",
			"description": "Search the activity history",
			"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}}
	resp, err := c.Chat(context.Background(), "deepseek/deepseek-chat", []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "longest ride?"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{NewToolCall("call_0", "get_quota", nil)}},
		{Role: RoleTool, Content: `{"window_remaining":90}`, ToolCallID: "call_0"},
	}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	msgs, _ := body["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("sent %d messages, want 4", len(msgs))
	}
	if tool, _ := msgs[3].(map[string]any); tool["role"] != "tool" || tool["tool_call_id"] != "call_0" {
		t.Errorf("tool message = %v", tool)
	}
	if sent, _ := body["tools"].([]any); len(sent) != 1 {
		t.Errorf("sent tools = %v", body["tools"])
	}

	if resp.StopReason != "tool_calls" || resp.InputTokens != 300 || resp.OutputTokens != 20 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "search_activities" || tc.Function.Arguments["rank_by"] != "distance" {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestOpenAIClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","code":401}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("openrouter", "nope", srv.URL, nil)
	_, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Retryable() {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestConvertToOpenAI_FillsMissingToolCallIDs(t *testing.T) {
	msgs := convertToOpenAI([]Message{{Role: RoleAssistant, ToolCalls: []ToolCall{NewToolCall("", "get_quota", nil)}}})
	if len(msgs) != 1 || msgs[0].OfAssistant == nil {
		t.Fatalf("converted = %+v", msgs)
	}
	tcs := msgs[0].OfAssistant.ToolCalls
	if len(tcs) != 1 || tcs[0].ID != "call_get_quota_0" || tcs[0].Function.Arguments != "{}" {
		t.Errorf("tool calls = %+v", tcs)
	}
}
