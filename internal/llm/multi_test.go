package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	name    string
	pingErr error
}

func (s *stubClient) Chat(_ context.Context, model string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: s.name}}, nil
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func TestMultiClient_Routing(t *testing.T) {
	m := NewMultiClient("anthropic")
	m.AddProvider("anthropic", &stubClient{name: "anthropic"})
	m.AddProvider("openrouter", &stubClient{name: "openrouter"})
	m.AddModel("deepseek/deepseek-chat", "openrouter")

	tests := []struct {
		model, want string
	}{
		{"deepseek/deepseek-chat", "openrouter"},
		{"claude-sonnet-4-20250514", "anthropic"},
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if resp.Message.Content != tt.want || m.Provider(tt.model) != tt.want {
			t.Errorf("%s routed to %q, want %q", tt.model, resp.Message.Content, tt.want)
		}
	}
}

func TestMultiClient_NoProvider(t *testing.T) {
	m := NewMultiClient("anthropic")
	if _, err := m.Chat(context.Background(), "anything", nil, nil); err == nil {
		t.Error("expected error with no providers")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected ping error with no providers")
	}
}

func TestMultiClient_PingJoinsErrors(t *testing.T) {
	down := errors.New("down")
	m := NewMultiClient("a")
	m.AddProvider("a", &stubClient{})
	m.AddProvider("b", &stubClient{pingErr: down})
	if err := m.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping = %v, want wrapped %v", err, down)
	}
}

func TestMultiClient_Providers(t *testing.T) {
	m := NewMultiClient("b")
	m.AddProvider("b", &stubClient{name: "b"})
	m.AddProvider("a", &stubClient{name: "a"})

	if got := m.Providers(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Providers() = %v, want [a b]", got)
	}
	if m.Client("a") == nil || m.Client("missing") != nil {
		t.Error("Client lookup wrong")
	}
}
