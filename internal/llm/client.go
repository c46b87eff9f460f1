// Package llm provides chat clients for the model providers the agent
// can use, behind one provider-neutral interface.
package llm

import "context"

// Client is the interface every provider implements.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools are OpenAI-format function definitions.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
