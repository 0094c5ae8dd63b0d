// Package agent implements the single-turn agent loop and its tool
// dispatcher: model call, tool dispatch, repeat. The model provider
// itself is deliberately opaque — Provider is the only seam this
// package has with an LLM backend — so a concrete adapter (Anthropic,
// OpenAI, a local model) can be swapped in without touching the loop.
package agent

import "context"

// Provider is the opaque "generate(messages, tools) → (text, tool_calls,
// usage)" primitive the spec calls out as external to the core. No
// concrete implementation ships with this package; tests use a small
// scripted fake.
type Provider interface {
	// Complete issues one model call and returns its result. It must
	// respect ctx cancellation as a suspension point.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// CompletionRequest carries everything a single model call needs.
type CompletionRequest struct {
	System    string
	Messages  []CompletionMessage
	Tools     []ToolDef
	MaxTokens int
}

// CompletionMessage is one turn of the working conversation sent to the
// model. Role is "user", "assistant", or "tool".
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResultMsg
}

// ToolDef describes one callable tool to the model: name, human
// description, and JSON-schema parameters.
type ToolDef struct {
	Name        string
	Description string
	Schema      []byte
}

// ToolCall is the model's request to execute a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input []byte
}

// ToolResultMsg carries a tool's output back to the model.
type ToolResultMsg struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// CompletionResult is one model response: text, zero or more tool
// calls, and token usage for this call alone.
type CompletionResult struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage is the token usage of a single model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
