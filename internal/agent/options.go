package agent

import (
	"context"

	"github.com/agentkernel/agentkernel/internal/core"
)

// MaxTurns bounds a single call to Run: the number of model calls made
// before the loop gives up and returns without a final answer.
const MaxTurns = 50

// MessageStore is the slice of storage the loop reads and writes
// temporal rows through. A narrow interface keeps the loop testable
// without a real database.
type MessageStore interface {
	AppendMessage(msg core.Message) error
	GetMessages() ([]core.Message, error)
	GetSummaries() ([]core.Summary, error)
	GetPresent() (core.PresentState, error)
}

// PromptBuilder is the slice of the prompt assembler the loop needs.
type PromptBuilder interface {
	Build(messages []core.Message, summaries []core.Summary, present core.PresentState) (string, error)
}

// OnBeforeTurn is consulted at the start of every turn, immediately
// before the model is called. Anything it returns is appended to the
// temporal store before the prompt is built, implementing mid-turn
// message injection without allowing more than one model call to
// be in flight for a given injected message.
type OnBeforeTurn func(ctx context.Context) []core.Message

// Options configures one call to Run.
type Options struct {
	Store        MessageStore
	Registry     *Registry
	Provider     Provider
	Prompt       PromptBuilder
	IDNew        func(prefix string) string
	MaxTurns     int
	MaxTokens    int
	OnBeforeTurn OnBeforeTurn

	// OnAssistant is called once per model call with its text and any
	// tool calls it requested, letting a caller (e.g. the NDJSON
	// server) stream events as the turn progresses rather than only
	// seeing the final result.
	OnAssistant func(text string, toolCalls []ToolCall)

	// OnToolResult is called once per dispatched tool call with its
	// result.
	OnToolResult func(call ToolCall, result ToolResultMsg)
}

func (o Options) maxTurns() int {
	if o.MaxTurns <= 0 {
		return MaxTurns
	}
	return o.MaxTurns
}
