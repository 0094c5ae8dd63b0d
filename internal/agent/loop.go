// Package agent implements the single-turn agent loop and its tool
// dispatcher: model call, tool dispatch, repeat. The model provider
// itself is deliberately opaque — Provider is the only seam this
// package has with an LLM backend — so a concrete adapter (Anthropic,
// OpenAI, a local model) can be swapped in without touching the loop.
package agent

import (
	"context"
	"fmt"

	"github.com/agentkernel/agentkernel/internal/core"
)

// RunResult is what Run returns once the model stops requesting tools
// or the turn is cancelled.
type RunResult struct {
	Response string
	Usage    core.Usage
	Turns    int
}

// Run executes one agent turn to completion: it appends userContent as
// a user message, then repeatedly calls the model and dispatches any
// tool calls it requests, appending every message exchanged to the
// temporal store, until the model responds with no further tool calls,
// the turn is cancelled, or MaxTurns is exceeded.
//
// Cancellation is observed only at the suspension points described by
// the scheduler: immediately before each model call. A tool dispatch
// already in flight always runs to completion.
func Run(ctx context.Context, opts Options, userContent string) (RunResult, error) {
	if opts.Provider == nil {
		return RunResult{}, ErrNoProvider
	}
	if opts.Registry == nil {
		return RunResult{}, ErrNoRegistry
	}

	userMsg := core.Message{
		ID:      opts.IDNew("message"),
		Kind:    core.KindUser,
		Content: userContent,
	}
	if err := opts.Store.AppendMessage(userMsg); err != nil {
		return RunResult{}, fmt.Errorf("append user message: %w", err)
	}

	var result RunResult
	maxTurns := opts.maxTurns()

	for result.Turns = 0; result.Turns < maxTurns; result.Turns++ {
		select {
		case <-ctx.Done():
			return result, core.NewCancelled()
		default:
		}

		if opts.OnBeforeTurn != nil {
			for _, injected := range opts.OnBeforeTurn(ctx) {
				if injected.ID == "" {
					injected.ID = opts.IDNew("message")
				}
				if err := opts.Store.AppendMessage(injected); err != nil {
					return result, fmt.Errorf("append injected message: %w", err)
				}
			}
		}

		messages, err := opts.Store.GetMessages()
		if err != nil {
			return result, fmt.Errorf("load messages: %w", err)
		}
		summaries, err := opts.Store.GetSummaries()
		if err != nil {
			return result, fmt.Errorf("load summaries: %w", err)
		}
		present, err := opts.Store.GetPresent()
		if err != nil {
			return result, fmt.Errorf("load present state: %w", err)
		}

		system, err := opts.Prompt.Build(messages, summaries, present)
		if err != nil {
			return result, fmt.Errorf("build prompt: %w", err)
		}

		req := CompletionRequest{
			System:    system,
			Messages:  toCompletionMessages(messages),
			Tools:     opts.Registry.Defs(),
			MaxTokens: opts.MaxTokens,
		}

		completion, err := opts.Provider.Complete(ctx, req)
		if err != nil {
			return result, core.NewModelError(err)
		}
		result.Usage.Add(core.Usage{InputTokens: completion.Usage.InputTokens, OutputTokens: completion.Usage.OutputTokens})

		if completion.Text != "" {
			assistantMsg := core.Message{
				ID:      opts.IDNew("message"),
				Kind:    core.KindAssistant,
				Content: completion.Text,
			}
			if err := opts.Store.AppendMessage(assistantMsg); err != nil {
				return result, fmt.Errorf("append assistant message: %w", err)
			}
			result.Response = completion.Text
		}
		if opts.OnAssistant != nil {
			opts.OnAssistant(completion.Text, completion.ToolCalls)
		}

		if len(completion.ToolCalls) == 0 {
			return result, nil
		}

		for _, call := range completion.ToolCalls {
			if err := opts.Store.AppendMessage(core.Message{
				ID:        opts.IDNew("message"),
				Kind:      core.KindToolCall,
				Content:   string(call.Input),
				ToolName:  call.Name,
				ToolUseID: call.ID,
			}); err != nil {
				return result, fmt.Errorf("append tool call message: %w", err)
			}

			toolResult := opts.Registry.Dispatch(ctx, call)
			if opts.OnToolResult != nil {
				opts.OnToolResult(call, toolResult)
			}

			if err := opts.Store.AppendMessage(core.Message{
				ID:        opts.IDNew("message"),
				Kind:      core.KindToolResult,
				Content:   toolResult.Content,
				ToolName:  call.Name,
				ToolUseID: toolResult.ToolCallID,
				IsError:   toolResult.IsError,
			}); err != nil {
				return result, fmt.Errorf("append tool result message: %w", err)
			}
		}
	}

	return result, fmt.Errorf("exceeded max turns (%d)", maxTurns)
}

func toCompletionMessages(messages []core.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		switch m.Kind {
		case core.KindAssistant:
			role = "assistant"
		case core.KindToolCall:
			out = append(out, CompletionMessage{
				Role:      "assistant",
				ToolCalls: []ToolCall{{ID: m.ToolUseID, Name: m.ToolName, Input: []byte(m.Content)}},
			})
			continue
		case core.KindToolResult:
			out = append(out, CompletionMessage{
				Role:        "tool",
				ToolResults: []ToolResultMsg{{ToolCallID: m.ToolUseID, Content: m.Content, IsError: m.IsError}},
			})
			continue
		}
		out = append(out, CompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
