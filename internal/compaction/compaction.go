// Package compaction implements the agentic summarization loop that
// keeps temporal memory under a token budget. It is itself a small
// tool-using model loop, sharing the agent package's Provider seam and
// tool dispatcher, with exactly two tools: create_summary and
// finish_compaction.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentkernel/agentkernel/internal/agent"
	"github.com/agentkernel/agentkernel/internal/core"
	"github.com/agentkernel/agentkernel/internal/tokens"
)

// MaxCompactionTurns bounds the outer loop: one outer turn rebuilds the
// history view (it changes as summaries are created) and runs one
// inner model loop against it.
const MaxCompactionTurns = 10

// maxInnerTurns bounds how many times the model may be called within a
// single outer turn before that turn is abandoned.
const maxInnerTurns = 5

// DefaultThreshold and DefaultTarget are the compaction trigger and
// goal token counts used when a Config leaves them unset.
const (
	DefaultThreshold = 6000
	DefaultTarget    = 3000
)

// Store is the slice of storage the compaction loop needs: the same
// temporal read surface as the agent loop, plus the CAS-free summary
// bookkeeping operations and the worker-tracking rows.
type Store interface {
	GetMessages() ([]core.Message, error)
	GetSummaries() ([]core.Summary, error)
	GetPresent() (core.PresentState, error)
	EstimateUncompactedTokens() (int, error)
	ValidSummaryIDs() (map[string]bool, error)
	SubsumedOrder(startID, endID string) (int, error)
	CreateSummary(sum core.Summary) error
	CreateWorker(w core.Worker) error
	CompleteWorker(id string) error
	FailWorker(id string, cause error) error
}

// PromptBuilder is the same system-prompt assembly surface the agent
// loop uses, so the compaction agent sees an identical view and
// prompt-caching pays off.
type PromptBuilder interface {
	Build(messages []core.Message, summaries []core.Summary, present core.PresentState) (string, error)
}

// Options configures one call to Run.
type Options struct {
	Store     Store
	Provider  agent.Provider
	Prompt    PromptBuilder
	IDNew     func(prefix string) string
	Threshold int
	Target    int
}

func (o Options) threshold() int {
	if o.Threshold <= 0 {
		return DefaultThreshold
	}
	return o.Threshold
}

func (o Options) target() int {
	if o.Target <= 0 {
		return DefaultTarget
	}
	return o.Target
}

// Result summarizes one compaction run.
type Result struct {
	Ran          bool
	Finished     bool
	TokensBefore int
	TokensAfter  int
	OuterTurns   int
}

type loopState struct {
	finished bool
	reason   string
}

// Run checks whether uncompacted temporal tokens exceed the configured
// threshold, and if so drives the two-tool compaction loop until
// tokens fall to the target, finish_compaction is called, or
// MaxCompactionTurns is reached. It records a tracked worker row and
// never returns an error that should fail the caller's main turn —
// failures are recorded on the worker and surfaced only for logging.
func Run(ctx context.Context, opts Options) (Result, error) {
	before, err := opts.Store.EstimateUncompactedTokens()
	if err != nil {
		return Result{}, fmt.Errorf("estimate uncompacted tokens: %w", err)
	}
	if before <= opts.threshold() {
		return Result{TokensBefore: before, TokensAfter: before}, nil
	}

	workerID := opts.IDNew("worker")
	if err := opts.Store.CreateWorker(core.Worker{ID: workerID, Type: core.WorkerTemporalCompact}); err != nil {
		return Result{}, fmt.Errorf("create worker: %w", err)
	}

	result := Result{Ran: true, TokensBefore: before}
	runErr := runLoop(ctx, opts, &result)
	if runErr != nil {
		_ = opts.Store.FailWorker(workerID, runErr)
		return result, runErr
	}
	_ = opts.Store.CompleteWorker(workerID)
	return result, nil
}

func runLoop(ctx context.Context, opts Options, result *Result) error {
	registry := agent.NewRegistry()
	state := &loopState{}
	registry.Register(createSummaryTool{store: opts.Store, idNew: opts.IDNew})
	registry.Register(finishCompactionTool{state: state})

	for outer := 0; outer < MaxCompactionTurns; outer++ {
		result.OuterTurns = outer + 1

		tokensNow, err := opts.Store.EstimateUncompactedTokens()
		if err != nil {
			return fmt.Errorf("estimate uncompacted tokens: %w", err)
		}
		result.TokensAfter = tokensNow
		if tokensNow <= opts.target() {
			result.Finished = true
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for inner := 0; inner < maxInnerTurns; inner++ {
			messages, err := opts.Store.GetMessages()
			if err != nil {
				return fmt.Errorf("load messages: %w", err)
			}
			summaries, err := opts.Store.GetSummaries()
			if err != nil {
				return fmt.Errorf("load summaries: %w", err)
			}
			present, err := opts.Store.GetPresent()
			if err != nil {
				return fmt.Errorf("load present state: %w", err)
			}
			system, err := opts.Prompt.Build(messages, summaries, present)
			if err != nil {
				return fmt.Errorf("build prompt: %w", err)
			}
			system += "\n\nTemporal memory is over budget. Use create_summary to cover ranges of the " +
				"history above, oldest first, until the uncompacted token estimate drops to target. " +
				"Call finish_compaction once you are done or cannot reduce further."

			completion, err := opts.Provider.Complete(ctx, agent.CompletionRequest{
				System: system,
				Tools:  registry.Defs(),
			})
			if err != nil {
				return fmt.Errorf("model call: %w", err)
			}

			if len(completion.ToolCalls) == 0 {
				break
			}
			for _, call := range completion.ToolCalls {
				registry.Dispatch(ctx, call)
			}
			if state.finished {
				result.Finished = true
				return nil
			}
		}
	}

	tokensAfter, err := opts.Store.EstimateUncompactedTokens()
	if err == nil {
		result.TokensAfter = tokensAfter
	}
	return nil
}

type createSummaryTool struct {
	store Store
	idNew func(prefix string) string
}

func (createSummaryTool) Name() string { return "create_summary" }
func (createSummaryTool) Description() string {
	return "Insert a summary covering a range of existing messages or summaries."
}
func (createSummaryTool) Schema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"startId": {"type": "string"},
			"endId": {"type": "string"},
			"narrative": {"type": "string"},
			"keyObservations": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["startId", "endId", "narrative"]
	}`)
}

func (t createSummaryTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		StartID         string   `json:"startId"`
		EndID           string   `json:"endId"`
		Narrative       string   `json:"narrative"`
		KeyObservations []string `json:"keyObservations"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}

	if core.SortKey(args.StartID) > core.SortKey(args.EndID) {
		return "", fmt.Errorf("invalid range: startId is after endId")
	}

	validIDs, err := t.store.ValidSummaryIDs()
	if err != nil {
		return "", err
	}
	if !validIDs[args.StartID] {
		return "", fmt.Errorf("invalid id: %q", args.StartID)
	}
	if !validIDs[args.EndID] {
		return "", fmt.Errorf("invalid id: %q", args.EndID)
	}

	order, err := t.store.SubsumedOrder(args.StartID, args.EndID)
	if err != nil {
		return "", err
	}

	sum := core.Summary{
		ID:              t.idNew("summary"),
		StartID:         args.StartID,
		EndID:           args.EndID,
		Order:           order,
		Narrative:       args.Narrative,
		KeyObservations: args.KeyObservations,
		Tokens:          tokens.Estimate(args.Narrative),
		CreatedAt:       time.Now(),
	}
	if err := t.store.CreateSummary(sum); err != nil {
		return "", err
	}
	return fmt.Sprintf("summary created covering %s..%s at order %d", args.StartID, args.EndID, order), nil
}

type finishCompactionTool struct {
	state *loopState
}

func (finishCompactionTool) Name() string        { return "finish_compaction" }
func (finishCompactionTool) Description() string { return "Declare this compaction turn done." }
func (finishCompactionTool) Schema() []byte {
	return []byte(`{"type":"object","properties":{"reason":{"type":"string"}},"required":["reason"]}`)
}

func (t finishCompactionTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	t.state.finished = true
	t.state.reason = args.Reason
	return "compaction finished: " + args.Reason, nil
}
