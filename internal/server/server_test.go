package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentkernel/agentkernel/internal/agent"
	"github.com/agentkernel/agentkernel/internal/core"
)

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	dec := json.NewDecoder(out)
	var lines []map[string]any
	for {
		var v map[string]any
		if err := dec.Decode(&v); err != nil {
			break
		}
		lines = append(lines, v)
	}
	return lines
}

func TestServeBatchHelloEmitsResult(t *testing.T) {
	in := strings.NewReader(`{"type":"user","message":{"role":"user","content":"Hello"},"session_id":"s1"}` + "\n")
	var out bytes.Buffer

	runTurn := func(ctx context.Context, content string) (agent.RunResult, error) {
		return agent.RunResult{Response: "hi there", Turns: 1}, nil
	}
	s := New(in, &out, nil, runTurn)

	require.NoError(t, s.Serve(context.Background()))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 1, "expected exactly one result line")
	result := lines[0]
	require.Equal(t, "result", result["type"])
	require.Equal(t, "success", result["subtype"])
	require.Equal(t, "s1", result["session_id"])
}

// TestServeQueuesDuringRunningTurn proves a user message that arrives
// while a turn is running is queued rather than dropped or started
// concurrently. runTurn blocks on the first call until released, so
// the reader task has to stay free to dispatch the second line and
// hand it to the scheduler's queue before the first turn finishes.
func TestServeQueuesDuringRunningTurn(t *testing.T) {
	in := strings.NewReader(
		`{"type":"user","message":{"role":"user","content":"first"},"session_id":"s1"}` + "\n" +
			`{"type":"user","message":{"role":"user","content":"second"}}` + "\n",
	)
	var out bytes.Buffer

	release := make(chan struct{})
	var mu sync.Mutex
	var calls []string
	runTurn := func(ctx context.Context, content string) (agent.RunResult, error) {
		mu.Lock()
		calls = append(calls, content)
		mu.Unlock()
		if content == "first" {
			<-release
		}
		return agent.RunResult{Response: "ok", Turns: 1}, nil
	}
	s := New(in, &out, nil, runTurn)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	require.Eventually(t, func() bool {
		return s.sched.QueueDepth() == 1
	}, time.Second, time.Millisecond, "second message never reached the scheduler's queue")

	close(release)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, calls, "both turns should run, in submission order")

	lines := decodeLines(t, &out)
	var sawQueued bool
	var resultCount int
	for _, l := range lines {
		if l["type"] == "system" && l["subtype"] == "queued" {
			sawQueued = true
		}
		if l["type"] == "result" {
			resultCount++
		}
	}
	require.True(t, sawQueued, "expected a queued system event for the second message")
	require.Equal(t, 2, resultCount, "expected one result event per turn")
}

func TestServeMintsSessionIDWhenOmitted(t *testing.T) {
	in := strings.NewReader(`{"type":"user","message":{"role":"user","content":"hi"}}` + "\n")
	var out bytes.Buffer
	runTurn := func(ctx context.Context, content string) (agent.RunResult, error) {
		return agent.RunResult{Response: "ok", Turns: 1}, nil
	}
	s := New(in, &out, nil, runTurn)
	require.NoError(t, s.Serve(context.Background()))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 1)
	sessionID, _ := lines[0]["session_id"].(string)
	require.NotEmpty(t, sessionID)
}

func TestExtractContentHandlesStringAndBlocks(t *testing.T) {
	require.Equal(t, "plain text", extractContent(json.RawMessage(`"plain text"`)))

	blocks := json.RawMessage(`[{"type":"text","text":"a"},{"type":"image","url":"x"},{"type":"text","text":"b"}]`)
	require.Equal(t, "ab", extractContent(blocks))
}

func TestMalformedLineEmitsSystemErrorAndContinues(t *testing.T) {
	in := strings.NewReader("not json\n" + `{"type":"user","message":{"role":"user","content":"hi"},"session_id":"s1"}` + "\n")
	var out bytes.Buffer
	runTurn := func(ctx context.Context, content string) (agent.RunResult, error) {
		return agent.RunResult{Response: "ok", Turns: 1}, nil
	}
	s := New(in, &out, nil, runTurn)
	require.NoError(t, s.Serve(context.Background()))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 2, "expected an error system line plus a result line")
	require.Equal(t, "system", lines[0]["type"])
	require.Equal(t, "error", lines[0]["subtype"])
	require.Equal(t, "result", lines[1]["type"])
}

// TestInterruptCancelsRunningTurn proves a control interrupt reaches a
// turn that is actually in flight: runTurn blocks on its context until
// cancelled, and the interrupt line is queued up right behind the user
// line, so the reader task has to dispatch it without waiting for the
// running turn to finish first.
func TestInterruptCancelsRunningTurn(t *testing.T) {
	in := strings.NewReader(
		`{"type":"user","message":{"role":"user","content":"first"},"session_id":"s1"}` + "\n" +
			`{"type":"control","action":"interrupt"}` + "\n",
	)
	var out bytes.Buffer

	started := make(chan struct{})
	runTurn := func(ctx context.Context, content string) (agent.RunResult, error) {
		close(started)
		<-ctx.Done()
		return agent.RunResult{}, core.NewCancelled()
	}
	s := New(in, &out, nil, runTurn)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	<-started
	require.NoError(t, <-done)

	lines := decodeLines(t, &out)
	var sawInterrupted, sawCancelledResult bool
	for _, l := range lines {
		if l["type"] == "system" && l["subtype"] == "interrupted" {
			sawInterrupted = true
		}
		if l["type"] == "result" && l["subtype"] == "cancelled" {
			sawCancelledResult = true
		}
	}
	require.True(t, sawInterrupted, "expected an interrupted system event")
	require.True(t, sawCancelledResult, "expected the running turn's result to be cancelled")
}

func TestStatusReportsIdleWhenNoTurnHasRun(t *testing.T) {
	in := strings.NewReader(`{"type":"control","action":"status"}` + "\n")
	var out bytes.Buffer
	s := New(in, &out, nil, nil)
	require.NoError(t, s.Serve(context.Background()))

	lines := decodeLines(t, &out)
	require.Len(t, lines, 1)
	require.Equal(t, "status", lines[0]["subtype"])
	require.Equal(t, "idle", lines[0]["state"])
}
