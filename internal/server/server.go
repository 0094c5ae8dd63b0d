// Package server implements the NDJSON protocol: one JSON object per
// line on stdin, one JSON object per line on stdout. It owns the turn
// scheduler and translates its state transitions and the agent loop's
// callbacks into the wire events the external interface documents.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentkernel/agentkernel/internal/agent"
	"github.com/agentkernel/agentkernel/internal/core"
	"github.com/agentkernel/agentkernel/internal/scheduler"
)

// RunTurn executes one turn's worth of agent work for the given
// content and returns its outcome. The server treats it as opaque:
// building the real one (wiring storage, the prompt assembler, the
// tool registry, the provider, and the compaction worker) is the
// caller's job.
type RunTurn func(ctx context.Context, content string) (agent.RunResult, error)

// Server reads NDJSON user/control lines from in and writes NDJSON
// events to out.
//
// Exactly one goroutine — the reader task running inside Serve —
// receives stdin lines (from a scanning goroutine Serve starts),
// mutates the scheduler's queue/state, and writes stdout. Each
// turn runs on a goroutine of its own so a running turn's model calls,
// tool dispatch, and storage I/O never block the reader task from
// accepting the next line: a user message can be queued for injection
// and a control interrupt can reach the scheduler while a turn is
// in flight. A turn goroutine never touches stdout directly; it hands
// its events to the reader task over events, which is the only thing
// that ever calls enc.Encode.
type Server struct {
	scanner *bufio.Scanner
	enc     *json.Encoder
	logger  *slog.Logger
	sched   *scheduler.Scheduler
	runTurn RunTurn

	events   chan any
	turnDone chan turnFinished
	wg       sync.WaitGroup

	sessionID  string
	turnActive bool
}

// turnFinished carries one completed turn's outcome from its goroutine
// back to the reader task, which is the only place FinishTurn may be
// called from.
type turnFinished struct {
	err     error
	result  agent.RunResult
	elapsed time.Duration
}

// New constructs a Server. logger defaults to slog.Default() if nil.
// runTurn may be nil and set later with SetRunTurn — useful when the
// caller's runTurn closure itself needs to reference the server (e.g.
// to wire OnBeforeTurn/EmitAssistantText as agent loop callbacks).
func New(in io.Reader, out io.Writer, logger *slog.Logger, runTurn RunTurn) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		scanner:  bufio.NewScanner(in),
		enc:      json.NewEncoder(out),
		logger:   logger,
		runTurn:  runTurn,
		events:   make(chan any, 32),
		turnDone: make(chan turnFinished, 1),
	}
	s.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	s.sched = scheduler.New(scheduler.Hooks{
		// Submit calls this synchronously from the reader task, so a
		// direct write to stdout is safe here.
		OnQueued: func(position int) { s.emitSystem("queued", map[string]any{"position": position}) },
		// OnBeforeTurn (and therefore this hook) runs on the turn
		// goroutine, so this must cross back to the reader task rather
		// than write stdout itself.
		OnInjected: func(count, length int) {
			s.sendSystem("injected", map[string]any{"message_count": count, "content_length": length})
		},
	})
	return s
}

// SetRunTurn assigns the turn-execution callback after construction.
func (s *Server) SetRunTurn(runTurn RunTurn) {
	s.runTurn = runTurn
}

type inboundLine struct {
	Type      string          `json:"type"`
	Message   *inboundMessage `json:"message"`
	SessionID string          `json:"session_id"`
	Action    string          `json:"action"`
}

type inboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Serve is the reader task: it reads lines until stdin closes,
// dispatching each to the scheduler, while also forwarding events a
// running turn's goroutine sends back and reacting to that turn's
// completion. It returns once stdin is exhausted and no turn remains
// in flight, nil on a clean EOF.
func (s *Server) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		for s.scanner.Scan() {
			raw := s.scanner.Bytes()
			buf := make([]byte, len(raw))
			copy(buf, raw)
			lines <- buf
		}
	}()

	for {
		select {
		case raw, ok := <-lines:
			if !ok {
				lines = nil
				if !s.turnActive {
					s.wg.Wait()
					return s.scanner.Err()
				}
				continue
			}
			s.dispatchLine(ctx, raw)

		case v := <-s.events:
			s.emit(v)

		case tf := <-s.turnDone:
			// The turn sent all its events before turnDone; forward any
			// still buffered so they precede the turn's result.
			for pending := true; pending; {
				select {
				case v := <-s.events:
					s.emit(v)
				default:
					pending = false
				}
			}
			s.finishTurn(ctx, tf)
			if lines == nil && !s.turnActive {
				s.wg.Wait()
				return s.scanner.Err()
			}
		}
	}
}

func (s *Server) dispatchLine(ctx context.Context, raw []byte) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return
	}

	var line inboundLine
	if err := json.Unmarshal(raw, &line); err != nil {
		s.emitSystem("error", map[string]any{"message": fmt.Sprintf("malformed input line: %v", err)})
		return
	}

	switch line.Type {
	case "user":
		s.handleUser(ctx, line)
	case "control":
		s.handleControl(line)
	default:
		s.emitSystem("error", map[string]any{"message": fmt.Sprintf("unknown line type %q", line.Type)})
	}
}

func (s *Server) handleUser(ctx context.Context, line inboundLine) {
	if line.Message == nil {
		s.emitSystem("error", map[string]any{"message": "user line missing message"})
		return
	}
	switch {
	case line.SessionID != "":
		s.sessionID = line.SessionID
	case s.sessionID == "":
		// No session id supplied anywhere in the conversation yet: mint a
		// random one. Unlike message/summary/worker ids, a session id
		// carries no ordering requirement, so a non-sortable uuid is the
		// right generator here rather than the ids package's ulid.
		s.sessionID = uuid.NewString()
	}
	content := extractContent(line.Message.Content)

	// Submit's OnQueued hook already emits the queued event when this
	// message lands in the queue instead of starting immediately.
	shouldStart, _ := s.sched.Submit(content)
	if !shouldStart {
		return
	}
	s.startTurn(ctx, content)
}

func (s *Server) handleControl(line inboundLine) {
	switch line.Action {
	case "interrupt":
		s.sched.Interrupt()
		s.emitSystem("interrupted", map[string]any{"session_id": s.sessionID})
	case "status":
		s.emitSystem("status", map[string]any{
			"state":       string(s.sched.State()),
			"queue_depth": s.sched.QueueDepth(),
			"session_id":  s.sessionID,
		})
	default:
		s.emitSystem("error", map[string]any{"message": fmt.Sprintf("unknown control action %q", line.Action)})
	}
}

// startTurn launches content as a turn on its own goroutine and marks
// one as in flight. Only the reader task calls this, so turnActive and
// the scheduler's running state change in lockstep.
func (s *Server) startTurn(ctx context.Context, content string) {
	s.turnActive = true
	turnCtx := s.sched.NewTurnContext(ctx)
	start := time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.runTurn(turnCtx, content)
		s.turnDone <- turnFinished{err: err, result: result, elapsed: time.Since(start)}
	}()
}

// finishTurn runs on the reader task in response to a turnDone event.
// It emits the turn's result, then either starts the next queued turn
// (draining -> running) or settles at idle, matching the scheduler's
// own FinishTurn transition.
func (s *Server) finishTurn(ctx context.Context, tf turnFinished) {
	s.emitResult(tf.err, tf.elapsed, tf.result)

	next, hasNext := s.sched.FinishTurn()
	if !hasNext {
		s.turnActive = false
		return
	}
	s.startTurn(ctx, next)
}

func (s *Server) emitResult(err error, elapsed time.Duration, result agent.RunResult) {
	subtype := "success"
	isError := false
	var resultText *string
	if err != nil {
		if coreErr, ok := core.AsCoreError(err); ok && coreErr.Kind == core.KindCancelled {
			subtype = "cancelled"
		} else {
			subtype = "error"
			isError = true
		}
		msg := err.Error()
		resultText = &msg
	} else if result.Response != "" {
		resultText = &result.Response
	}

	payload := map[string]any{
		"type":        "result",
		"subtype":     subtype,
		"duration_ms": elapsed.Milliseconds(),
		"is_error":    isError,
		"num_turns":   result.Turns,
		"session_id":  s.sessionID,
	}
	if resultText != nil {
		payload["result"] = *resultText
	}
	if result.Usage.InputTokens > 0 || result.Usage.OutputTokens > 0 {
		payload["usage"] = map[string]any{
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
		}
	}
	s.emit(payload)
}

// EmitAssistantText emits an assistant text event. Wired as an agent
// loop's OnAssistant callback (alongside EmitAssistantToolCalls). Runs
// on the turn's own goroutine, so it hands off to the reader task
// through events rather than writing stdout directly.
func (s *Server) EmitAssistantText(text string) {
	if text == "" {
		return
	}
	s.send(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
}

// EmitAssistantToolCalls emits one assistant tool_use event per call.
func (s *Server) EmitAssistantToolCalls(calls []agent.ToolCall) {
	for _, call := range calls {
		var input any
		_ = json.Unmarshal(call.Input, &input)
		s.send(map[string]any{
			"type": "assistant",
			"message": map[string]any{
				"role": "assistant",
				"content": []map[string]any{{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Name,
					"input": input,
				}},
			},
		})
	}
}

// EmitToolResult emits the system tool_result event for one dispatched
// tool call. Wired as an agent loop's OnToolResult callback, which runs
// on the turn's own goroutine.
func (s *Server) EmitToolResult(call agent.ToolCall, result agent.ToolResultMsg) {
	s.sendSystem("tool_result", map[string]any{
		"tool_use_id": result.ToolCallID,
		"content":     result.Content,
		"is_error":    result.IsError,
	})
}

// OnBeforeTurn exposes the scheduler's injection hook for wiring into
// agent.Options.OnBeforeTurn. The agent loop calls it from the turn's
// own goroutine; the scheduler's internal locking makes that safe, and
// its OnInjected hook reports the drain back to the reader task.
func (s *Server) OnBeforeTurn(idNew func(prefix string) string) []core.Message {
	return s.sched.OnBeforeTurn(idNew)
}

// emitSystem writes a system event straight to stdout. Only safe to
// call from the reader task.
func (s *Server) emitSystem(subtype string, fields map[string]any) {
	s.emit(systemPayload(subtype, fields))
}

// sendSystem hands a system event to the reader task over events. Safe
// to call from a turn's goroutine.
func (s *Server) sendSystem(subtype string, fields map[string]any) {
	s.send(systemPayload(subtype, fields))
}

func systemPayload(subtype string, fields map[string]any) map[string]any {
	payload := map[string]any{"type": "system", "subtype": subtype}
	for k, v := range fields {
		payload[k] = v
	}
	return payload
}

// emit writes v to stdout. The reader task is its only caller.
func (s *Server) emit(v any) {
	if err := s.enc.Encode(v); err != nil {
		s.logger.Error("failed to write ndjson event", "error", err)
	}
}

// send hands v to the reader task, which forwards it to stdout. Turn
// goroutines use this instead of emit.
func (s *Server) send(v any) {
	s.events <- v
}

// extractContent flattens a user message's content: either a bare JSON
// string, or an array of content blocks whose "text" blocks are
// concatenated and non-text blocks are ignored.
func extractContent(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
