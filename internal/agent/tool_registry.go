package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentkernel/agentkernel/internal/core"
)

// invalidToolCallName is the synthetic tool the dispatcher redirects to
// when the model's tool call fails schema validation or names an
// unknown tool. Its result is always a normal tool_result, giving the
// model a chance to retry instead of terminating the turn.
const invalidToolCallName = "__invalid_tool_call__"

// Tool is one callable tool: a name, a description, a JSON-schema
// parameter shape, and an execute capability returning plain text.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Registry is a name-keyed mapping of tools with cached compiled
// schemas, mirroring the teacher's plugin schema cache.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas sync.Map // schema string -> *jsonschema.Schema
}

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns the tool set as the opaque definitions passed to the
// model.
func (r *Registry) Defs() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDef{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return defs
}

func (r *Registry) compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := r.schemas.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(key)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	r.schemas.Store(key, compiled)
	return compiled, nil
}

// Dispatch executes one tool call and always returns a tool_result — it
// never raises an error that would terminate the turn. An unknown tool
// name or a schema-validation failure is redirected to the synthetic
// __invalid_tool_call__ tool; execution errors are contained and
// returned as error text.
func (r *Registry) Dispatch(ctx context.Context, call ToolCall) ToolResultMsg {
	tool, ok := r.Get(call.Name)
	if !ok {
		return r.invalidCall(call, fmt.Sprintf("unknown tool %q", call.Name))
	}

	if schema := tool.Schema(); len(schema) > 0 {
		compiled, err := r.compileSchema(schema)
		if err != nil {
			return r.invalidCall(call, fmt.Sprintf("invalid schema for tool %q: %v", call.Name, err))
		}
		var doc any
		if err := json.Unmarshal(call.Input, &doc); err != nil {
			return r.invalidCall(call, fmt.Sprintf("malformed arguments: %v", err))
		}
		if err := compiled.Validate(doc); err != nil {
			return r.invalidCall(call, err.Error())
		}
	}

	output, err := tool.Execute(ctx, call.Input)
	if err != nil {
		return ToolResultMsg{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Error executing tool %q: %s", call.Name, err),
			IsError:    true,
		}
	}
	return ToolResultMsg{ToolCallID: call.ID, Content: output}
}

// invalidCall builds the synthetic __invalid_tool_call__ result
// describing the attempted call and why it was rejected.
func (r *Registry) invalidCall(call ToolCall, validationError string) ToolResultMsg {
	payload := map[string]string{
		"attempted_tool_name": call.Name,
		"attempted_args_as_json": string(call.Input),
		"validation_error":    validationError,
	}
	body, _ := json.Marshal(payload)
	return ToolResultMsg{
		ToolCallID: call.ID,
		Content:    fmt.Sprintf("%s: %s", invalidToolCallName, string(body)),
		IsError:    true,
	}
}

// PresentWriter is the narrow slice of storage the present-state tools
// wrap verbatim.
type PresentWriter interface {
	SetMission(mission string) error
	SetStatus(status string) error
	SetTasks(tasks []core.Task) error
}

// RegisterPresentTools wires present_set_mission, present_set_status and
// present_update_tasks onto w.
func RegisterPresentTools(r *Registry, w PresentWriter) {
	r.Register(presentSetMission{w})
	r.Register(presentSetStatus{w})
	r.Register(presentUpdateTasks{w})
}

type presentSetMission struct{ w PresentWriter }

func (presentSetMission) Name() string        { return "present_set_mission" }
func (presentSetMission) Description() string { return "Set the agent's current mission." }
func (presentSetMission) Schema() []byte {
	return []byte(`{"type":"object","properties":{"mission":{"type":"string"}},"required":["mission"]}`)
}
func (t presentSetMission) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Mission string `json:"mission"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	if err := t.w.SetMission(args.Mission); err != nil {
		return "", err
	}
	return "mission updated", nil
}

type presentSetStatus struct{ w PresentWriter }

func (presentSetStatus) Name() string        { return "present_set_status" }
func (presentSetStatus) Description() string { return "Set the agent's current status." }
func (presentSetStatus) Schema() []byte {
	return []byte(`{"type":"object","properties":{"status":{"type":"string"}},"required":["status"]}`)
}
func (t presentSetStatus) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	if err := t.w.SetStatus(args.Status); err != nil {
		return "", err
	}
	return "status updated", nil
}

type presentUpdateTasks struct{ w PresentWriter }

func (presentUpdateTasks) Name() string        { return "present_update_tasks" }
func (presentUpdateTasks) Description() string { return "Overwrite the agent's task list." }
func (presentUpdateTasks) Schema() []byte {
	return []byte(`{"type":"object","properties":{"tasks":{"type":"array"}},"required":["tasks"]}`)
}
func (t presentUpdateTasks) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Tasks []core.Task `json:"tasks"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	if err := t.w.SetTasks(args.Tasks); err != nil {
		return "", err
	}
	return "tasks updated", nil
}
