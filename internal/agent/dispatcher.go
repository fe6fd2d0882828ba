package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cortexrun/cortex/pkg/models"
)

const (
	// MaxToolNameLength bounds tool name size accepted by the registry.
	MaxToolNameLength = 256
	// MaxToolParamsSize bounds the serialized size of tool arguments.
	MaxToolParamsSize = 10 << 20 // 10 MB
)

// ToolContext is passed to every handler invocation (spec §4.4).
type ToolContext struct {
	Cwd          string
	Timeout      time.Duration
	SandboxMode  SandboxMode
	Cancelled    *CancelFlag
	ShareService any
}

// ToolHandler is the capability set every tool — built-in, MCP, or plugin —
// implements (spec §4.4, "extensive trait-objects for tools/clients/
// sandboxes" design note: modeled here as an interface, not a tagged enum).
type ToolHandler interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage, tc ToolContext) models.ToolResult
}

// Tool is the narrower view a ModelClient needs; ToolHandler satisfies it.
// (kept distinct from ToolHandler so provider code in internal/agent/providers
// doesn't need to import execution-context types)
// NOTE: defined in provider_types.go as the concrete Tool struct consumed by
// NewTool(name, description, schema) — ToolHandler values are projected into
// it by Registry.AsLLMTools below.

// Validator compiles and checks tool arguments against a JSON-schema
// document, used by Registry.Execute before a handler ever runs.
type Validator interface {
	Validate(schema json.RawMessage, args json.RawMessage) error
}

// Registry maps tool name to handler. Built-in tools are registered at
// construction; external tools (MCP, plugins) are registered at startup
// (spec §4.4).
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]ToolHandler
	validator Validator
}

// NewRegistry creates an empty registry. validator may be nil, in which
// case only the dispatcher's built-in required/type checks run.
func NewRegistry(validator Validator) *Registry {
	return &Registry{tools: map[string]ToolHandler{}, validator: validator}
}

// Register adds or replaces a handler.
func (r *Registry) Register(h ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[h.Name()] = h
}

// Unregister removes a handler by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a handler by name.
func (r *Registry) Get(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tools[name]
	return h, ok
}

// AsLLMTools projects the registry into the provider-facing Tool
// descriptions consumed by CompletionRequest.Tools.
func (r *Registry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, h := range r.tools {
		out = append(out, NewTool(h.Name(), h.Description(), h.Schema()))
	}
	return out
}

// Execute validates arguments and dispatches to the named handler. It never
// panics on malformed input (spec §4.4): validation failures become an
// error ToolResult, never a Go panic or error return.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall, tc ToolContext) models.ToolResult {
	if len(call.Name) == 0 || len(call.Name) > MaxToolNameLength {
		return models.ErrorResult(call.ID, "invalid tool name")
	}
	if len(call.Arguments) > MaxToolParamsSize {
		return models.ErrorResult(call.ID, "tool arguments too large")
	}

	h, ok := r.Get(call.Name)
	if !ok {
		return models.ErrorResult(call.ID, "Unknown tool")
	}

	if err := r.validateArgs(h, call.Arguments); err != nil {
		return models.ErrorResult(call.ID, err.Error())
	}

	result := func() (result models.ToolResult) {
		defer func() {
			if rec := recover(); rec != nil {
				result = models.ErrorResult(call.ID, fmt.Sprintf("tool panicked: %v", rec))
			}
		}()
		return h.Execute(ctx, call.Arguments, tc)
	}()
	result.ToolCallID = call.ID
	return result
}

func (r *Registry) validateArgs(h ToolHandler, args json.RawMessage) error {
	if r.validator == nil {
		return nil
	}
	schema := h.Schema()
	if len(schema) == 0 {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return r.validator.Validate(schema, args)
}

// DisallowedInBatch is the set of tools the batch tool refuses to run as a
// child call (Open Question #3, DESIGN.md): batch cannot recurse into
// itself, and cannot spawn subagents (which would bypass SubagentExecutor's
// per-turn quota accounting).
var DisallowedInBatch = map[string]bool{
	"batch": true,
	"task":  true,
}

// BatchCall is one element of the batch tool's `calls` array.
type BatchCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// BatchTool implements the built-in `batch` tool (spec §4.4): bounded
// concurrency, order-preserving results, per-call failure isolation.
type BatchTool struct {
	Registry    *Registry
	Concurrency int
}

func NewBatchTool(reg *Registry) *BatchTool {
	return &BatchTool{Registry: reg, Concurrency: 4}
}

func (b *BatchTool) Name() string        { return "batch" }
func (b *BatchTool) Description() string { return "Executes multiple tool calls with bounded concurrency." }
func (b *BatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"calls":{"type":"array"}},"required":["calls"]}`)
}

func (b *BatchTool) Execute(ctx context.Context, args json.RawMessage, tc ToolContext) models.ToolResult {
	var req struct {
		Calls []BatchCall `json:"calls"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return models.ToolResult{Success: false, Error: "calls is required"}
	}
	for _, c := range req.Calls {
		if DisallowedInBatch[c.Tool] {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("tool %q not allowed in batch", c.Tool)}
		}
	}

	n := b.Concurrency
	if n <= 0 {
		n = 4
	}
	sem := make(chan struct{}, n)
	results := make([]models.ToolResult, len(req.Calls))
	var wg sync.WaitGroup
	for i, c := range req.Calls {
		wg.Add(1)
		go func(i int, c BatchCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			call := models.ToolCall{ID: fmt.Sprintf("batch-%d", i), Name: c.Tool, Arguments: c.Args}
			results[i] = b.Registry.Execute(ctx, call, tc)
		}(i, c)
	}
	wg.Wait()

	payload, _ := json.Marshal(results)
	anyErr := false
	for _, r := range results {
		if !r.Success {
			anyErr = true
			break
		}
	}
	return models.ToolResult{Success: !anyErr, Output: string(payload)}
}
