package agent

import (
	"context"
	"encoding/json"

	"github.com/cortexrun/cortex/pkg/models"
)

// LLMProvider is the ModelClient contract of spec §4.9: a provider-agnostic
// completion/streaming interface. Implementations are responsible for
// provider-specific wire serialization (internal/agent/providers/*) but
// emit CompletionChunks that the StreamAssembler (stream.go) normalizes
// into the canonical StreamEvent vocabulary of spec §4.5.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call Complete for different requests (e.g. a parent turn and its
// subagents) simultaneously.
type LLMProvider interface {
	// Complete sends a request and returns a channel of streaming chunks.
	// The channel is closed when the stream ends (successfully or with a
	// final error chunk already delivered).
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider's identifier, e.g. "anthropic".
	Name() string

	// Models lists models this provider can serve.
	Models() []Model

	// SupportsTools reports whether this provider can receive tool
	// definitions and emit tool-call chunks.
	SupportsTools() bool
}

// Model describes a model a provider can serve.
type Model struct {
	ID              string `json:"id"`
	ContextWindow   int    `json:"context_window"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	SupportsImages  bool   `json:"supports_images"`
}

// CompletionRequest is the provider-agnostic request shape carrying
// everything a ModelClient needs, including a correlation id for tracing
// (spec §4.9).
type CompletionRequest struct {
	Model                string               `json:"model"`
	System               string                `json:"system,omitempty"`
	Messages             []CompletionMessage   `json:"messages"`
	Tools                []Tool                `json:"tools,omitempty"`
	MaxTokens            int                   `json:"max_tokens,omitempty"`
	Temperature          float64               `json:"temperature,omitempty"`
	TopP                 float64               `json:"top_p,omitempty"`
	ReasoningEffort       string                `json:"reasoning_effort,omitempty"`
	EnableThinking       bool                  `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int                   `json:"thinking_budget_tokens,omitempty"`
	CorrelationID        string                `json:"correlation_id,omitempty"`
}

// CompletionMessage is one history entry sent to a provider.
type CompletionMessage struct {
	Role        string             `json:"role"`
	Content     string             `json:"content,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ToolCallID  string             `json:"tool_call_id,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
}

// Tool is a tool definition presented to a provider. Schema is a
// JSON-schema document (compiled once by the dispatcher's Validator, see
// dispatcher.go and internal/tools schema validation).
type Tool struct {
	name        string
	description string
	schema      json.RawMessage
}

// NewTool builds a provider-facing Tool description from a registered
// ToolHandler.
func NewTool(name, description string, schema json.RawMessage) Tool {
	return Tool{name: name, description: description, schema: schema}
}

func (t Tool) Name() string            { return t.name }
func (t Tool) Description() string     { return t.description }
func (t Tool) Schema() json.RawMessage { return t.schema }

// ComputerUseConfig describes the display geometry a computer-use tool
// exposes to providers that support it natively (Anthropic beta).
type ComputerUseConfig struct {
	DisplayWidthPx  int
	DisplayHeightPx int
	DisplayNumber   int
}

// ComputerUseConfigProvider is an optional capability a Tool may implement
// to advertise native computer-use support to a provider. No built-in
// Cortex tool implements it; it exists so provider adapters keep the
// type-assertion branch the teacher's Anthropic client already had,
// ready for a future computer-use tool without committing to one now.
type ComputerUseConfigProvider interface {
	ComputerUseConfig() *ComputerUseConfig
}

// ToolResult mirrors models.ToolResult for provider adapters that attach
// file content to a result (e.g. image tool output fed back to a
// vision-capable model).
type ToolResult struct {
	ToolCallID  string             `json:"tool_call_id"`
	Content     string             `json:"content"`
	IsError     bool               `json:"is_error,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk is one normalized streaming unit from a provider,
// pre-StreamAssembler. It carries enough shape to be mapped 1:1 onto the
// spec §4.5 provider event vocabulary by stream.go's adaptChunk.
type CompletionChunk struct {
	Type string // message_start, content_delta, content_end, reasoning_delta,
	// tool_call_start, tool_call_arguments_delta, tool_call_end, message_end, error

	Role string // message_start

	ItemID     string // content_delta/content_end/reasoning_delta
	PartIndex  int
	Text       string
	IsRaw      bool // reasoning_delta

	CallID        string // tool_call_*
	ToolName      string
	ArgumentsJSON string

	StopReason string // message_end
	Usage      Usage

	ErrorMessage string // error
	Retriable    bool
}

// Usage carries token accounting reported at message_end.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
