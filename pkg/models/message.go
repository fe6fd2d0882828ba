package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Attachment is a file or image attached to a message or tool result.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url,omitempty"`
	DataB64  string `json:"data_b64,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ContentPart is one piece of a multi-part message (spec §3: Content is
// plain text, an ordered sequence of parts, a tool-result payload, or an
// ordered list of ToolCallRef — never mixed within one message).
type ContentPart struct {
	Type     string `json:"type"` // text, image_bytes, image_url
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
}

// Message is a single turn item of role/content shape. Exactly one of
// Content, Parts, or ToolCalls is populated per spec §3's "never mixes
// content shapes" invariant.
type Message struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Role       Role            `json:"role"`
	Content    string          `json:"content,omitempty"`
	Parts      []ContentPart   `json:"parts,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ToolCall is the model's request to execute a tool. ID is assigned by the
// model and treated by the runtime as an opaque correlation key.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultMetadata carries structured detail about how a tool ran.
type ToolResultMetadata struct {
	DurationMS    int64    `json:"duration_ms"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	Data          any      `json:"data,omitempty"`
}

// ToolResult is the outcome of a dispatched tool call. Error is non-empty
// iff !Success (spec §3).
type ToolResult struct {
	ToolCallID string              `json:"tool_call_id"`
	Success    bool                `json:"success"`
	Output     string              `json:"output"`
	Error      string              `json:"error,omitempty"`
	Metadata   *ToolResultMetadata `json:"metadata,omitempty"`
}

// ErrorResult builds a failed ToolResult, matching the synthetic results
// the Session inserts for policy/approval denials (spec §4.7).
func ErrorResult(toolCallID, reason string) ToolResult {
	return ToolResult{ToolCallID: toolCallID, Success: false, Error: reason}
}

// SessionMeta is the first entry of every rollout file (spec §3).
type SessionMeta struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parent_id,omitempty"`
	ForkPoint    int       `json:"fork_point,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Cwd          string    `json:"cwd"`
	Model        string    `json:"model,omitempty"`
	CLIVersion   string    `json:"cli_version,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
}

// SessionRow is a durable, read-optimized projection of SessionMeta kept in
// the session store (SPEC_FULL §3) for listing/search. It never overrides
// the rollout file as the source of truth on replay.
type SessionRow struct {
	ID            string    `json:"id"`
	ParentID      string    `json:"parent_id,omitempty"`
	Cwd           string    `json:"cwd"`
	Model         string    `json:"model,omitempty"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}
