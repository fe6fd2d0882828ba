package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cortexrun/cortex/internal/agent"
	"github.com/cortexrun/cortex/pkg/models"
)

// ExecTool runs a single simple shell command in the workspace (spec §4.4's
// built-in `exec` tool). Grounded on the teacher's
// internal/tools/exec/tools.go ExecTool (DESIGN.md C4), adapted to the new
// agent.ToolHandler interface and ToolContext-carried cancellation.
type ExecTool struct {
	name    string
	manager *Manager
}

// NewExecTool creates an exec tool with the given name (pass "" for the
// canonical "exec").
func NewExecTool(name string, manager *Manager) *ExecTool {
	if strings.TrimSpace(name) == "" {
		name = "exec"
	}
	return &ExecTool{name: name, manager: manager}
}

func (t *ExecTool) Name() string        { return t.name }
func (t *ExecTool) Description() string { return "Run a single shell command in the workspace (supports optional background execution)." }

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute."},
			"cwd": {"type": "string", "description": "Working directory (relative to workspace)."},
			"env": {"type": "object", "description": "Environment overrides (string values)."},
			"input": {"type": "string", "description": "Stdin content to pass to the command."},
			"timeout_seconds": {"type": "integer", "description": "Timeout in seconds (0 = use ToolContext default).", "minimum": 0},
			"background": {"type": "boolean", "description": "Run in background and return a process id."}
		},
		"required": ["command"]
	}`)
}

func (t *ExecTool) Execute(ctx context.Context, args json.RawMessage, tc agent.ToolContext) models.ToolResult {
	if t.manager == nil {
		return models.ToolResult{Success: false, Error: "exec manager unavailable"}
	}
	var input struct {
		Command        string            `json:"command"`
		Cwd            string            `json:"cwd"`
		Env            map[string]string `json:"env"`
		Input          string            `json:"input"`
		TimeoutSeconds int               `json:"timeout_seconds"`
		Background     bool              `json:"background"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("invalid parameters: %v", err)}
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return models.ToolResult{Success: false, Error: "command is required"}
	}

	timeout := tc.Timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	cwd := input.Cwd
	if cwd == "" {
		cwd = tc.Cwd
	}

	if input.Background {
		proc, err := t.manager.startBackground(ctx, command, cwd, input.Env, input.Input, timeout)
		if err != nil {
			return models.ToolResult{Success: false, Error: err.Error()}
		}
		payload, _ := json.MarshalIndent(map[string]any{"status": "running", "process_id": proc.id}, "", "  ")
		return models.ToolResult{Success: true, Output: string(payload)}
	}

	result, err := t.manager.runSync(ctx, command, cwd, input.Env, input.Input, timeout, tc.Cancelled)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("encode result: %v", err)}
	}
	exitCode := result.ExitCode
	return models.ToolResult{
		Success: result.ExitCode == 0,
		Output:  string(payload),
		Metadata: &models.ToolResultMetadata{
			DurationMS: result.Duration.Milliseconds(),
			ExitCode:   &exitCode,
		},
	}
}

// ProcessTool inspects and manages background exec processes started via
// ExecTool's background=true path.
type ProcessTool struct {
	manager *Manager
}

func NewProcessTool(manager *Manager) *ProcessTool { return &ProcessTool{manager: manager} }

func (t *ProcessTool) Name() string        { return "process" }
func (t *ProcessTool) Description() string { return "Manage background exec processes (list, status, log, write, kill, remove)." }

func (t *ProcessTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "description": "Action: list, status, log, write, kill, remove."},
			"process_id": {"type": "string", "description": "Process id for actions that target a process."},
			"input": {"type": "string", "description": "Input for write action."}
		},
		"required": ["action"]
	}`)
}

func (t *ProcessTool) Execute(_ context.Context, args json.RawMessage, _ agent.ToolContext) models.ToolResult {
	if t.manager == nil {
		return models.ToolResult{Success: false, Error: "process manager unavailable"}
	}
	var input struct {
		Action    string `json:"action"`
		ProcessID string `json:"process_id"`
		Input     string `json:"input"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("invalid parameters: %v", err)}
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if action == "" {
		return models.ToolResult{Success: false, Error: "action is required"}
	}

	if action == "list" {
		payload, _ := json.MarshalIndent(map[string]any{"processes": t.manager.list()}, "", "  ")
		return models.ToolResult{Success: true, Output: string(payload)}
	}

	if strings.TrimSpace(input.ProcessID) == "" {
		return models.ToolResult{Success: false, Error: "process_id is required"}
	}
	proc, ok := t.manager.get(strings.TrimSpace(input.ProcessID))
	if !ok {
		return models.ToolResult{Success: false, Error: "process not found"}
	}

	switch action {
	case "status":
		payload, _ := json.MarshalIndent(proc.info(), "", "  ")
		return models.ToolResult{Success: true, Output: string(payload)}
	case "log":
		payload, _ := json.MarshalIndent(map[string]any{
			"stdout": proc.stdout.String(),
			"stderr": proc.stderr.String(),
			"status": proc.status(),
		}, "", "  ")
		return models.ToolResult{Success: true, Output: string(payload)}
	case "write":
		if proc.stdin == nil {
			return models.ToolResult{Success: false, Error: "process stdin unavailable"}
		}
		if input.Input == "" {
			return models.ToolResult{Success: false, Error: "input is required"}
		}
		if _, err := proc.stdin.Write([]byte(input.Input)); err != nil {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("write stdin: %v", err)}
		}
		return models.ToolResult{Success: true, Output: `{"status":"written"}`}
	case "kill":
		if proc.cmd.Process == nil {
			return models.ToolResult{Success: false, Error: "process not running"}
		}
		if err := proc.cmd.Process.Kill(); err != nil {
			return models.ToolResult{Success: false, Error: fmt.Sprintf("kill process: %v", err)}
		}
		return models.ToolResult{Success: true, Output: `{"status":"killed"}`}
	case "remove":
		if proc.status() == "running" {
			return models.ToolResult{Success: false, Error: "process still running"}
		}
		if !t.manager.remove(proc.id) {
			return models.ToolResult{Success: false, Error: "remove failed"}
		}
		return models.ToolResult{Success: true, Output: `{"status":"removed"}`}
	default:
		return models.ToolResult{Success: false, Error: "unsupported action"}
	}
}
