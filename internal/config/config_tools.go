package config

import "time"

// ToolsConfig configures tool dispatch, approval, and sandbox behavior
// (spec §4.10). Trimmed from the teacher's ToolsConfig (DESIGN.md A1):
// channel-scoped fields (browser automation, web search, memory search,
// ServiceNow, link understanding) named no component SPEC_FULL.md
// describes and are dropped rather than adapted.
type ToolsConfig struct {
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Policies  ToolPoliciesConfig  `yaml:"policies"`
	Execution ToolExecutionConfig `yaml:"execution"`
}

// ToolPoliciesConfig defines default allow/deny policies for tools
// (consumed by internal/tools/policy.Resolver).
type ToolPoliciesConfig struct {
	Default string           `yaml:"default"`
	Rules   []ToolPolicyRule `yaml:"rules"`
}

// ToolPolicyRule defines a policy action for a tool.
type ToolPolicyRule struct {
	Tool   string `yaml:"tool"`
	Action string `yaml:"action"` // "allow" | "deny"
}

// ToolExecutionConfig controls runtime tool execution behavior.
type ToolExecutionConfig struct {
	MaxIterations int            `yaml:"max_iterations"`
	Timeout       time.Duration  `yaml:"timeout"`
	Approval      ApprovalConfig `yaml:"approval"`

	// MaxOutputBytes caps captured stdout/stderr per exec/process tool
	// invocation (spec §4.4). Default: 1 MiB.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// ApprovalConfig controls tool approval behavior (spec §4.2, C2).
type ApprovalConfig struct {
	// Profile selects a pre-configured tool access level: "coding",
	// "readonly", "full", "minimal". See internal/tools/policy.Profile.
	Profile string `yaml:"profile"`

	// Allowlist contains tools that are always allowed (no approval
	// needed). Supports patterns ("read_*") and group references
	// ("group:fs").
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist"`

	// DefaultDecision when no rule matches: "allowed", "denied", or
	// "pending" (spec §4.2's state machine).
	DefaultDecision string `yaml:"default_decision"`

	// RequestTTL is how long approval requests remain valid before
	// being treated as denied.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

// SandboxConfig selects and tunes the SandboxBackend (spec §4.8, C8, D4).
type SandboxConfig struct {
	Enabled bool `yaml:"enabled"`

	// Backend names a SandboxBackend: "passthrough", "seatbelt",
	// "landlock", "job-object", or "firecracker".
	Backend string `yaml:"backend"`

	Timeout        time.Duration `yaml:"timeout"`
	NetworkEnabled bool          `yaml:"network_enabled"`
	Limits         ResourceLimits `yaml:"limits"`

	// Firecracker configures the microVM backend.
	Firecracker SandboxFirecrackerConfig `yaml:"firecracker"`

	// WorkspaceAccess controls workspace access mode inside the
	// sandbox: "readonly", "readwrite", or "none".
	WorkspaceAccess string `yaml:"workspace_access"`
}

// SandboxFirecrackerConfig configures the firecracker-go-sdk-backed
// microVM sandbox option (SPEC_FULL D4).
type SandboxFirecrackerConfig struct {
	BinaryPath      string        `yaml:"binary_path"`
	KernelImagePath string        `yaml:"kernel_image_path"`
	RootDrivePath   string        `yaml:"root_drive_path"`
	SocketDir       string        `yaml:"socket_dir"`
	VCPUCount       int64         `yaml:"vcpu_count"`
	MemSizeMiB      int64         `yaml:"mem_size_mib"`
	BootTimeout     time.Duration `yaml:"boot_timeout"`
}

// ResourceLimits bounds sandboxed resource usage.
type ResourceLimits struct {
	MaxCPU    int    `yaml:"max_cpu"`
	MaxMemory string `yaml:"max_memory"`
}
