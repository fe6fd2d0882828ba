package agent

// SandboxMode is the coarse policy tier controlling filesystem/network
// access for tool invocations (spec §3). Default is DangerFullAccess only
// when explicitly opted in; production default is WorkspaceWrite.
type SandboxMode string

const (
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
)

// DefaultSandboxMode is the production default (spec §3).
const DefaultSandboxMode = SandboxWorkspaceWrite
