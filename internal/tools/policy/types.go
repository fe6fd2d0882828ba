// Package policy provides per-agent tool-name authorization: which
// registered ToolHandlers a Session or Subagent may invoke at all, as
// distinct from internal/agent's PolicyEngine (which classifies the
// *arguments* of a shell command). A Resolver answers "is this tool name
// reachable"; PolicyEngine answers "is this specific command safe to run".
// Grounded on the teacher's internal/tools/policy/types.go (DESIGN.md C6),
// trimmed of its MCP/edge-daemon integrations (no MCP transport or edge
// daemon concept in this runtime).
package policy

import "strings"

// Profile is a pre-configured tool access level.
type Profile string

const (
	ProfileMinimal Profile = "minimal"
	ProfileCoding  Profile = "coding"
	ProfileFull    Profile = "full"
)

// Policy combines a base profile with explicit allow/deny lists. Deny
// always wins over allow.
type Policy struct {
	Profile Profile  `json:"profile,omitempty"`
	Allow   []string `json:"allow,omitempty"`
	Deny    []string `json:"deny,omitempty"`
}

// DefaultGroups are the built-in tool groups referenceable as
// "group:<name>" in a Policy's Allow/Deny lists.
var DefaultGroups = map[string][]string{
	"group:fs":      {"read_file", "write_file", "edit_file", "apply_patch"},
	"group:runtime": {"exec", "batch"},
	"group:task":    {"task"},
	"group:all": {
		"read_file", "write_file", "edit_file", "apply_patch",
		"exec", "batch", "task",
	},
	"group:readonly": {"read_file"},
}

// ProfileDefaults defines the default allow list for each profile.
var ProfileDefaults = map[Profile]*Policy{
	ProfileMinimal: {Allow: []string{"group:readonly"}},
	ProfileCoding:  {Allow: []string{"group:fs", "group:runtime"}},
	ProfileFull:    {}, // everything not explicitly denied
}

// ToolAliases maps alternative tool names to their canonical form.
var ToolAliases = map[string]string{
	"bash":        "exec",
	"shell":       "exec",
	"apply-patch": "apply_patch",
}

// NormalizeTool lowercases, trims, and resolves name through ToolAliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// NormalizeTools normalizes every name in names.
func NormalizeTools(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if n := NormalizeTool(name); n != "" {
			result = append(result, n)
		}
	}
	return result
}

// NewPolicy creates a policy based on profile.
func NewPolicy(profile Profile) *Policy { return &Policy{Profile: profile} }

// WithAllow appends to the allow list, chainable.
func (p *Policy) WithAllow(tools ...string) *Policy {
	p.Allow = append(p.Allow, tools...)
	return p
}

// WithDeny appends to the deny list, chainable.
func (p *Policy) WithDeny(tools ...string) *Policy {
	p.Deny = append(p.Deny, tools...)
	return p
}
