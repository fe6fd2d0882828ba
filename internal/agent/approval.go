package agent

import (
	"fmt"
	"path"
	"strings"
	"sync"
)

// ApprovalDecision is the outcome of a request or a recorded grant.
type ApprovalDecision string

const (
	ApprovalAllow ApprovalDecision = "allow"
	ApprovalDeny  ApprovalDecision = "deny"
	ApprovalAsk   ApprovalDecision = "ask"
)

// ApprovalScope is the temporal extent of a grant (spec §3 glossary).
type ApprovalScope string

const (
	ScopeOnce    ApprovalScope = "once"
	ScopeSession ApprovalScope = "session"
	ScopeForever ApprovalScope = "forever"
)

// approvalState is ApprovalManager's per-session state machine
// (spec §4.2): Idle -> Asking(call_id) -> Decided, one Asking at a time.
type approvalState int

const (
	stateIdle approvalState = iota
	stateAsking
)

// ApprovalRequest is a pending ask surfaced to the UI.
type ApprovalRequest struct {
	CallID string
	Tool   string
	Args   string
	Prompt string
}

// grant is a recorded decision keyed by normalized prefix/pattern.
type grant struct {
	decision ApprovalDecision
	scope    ApprovalScope
}

// ApprovalResult is what Request/Resolve/CancelAll hand back: the
// decision plus the reason it was reached. Reason is a stable, machine-
// checkable string ("cancelled", "ui_gone", or the decision itself for an
// explicit grant/ask) — spec §4.2/§7 require ApprovalDenied to surface
// which of these actually happened, not just "deny".
type ApprovalResult struct {
	Decision ApprovalDecision
	Reason   string
}

// ApprovalManager implements spec §4.2: request/record with normalization,
// a single in-flight Asking state with FIFO queueing, and cancellation
// that clears the queue and denies every pending request.
type ApprovalManager struct {
	mu          sync.Mutex
	state       approvalState
	grants      map[string]grant
	queue       []chan ApprovalResult
	uiAvailable bool
}

func NewApprovalManager() *ApprovalManager {
	return &ApprovalManager{grants: map[string]grant{}, uiAvailable: true}
}

// SetUIAvailable toggles whether an interactive UI can answer Ask requests.
// When false, requests needing a live ask resolve as Deny("ui_gone").
func (m *ApprovalManager) SetUIAvailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uiAvailable = v
}

// Normalize implements the spec's normalization rule: for shell commands,
// canonicalize argv[0] and drop trailing argv elements after the first
// non-flag argument; for file tools, the caller passes a glob pattern
// directly (normalization is a no-op for those).
func Normalize(toolName string, argv []string) string {
	if len(argv) == 0 {
		return toolName
	}
	prefix := []string{argv[0]}
	for _, a := range argv[1:] {
		if strings.HasPrefix(a, "-") {
			prefix = append(prefix, a)
			continue
		}
		prefix = append(prefix, a)
		break
	}
	return toolName + ":" + strings.Join(prefix, " ")
}

// Request asks for a decision on a normalized key. If a Session/Forever
// grant already matches, it is returned without re-asking. Otherwise the
// caller is queued behind any in-flight Asking state; ask resolves via
// Resolve. cancelled, if already set, immediately denies with reason
// "cancelled"; an unavailable UI immediately denies with reason
// "ui_gone" (spec §4.2/§7).
func (m *ApprovalManager) Request(callID, normalizedKey, prompt string, cancelled *CancelFlag) ApprovalResult {
	m.mu.Lock()
	if g, ok := m.grants[normalizedKey]; ok && (g.scope == ScopeSession || g.scope == ScopeForever) {
		m.mu.Unlock()
		return ApprovalResult{Decision: g.decision, Reason: string(g.decision)}
	}
	if cancelled != nil && cancelled.IsSet() {
		m.mu.Unlock()
		return ApprovalResult{Decision: ApprovalDeny, Reason: "cancelled"}
	}
	if !m.uiAvailable {
		m.mu.Unlock()
		return ApprovalResult{Decision: ApprovalDeny, Reason: "ui_gone"}
	}

	ch := make(chan ApprovalResult, 1)
	m.queue = append(m.queue, ch)
	if m.state == stateIdle {
		m.state = stateAsking
	}
	m.mu.Unlock()

	return <-ch
}

// Resolve answers the oldest queued Asking request (FIFO) and records the
// decision for normalizedKey at the given scope if scope != Once. The
// reason surfaced to the caller is the decision itself ("allow"/"deny") —
// distinct from the "cancelled"/"ui_gone" reasons Request produces itself
// without reaching the queue.
func (m *ApprovalManager) Resolve(normalizedKey string, decision ApprovalDecision, scope ApprovalScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return fmt.Errorf("no pending approval request")
	}
	ch := m.queue[0]
	m.queue = m.queue[1:]
	if len(m.queue) == 0 {
		m.state = stateIdle
	}
	if scope != ScopeOnce {
		m.grants[normalizedKey] = grant{decision: decision, scope: scope}
	}
	ch <- ApprovalResult{Decision: decision, Reason: string(decision)}
	close(ch)
	return nil
}

// CancelAll clears the queue and resolves every pending request as Deny
// with the given reason (spec §4.2's cancellation rule; the Session loop
// passes "cancelled", distinguishing it from an explicit human deny).
func (m *ApprovalManager) CancelAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.queue {
		ch <- ApprovalResult{Decision: ApprovalDeny, Reason: reason}
		close(ch)
	}
	m.queue = nil
	m.state = stateIdle
}

// matchesGlob matches a target path against a glob pattern (file-tool
// normalization branch of spec §4.2).
func matchesGlob(pattern, target string) bool {
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}
