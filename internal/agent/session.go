package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexrun/cortex/pkg/models"
)

// CancelFlag is a process-wide atomic boolean per Session (spec §5's
// concurrency model): cheap to poll at suspension points (stream reads,
// tool dispatch, approval waits, subagent fan-out) without touching a
// mutex. Grounded on the teacher's internal/agent/runtime_context.go
// cancellation flag (DESIGN.md C7), generalized to a standalone type shared
// by dispatcher.go, approval.go, and stream.go.
type CancelFlag struct {
	flag atomic.Bool
}

// NewCancelFlag returns a cleared flag.
func NewCancelFlag() *CancelFlag { return &CancelFlag{} }

// Set marks the flag cancelled. Idempotent.
func (c *CancelFlag) Set() { c.flag.Store(true) }

// Clear resets the flag, e.g. at the start of a new turn.
func (c *CancelFlag) Clear() { c.flag.Store(false) }

// IsSet reports whether cancellation has been requested.
func (c *CancelFlag) IsSet() bool { return c.flag.Load() }

// SessionState is Session's top-level state machine (spec §4.7).
type SessionState int

const (
	StateIdle SessionState = iota
	StateRunning
	StateCancelling
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "cancelling"
	}
}

// SessionEvent is emitted on Session.Events() for the host (CLI/serve
// bridge) to render; it is the subset of StreamEvent plus session
// lifecycle markers that crosses the Session boundary (spec §4.7).
type SessionEvent struct {
	Type EventType

	Stream *StreamEvent

	ApprovalRequest *ApprovalRequest

	Err error
}

// Submission is one unit of work enqueued onto the Session's submission
// channel (spec §4.7's "submission/event channel" design): a new user turn,
// an approval resolution, or a cancellation request.
type Submission struct {
	UserTurn  *UserTurnSubmission
	Approval  *ApprovalResolution
	Cancel    bool
}

type UserTurnSubmission struct {
	Content string
	Parts   []models.ContentPart
}

type ApprovalResolution struct {
	CallID       string
	NormalizedKey string
	Decision     ApprovalDecision
	Scope        ApprovalScope
}

// TurnTimeout bounds a single run_turn end-to-end (spec §4.7 default).
const TurnTimeout = 10 * time.Minute

// Session is the top-level agentic loop orchestrator (spec §4.7, C7): it
// owns history, wires PolicyEngine -> ApprovalManager -> Registry ->
// RolloutRecorder for every tool call a turn produces, and exposes a
// cooperative submission/event channel pair so a CLI or serve bridge can
// drive it without touching internal state directly. Grounded on the
// teacher's internal/agent/loop.go/runtime.go main loop (DESIGN.md C7),
// restructured around the spec's explicit state machine and history
// invariants rather than the teacher's channel-free direct-call loop.
type Session struct {
	mu    sync.Mutex
	state SessionState

	ID       string
	Cwd      string
	ModelID  string

	provider LLMProvider
	registry *Registry
	policy   *PolicyEngine
	approval *ApprovalManager
	rollout  *RolloutRecorder

	sandboxMode  SandboxMode
	approvalMode ApprovalMode

	history []models.Message
	undo    [][]models.Message
	redo    [][]models.Message

	cancelled *CancelFlag

	submissions chan Submission
	events      chan SessionEvent

	maxIterations int

	// subagents is the SubagentExecutor backing this session's "task" tool,
	// if any. runTurn resets its per-parent spawn quota at the start of
	// every new top-level turn (spec §4.6: the quota is per-turn, not
	// per-session-lifetime).
	subagents *SubagentExecutor
}

// SessionConfig bundles the collaborators a Session needs. All fields are
// required except MaxIterations (defaults to 50, spec §4.7) and Subagents
// (nil if the session's registry has no "task" tool).
type SessionConfig struct {
	ID            string
	Cwd           string
	ModelID       string
	Provider      LLMProvider
	Registry      *Registry
	Policy        *PolicyEngine
	Approval      *ApprovalManager
	Rollout       *RolloutRecorder
	SandboxMode   SandboxMode
	ApprovalMode  ApprovalMode
	MaxIterations int
	Subagents     *SubagentExecutor
}

// NewSession wires the collaborators and starts the submission-processing
// goroutine. Call Close to stop it.
func NewSession(cfg SessionConfig) *Session {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 50
	}
	s := &Session{
		ID:            cfg.ID,
		Cwd:           cfg.Cwd,
		ModelID:       cfg.ModelID,
		provider:      cfg.Provider,
		registry:      cfg.Registry,
		policy:        cfg.Policy,
		approval:      cfg.Approval,
		rollout:       cfg.Rollout,
		sandboxMode:   cfg.SandboxMode,
		approvalMode:  cfg.ApprovalMode,
		cancelled:     NewCancelFlag(),
		submissions:   make(chan Submission, 8),
		events:        make(chan SessionEvent, backpressureCapacity),
		maxIterations: maxIter,
		subagents:     cfg.Subagents,
	}
	go s.loop()
	return s
}

// Events returns the channel the host drains for rendering.
func (s *Session) Events() <-chan SessionEvent { return s.events }

// Submit enqueues a submission. Never blocks longer than the channel's
// buffer allows; callers running on the event-draining goroutine must not
// call this synchronously without draining Events concurrently.
func (s *Session) Submit(sub Submission) {
	s.submissions <- sub
}

// Close stops accepting submissions and waits for the loop to drain.
func (s *Session) Close() {
	close(s.submissions)
}

// State reports the current state machine position (spec §4.7).
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a snapshot copy of the session's message history.
func (s *Session) History() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.history))
	copy(out, s.history)
	return out
}

// loop drains submissions one at a time: a UserTurn runs run_turn to
// completion (or cancellation); an Approval resolution is forwarded to the
// ApprovalManager; Cancel sets the flag and tells ApprovalManager to deny
// every pending ask (spec §4.7's single-flight turn model — only one
// run_turn is ever active, matching the single Asking invariant of C2).
func (s *Session) loop() {
	defer close(s.events)
	for sub := range s.submissions {
		switch {
		case sub.Cancel:
			s.mu.Lock()
			if s.state == StateRunning {
				s.state = StateCancelling
			}
			s.mu.Unlock()
			s.cancelled.Set()
			s.approval.CancelAll("cancelled")

		case sub.Approval != nil:
			_ = s.approval.Resolve(sub.Approval.NormalizedKey, sub.Approval.Decision, sub.Approval.Scope)

		case sub.UserTurn != nil:
			s.runTurn(sub.UserTurn)
		}
	}
}

// runTurn implements spec §4.7's run_turn: append the user message, loop
// model completion -> tool dispatch until the model stops requesting tools
// or maxIterations is hit, enforcing the turn timeout and history
// invariants throughout.
func (s *Session) runTurn(turn *UserTurnSubmission) {
	s.mu.Lock()
	s.state = StateRunning
	s.cancelled.Clear()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}()

	if s.subagents != nil {
		s.subagents.ResetTurnQuota(s.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), TurnTimeout)
	defer cancel()

	s.appendHistory(models.Message{
		ID:        fmt.Sprintf("%s-u%d", s.ID, len(s.history)),
		SessionID: s.ID,
		Role:      models.RoleUser,
		Content:   turn.Content,
		Parts:     turn.Parts,
		CreatedAt: time.Now(),
	})
	if s.rollout != nil {
		_ = s.rollout.Record(EntryResponseItem, s.history[len(s.history)-1])
	}

	for iter := 0; iter < s.maxIterations; iter++ {
		if s.cancelled.IsSet() {
			s.events <- SessionEvent{Type: EventTurnAborted}
			return
		}

		assistantMsg, toolCalls, err := s.completeOnce(ctx)
		if err != nil {
			s.emitErr(err)
			return
		}

		s.appendHistory(assistantMsg)
		if s.rollout != nil {
			_ = s.rollout.Record(EntryResponseItem, assistantMsg)
		}

		if len(toolCalls) == 0 {
			s.events <- SessionEvent{Type: EventTaskComplete}
			return // model produced a final answer, turn complete
		}

		results := s.dispatchToolCalls(ctx, toolCalls)
		for _, r := range results {
			msg := models.Message{
				ID:         fmt.Sprintf("%s-t%s", s.ID, r.ToolCallID),
				SessionID:  s.ID,
				Role:       models.RoleTool,
				ToolCallID: r.ToolCallID,
				Content:    toolResultContent(r),
				CreatedAt:  time.Now(),
			}
			s.appendHistory(msg)
			if s.rollout != nil {
				_ = s.rollout.Record(EntryResponseItem, msg)
			}
		}

		if s.cancelled.IsSet() {
			s.events <- SessionEvent{Type: EventTurnAborted}
			return
		}
	}

	s.events <- SessionEvent{Type: EventTaskComplete}
}

// completeOnce runs one model completion, draining it through a
// StreamAssembler, re-emitting every SessionEvent-worthy StreamEvent, and
// accumulating the assistant message and any tool calls it requested.
func (s *Session) completeOnce(ctx context.Context) (models.Message, []models.ToolCall, error) {
	req := &CompletionRequest{
		Model:    s.ModelID,
		Messages: toCompletionMessages(s.History()),
		Tools:    s.registry.AsLLMTools(),
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return models.Message{}, nil, &ModelFailedError{Message: "completion request failed", Cause: err}
	}

	assembler := NewStreamAssembler(s.cancelled)
	go assembler.Run(ctx, chunks, func(ctx context.Context) (<-chan *CompletionChunk, error) {
		return s.provider.Complete(ctx, req)
	})

	var text string
	var calls []models.ToolCall
	argBuf := map[string]*[]byte{}

	for ev := range assembler.Events() {
		switch ev.Type {
		case EventAgentMessageDelta:
			text += ev.Text
			s.events <- SessionEvent{Type: ev.Type, Stream: &ev}

		case EventToolCall:
			if ev.ArgumentsJSON != "" {
				buf, ok := argBuf[ev.CallID]
				if !ok {
					b := []byte{}
					buf = &b
					argBuf[ev.CallID] = buf
				}
				*buf = append(*buf, ev.ArgumentsJSON...)
			}
			s.events <- SessionEvent{Type: ev.Type, Stream: &ev}

		case EventToolCallEnd:
			args := ev.ArgumentsJSON
			if buf, ok := argBuf[ev.CallID]; ok && len(*buf) > 0 {
				args = string(*buf)
			}
			calls = append(calls, models.ToolCall{ID: ev.CallID, Name: ev.ToolName, Arguments: json.RawMessage(args)})
			s.events <- SessionEvent{Type: ev.Type, Stream: &ev}

		case EventError:
			return models.Message{}, nil, &ModelFailedError{Message: ev.ErrorMessage}

		case EventTurnAborted:
			return models.Message{}, nil, &CancelledError{}

		default:
			s.events <- SessionEvent{Type: ev.Type, Stream: &ev}
		}
	}

	msg := models.Message{
		ID:        fmt.Sprintf("%s-a%d", s.ID, len(s.history)),
		SessionID: s.ID,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	}
	if len(calls) > 0 {
		msg.ToolCalls = calls
	}
	return msg, calls, nil
}

// dispatchToolCalls runs PolicyEngine -> ApprovalManager -> Registry for
// every tool call the model requested this round, in the order issued
// (spec §4.7: tool calls within one assistant turn are not parallelized by
// the Session itself — the batch tool is how a turn opts into
// concurrency). A policy or approval denial produces a synthetic failed
// ToolResult (spec §4.7's history invariant) rather than aborting the
// turn.
func (s *Session) dispatchToolCalls(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if s.cancelled.IsSet() {
			results = append(results, models.ErrorResult(call.ID, "cancelled"))
			continue
		}

		if call.Name == "exec" || call.Name == "shell" || call.Name == "bash" {
			cmd := extractCommand(call.Arguments)
			cls := s.policy.Classify(cmd, PolicyContext{Cwd: s.Cwd, SandboxMode: s.sandboxMode, ApprovalMode: s.approvalMode})
			switch cls.Verdict {
			case VerdictDeny:
				results = append(results, models.ErrorResult(call.ID, (&PolicyDeniedError{Reason: cls.Reason}).Error()))
				continue
			case VerdictAsk:
				key := Normalize(call.Name, []string{cmd})
				s.events <- SessionEvent{Type: EventToolCall, ApprovalRequest: &ApprovalRequest{CallID: call.ID, Tool: call.Name, Args: cmd, Prompt: cls.Reason}}
				result := s.approval.Request(call.ID, key, cls.Reason, s.cancelled)
				if result.Decision != ApprovalAllow {
					results = append(results, models.ErrorResult(call.ID, (&ApprovalDeniedError{Reason: result.Reason}).Error()))
					continue
				}
			}
		}

		tc := ToolContext{Cwd: s.Cwd, Timeout: 2 * time.Minute, SandboxMode: s.sandboxMode, Cancelled: s.cancelled}
		results = append(results, s.registry.Execute(ctx, call, tc))
	}
	return results
}

// Undo pops the last assistant+tool-result block off history, pushing it
// onto the redo stack (spec §4.7 "Undo/Redo").
func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.undo) == 0 {
		return false
	}
	snapshot := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, append([]models.Message{}, s.history...))
	s.history = snapshot
	return true
}

// Redo restores the most recently undone history snapshot.
func (s *Session) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.redo) == 0 {
		return false
	}
	snapshot := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, append([]models.Message{}, s.history...))
	s.history = snapshot
	return true
}

func (s *Session) appendHistory(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = append(s.undo, append([]models.Message{}, s.history...))
	s.redo = nil
	s.history = append(s.history, msg)
}

func (s *Session) emitErr(err error) {
	if _, ok := err.(*CancelledError); ok {
		s.events <- SessionEvent{Type: EventTurnAborted}
		return
	}
	s.events <- SessionEvent{Type: EventError, Err: err}
}

func toCompletionMessages(history []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		out = append(out, CompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		})
	}
	return out
}

func toolResultContent(r models.ToolResult) string {
	if r.Success {
		return r.Output
	}
	return r.Error
}

// extractCommand pulls the "command" field out of a shell-tool call's
// arguments, tolerating absence (invalid call, surfaced as an empty
// command that ParseSimpleCommand rejects downstream).
func extractCommand(args json.RawMessage) string {
	var v struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(args, &v)
	return v.Command
}
