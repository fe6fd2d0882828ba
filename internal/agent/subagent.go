package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/cortexrun/cortex/pkg/models"
)

// MaxSubagentDepth bounds nested spawn.task(spawn.task(...)) chains
// (spec §4.6).
const MaxSubagentDepth = 5

// DefaultSpawnQuota bounds how many subagents one parent turn may spawn
// (spec §4.6).
const DefaultSpawnQuota = 8

// DefaultSubagentParallelism bounds concurrently running subagents across
// a parent (spec §4.6).
const DefaultSubagentParallelism = 4

// SubagentStatus is the lifecycle state of one spawned subagent.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
	SubagentCancelled SubagentStatus = "cancelled"
)

// Subagent is a spawned, isolated task execution (spec §4.6, C6). It owns
// its own Session and a derived cancellation context so Cancel actually
// interrupts the in-flight run rather than only flipping a status label —
// the teacher's internal/tools/subagent/spawn.go Manager.Cancel set a
// status field but never touched the running goroutine's context
// (DESIGN.md C6 "gaps fixed").
type Subagent struct {
	ID          string
	ParentID    string
	Depth       int
	Name        string
	Task        string
	Status      SubagentStatus
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      string
	Error       string

	cancel context.CancelFunc
	done   chan struct{}
}

// SubagentExecutor spawns and tracks subagents for one parent Session,
// enforcing depth, per-turn spawn quota, and bounded parallelism. Grounded
// on the teacher's internal/tools/subagent/spawn.go Manager (DESIGN.md C6),
// rebuilt against the new Session type in place of the deleted
// agent.Runtime, and fixing the cancellation-propagation and
// Cancel-doesn't-interrupt gaps noted there.
type SubagentExecutor struct {
	mu          sync.RWMutex
	agents      map[string]*Subagent
	newSession  func(ctx context.Context, id, task string) (*Session, error)
	parallelism int
	sem         chan struct{}
	active      int64

	quotaMu     sync.Mutex
	spawnedThisTurn map[string]int // parentID -> count
}

// NewSubagentExecutor wires newSession, the factory the executor calls to
// build a fresh child Session (model, registry, etc. are the parent's
// responsibility to supply via the closure).
func NewSubagentExecutor(newSession func(ctx context.Context, id, task string) (*Session, error)) *SubagentExecutor {
	parallelism := DefaultSubagentParallelism
	return &SubagentExecutor{
		agents:          map[string]*Subagent{},
		newSession:      newSession,
		parallelism:     parallelism,
		sem:             make(chan struct{}, parallelism),
		spawnedThisTurn: map[string]int{},
	}
}

// ResetTurnQuota clears the per-parent spawn counter; called by the
// Session at the start of each new top-level turn (spec §4.6: the quota is
// per-turn, not per-session-lifetime).
func (e *SubagentExecutor) ResetTurnQuota(parentID string) {
	e.quotaMu.Lock()
	defer e.quotaMu.Unlock()
	delete(e.spawnedThisTurn, parentID)
}

// Spawn starts a subagent under parentCtx. depth is the caller's own
// nesting depth (0 for a top-level agent); Spawn rejects depth >=
// MaxSubagentDepth and quota-exceeding requests before starting any work.
func (e *SubagentExecutor) Spawn(parentCtx context.Context, parentID string, depth int, name, task string) (*Subagent, error) {
	if depth >= MaxSubagentDepth {
		return nil, fmt.Errorf("subagent depth limit (%d) reached", MaxSubagentDepth)
	}

	e.quotaMu.Lock()
	if e.spawnedThisTurn[parentID] >= DefaultSpawnQuota {
		e.quotaMu.Unlock()
		return nil, fmt.Errorf("subagent spawn quota (%d) reached for this turn", DefaultSpawnQuota)
	}
	e.spawnedThisTurn[parentID]++
	e.quotaMu.Unlock()

	ctx, cancel := context.WithCancel(parentCtx) // derives from the parent, not context.Background()
	sa := &Subagent{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Depth:     depth + 1,
		Name:      name,
		Task:      task,
		Status:    SubagentRunning,
		CreatedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	e.agents[sa.ID] = sa
	e.mu.Unlock()

	atomic.AddInt64(&e.active, 1)
	go e.run(ctx, sa)

	return sa, nil
}

func (e *SubagentExecutor) run(ctx context.Context, sa *Subagent) {
	defer atomic.AddInt64(&e.active, -1)
	defer close(sa.done)

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.complete(sa, "", "cancelled", SubagentCancelled)
		return
	}

	session, err := e.newSession(ctx, sa.ID, sa.Task)
	if err != nil {
		e.complete(sa, "", err.Error(), SubagentFailed)
		return
	}
	defer session.Close()

	session.Submit(Submission{UserTurn: &UserTurnSubmission{Content: sa.Task}})

	var result string
	for ev := range session.Events() {
		if ctx.Err() != nil {
			e.complete(sa, result, "cancelled", SubagentCancelled)
			return
		}
		switch ev.Type {
		case EventAgentMessageDelta:
			if ev.Stream != nil {
				result += ev.Stream.Text
			}
		case EventItemCompleted:
			if ev.Stream != nil && ev.Stream.Content != "" {
				result = ev.Stream.Content
			}
		case EventError:
			msg := "subagent failed"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			e.complete(sa, result, msg, SubagentFailed)
			return
		case EventTurnAborted:
			e.complete(sa, result, "cancelled", SubagentCancelled)
			return

		case EventTaskComplete:
			e.complete(sa, result, "", SubagentCompleted)
			return
		}
	}

	// session.Events() closed without ever emitting a terminal event
	// (e.g. Session.Close() called out from under the subagent) — treat
	// whatever text was accumulated as the final result rather than
	// silently dropping it.
	e.complete(sa, result, "", SubagentCompleted)
}

func (e *SubagentExecutor) complete(sa *Subagent, result, errMsg string, status SubagentStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sa.CompletedAt = time.Now()
	sa.Result = result
	sa.Error = errMsg
	sa.Status = status
}

// Get looks up a subagent by ID.
func (e *SubagentExecutor) Get(id string) (*Subagent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sa, ok := e.agents[id]
	return sa, ok
}

// List returns every subagent spawned by parentID.
func (e *SubagentExecutor) List(parentID string) []*Subagent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Subagent
	for _, sa := range e.agents {
		if sa.ParentID == parentID {
			out = append(out, sa)
		}
	}
	return out
}

// Cancel calls the subagent's derived CancelFunc, which actually unblocks
// its provider stream and tool dispatch (not just a status flip).
func (e *SubagentExecutor) Cancel(id string) error {
	e.mu.RLock()
	sa, ok := e.agents[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subagent not found: %s", id)
	}
	if sa.Status != SubagentRunning {
		return fmt.Errorf("subagent not running: %s", sa.Status)
	}
	sa.cancel()
	return nil
}

// ActiveCount reports subagents currently occupying the parallelism
// semaphore or awaiting a slot.
func (e *SubagentExecutor) ActiveCount() int { return int(atomic.LoadInt64(&e.active)) }

// TaskToolArgs is the schema backing the built-in `task` tool a model uses
// to spawn a subagent (spec §4.4/§4.6).
type TaskToolArgs struct {
	Name string `json:"name"`
	Task string `json:"task"`
}

// TaskTool exposes SubagentExecutor.Spawn as a ToolHandler. It is excluded
// from batch (DisallowedInBatch) and from itself (depth check) to keep
// quota accounting centralized.
type TaskTool struct {
	Executor *SubagentExecutor
	ParentID string
	Depth    int
}

func (t *TaskTool) Name() string        { return "task" }
func (t *TaskTool) Description() string { return "Spawns a subagent to work on an isolated task and returns its final result." }
func (t *TaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"task":{"type":"string"}},"required":["name","task"]}`)
}

func (t *TaskTool) Execute(ctx context.Context, args json.RawMessage, tc ToolContext) models.ToolResult {
	var params TaskToolArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return models.ToolResult{Success: false, Error: "invalid task arguments"}
	}
	sa, err := t.Executor.Spawn(ctx, t.ParentID, t.Depth, params.Name, params.Task)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}
	}
	<-sa.done
	if sa.Status != SubagentCompleted {
		return models.ToolResult{Success: false, Error: sa.Error}
	}
	return models.ToolResult{Success: true, Output: sa.Result}
}
