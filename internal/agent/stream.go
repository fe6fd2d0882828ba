package agent

import (
	"context"
	"encoding/json"
	"time"
)

// EventType enumerates StreamAssembler's normalized output events
// (spec §4.5).
type EventType string

const (
	EventItemStarted        EventType = "item_started"
	EventAgentMessageDelta  EventType = "agent_message_delta"
	EventReasoningDelta     EventType = "reasoning_delta"
	EventItemCompleted      EventType = "item_completed"
	EventToolCall           EventType = "tool_call"
	EventToolCallEnd        EventType = "tool_call_end"
	EventTokenCount         EventType = "token_count"
	EventTurnAborted        EventType = "turn_aborted"
	EventError              EventType = "error"

	// EventTaskComplete marks a run_turn that ended normally (model
	// produced a final answer, or maxIterations was reached, without
	// error or cancellation) — spec §4.5's `task_complete` event
	// protocol variant. Only Session emits it directly; the
	// StreamAssembler never produces one from a provider chunk.
	EventTaskComplete EventType = "task_complete"
)

// StreamEvent is one normalized unit emitted by the StreamAssembler toward
// the Session (which re-emits a subset toward the UI event channel, see
// events.go).
type StreamEvent struct {
	Type EventType

	ItemID   string
	Role     string
	Text     string
	IsRaw    bool

	CallID        string
	ToolName      string
	ArgumentsJSON string
	ParseError    bool

	Content string // assembled text at ItemCompleted

	Usage Usage

	ErrorMessage string
}

// itemBuilder accumulates a streamed item's text and latest sequence
// number (spec §4.5 "Internal state").
type itemBuilder struct {
	text string
	seq  int
}

// backpressureCapacity is the default bounded event channel size
// (spec §4.5).
const backpressureCapacity = 256

// retryBase, retryFactor, retryCap implement the assembler's bounded
// retry-with-backoff for retriable provider errors (spec §4.5).
const (
	retryBase   = 500 * time.Millisecond
	retryFactor = 2
	retryCap    = 3
)

// StreamAssembler consumes a provider's CompletionChunk stream and emits
// normalized StreamEvents, tracking per-item state and enforcing the
// coalescing/backpressure and cancellation rules of spec §4.5. Grounded on
// the teacher's loop.go streamPhase (goroutine + channel accumulation
// pattern, DESIGN.md C5), generalized to a provider-agnostic shape.
type StreamAssembler struct {
	items     map[string]*itemBuilder
	cancelled *CancelFlag
	out       chan StreamEvent
}

// NewStreamAssembler creates an assembler borrowing the Session's
// cancellation flag (read-only, per spec §3 ownership rules).
func NewStreamAssembler(cancelled *CancelFlag) *StreamAssembler {
	return &StreamAssembler{
		items:     map[string]*itemBuilder{},
		cancelled: cancelled,
		out:       make(chan StreamEvent, backpressureCapacity),
	}
}

// Events returns the bounded output channel.
func (a *StreamAssembler) Events() <-chan StreamEvent { return a.out }

// Run drains chunks (as produced by an LLMProvider.Complete call) until the
// channel closes, the cancellation flag is set, or a non-retriable error
// chunk arrives. retry is invoked to re-open the provider stream when a
// retriable error chunk is seen; it must return a fresh chunk channel or
// an error if retries are exhausted.
func (a *StreamAssembler) Run(ctx context.Context, chunks <-chan *CompletionChunk, retry func(ctx context.Context) (<-chan *CompletionChunk, error)) {
	defer close(a.out)
	attempt := 0
	for {
		if a.cancelled != nil && a.cancelled.IsSet() {
			a.emit(StreamEvent{Type: EventTurnAborted})
			return
		}
		chunk, ok := <-chunks
		if !ok {
			return
		}
		if a.cancelled != nil && a.cancelled.IsSet() {
			a.emit(StreamEvent{Type: EventTurnAborted})
			return
		}

		if chunk.Type == "error" {
			if chunk.Retriable && attempt < retryCap && retry != nil {
				delay := retryBase
				for i := 0; i < attempt; i++ {
					delay *= retryFactor
				}
				attempt++
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					a.emit(StreamEvent{Type: EventTurnAborted})
					return
				}
				next, err := retry(ctx)
				if err != nil {
					a.emit(StreamEvent{Type: EventError, ErrorMessage: err.Error()})
					return
				}
				chunks = next
				continue
			}
			a.emit(StreamEvent{Type: EventError, ErrorMessage: chunk.ErrorMessage})
			return
		}
		attempt = 0
		a.consume(chunk)
	}
}

func (a *StreamAssembler) consume(c *CompletionChunk) {
	switch c.Type {
	case "message_start":
		a.emit(StreamEvent{Type: EventItemStarted, Role: c.Role})

	case "content_delta":
		b := a.ensureItem(c.ItemID)
		b.text += c.Text
		b.seq++
		a.emit(StreamEvent{Type: EventAgentMessageDelta, ItemID: c.ItemID, Text: c.Text})

	case "content_end":
		b := a.ensureItem(c.ItemID)
		a.emit(StreamEvent{Type: EventItemCompleted, ItemID: c.ItemID, Content: b.text})
		delete(a.items, c.ItemID)

	case "reasoning_delta":
		b := a.ensureItem(c.ItemID)
		b.text += c.Text
		a.emit(StreamEvent{Type: EventReasoningDelta, ItemID: c.ItemID, Text: c.Text, IsRaw: c.IsRaw})

	case "tool_call_start":
		a.emit(StreamEvent{Type: EventToolCall, CallID: c.CallID, ToolName: c.ToolName})

	case "tool_call_arguments_delta":
		a.emit(StreamEvent{Type: EventToolCall, CallID: c.CallID, ArgumentsJSON: c.Text})

	case "tool_call_end":
		parseErr := false
		if c.ArgumentsJSON != "" && !json.Valid([]byte(c.ArgumentsJSON)) {
			parseErr = true
		}
		a.emit(StreamEvent{Type: EventToolCallEnd, CallID: c.CallID, ToolName: c.ToolName, ArgumentsJSON: c.ArgumentsJSON, ParseError: parseErr})

	case "message_end":
		a.emit(StreamEvent{Type: EventTokenCount, Usage: c.Usage})
	}
}

func (a *StreamAssembler) ensureItem(itemID string) *itemBuilder {
	b, ok := a.items[itemID]
	if !ok {
		b = &itemBuilder{}
		a.items[itemID] = b
		a.emit(StreamEvent{Type: EventItemStarted, ItemID: itemID})
	}
	return b
}

// emit sends ev, coalescing delta events on a full channel per spec §4.5:
// only AgentMessageDelta/ReasoningDelta for the same item may be dropped
// in favor of the newest; lifecycle, ItemCompleted, ToolCall, and Error
// events always block until delivered.
func (a *StreamAssembler) emit(ev StreamEvent) {
	if !isCoalescable(ev.Type) {
		a.out <- ev
		return
	}
	select {
	case a.out <- ev:
	default:
		a.dropOldestForItem(ev)
	}
}

func isCoalescable(t EventType) bool {
	return t == EventAgentMessageDelta || t == EventReasoningDelta
}

// dropOldestForItem makes room by draining any buffered delta for the same
// item, then enqueues ev. If no same-item delta is queued, it blocks (the
// producer already knows the channel is momentarily full).
func (a *StreamAssembler) dropOldestForItem(ev StreamEvent) {
	buffered := len(a.out)
	for i := 0; i < buffered; i++ {
		old := <-a.out
		if isCoalescable(old.Type) && old.ItemID == ev.ItemID {
			continue // drop it
		}
		a.out <- old
	}
	a.out <- ev
}
