package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cortexrun/cortex/pkg/models"
)

// RolloutEntryType is the tagged variant of a RolloutEntry (spec §3).
type RolloutEntryType string

const (
	EntrySessionMeta   RolloutEntryType = "session_meta"
	EntryEventMsg      RolloutEntryType = "event_msg"
	EntryResponseItem  RolloutEntryType = "response_item"
	EntryCompacted     RolloutEntryType = "compacted"
	EntryTurnContext   RolloutEntryType = "turn_context"
)

// RolloutEntry is one line of the append-only JSONL event log (spec §4.3).
type RolloutEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	Type      RolloutEntryType `json:"type"`
	Payload   json.RawMessage  `json:"payload"`
}

// fsync cadence defaults (spec §4.3: "N=32, T=500ms are sensible
// defaults").
const (
	defaultFsyncEveryN = 32
	defaultFsyncEveryT = 500 * time.Millisecond
)

// RolloutRecorder appends RolloutEntry lines to a per-conversation JSONL
// file, grounded on the teacher's internal/sessions/memory_logger.go
// mutex-serialized append-only write pattern (DESIGN.md C3), adapted for
// JSONL, bounded fsync cadence, and corruption-tolerant reads.
type RolloutRecorder struct {
	mu          sync.Mutex
	f           *os.File
	writesSince int
	lastFsync   time.Time
	fsyncEveryN int
	fsyncEveryT time.Duration
}

// OpenRollout creates (or truncates, if previously absent) the rollout
// file at <cortexHome>/sessions/<conversationID>.jsonl, creating the
// parent directory with mode 0700 on POSIX, and writes meta as the first
// line.
func OpenRollout(cortexHome, conversationID string, meta models.SessionMeta) (*RolloutRecorder, error) {
	dir := filepath.Join(cortexHome, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create rollout dir: %w", err)
	}
	path := filepath.Join(dir, conversationID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open rollout file: %w", err)
	}
	r := &RolloutRecorder{f: f, fsyncEveryN: defaultFsyncEveryN, fsyncEveryT: defaultFsyncEveryT, lastFsync: time.Now()}
	payload, _ := json.Marshal(meta)
	if err := r.record(RolloutEntryType(EntrySessionMeta), payload); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Record appends one non-delta event. Delta events within a streaming
// assistant message are never recorded individually (spec §4.3); the
// StreamAssembler only calls Record once an item completes.
func (r *RolloutRecorder) Record(entryType RolloutEntryType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rollout payload: %w", err)
	}
	return r.record(entryType, data)
}

func (r *RolloutRecorder) record(entryType RolloutEntryType, payload json.RawMessage) error {
	entry := RolloutEntry{Timestamp: time.Now(), Type: entryType, Payload: payload}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal rollout entry: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.f.Write(line); err != nil {
		return fmt.Errorf("write rollout entry: %w", err)
	}
	r.writesSince++
	if r.writesSince >= r.fsyncEveryN || time.Since(r.lastFsync) >= r.fsyncEveryT {
		if err := r.f.Sync(); err != nil {
			return fmt.Errorf("fsync rollout: %w", err)
		}
		r.writesSince = 0
		r.lastFsync = time.Now()
	}
	return nil
}

// Close flushes and closes the rollout file.
func (r *RolloutRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.f.Sync(); err != nil {
		_ = r.f.Close()
		return err
	}
	return r.f.Close()
}

// ReadRollout reads entries in file order. A line that fails to parse is
// counted and skipped; the returned skipped count and first bad line
// number are logged by the caller as a warning (spec §4.3). The file is
// never partially replaced and may be tailed during writes.
func ReadRollout(path string) (entries []RolloutEntry, skipped int, firstBadLine int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open rollout file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var entry RolloutEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			skipped++
			if firstBadLine == 0 {
				firstBadLine = lineNum
			}
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, firstBadLine, fmt.Errorf("scan rollout file: %w", err)
	}
	return entries, skipped, firstBadLine, nil
}
