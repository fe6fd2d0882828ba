// Package sessions persists a read-optimized projection of session/message
// data for listing, search, and `cortex resume`. The rollout log remains
// the source of truth on replay (spec.md §4.3); this store is a cache over
// it, never authoritative.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cortexrun/cortex/pkg/models"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("session not found")

// ListOptions filters and paginates List.
type ListOptions struct {
	Cwd    string
	Limit  int
	Offset int
}

// Store is the durable session/message persistence contract (SPEC_FULL
// §4.15). Grounded on the teacher's internal/memory/backend/sqlitevec
// Backend (DESIGN.md D1), adapted from vector-memory rows to session/
// message rows.
type Store interface {
	Create(ctx context.Context, row models.SessionRow) error
	Get(ctx context.Context, id string) (models.SessionRow, error)
	Update(ctx context.Context, row models.SessionRow) error
	Delete(ctx context.Context, id string) error
	GetByKey(ctx context.Context, cwd string) (models.SessionRow, error)
	GetOrCreate(ctx context.Context, id, cwd, model string) (models.SessionRow, error)
	List(ctx context.Context, opts ListOptions) ([]models.SessionRow, error)
	AppendMessage(ctx context.Context, msg models.Message) error
	GetHistory(ctx context.Context, sessionID string) ([]models.Message, error)
	Close() error
}

// SQLiteStore implements Store over a modernc.org/sqlite-backed database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or attaches to) a sqlite database at path, initializing its
// schema if absent. Pass ":memory:" for an ephemeral in-process store.
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			cwd TEXT NOT NULL,
			model TEXT,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_cwd ON sessions(cwd)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			parts TEXT,
			tool_call_id TEXT,
			tool_calls TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init session store schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, row models.SessionRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if row.LastActivity.IsZero() {
		row.LastActivity = row.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, parent_id, cwd, model, message_count, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, nullable(row.ParentID), row.Cwd, nullable(row.Model),
		row.MessageCount, row.CreatedAt, row.LastActivity)
	if err != nil {
		return fmt.Errorf("create session row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, cwd, model, message_count, created_at, last_activity
		FROM sessions WHERE id = ?`, id)
	return scanSessionRow(row)
}

func (s *SQLiteStore) Update(ctx context.Context, row models.SessionRow) error {
	row.LastActivity = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET parent_id = ?, cwd = ?, model = ?, message_count = ?, last_activity = ?
		WHERE id = ?`,
		nullable(row.ParentID), row.Cwd, nullable(row.Model), row.MessageCount, row.LastActivity, row.ID)
	if err != nil {
		return fmt.Errorf("update session row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByKey finds the most recently active session rooted at cwd, the
// lookup `cortex run` uses to continue the "current" session for a
// workspace without an explicit --session id.
func (s *SQLiteStore) GetByKey(ctx context.Context, cwd string) (models.SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, cwd, model, message_count, created_at, last_activity
		FROM sessions WHERE cwd = ? ORDER BY last_activity DESC LIMIT 1`, cwd)
	return scanSessionRow(row)
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, id, cwd, model string) (models.SessionRow, error) {
	if existing, err := s.Get(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return models.SessionRow{}, err
	}
	now := time.Now()
	row := models.SessionRow{ID: id, Cwd: cwd, Model: model, CreatedAt: now, LastActivity: now}
	if err := s.Create(ctx, row); err != nil {
		return models.SessionRow{}, err
	}
	return row, nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]models.SessionRow, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, parent_id, cwd, model, message_count, created_at, last_activity FROM sessions`
	args := []any{}
	if opts.Cwd != "" {
		query += ` WHERE cwd = ?`
		args = append(args, opts.Cwd)
	}
	query += ` ORDER BY last_activity DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionRow
	for rows.Next() {
		row, err := scanSessionRowFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("append message: id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("encode message parts: %w", err)
	}
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (id, session_id, role, content, parts, tool_call_id, tool_calls, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, string(parts),
		nullable(msg.ToolCallID), string(toolCalls), string(metadata), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + 1, last_activity = ? WHERE id = ?`,
		msg.CreatedAt, msg.SessionID)
	if err != nil {
		return fmt.Errorf("bump session activity: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, parts, tool_call_id, tool_calls, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var parts, toolCalls, metadata string
		var toolCallID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &parts, &toolCallID, &toolCalls, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.ToolCallID = toolCallID.String
		if parts != "" {
			if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
				return nil, fmt.Errorf("decode message parts: %w", err)
			}
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row *sql.Row) (models.SessionRow, error) {
	return scanSessionRowGeneric(row)
}

func scanSessionRowFromRows(rows *sql.Rows) (models.SessionRow, error) {
	return scanSessionRowGeneric(rows)
}

func scanSessionRowGeneric(s scanner) (models.SessionRow, error) {
	var row models.SessionRow
	var parentID, model sql.NullString
	err := s.Scan(&row.ID, &parentID, &row.Cwd, &model, &row.MessageCount, &row.CreatedAt, &row.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SessionRow{}, ErrNotFound
	}
	if err != nil {
		return models.SessionRow{}, fmt.Errorf("scan session row: %w", err)
	}
	row.ParentID = parentID.String
	row.Model = model.String
	return row, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
