package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/id"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	prompt     TEXT NOT NULL,
	task_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	task_index  INTEGER NOT NULL,
	prompt      TEXT NOT NULL,
	status      TEXT NOT NULL,
	cost_usd    REAL,
	duration_ms INTEGER,
	favorite    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_by_session ON tasks(session_id, task_index);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	tool_name   TEXT NOT NULL DEFAULT '',
	tool_input  TEXT NOT NULL DEFAULT '',
	tool_output TEXT NOT NULL DEFAULT '',
	tool_use_id TEXT NOT NULL DEFAULT '',
	attachments TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_task ON messages(task_id, created_at, id);
`

// Store persists sessions, tasks, and messages in a local SQLite database.
// Message writes are append-only per task id, so concurrent streams need no
// coordination beyond the database's own atomicity.
type Store struct {
	pool   *sqlitex.Pool
	logger logging.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 4,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("store: %s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	s := &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("Store"),
	}
	if err := s.migrate(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session seeded with its originating prompt.
func (s *Store) CreateSession(ctx context.Context, prompt string) (*Session, error) {
	now := time.Now()
	session := &Session{
		ID:        id.NewSessionID(),
		Prompt:    prompt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, prompt, task_count, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{session.ID, session.Prompt, now.UnixMilli(), now.UnixMilli()}})
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return session, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	defer s.pool.Put(conn)

	var session *Session
	err = sqlitex.Execute(conn,
		`SELECT id, prompt, task_count, created_at, updated_at FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = scanSession(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("store: session not found: %s", sessionID)
	}
	return session, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer s.pool.Put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn,
		`SELECT id, prompt, task_count, created_at, updated_at FROM sessions ORDER BY created_at DESC, id DESC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, *scanSession(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return sessions, nil
}

// BumpSessionTaskCount increments a session's task counter and returns the
// new value, which doubles as the next task's 1-based index.
func (s *Store) BumpSessionTaskCount(ctx context.Context, sessionID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: bump task count: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: bump task count: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET task_count = task_count + 1, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{time.Now().UnixMilli(), sessionID}})
	if err != nil {
		return 0, fmt.Errorf("store: bump task count: %w", err)
	}
	if conn.Changes() == 0 {
		err = fmt.Errorf("store: session not found: %s", sessionID)
		return 0, err
	}

	count := 0
	err = sqlitex.Execute(conn,
		`SELECT task_count FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: bump task count: %w", err)
	}
	return count, nil
}

// InsertTask inserts a new task row.
func (s *Store) InsertTask(ctx context.Context, task *Task) error {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert task: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO tasks (id, session_id, task_index, prompt, status, cost_usd, duration_ms, favorite, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			task.ID, task.SessionID, task.TaskIndex, task.Prompt, string(task.Status),
			nullableFloat(task.CostUSD), nullableInt(task.DurationMS), boolToInt(task.Favorite),
			now.UnixMilli(), now.UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("store: insert task: %w", err)
	}
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	defer s.pool.Put(conn)

	var task *Task
	err = sqlitex.Execute(conn,
		`SELECT id, session_id, task_index, prompt, status, cost_usd, duration_ms, favorite, created_at, updated_at
		 FROM tasks WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				task = scanTask(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("store: task not found: %s", taskID)
	}
	return task, nil
}

// ListTasksBySession returns a session's tasks ordered by task index.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID string) ([]Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer s.pool.Put(conn)

	var tasks []Task
	err = sqlitex.Execute(conn,
		`SELECT id, session_id, task_index, prompt, status, cost_usd, duration_ms, favorite, created_at, updated_at
		 FROM tasks WHERE session_id = ? ORDER BY task_index`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, *scanTask(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus sets a task's status.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(status), time.Now().UnixMilli(), taskID}})
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	return nil
}

// UpdateTaskCost records the accumulated cost and duration once known.
func (s *Store) UpdateTaskCost(ctx context.Context, taskID string, costUSD *float64, durationMS *int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update task cost: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE tasks SET cost_usd = COALESCE(?, cost_usd), duration_ms = COALESCE(?, duration_ms), updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{nullableFloat(costUSD), nullableInt(durationMS), time.Now().UnixMilli(), taskID}})
	if err != nil {
		return fmt.Errorf("store: update task cost: %w", err)
	}
	return nil
}

// SetTaskFavorite flips a task's favorite flag.
func (s *Store) SetTaskFavorite(ctx context.Context, taskID string, favorite bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: set favorite: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE tasks SET favorite = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{boolToInt(favorite), time.Now().UnixMilli(), taskID}})
	if err != nil {
		return fmt.Errorf("store: set favorite: %w", err)
	}
	return nil
}

// AppendMessage appends one message row. Rows are append-only; there is no
// update or delete path for messages.
func (s *Store) AppendMessage(ctx context.Context, message *Message) error {
	if message.ID == "" {
		message.ID = id.NewMessageID()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (id, task_id, type, content, tool_name, tool_input, tool_output, tool_use_id, attachments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			message.ID, message.TaskID, string(message.Type), message.Content,
			message.ToolName, message.ToolInput, message.ToolOutput, message.ToolUseID,
			message.Attachments, message.CreatedAt.UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// MessagesByTask returns a task's messages in creation order.
func (s *Store) MessagesByTask(ctx context.Context, taskID string) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: messages by task: %w", err)
	}
	defer s.pool.Put(conn)

	var messages []Message
	err = sqlitex.Execute(conn,
		`SELECT id, task_id, type, content, tool_name, tool_input, tool_output, tool_use_id, attachments, created_at
		 FROM messages WHERE task_id = ? ORDER BY created_at, rowid`,
		&sqlitex.ExecOptions{
			Args: []any{taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, Message{
					ID:          stmt.ColumnText(0),
					TaskID:      stmt.ColumnText(1),
					Type:        MessageType(stmt.ColumnText(2)),
					Content:     stmt.ColumnText(3),
					ToolName:    stmt.ColumnText(4),
					ToolInput:   stmt.ColumnText(5),
					ToolOutput:  stmt.ColumnText(6),
					ToolUseID:   stmt.ColumnText(7),
					Attachments: stmt.ColumnText(8),
					CreatedAt:   time.UnixMilli(stmt.ColumnInt64(9)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: messages by task: %w", err)
	}
	return messages, nil
}

// CountMessagesByTask returns how many messages a task has accumulated.
func (s *Store) CountMessagesByTask(ctx context.Context, taskID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM messages WHERE task_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return count, nil
}

func scanSession(stmt *sqlite.Stmt) *Session {
	return &Session{
		ID:        stmt.ColumnText(0),
		Prompt:    stmt.ColumnText(1),
		TaskCount: stmt.ColumnInt(2),
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(3)),
		UpdatedAt: time.UnixMilli(stmt.ColumnInt64(4)),
	}
}

func scanTask(stmt *sqlite.Stmt) *Task {
	task := &Task{
		ID:        stmt.ColumnText(0),
		SessionID: stmt.ColumnText(1),
		TaskIndex: stmt.ColumnInt(2),
		Prompt:    stmt.ColumnText(3),
		Status:    TaskStatus(stmt.ColumnText(4)),
		Favorite:  stmt.ColumnInt(7) != 0,
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(8)),
		UpdatedAt: time.UnixMilli(stmt.ColumnInt64(9)),
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		cost := stmt.ColumnFloat(5)
		task.CostUSD = &cost
	}
	if stmt.ColumnType(6) != sqlite.TypeNull {
		duration := stmt.ColumnInt64(6)
		task.DurationMS = &duration
	}
	return task
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
