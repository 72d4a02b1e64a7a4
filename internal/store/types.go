// Package store is the durable system of record for sessions, tasks, and
// messages. Messages are append-only per task; replaying them in creation
// order reconstructs a conversation after a restart.
package store

import "time"

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
	TaskStopped   TaskStatus = "stopped"
)

// Terminal reports whether the status ends the task's stream.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError || s == TaskStopped
}

// MessageType classifies a message row.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageResult     MessageType = "result"
	MessageError      MessageType = "error"
	MessageUser       MessageType = "user"
	MessagePlan       MessageType = "plan"
)

// Session is a user-visible conversation thread owning one or more tasks.
type Session struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	TaskCount int       `json:"task_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one agent run within a session.
type Task struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	TaskIndex  int        `json:"task_index"`
	Prompt     string     `json:"prompt"`
	Status     TaskStatus `json:"status"`
	CostUSD    *float64   `json:"cost_usd,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	Favorite   bool       `json:"favorite"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Message is one ordered, append-only log entry belonging to a task. Rows are
// never edited or deleted after append; plan step statuses are rehydrated in
// memory on reload, never rewritten here.
type Message struct {
	ID          string      `json:"id"`
	TaskID      string      `json:"task_id"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	ToolName    string      `json:"tool_name,omitempty"`
	ToolInput   string      `json:"tool_input,omitempty"`
	ToolOutput  string      `json:"tool_output,omitempty"`
	ToolUseID   string      `json:"tool_use_id,omitempty"`
	Attachments string      `json:"attachments,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
