// Package protocol defines the typed events of the agent service stream and
// the incremental decoder that turns raw response bytes into them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the stream event variants.
type EventKind string

const (
	KindSession           EventKind = "session"
	KindText              EventKind = "text"
	KindToolUse           EventKind = "tool_use"
	KindToolResult        EventKind = "tool_result"
	KindResult            EventKind = "result"
	KindError             EventKind = "error"
	KindDone              EventKind = "done"
	KindPermissionRequest EventKind = "permission_request"
	KindPlan              EventKind = "plan"
	KindDirectAnswer      EventKind = "direct_answer"
)

// QuestionToolName identifies the tool the agent uses to ask the user
// structured questions mid-execution.
const QuestionToolName = "AskUserQuestion"

// ResultSubtypeLimit is the result subtype meaning the run hit a turn or step
// limit. It does not mean failure: the task stays continuable.
const ResultSubtypeLimit = "error_max_turns"

// ResultSubtypeSuccess is the result subtype of a normally completed run.
const ResultSubtypeSuccess = "success"

// Event is implemented by every stream event variant.
type Event interface {
	Kind() EventKind
}

// SessionEvent carries the service-side session id used for permission and
// stop calls.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
}

func (SessionEvent) Kind() EventKind { return KindSession }

// TextEvent is an incremental chunk of assistant text.
type TextEvent struct {
	Content string `json:"content"`
}

func (TextEvent) Kind() EventKind { return KindText }

// ToolUseEvent announces a tool invocation by the agent.
type ToolUseEvent struct {
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"toolUseId"`
}

func (ToolUseEvent) Kind() EventKind { return KindToolUse }

// IsQuestion reports whether this tool use carries user-facing questions.
func (e ToolUseEvent) IsQuestion() bool {
	return e.Name == QuestionToolName
}

// Questions parses the structured questions out of a question tool use.
func (e ToolUseEvent) Questions() ([]Question, error) {
	if !e.IsQuestion() {
		return nil, fmt.Errorf("tool %q is not the question tool", e.Name)
	}
	var payload struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal(e.Input, &payload); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	return payload.Questions, nil
}

// Question is one structured question the agent asks the user.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// ToolResultEvent carries the outcome of an earlier tool use, correlated by
// ToolUseID.
type ToolResultEvent struct {
	ToolUseID string `json:"toolUseId"`
	Output    string `json:"output"`
	IsError   bool   `json:"isError,omitempty"`
}

func (ToolResultEvent) Kind() EventKind { return KindToolResult }

// ResultEvent terminates a run with its outcome, cost, and duration.
type ResultEvent struct {
	Subtype    string   `json:"subtype"`
	Content    string   `json:"content,omitempty"`
	CostUSD    *float64 `json:"costUsd,omitempty"`
	DurationMS *int64   `json:"durationMs,omitempty"`
}

func (ResultEvent) Kind() EventKind { return KindResult }

// HitLimit reports whether the run ended because it reached a turn/step limit.
func (e ResultEvent) HitLimit() bool {
	return e.Subtype == ResultSubtypeLimit
}

// ErrorEvent is a service-reported failure.
type ErrorEvent struct {
	Content string `json:"content"`
}

func (ErrorEvent) Kind() EventKind { return KindError }

// DoneEvent signals the end of the stream.
type DoneEvent struct {
	SessionID string `json:"sessionId,omitempty"`
}

func (DoneEvent) Kind() EventKind { return KindDone }

// PermissionRequestEvent asks the user to approve or deny a tool action.
type PermissionRequestEvent struct {
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

func (PermissionRequestEvent) Kind() EventKind { return KindPermissionRequest }

// StepStatus is the execution status of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// PlanStep is one ordered step of a proposed plan.
type PlanStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// PlanEvent carries the structured plan the service proposes before execution.
type PlanEvent struct {
	PlanID string     `json:"planId"`
	Goal   string     `json:"goal"`
	Steps  []PlanStep `json:"steps"`
	Notes  string     `json:"notes,omitempty"`
}

func (PlanEvent) Kind() EventKind { return KindPlan }

// DirectAnswerEvent short-circuits planning: the service answered the prompt
// directly and no execution phase will follow.
type DirectAnswerEvent struct {
	Content string `json:"content"`
}

func (DirectAnswerEvent) Kind() EventKind { return KindDirectAnswer }
