// Package conversation drives one task's run against the agent service: the
// plan → approve → execute state machine, stream consumption, persistence of
// every event, and the interactive permission/question sub-protocols.
package conversation

import (
	"github.com/y1y2u3u4/cloudwork-sub000/internal/attachments"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

// Phase is the user-visible state of the conversation. Terminal outcomes are
// carried by the task's status, not by extra phases.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhasePlanning         Phase = "planning"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseExecuting        Phase = "executing"
)

// NotificationType discriminates notifications emitted to the presentation
// layer.
type NotificationType string

const (
	NotifyPhaseChanged        NotificationType = "phase_changed"
	NotifyMessageAppended     NotificationType = "message_appended"
	NotifyPlanProposed        NotificationType = "plan_proposed"
	NotifyPlanUpdated         NotificationType = "plan_updated"
	NotifyPermissionRequested NotificationType = "permission_requested"
	NotifyQuestionAsked       NotificationType = "question_asked"
	NotifyTaskFinished        NotificationType = "task_finished"
	NotifyError               NotificationType = "error"
	NotifyMessagesReloaded    NotificationType = "messages_reloaded"
)

// Notification is one typed event for the presentation layer. The core never
// calls into UI setters; it emits these and the UI subscribes.
type Notification struct {
	Type       NotificationType
	TaskID     string
	Phase      Phase
	Message    *Entry
	Plan       *Plan
	Permission *protocol.PermissionRequestEvent
	Questions  []protocol.Question
	Status     store.TaskStatus
	Error      string
	// Files holds generated-artifact paths spotted in tool output; filled in
	// by the engine, not by the conversation itself.
	Files []string
}

// Notifier receives notifications. Implementations must not block: delivery
// happens on the stream-processing path.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Entry is one in-memory conversation message: the persisted row plus any
// attachment payloads rehydrated after reload.
type Entry struct {
	store.Message
	Attachments []attachments.Attachment `json:"attachmentData,omitempty"`
}
