// Package agentapi is the HTTP client for the agent service: streamed
// plan/execute/run calls plus the fire-and-forget stop and permission calls.
package agentapi

// ModelConfig selects the model and sandbox settings for a run.
type ModelConfig struct {
	Model    string `json:"model,omitempty"`
	MaxTurns int    `json:"maxTurns,omitempty"`
	Sandbox  string `json:"sandbox,omitempty"`
}

// PlanRequest asks the service to propose a plan for a prompt.
type PlanRequest struct {
	Prompt      string      `json:"prompt"`
	ModelConfig ModelConfig `json:"modelConfig,omitempty"`
}

// ExecuteRequest runs an approved plan. PlanID must be the identifier the
// service assigned during planning.
type ExecuteRequest struct {
	PlanID      string      `json:"planId"`
	Prompt      string      `json:"prompt"`
	WorkDir     string      `json:"workDir,omitempty"`
	TaskID      string      `json:"taskId"`
	ModelConfig ModelConfig `json:"modelConfig,omitempty"`
}

// HistoryTurn is one prior turn of the conversation, oldest first.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InlineImage is an image payload attached to a run. The service requires
// image bytes at execution time, which is why runs with images skip planning.
type InlineImage struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// RunRequest starts a direct run or continues an existing conversation.
type RunRequest struct {
	Prompt      string        `json:"prompt"`
	History     []HistoryTurn `json:"history,omitempty"`
	Images      []InlineImage `json:"images,omitempty"`
	WorkDir     string        `json:"workDir,omitempty"`
	TaskID      string        `json:"taskId"`
	ModelConfig ModelConfig   `json:"modelConfig,omitempty"`
}

// PermissionDecision answers a permission request, keyed by the service-side
// session id and the request's id.
type PermissionDecision struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Approve   bool   `json:"approve"`
	Message   string `json:"message,omitempty"`
}
