package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
)

// Plan is the live in-memory plan. It is mutated incrementally while tool
// results arrive; the persisted snapshot is written exactly once, at approval
// time.
type Plan struct {
	ID    string              `json:"id"`
	Goal  string              `json:"goal"`
	Steps []protocol.PlanStep `json:"steps"`
	Notes string              `json:"notes,omitempty"`
}

func planFromEvent(event *protocol.PlanEvent) *Plan {
	steps := make([]protocol.PlanStep, len(event.Steps))
	copy(steps, event.Steps)
	for i := range steps {
		if steps[i].Status == "" {
			steps[i].Status = protocol.StepPending
		}
	}
	return &Plan{
		ID:    event.PlanID,
		Goal:  event.Goal,
		Steps: steps,
		Notes: event.Notes,
	}
}

// advance moves execution forward by one step: the current in-progress step
// completes and the next pending step starts. Called per tool result.
func (p *Plan) advance() {
	for i := range p.Steps {
		if p.Steps[i].Status == protocol.StepInProgress {
			p.Steps[i].Status = protocol.StepCompleted
			break
		}
	}
	for i := range p.Steps {
		if p.Steps[i].Status == protocol.StepPending {
			p.Steps[i].Status = protocol.StepInProgress
			return
		}
	}
}

// begin marks the first pending step in-progress when execution starts.
func (p *Plan) begin() {
	for i := range p.Steps {
		if p.Steps[i].Status == protocol.StepPending {
			p.Steps[i].Status = protocol.StepInProgress
			return
		}
	}
}

// snapshot serializes the plan for the one persisted plan message.
func (p *Plan) snapshot() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("conversation: marshal plan: %w", err)
	}
	return string(data), nil
}

// planFromSnapshot decodes a persisted plan message body.
func planFromSnapshot(content string) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(content), &plan); err != nil {
		return nil, fmt.Errorf("conversation: decode plan snapshot: %w", err)
	}
	return &plan, nil
}

// clone returns an independent copy safe to hand to the presentation layer.
func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	steps := make([]protocol.PlanStep, len(p.Steps))
	copy(steps, p.Steps)
	return &Plan{ID: p.ID, Goal: p.Goal, Steps: steps, Notes: p.Notes}
}
