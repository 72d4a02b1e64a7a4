package server

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/attachments"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/conversation"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
)

// eventPayload is a notification in the bridge's wire shape.
type eventPayload struct {
	Type       string                           `json:"type"`
	TaskID     string                           `json:"taskId,omitempty"`
	Phase      string                           `json:"phase,omitempty"`
	Message    *conversation.Entry              `json:"message,omitempty"`
	Plan       *conversation.Plan               `json:"plan,omitempty"`
	Permission *protocol.PermissionRequestEvent `json:"permission,omitempty"`
	Questions  []protocol.Question              `json:"questions,omitempty"`
	Status     string                           `json:"status,omitempty"`
	Error      string                           `json:"error,omitempty"`
	Files      []string                         `json:"files,omitempty"`
}

func toPayload(n conversation.Notification) eventPayload {
	return eventPayload{
		Type:       string(n.Type),
		TaskID:     n.TaskID,
		Phase:      string(n.Phase),
		Message:    n.Message,
		Plan:       n.Plan,
		Permission: n.Permission,
		Questions:  n.Questions,
		Status:     string(n.Status),
		Error:      n.Error,
		Files:      n.Files,
	}
}

type attachmentPayload struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

func decodeAttachments(payloads []attachmentPayload) ([]attachments.Attachment, error) {
	var files []attachments.Attachment
	for _, p := range payloads {
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", p.Name, err)
		}
		files = append(files, attachments.Attachment{
			Name:      p.Name,
			MediaType: p.MediaType,
			Data:      data,
		})
	}
	return files, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"activeTask": s.engine.ActiveTaskID(),
		"uptime":     time.Since(s.startTime).String(),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.engine.Sessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.engine.NewSession(c.Request.Context(), req.Prompt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// handleSwitchSession foregrounds the session's most recent task.
func (s *Server) handleSwitchSession(c *gin.Context) {
	sessionID := c.Param("id")
	tasks, err := s.engine.Tasks(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(tasks) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session has no tasks"})
		return
	}
	latest := tasks[len(tasks)-1]
	if err := s.engine.SwitchTask(c.Request.Context(), latest.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": latest.ID})
}

func (s *Server) handleSwitchTask(c *gin.Context) {
	if err := s.engine.SwitchTask(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": c.Param("id")})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.engine.Tasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleListMessages(c *gin.Context) {
	messages, err := s.engine.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleFavorite(c *gin.Context) {
	var req struct {
		Favorite bool `json:"favorite"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SetFavorite(c.Request.Context(), c.Param("id"), req.Favorite); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePlan starts a new run in a session. With image attachments the
// engine skips planning and executes directly; the endpoint's shape is the
// same either way.
func (s *Server) handlePlan(c *gin.Context) {
	var req struct {
		SessionID   string              `json:"sessionId"`
		Prompt      string              `json:"prompt"`
		Attachments []attachmentPayload `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	files, err := decodeAttachments(req.Attachments)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID, err := s.engine.StartRun(c.Request.Context(), req.SessionID, req.Prompt, files)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "taskId": taskID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": taskID})
}

func (s *Server) handleApprove(c *gin.Context) {
	if err := s.engine.ApprovePlan(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReject(c *gin.Context) {
	if err := s.engine.RejectPlan(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRun sends the next user turn on the foreground task: a follow-up or
// the answers to a question request.
func (s *Server) handleRun(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.Continue(c.Request.Context(), req.Text); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.engine.StopTask(c.Request.Context(), c.Param("taskID")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePermission(c *gin.Context) {
	var req struct {
		RequestID string `json:"requestId"`
		Approve   bool   `json:"approve"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.RespondPermission(c.Request.Context(), req.RequestID, req.Approve); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
