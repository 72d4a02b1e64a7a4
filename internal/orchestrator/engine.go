// Package orchestrator is the engine behind the UI: one explicit context
// object owning the store, the agent client, the attachment store, and the
// background registry. All state threads through it; nothing lives in
// package globals.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/agentapi"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/async"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/attachments"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/conversation"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/id"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/observability"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/pathscan"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/registry"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

const defaultNotificationBuffer = 256

// Config wires the engine.
type Config struct {
	Store       *store.Store
	Client      *agentapi.Client
	Attachments *attachments.Store
	Metrics     *observability.MetricsCollector
	Logger      logging.Logger
	WorkDir     string
	Model       agentapi.ModelConfig

	PollInterval       time.Duration
	StuckThreshold     int
	NotificationBuffer int
}

// Engine coordinates sessions, tasks, and the single foreground slot. The
// presentation layer talks only to the engine and consumes its notification
// channel; the engine never calls into UI code.
type Engine struct {
	store   *store.Store
	client  *agentapi.Client
	attach  *attachments.Store
	metrics *observability.MetricsCollector
	logger  logging.Logger
	reg     *registry.Registry
	workDir string
	model   agentapi.ModelConfig

	notifications chan conversation.Notification

	mu            sync.Mutex
	conversations map[string]*conversation.Conversation
	activeTask    string
}

// New creates an engine. Store and Client are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("orchestrator: agent client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("Engine")
	}
	buffer := cfg.NotificationBuffer
	if buffer <= 0 {
		buffer = defaultNotificationBuffer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	return &Engine{
		store:   cfg.Store,
		client:  cfg.Client,
		attach:  cfg.Attachments,
		metrics: metrics,
		logger:  logger,
		workDir: cfg.WorkDir,
		model:   cfg.Model,
		reg: registry.New(registry.Config{
			Store:          cfg.Store,
			Logger:         logger,
			PollInterval:   cfg.PollInterval,
			StuckThreshold: cfg.StuckThreshold,
		}),
		notifications: make(chan conversation.Notification, buffer),
		conversations: make(map[string]*conversation.Conversation),
	}, nil
}

// Notifications is the engine's outbound event channel. Consumers must keep
// draining it; when the buffer fills, the oldest unread notification is
// dropped rather than blocking the stream path.
func (e *Engine) Notifications() <-chan conversation.Notification {
	return e.notifications
}

// Notify implements conversation.Notifier: enrich, record, forward.
func (e *Engine) Notify(n conversation.Notification) {
	if n.Type == conversation.NotifyMessageAppended && n.Message != nil && n.Message.Type == store.MessageToolResult {
		n.Files = pathscan.Scan(n.Message.ToolOutput, e.workDir)
	}
	if n.Type == conversation.NotifyTaskFinished {
		e.recordFinished(n)
		e.mu.Lock()
		activeTask := e.activeTask
		e.mu.Unlock()
		// Parked conversations report in so their accounting lands, but the
		// UI only hears about the foreground task.
		if n.TaskID != activeTask {
			return
		}
	}

	for {
		select {
		case e.notifications <- n:
			return
		default:
		}
		select {
		case dropped := <-e.notifications:
			e.logger.Warn("Notification buffer full, dropped %s", dropped.Type)
		default:
		}
	}
}

func (e *Engine) recordFinished(n conversation.Notification) {
	taskID := n.TaskID
	status := string(n.Status)
	async.Go(e.logger, "record-finished-"+taskID, func() {
		task, err := e.store.GetTask(context.Background(), taskID)
		if err != nil {
			e.metrics.RecordTaskFinished(context.Background(), status, nil, nil)
			return
		}
		e.metrics.RecordTaskFinished(context.Background(), status, task.CostUSD, task.DurationMS)
	})
}

// NewSession creates a session named after its first prompt.
func (e *Engine) NewSession(ctx context.Context, prompt string) (*store.Session, error) {
	return e.store.CreateSession(ctx, prompt)
}

// StartRun creates the next task in a session, makes it foreground, and
// starts its run. It returns the new task's id.
func (e *Engine) StartRun(ctx context.Context, sessionID, prompt string, files []attachments.Attachment) (string, error) {
	index, err := e.store.BumpSessionTaskCount(ctx, sessionID)
	if err != nil {
		return "", err
	}
	task := &store.Task{
		ID:        id.NewTaskID(),
		SessionID: sessionID,
		TaskIndex: index,
		Prompt:    prompt,
		Status:    store.TaskRunning,
	}
	if err := e.store.InsertTask(ctx, task); err != nil {
		return "", err
	}

	conv := conversation.New(conversation.Config{
		TaskID:      task.ID,
		SessionID:   sessionID,
		WorkDir:     e.workDir,
		Model:       e.model,
		Store:       e.store,
		Client:      e.client,
		Attachments: e.attach,
		Notifier:    e,
		Metrics:     e.metrics,
		Logger:      e.logger,
	})

	e.mu.Lock()
	e.conversations[task.ID] = conv
	e.activeTask = task.ID
	e.mu.Unlock()

	if err := e.reg.Switch(ctx, conv); err != nil {
		return "", err
	}
	if err := conv.Start(ctx, prompt, files); err != nil {
		return task.ID, err
	}

	mode := "plan"
	if hasImages(files) {
		mode = "run"
	}
	e.metrics.RecordTaskStarted(ctx, mode)
	e.logger.Info("Started task %s (session %s, index %d)", task.ID, sessionID, index)
	return task.ID, nil
}

// SwitchTask makes taskID the foreground task, parking the previous one. A
// task seen for the first time this process gets a fresh conversation
// reloaded from the store.
func (e *Engine) SwitchTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	conv, ok := e.conversations[taskID]
	e.mu.Unlock()

	if !ok {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		conv = conversation.New(conversation.Config{
			TaskID:      task.ID,
			SessionID:   task.SessionID,
			WorkDir:     e.workDir,
			Model:       e.model,
			Store:       e.store,
			Client:      e.client,
			Attachments: e.attach,
			Notifier:    e,
			Metrics:     e.metrics,
			Logger:      e.logger,
		})
		e.mu.Lock()
		e.conversations[taskID] = conv
		e.mu.Unlock()
	}

	if err := e.reg.Switch(ctx, conv); err != nil {
		return err
	}
	e.mu.Lock()
	e.activeTask = taskID
	e.mu.Unlock()
	return nil
}

// ApprovePlan approves the foreground task's proposed plan.
func (e *Engine) ApprovePlan(ctx context.Context) error {
	conv, err := e.active()
	if err != nil {
		return err
	}
	return conv.Approve(ctx)
}

// RejectPlan rejects the foreground task's proposed plan.
func (e *Engine) RejectPlan() error {
	conv, err := e.active()
	if err != nil {
		return err
	}
	return conv.Reject()
}

// Continue sends the next user turn on the foreground task.
func (e *Engine) Continue(ctx context.Context, text string) error {
	conv, err := e.active()
	if err != nil {
		return err
	}
	if err := conv.Continue(ctx, text); err != nil {
		return err
	}
	e.metrics.RecordTaskStarted(ctx, "continue")
	return nil
}

// RespondPermission answers a pending permission request on the foreground
// task.
func (e *Engine) RespondPermission(ctx context.Context, requestID string, approve bool) error {
	conv, err := e.active()
	if err != nil {
		return err
	}
	return conv.RespondPermission(ctx, requestID, approve)
}

// StopTask stops a task, foreground or parked.
func (e *Engine) StopTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	conv, ok := e.conversations[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: unknown task %s", taskID)
	}
	return conv.Stop(ctx)
}

// ActiveTaskID returns the foreground task's id, or empty.
func (e *Engine) ActiveTaskID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeTask
}

// ActivePhase returns the foreground conversation's phase.
func (e *Engine) ActivePhase() conversation.Phase {
	conv, err := e.active()
	if err != nil {
		return conversation.PhaseIdle
	}
	return conv.Phase()
}

// ActivePlan returns the foreground conversation's live plan, or nil.
func (e *Engine) ActivePlan() *conversation.Plan {
	conv, err := e.active()
	if err != nil {
		return nil
	}
	return conv.Plan()
}

// ActiveEntries returns the foreground conversation's message log.
func (e *Engine) ActiveEntries() []*conversation.Entry {
	conv, err := e.active()
	if err != nil {
		return nil
	}
	return conv.Entries()
}

// Sessions lists all sessions, newest first.
func (e *Engine) Sessions(ctx context.Context) ([]store.Session, error) {
	return e.store.ListSessions(ctx)
}

// Tasks lists a session's tasks.
func (e *Engine) Tasks(ctx context.Context, sessionID string) ([]store.Task, error) {
	return e.store.ListTasksBySession(ctx, sessionID)
}

// Messages lists a task's persisted messages in creation order.
func (e *Engine) Messages(ctx context.Context, taskID string) ([]store.Message, error) {
	return e.store.MessagesByTask(ctx, taskID)
}

// SetFavorite flags or unflags a task as a favorite.
func (e *Engine) SetFavorite(ctx context.Context, taskID string, favorite bool) error {
	return e.store.SetTaskFavorite(ctx, taskID, favorite)
}

// Close parks any running foreground task and releases the engine's
// resources. Parked streams keep persisting until the process exits.
func (e *Engine) Close(ctx context.Context) error {
	e.reg.Shutdown()
	if err := e.metrics.Shutdown(ctx); err != nil {
		e.logger.Warn("Metrics shutdown: %v", err)
	}
	return e.store.Close()
}

func (e *Engine) active() (*conversation.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeTask == "" {
		return nil, fmt.Errorf("orchestrator: no active task")
	}
	conv, ok := e.conversations[e.activeTask]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no active task")
	}
	return conv, nil
}

func hasImages(files []attachments.Attachment) bool {
	for _, file := range files {
		if strings.HasPrefix(file.MediaType, "image/") {
			return true
		}
	}
	return false
}
