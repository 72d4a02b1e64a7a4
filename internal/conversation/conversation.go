package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	apperrors "github.com/y1y2u3u4/cloudwork-sub000/internal/errors"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/agentapi"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/async"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/attachments"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/observability"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

// Config wires a conversation to its collaborators.
type Config struct {
	TaskID      string
	SessionID   string
	WorkDir     string
	Model       agentapi.ModelConfig
	Store       *store.Store
	Client      *agentapi.Client
	Attachments *attachments.Store
	Notifier    Notifier
	Metrics     *observability.MetricsCollector
	Logger      logging.Logger
}

// Conversation owns one task's run. Exactly one stream consumer exists per
// task: ownership of the stream follows the conversation object, whether it
// is foregrounded or parked in the background registry.
type Conversation struct {
	taskID    string
	sessionID string
	workDir   string
	model     agentapi.ModelConfig

	store    *store.Store
	client   *agentapi.Client
	attach   *attachments.Store
	notifier Notifier
	metrics  *observability.MetricsCollector
	logger   logging.Logger

	mu               sync.Mutex
	phase            Phase
	plan             *Plan
	prompt           string
	serviceSessionID string
	entries          []*Entry
	cancel           context.CancelFunc
	running          bool
	active           bool
	awaitingAnswers  bool
	paused           bool
	finalized        bool
}

// New creates an idle conversation for the given task.
func New(cfg Config) *Conversation {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("Conversation")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	return &Conversation{
		taskID:    cfg.TaskID,
		sessionID: cfg.SessionID,
		workDir:   cfg.WorkDir,
		model:     cfg.Model,
		store:     cfg.Store,
		client:    cfg.Client,
		attach:    cfg.Attachments,
		notifier:  notifier,
		metrics:   cfg.Metrics,
		logger:    logger,
		phase:     PhaseIdle,
		active:    true,
	}
}

// TaskID returns the owning task's id.
func (c *Conversation) TaskID() string { return c.taskID }

// SessionID returns the owning session's id.
func (c *Conversation) SessionID() string { return c.sessionID }

// Prompt returns the originating prompt of the current run.
func (c *Conversation) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// Phase returns the current phase.
func (c *Conversation) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Plan returns a copy of the live plan, or nil.
func (c *Conversation) Plan() *Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan.clone()
}

// Running reports whether a stream is currently owned by this conversation.
func (c *Conversation) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ServiceSessionID returns the service-side session id, once known.
func (c *Conversation) ServiceSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceSessionID
}

// CancelHandle returns the live stream's cancellation handle, or nil when no
// stream is open. The background registry parks this handle with the task.
func (c *Conversation) CancelHandle() context.CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel
}

// SetActive flips whether this conversation is foregrounded. Only UI-visible
// notifications are gated on it; persistence never is.
func (c *Conversation) SetActive(active bool) {
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
}

// Entries returns a snapshot of the in-memory message list.
func (c *Conversation) Entries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Start begins a new run. With inline image attachments present, planning is
// skipped entirely and execution starts directly: the service requires image
// payloads during execution rather than planning. This shortcut is contract,
// not accident.
func (c *Conversation) Start(ctx context.Context, prompt string, files []attachments.Attachment) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return fmt.Errorf("conversation: run already in progress (phase %s)", c.phase)
	}
	c.entries = nil
	c.plan = nil
	c.prompt = prompt
	c.finalized = false
	c.awaitingAnswers = false
	c.paused = false
	c.mu.Unlock()

	refs, err := c.saveAttachments(files)
	if err != nil {
		return err
	}
	if err := c.appendUserMessage(prompt, refs, files); err != nil {
		return err
	}

	if hasInlineImages(files) {
		return c.startExecution(ctx, agentapi.RunRequest{
			Prompt:      prompt,
			Images:      inlineImages(files),
			WorkDir:     c.workDir,
			TaskID:      c.taskID,
			ModelConfig: c.model,
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := c.client.Plan(runCtx, agentapi.PlanRequest{Prompt: prompt, ModelConfig: c.model})
	if err != nil {
		cancel()
		return c.failStart(err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.running = true
	changed := c.setPhaseLocked(PhasePlanning)
	c.mu.Unlock()
	c.notifyPhase(changed, PhasePlanning)

	async.Go(c.logger, "plan-stream-"+c.taskID, func() {
		c.drainPlanning(stream)
	})
	return nil
}

// Approve persists the plan snapshot exactly once and starts execution with
// the same plan identifier and the original prompt.
func (c *Conversation) Approve(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseAwaitingApproval || c.plan == nil {
		c.mu.Unlock()
		return fmt.Errorf("conversation: no plan awaiting approval")
	}
	plan := c.plan
	c.mu.Unlock()

	snapshot, err := plan.snapshot()
	if err != nil {
		return err
	}
	if err := c.appendEntry(&Entry{Message: store.Message{
		TaskID:  c.taskID,
		Type:    store.MessagePlan,
		Content: snapshot,
	}}, true); err != nil {
		return err
	}

	c.mu.Lock()
	c.plan.begin()
	c.mu.Unlock()

	return c.startExecution(ctx, agentapi.RunRequest{})
}

// Reject discards the plan. The synthetic cancellation message lives only in
// memory; nothing about the rejected plan is persisted.
func (c *Conversation) Reject() error {
	c.mu.Lock()
	if c.phase != PhaseAwaitingApproval {
		c.mu.Unlock()
		return fmt.Errorf("conversation: no plan awaiting approval")
	}
	c.plan = nil
	changed := c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()
	c.notifyPhase(changed, PhaseIdle)

	if err := c.appendEntry(&Entry{Message: store.Message{
		TaskID:  c.taskID,
		Type:    store.MessageText,
		Content: "Plan rejected.",
	}}, false); err != nil {
		return err
	}
	return c.store.UpdateTaskStatus(context.Background(), c.taskID, store.TaskStopped)
}

// Continue sends the next user turn: a follow-up, or the answers to an
// earlier question request. It resumes as a fresh request carrying the
// conversation history.
func (c *Conversation) Continue(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return fmt.Errorf("conversation: cannot continue while %s", c.phase)
	}
	c.awaitingAnswers = false
	c.paused = false
	c.finalized = false
	history := c.historyLocked()
	c.mu.Unlock()

	if err := c.appendUserMessage(text, nil, nil); err != nil {
		return err
	}

	return c.startExecution(ctx, agentapi.RunRequest{
		Prompt:      text,
		History:     history,
		WorkDir:     c.workDir,
		TaskID:      c.taskID,
		ModelConfig: c.model,
	})
}

// RespondPermission posts the user's approve/deny decision for a permission
// request. Denial is communicated to the service; the stream stays up.
func (c *Conversation) RespondPermission(ctx context.Context, requestID string, approve bool) error {
	c.mu.Lock()
	sessionID := c.serviceSessionID
	c.mu.Unlock()

	return c.client.Permission(ctx, agentapi.PermissionDecision{
		SessionID: sessionID,
		RequestID: requestID,
		Approve:   approve,
	})
}

// Stop cancels the transport, tells the service to stop (best effort), and
// marks the task stopped. Idempotent and safe on an already-finished task.
func (c *Conversation) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	sessionID := c.serviceSessionID
	alreadyFinal := c.finalized
	c.running = false
	c.finalized = true
	changed := c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()
	c.notifyPhase(changed, PhaseIdle)

	if cancel != nil {
		cancel()
	}
	if alreadyFinal {
		return nil
	}

	if sessionID != "" {
		if err := c.client.Stop(ctx, sessionID); err != nil {
			c.logger.Warn("Stop call failed for session %s: %v", sessionID, err)
		}
	}
	return c.store.UpdateTaskStatus(context.Background(), c.taskID, store.TaskStopped)
}

// startExecution opens the execution stream and hands it to the drain loop.
// An empty RunRequest means "execute the approved plan".
func (c *Conversation) startExecution(ctx context.Context, run agentapi.RunRequest) error {
	runCtx, cancel := context.WithCancel(ctx)

	var stream *agentapi.Stream
	var err error
	if run.Prompt == "" && run.TaskID == "" {
		c.mu.Lock()
		planID := ""
		if c.plan != nil {
			planID = c.plan.ID
		}
		prompt := c.prompt
		c.mu.Unlock()
		stream, err = c.client.Execute(runCtx, agentapi.ExecuteRequest{
			PlanID:      planID,
			Prompt:      prompt,
			WorkDir:     c.workDir,
			TaskID:      c.taskID,
			ModelConfig: c.model,
		})
	} else {
		stream, err = c.client.Run(runCtx, run)
	}
	if err != nil {
		cancel()
		return c.failStart(err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.running = true
	changed := c.setPhaseLocked(PhaseExecuting)
	c.mu.Unlock()
	c.notifyPhase(changed, PhaseExecuting)

	async.Go(c.logger, "exec-stream-"+c.taskID, func() {
		c.drainExecution(stream)
	})
	return nil
}

// drainPlanning consumes a planning stream: it ends in a proposed plan, a
// direct answer, or an error.
func (c *Conversation) drainPlanning(stream *agentapi.Stream) {
	defer func() { _ = stream.Close() }()

	sawOutcome := false
	for {
		event, err := stream.Next()
		if err != nil {
			c.streamEnded(err, sawOutcome, PhasePlanning)
			return
		}

		switch e := event.(type) {
		case *protocol.SessionEvent:
			c.mu.Lock()
			c.serviceSessionID = e.SessionID
			c.mu.Unlock()

		case *protocol.PlanEvent:
			sawOutcome = true
			c.mu.Lock()
			c.plan = planFromEvent(e)
			changed := c.setPhaseLocked(PhaseAwaitingApproval)
			plan := c.plan.clone()
			c.mu.Unlock()
			c.notifyPhase(changed, PhaseAwaitingApproval)
			c.notify(Notification{Type: NotifyPlanProposed, TaskID: c.taskID, Plan: plan})

		case *protocol.DirectAnswerEvent:
			// Direct-answer shortcut: no plan, no execution phase.
			sawOutcome = true
			if err := c.appendEntry(&Entry{Message: store.Message{
				TaskID:  c.taskID,
				Type:    store.MessageText,
				Content: e.Content,
			}}, true); err != nil {
				c.logger.Error("Persist direct answer: %v", err)
			}
			c.finalize(store.TaskCompleted)

		case *protocol.ToolUseEvent:
			// The service may ask clarifying questions while planning.
			if e.IsQuestion() {
				c.handleQuestion(e)
				return
			}

		case *protocol.TextEvent:
			// Planning narration is UI-only; it is not part of the log.
			c.notify(Notification{Type: NotifyMessageAppended, TaskID: c.taskID, Message: &Entry{Message: store.Message{
				TaskID:  c.taskID,
				Type:    store.MessageText,
				Content: e.Content,
			}}})

		case *protocol.ErrorEvent:
			sawOutcome = true
			c.serviceError(e.Content)

		case *protocol.DoneEvent:
			if e.SessionID != "" {
				c.mu.Lock()
				c.serviceSessionID = e.SessionID
				c.mu.Unlock()
			}
		}
	}
}

// drainExecution consumes an execution-style stream until it ends or a
// question request cancels it.
func (c *Conversation) drainExecution(stream *agentapi.Stream) {
	defer func() { _ = stream.Close() }()

	for {
		event, err := stream.Next()
		if err != nil {
			c.streamEnded(err, false, PhaseExecuting)
			return
		}

		switch e := event.(type) {
		case *protocol.SessionEvent:
			c.mu.Lock()
			c.serviceSessionID = e.SessionID
			c.mu.Unlock()

		case *protocol.TextEvent:
			c.persistAndNotify(&Entry{Message: store.Message{
				TaskID:  c.taskID,
				Type:    store.MessageText,
				Content: e.Content,
			}})

		case *protocol.ToolUseEvent:
			if e.IsQuestion() {
				c.handleQuestion(e)
				return
			}
			c.persistAndNotify(&Entry{Message: store.Message{
				TaskID:    c.taskID,
				Type:      store.MessageToolUse,
				ToolName:  e.Name,
				ToolInput: string(e.Input),
				ToolUseID: e.ToolUseID,
			}})

		case *protocol.ToolResultEvent:
			c.persistAndNotify(&Entry{Message: store.Message{
				TaskID:     c.taskID,
				Type:       store.MessageToolResult,
				ToolOutput: e.Output,
				ToolUseID:  e.ToolUseID,
			}})
			c.mu.Lock()
			var plan *Plan
			if c.plan != nil {
				c.plan.advance()
				plan = c.plan.clone()
			}
			c.mu.Unlock()
			if plan != nil {
				c.notify(Notification{Type: NotifyPlanUpdated, TaskID: c.taskID, Plan: plan})
			}

		case *protocol.PermissionRequestEvent:
			c.notify(Notification{Type: NotifyPermissionRequested, TaskID: c.taskID, Permission: e})

		case *protocol.ResultEvent:
			c.handleResult(e)

		case *protocol.ErrorEvent:
			c.serviceError(e.Content)

		case *protocol.DoneEvent:
			// End marker; the io.EOF that follows finalizes.
		}
	}
}

// handleQuestion implements the question sub-protocol: cancel the in-flight
// request immediately, tell the service to stop out-of-band, and wait for the
// answers to arrive through Continue as the next user turn.
func (c *Conversation) handleQuestion(e *protocol.ToolUseEvent) {
	questions, err := e.Questions()
	if err != nil {
		c.logger.Warn("Question tool with undecodable input: %v", err)
	}

	c.persistAndNotify(&Entry{Message: store.Message{
		TaskID:    c.taskID,
		Type:      store.MessageToolUse,
		ToolName:  e.Name,
		ToolInput: string(e.Input),
		ToolUseID: e.ToolUseID,
	}})

	c.mu.Lock()
	cancel := c.cancel
	sessionID := c.serviceSessionID
	c.awaitingAnswers = true
	c.running = false
	changed := c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()
	c.notifyPhase(changed, PhaseIdle)

	if cancel != nil {
		cancel()
	}
	if sessionID != "" {
		if err := c.client.Stop(context.Background(), sessionID); err != nil {
			c.logger.Warn("Stop after question failed: %v", err)
		}
	}

	c.notify(Notification{Type: NotifyQuestionAsked, TaskID: c.taskID, Questions: questions})
}

// handleResult finalizes the task from the result subtype. Hitting a
// turn/step limit is not a failure: the task stays running so the user can
// continue it.
func (c *Conversation) handleResult(e *protocol.ResultEvent) {
	if e.Content != "" {
		c.persistAndNotify(&Entry{Message: store.Message{
			TaskID:  c.taskID,
			Type:    store.MessageResult,
			Content: e.Content,
		}})
	}
	if e.CostUSD != nil || e.DurationMS != nil {
		if err := c.store.UpdateTaskCost(context.Background(), c.taskID, e.CostUSD, e.DurationMS); err != nil {
			c.logger.Error("Update task cost: %v", err)
		}
	}

	if e.HitLimit() {
		c.mu.Lock()
		c.running = false
		c.paused = true
		changed := c.setPhaseLocked(PhaseIdle)
		c.mu.Unlock()
		c.notifyPhase(changed, PhaseIdle)
		c.notify(Notification{Type: NotifyTaskFinished, TaskID: c.taskID, Status: store.TaskRunning})
		return
	}

	if e.Subtype == protocol.ResultSubtypeSuccess || e.Subtype == "" {
		c.finalize(store.TaskCompleted)
		return
	}
	c.serviceError(fmt.Sprintf("run ended with %s", e.Subtype))
}

// streamEnded handles the end of a stream: clean EOF, cancellation, or a
// transport failure mid-stream.
func (c *Conversation) streamEnded(err error, sawOutcome bool, phase Phase) {
	c.mu.Lock()
	finalized := c.finalized
	parked := c.awaitingAnswers || c.paused || c.phase == PhaseAwaitingApproval
	c.running = false
	c.mu.Unlock()

	if finalized || parked {
		return
	}

	if err == io.EOF {
		if phase == PhasePlanning && !sawOutcome {
			// Planning ended without a plan or an answer.
			c.mu.Lock()
			changed := c.setPhaseLocked(PhaseIdle)
			c.mu.Unlock()
			c.notifyPhase(changed, PhaseIdle)
			return
		}
		c.finalize(store.TaskCompleted)
		return
	}

	if apperrors.IsCancellation(err) {
		return
	}

	c.logger.Error("Stream failed for task %s: %v", c.taskID, err)
	c.serviceError(fmt.Sprintf("stream failed: %v", err))
}

// serviceError persists a fatal error message and marks the task failed, so
// the failure survives reload.
func (c *Conversation) serviceError(content string) {
	if err := c.appendEntry(&Entry{Message: store.Message{
		TaskID:  c.taskID,
		Type:    store.MessageError,
		Content: content,
	}}, true); err != nil {
		c.logger.Error("Persist error message: %v", err)
	}
	c.finalize(store.TaskError)
	c.notify(Notification{Type: NotifyError, TaskID: c.taskID, Error: content})
}

func (c *Conversation) finalize(status store.TaskStatus) {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	c.running = false
	changed := c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()
	c.notifyPhase(changed, PhaseIdle)

	if err := c.store.UpdateTaskStatus(context.Background(), c.taskID, status); err != nil {
		c.logger.Error("Finalize task %s: %v", c.taskID, err)
	}
	c.notify(Notification{Type: NotifyTaskFinished, TaskID: c.taskID, Status: status})
}

func (c *Conversation) failStart(err error) error {
	if apperrors.IsCancellation(err) {
		return err
	}
	c.serviceError(fmt.Sprintf("request failed: %v", err))
	return err
}

// persistAndNotify appends to the store first, then to memory: persistence is
// never gated on whether this conversation is foregrounded.
func (c *Conversation) persistAndNotify(entry *Entry) {
	if err := c.appendEntry(entry, true); err != nil {
		c.logger.Error("Persist message: %v", err)
	}
}

// appendEntry adds a message to the in-memory list, writing it to the store
// first when persist is true.
func (c *Conversation) appendEntry(entry *Entry, persist bool) error {
	if persist {
		if err := c.store.AppendMessage(context.Background(), &entry.Message); err != nil {
			return err
		}
		c.metrics.RecordMessagePersisted(context.Background(), string(entry.Type))
	}
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
	c.notify(Notification{Type: NotifyMessageAppended, TaskID: c.taskID, Message: entry})
	return nil
}

func (c *Conversation) appendUserMessage(text string, refs []attachments.Ref, files []attachments.Attachment) error {
	entry := &Entry{Message: store.Message{
		TaskID:  c.taskID,
		Type:    store.MessageUser,
		Content: text,
	}}
	if len(refs) > 0 {
		data, err := json.Marshal(refs)
		if err != nil {
			return fmt.Errorf("conversation: marshal attachment refs: %w", err)
		}
		entry.Attachments = files
		entry.Message.Attachments = string(data)
	}
	return c.appendEntry(entry, true)
}

func (c *Conversation) saveAttachments(files []attachments.Attachment) ([]attachments.Ref, error) {
	if len(files) == 0 || c.attach == nil {
		return nil, nil
	}
	refs, err := c.attach.Save(c.sessionID, files)
	if err != nil {
		return nil, fmt.Errorf("conversation: save attachments: %w", err)
	}
	return refs, nil
}

// historyLocked builds the prior turns for a continuation request.
func (c *Conversation) historyLocked() []agentapi.HistoryTurn {
	var history []agentapi.HistoryTurn
	for _, entry := range c.entries {
		switch entry.Type {
		case store.MessageUser:
			history = append(history, agentapi.HistoryTurn{Role: "user", Content: entry.Content})
		case store.MessageText, store.MessageResult:
			history = append(history, agentapi.HistoryTurn{Role: "assistant", Content: entry.Content})
		}
	}
	return history
}

// setPhaseLocked records the new phase. Callers deliver the phase-changed
// notification after releasing the lock via notifyPhase.
func (c *Conversation) setPhaseLocked(phase Phase) bool {
	if c.phase == phase {
		return false
	}
	c.phase = phase
	return true
}

func (c *Conversation) notifyPhase(changed bool, phase Phase) {
	if !changed {
		return
	}
	c.notify(Notification{Type: NotifyPhaseChanged, TaskID: c.taskID, Phase: phase})
}

func (c *Conversation) notify(n Notification) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	// The foreground gate covers UI-facing notifications only. Task-finished
	// must always reach the engine, or background completions would never be
	// accounted for.
	if !active && n.Type != NotifyTaskFinished {
		return
	}
	c.notifier.Notify(n)
}

func hasInlineImages(files []attachments.Attachment) bool {
	for _, file := range files {
		if strings.HasPrefix(file.MediaType, "image/") && len(file.Data) > 0 {
			return true
		}
	}
	return false
}

func inlineImages(files []attachments.Attachment) []agentapi.InlineImage {
	var images []agentapi.InlineImage
	for _, file := range files {
		if strings.HasPrefix(file.MediaType, "image/") && len(file.Data) > 0 {
			images = append(images, agentapi.InlineImage{
				MediaType: file.MediaType,
				Data:      base64.StdEncoding.EncodeToString(file.Data),
			})
		}
	}
	return images
}
