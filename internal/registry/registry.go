// Package registry routes the single foreground slot across tasks. Switching
// away from a running task parks it here with its stream intact; switching
// back adopts the parked stream and watches the store until the task settles.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/async"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/conversation"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

const (
	// DefaultPollInterval is how often a reattached task's store state is
	// refreshed while its stream is still running.
	DefaultPollInterval = time.Second
	// DefaultStuckThreshold is how many consecutive silent polls are
	// tolerated before a reattached task is forcibly resolved. Open tool
	// calls reset the budget: a long-running tool is progress, not silence.
	DefaultStuckThreshold = 300
)

// Entry describes one parked background task.
type Entry struct {
	TaskID           string
	SessionID        string
	ServiceSessionID string
	Prompt           string
	Cancel           context.CancelFunc

	conv *conversation.Conversation
}

// Config wires the registry.
type Config struct {
	Store          *store.Store
	Logger         logging.Logger
	PollInterval   time.Duration
	StuckThreshold int
}

// Registry is the explicit background-task router. All state lives on the
// struct; there are no package-level registries.
type Registry struct {
	store          *store.Store
	logger         logging.Logger
	pollInterval   time.Duration
	stuckThreshold int

	mu         sync.Mutex
	entries    map[string]*Entry
	active     *conversation.Conversation
	pollCancel context.CancelFunc
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	threshold := cfg.StuckThreshold
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	return &Registry{
		store:          cfg.Store,
		logger:         logging.OrNop(cfg.Logger),
		pollInterval:   interval,
		stuckThreshold: threshold,
		entries:        make(map[string]*Entry),
	}
}

// Active returns the foreground conversation, or nil.
func (r *Registry) Active() *conversation.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Parked lists the currently parked background tasks.
func (r *Registry) Parked() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	return out
}

// Lookup returns the parked conversation for a task, if any.
func (r *Registry) Lookup(taskID string) (*conversation.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[taskID]
	if !ok {
		return nil, false
	}
	return entry.conv, true
}

// Switch makes target the foreground conversation. The previous foreground
// task is parked, never cancelled: its stream keeps draining and persisting
// unobserved. If the target was parked and is still running, it is adopted
// back out of the registry and a store watch begins; a finished target gets a
// read-only reload and nothing else.
func (r *Registry) Switch(ctx context.Context, target *conversation.Conversation) error {
	r.mu.Lock()
	previous := r.active
	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}
	r.active = target

	if previous != nil && previous != target {
		previous.SetActive(false)
		if previous.Running() {
			r.parkLocked(previous)
		}
	}

	delete(r.entries, target.TaskID())
	r.mu.Unlock()

	target.SetActive(true)
	if err := target.Reload(ctx); err != nil {
		return err
	}

	if target.Running() {
		watchCtx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		r.pollCancel = cancel
		r.mu.Unlock()
		async.Go(r.logger, "watch-"+target.TaskID(), func() {
			r.watch(watchCtx, target)
		})
	}
	return nil
}

// Shutdown parks the foreground task rather than cancelling it, then drops
// all bookkeeping. Parked streams keep draining until the process exits.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}
	if r.active != nil {
		r.active.SetActive(false)
		if r.active.Running() {
			r.parkLocked(r.active)
		}
		r.active = nil
	}
}

func (r *Registry) parkLocked(conv *conversation.Conversation) {
	r.entries[conv.TaskID()] = &Entry{
		TaskID:           conv.TaskID(),
		SessionID:        conv.SessionID(),
		ServiceSessionID: conv.ServiceSessionID(),
		Prompt:           conv.Prompt(),
		Cancel:           conv.CancelHandle(),
		conv:             conv,
	}
	r.logger.Info("Parked running task %s", conv.TaskID())
}

// watch polls the store while a reattached task is running: it refreshes the
// conversation when new messages land, stops when the task settles, and
// forcibly resolves a task that stays silent too long with nothing in flight.
func (r *Registry) watch(ctx context.Context, conv *conversation.Conversation) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	lastCount := -1
	silentPolls := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task, err := r.store.GetTask(ctx, conv.TaskID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("Watch read task %s: %v", conv.TaskID(), err)
			continue
		}
		if task.Status.Terminal() {
			if err := conv.Reload(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Watch final reload %s: %v", conv.TaskID(), err)
			}
			return
		}
		if !conv.Running() {
			// Stream drained without a terminal status, such as a run that
			// hit its turn limit or paused on a question. Nothing more will
			// arrive until the user continues it.
			return
		}

		messages, err := r.store.MessagesByTask(ctx, conv.TaskID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("Watch read messages %s: %v", conv.TaskID(), err)
			continue
		}

		switch {
		case len(messages) != lastCount:
			lastCount = len(messages)
			silentPolls = 0
			if err := conv.Reload(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Watch reload %s: %v", conv.TaskID(), err)
			}
		case OpenToolCalls(messages) > 0:
			// A tool is still executing; silence is expected.
			silentPolls = 0
		default:
			silentPolls++
		}

		if silentPolls >= r.stuckThreshold {
			r.logger.Warn("Task %s silent for %d polls with nothing in flight, resolving as stuck", conv.TaskID(), silentPolls)
			if err := conv.Stop(context.Background()); err != nil {
				r.logger.Error("Stop stuck task %s: %v", conv.TaskID(), err)
			}
			return
		}
	}
}

// OpenToolCalls counts tool uses with no matching tool result yet.
func OpenToolCalls(messages []store.Message) int {
	resolved := make(map[string]bool)
	for _, msg := range messages {
		if msg.Type == store.MessageToolResult && msg.ToolUseID != "" {
			resolved[msg.ToolUseID] = true
		}
	}
	open := 0
	for _, msg := range messages {
		if msg.Type == store.MessageToolUse && !resolved[msg.ToolUseID] {
			open++
		}
	}
	return open
}
