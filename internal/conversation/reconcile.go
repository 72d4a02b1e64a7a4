package conversation

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/async"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/attachments"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

// attachmentLoadLimit bounds how many attachment files are read concurrently
// while patching a reloaded conversation.
const attachmentLoadLimit = 4

// Reload rebuilds the in-memory log from the store, in creation order. The
// rebuilt view must be indistinguishable from one produced live, with one
// deliberate exception: a persisted plan is rehydrated with all steps
// completed unless the task is still running, because step progress is not
// persisted per step.
func (c *Conversation) Reload(ctx context.Context) error {
	task, err := c.store.GetTask(ctx, c.taskID)
	if err != nil {
		return err
	}
	messages, err := c.store.MessagesByTask(ctx, c.taskID)
	if err != nil {
		return err
	}

	var (
		entries []*Entry
		plan    *Plan
		prompt  string
	)
	for _, msg := range messages {
		entry := &Entry{Message: msg}
		entries = append(entries, entry)

		switch msg.Type {
		case store.MessageUser:
			if prompt == "" {
				prompt = msg.Content
			}
		case store.MessagePlan:
			p, perr := planFromSnapshot(msg.Content)
			if perr != nil {
				c.logger.Warn("Unreadable plan snapshot in message %s: %v", msg.ID, perr)
				continue
			}
			plan = p
		}
	}

	if plan != nil && task.Status != store.TaskRunning {
		for i := range plan.Steps {
			plan.Steps[i].Status = protocol.StepCompleted
		}
	}

	c.mu.Lock()
	c.entries = entries
	changed := false
	if !c.running {
		// A live stream owns phase and plan; reloading under it only
		// refreshes the message log.
		c.plan = plan
		c.prompt = prompt
		c.finalized = task.Status.Terminal()
		c.awaitingAnswers = hasOpenQuestion(entries)
		changed = c.setPhaseLocked(PhaseIdle)
	}
	c.mu.Unlock()
	c.notifyPhase(changed, PhaseIdle)

	c.notify(Notification{Type: NotifyMessagesReloaded, TaskID: c.taskID})
	c.patchAttachments(entries)
	return nil
}

// patchAttachments resolves attachment references off the replay path, a few
// files at a time, and announces a refresh when done.
func (c *Conversation) patchAttachments(entries []*Entry) {
	if c.attach == nil {
		return
	}

	type pending struct {
		entry *Entry
		refs  []attachments.Ref
	}
	var work []pending
	for _, entry := range entries {
		if entry.Message.Attachments == "" {
			continue
		}
		var refs []attachments.Ref
		if err := json.Unmarshal([]byte(entry.Message.Attachments), &refs); err != nil {
			c.logger.Warn("Unreadable attachment refs in message %s: %v", entry.ID, err)
			continue
		}
		if len(refs) > 0 {
			work = append(work, pending{entry: entry, refs: refs})
		}
	}
	if len(work) == 0 {
		return
	}

	async.Go(c.logger, "attachment-patch-"+c.taskID, func() {
		var group errgroup.Group
		group.SetLimit(attachmentLoadLimit)
		for _, item := range work {
			group.Go(func() error {
				loaded, err := c.attach.Load(item.refs)
				if err != nil {
					c.logger.Warn("Load attachments for message %s: %v", item.entry.ID, err)
					return nil
				}
				c.mu.Lock()
				item.entry.Attachments = loaded
				c.mu.Unlock()
				return nil
			})
		}
		_ = group.Wait()
		c.notify(Notification{Type: NotifyMessagesReloaded, TaskID: c.taskID})
	})
}

// hasOpenQuestion reports whether the log ends in an unanswered question
// request: a question tool use with no user turn after it.
func hasOpenQuestion(entries []*Entry) bool {
	for i := len(entries) - 1; i >= 0; i-- {
		switch entries[i].Type {
		case store.MessageUser:
			return false
		case store.MessageToolUse:
			if entries[i].ToolName == protocol.QuestionToolName {
				return true
			}
		}
	}
	return false
}
