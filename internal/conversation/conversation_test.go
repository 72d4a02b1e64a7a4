package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/agentapi"
	apperrors "github.com/y1y2u3u4/cloudwork-sub000/internal/errors"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

type notificationLog struct {
	mu    sync.Mutex
	items []Notification
}

func (l *notificationLog) Notify(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, n)
}

func (l *notificationLog) byType(t NotificationType) []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Notification
	for _, n := range l.items {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	conv  *Conversation
	store *store.Store
	notes *notificationLog
	task  *store.Task
}

func newHarness(t *testing.T, handler http.Handler) *harness {
	t.Helper()
	ctx := context.Background()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	session, err := st.CreateSession(ctx, "build a widget")
	require.NoError(t, err)
	index, err := st.BumpSessionTaskCount(ctx, session.ID)
	require.NoError(t, err)

	task := &store.Task{
		ID:        fmt.Sprintf("task-%s-%d", session.ID, index),
		SessionID: session.ID,
		TaskIndex: index,
		Prompt:    "build a widget",
		Status:    store.TaskRunning,
	}
	require.NoError(t, st.InsertTask(ctx, task))

	client := agentapi.NewClient(srv.URL,
		agentapi.WithLogger(logging.Nop()),
		agentapi.WithRetryConfig(apperrors.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)

	notes := &notificationLog{}
	conv := New(Config{
		TaskID:    task.ID,
		SessionID: session.ID,
		WorkDir:   t.TempDir(),
		Store:     st,
		Client:    client,
		Notifier:  notes,
		Logger:    logging.Nop(),
	})
	return &harness{conv: conv, store: st, notes: notes, task: task}
}

func (h *harness) waitStatus(t *testing.T, want store.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := h.store.GetTask(context.Background(), h.task.ID)
		return err == nil && task.Status == want
	}, 2*time.Second, 10*time.Millisecond, "task never reached status %s", want)
}

func (h *harness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.conv.Phase() == want
	}, 2*time.Second, 10*time.Millisecond, "conversation never reached phase %s", want)
}

func (h *harness) waitIdleStream(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.conv.Running()
	}, 2*time.Second, 10*time.Millisecond, "stream never drained")
}

func (h *harness) messages(t *testing.T) []store.Message {
	t.Helper()
	msgs, err := h.store.MessagesByTask(context.Background(), h.task.ID)
	require.NoError(t, err)
	return msgs
}

func sse(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, frame := range frames {
		fmt.Fprintf(w, "data: %s\n", frame)
	}
}

func TestDirectAnswerPersistsOneTextMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"session","sessionId":"svc-1"}`,
			`{"type":"text","content":"thinking"}`,
			`{"type":"direct_answer","content":"it is 42"}`,
			`{"type":"done"}`,
		)
	})
	h := newHarness(t, mux)

	require.NoError(t, h.conv.Start(context.Background(), "what is the answer?", nil))
	h.waitStatus(t, store.TaskCompleted)
	h.waitPhase(t, PhaseIdle)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	require.Equal(t, store.MessageUser, msgs[0].Type)
	require.Equal(t, store.MessageText, msgs[1].Type)
	require.Equal(t, "it is 42", msgs[1].Content)
	require.Equal(t, "svc-1", h.conv.ServiceSessionID())
}

func TestPlanApproveExecuteLifecycle(t *testing.T) {
	var mu sync.Mutex
	var executePlanID string

	mux := http.NewServeMux()
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"session","sessionId":"svc-2"}`,
			`{"type":"plan","planId":"plan-7","goal":"make widget","steps":[{"id":"s1","description":"scaffold"},{"id":"s2","description":"wire"}]}`,
			`{"type":"done"}`,
		)
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		var req agentapi.ExecuteRequest
		require.NoError(t, jsonDecodeBody(r, &req))
		mu.Lock()
		executePlanID = req.PlanID
		mu.Unlock()
		sse(w,
			`{"type":"text","content":"starting"}`,
			`{"type":"tool_use","name":"Write","input":{"path":"main.go"},"toolUseId":"tu-1"}`,
			`{"type":"tool_result","toolUseId":"tu-1","output":"wrote main.go"}`,
			`{"type":"result","subtype":"success","content":"done","costUsd":0.12,"durationMs":3400}`,
			`{"type":"done"}`,
		)
	})
	h := newHarness(t, mux)

	require.NoError(t, h.conv.Start(context.Background(), "build a widget", nil))
	h.waitPhase(t, PhaseAwaitingApproval)

	plan := h.conv.Plan()
	require.NotNil(t, plan)
	require.Equal(t, "plan-7", plan.ID)
	require.Len(t, plan.Steps, 2)
	require.Equal(t, protocol.StepPending, plan.Steps[0].Status)

	require.NoError(t, h.conv.Approve(context.Background()))
	h.waitStatus(t, store.TaskCompleted)
	h.waitIdleStream(t)

	mu.Lock()
	require.Equal(t, "plan-7", executePlanID)
	mu.Unlock()

	msgs := h.messages(t)
	types := make([]store.MessageType, len(msgs))
	planMessages := 0
	for i, msg := range msgs {
		types[i] = msg.Type
		if msg.Type == store.MessagePlan {
			planMessages++
		}
	}
	require.Equal(t, []store.MessageType{
		store.MessageUser, store.MessagePlan, store.MessageText,
		store.MessageToolUse, store.MessageToolResult, store.MessageResult,
	}, types)
	require.Equal(t, 1, planMessages)

	task, err := h.store.GetTask(context.Background(), h.task.ID)
	require.NoError(t, err)
	require.NotNil(t, task.CostUSD)
	require.InEpsilon(t, 0.12, *task.CostUSD, 1e-9)
	require.NotNil(t, task.DurationMS)
	require.EqualValues(t, 3400, *task.DurationMS)
}

func TestRejectLeavesNoPlanInStore(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"plan","planId":"plan-9","goal":"g","steps":[{"id":"s1","description":"d"}]}`,
			`{"type":"done"}`,
		)
	})
	h := newHarness(t, mux)

	require.NoError(t, h.conv.Start(context.Background(), "build a widget", nil))
	h.waitPhase(t, PhaseAwaitingApproval)
	require.NoError(t, h.conv.Reject())

	require.Equal(t, PhaseIdle, h.conv.Phase())
	require.Nil(t, h.conv.Plan())

	// The synthetic cancellation note is in memory only.
	msgs := h.messages(t)
	require.Len(t, msgs, 1)
	require.Equal(t, store.MessageUser, msgs[0].Type)
	entries := h.conv.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "Plan rejected.", entries[1].Content)

	h.waitStatus(t, store.TaskStopped)
}

func TestLimitSubtypeKeepsTaskRunning(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		var req agentapi.RunRequest
		require.NoError(t, jsonDecodeBody(r, &req))
		if req.Prompt == "finish up" {
			sse(w,
				`{"type":"result","subtype":"success","content":"all done"}`,
				`{"type":"done"}`,
			)
			return
		}
		sse(w,
			`{"type":"text","content":"partial work"}`,
			`{"type":"result","subtype":"error_max_turns"}`,
			`{"type":"done"}`,
		)
	})
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"type":"done"}`)
	})
	h := newHarness(t, mux)

	// Seed a user turn directly through Continue after an empty planning pass.
	require.NoError(t, h.conv.Start(context.Background(), "keep going", nil))
	h.waitIdleStream(t)
	h.waitPhase(t, PhaseIdle)

	require.NoError(t, h.conv.Continue(context.Background(), "keep going"))
	h.waitIdleStream(t)
	require.Equal(t, PhaseIdle, h.conv.Phase())

	// Hitting the turn limit is not a failure: the task stays running.
	task, err := h.store.GetTask(context.Background(), h.task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, task.Status)

	require.NoError(t, h.conv.Continue(context.Background(), "finish up"))
	h.waitStatus(t, store.TaskCompleted)
}

func TestQuestionCancelsStreamAndStopsService(t *testing.T) {
	var mu sync.Mutex
	stopped := false

	mux := http.NewServeMux()
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"session","sessionId":"svc-q"}`,
			`{"type":"tool_use","name":"AskUserQuestion","input":{"questions":[{"id":"q1","text":"Which database?","options":["sqlite","postgres"]}]},"toolUseId":"tu-q"}`,
		)
	})
	mux.HandleFunc("/stop/svc-q", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stopped = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"result","subtype":"success","content":"used sqlite"}`,
			`{"type":"done"}`,
		)
	})
	h := newHarness(t, mux)

	require.NoError(t, h.conv.Start(context.Background(), "set up storage", nil))
	h.waitIdleStream(t)
	h.waitPhase(t, PhaseIdle)

	asked := h.notes.byType(NotifyQuestionAsked)
	require.Len(t, asked, 1)
	require.Len(t, asked[0].Questions, 1)
	require.Equal(t, "Which database?", asked[0].Questions[0].Text)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopped
	}, 2*time.Second, 10*time.Millisecond)

	// The question is part of the durable log, the task stays running.
	task, err := h.store.GetTask(context.Background(), h.task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, task.Status)
	msgs := h.messages(t)
	require.Equal(t, store.MessageToolUse, msgs[len(msgs)-1].Type)
	require.Equal(t, protocol.QuestionToolName, msgs[len(msgs)-1].ToolName)

	// Answers arrive as the next user turn.
	require.NoError(t, h.conv.Continue(context.Background(), "sqlite"))
	h.waitStatus(t, store.TaskCompleted)
}

func TestServiceErrorMarksTaskFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"error","content":"model unavailable"}`,
			`{"type":"done"}`,
		)
	})
	h := newHarness(t, mux)

	require.NoError(t, h.conv.Start(context.Background(), "do a thing", nil))
	h.waitStatus(t, store.TaskError)

	msgs := h.messages(t)
	last := msgs[len(msgs)-1]
	require.Equal(t, store.MessageError, last.Type)
	require.Equal(t, "model unavailable", last.Content)

	errs := h.notes.byType(NotifyError)
	require.NotEmpty(t, errs)
	require.Equal(t, "model unavailable", errs[0].Error)
}

func TestStopIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	mux := http.NewServeMux()
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"type":"session","sessionId":"svc-s"}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	})
	stops := 0
	var mu sync.Mutex
	mux.HandleFunc("/stop/svc-s", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stops++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	h := newHarness(t, mux)

	require.NoError(t, h.conv.Start(context.Background(), "long job", nil))
	require.Eventually(t, func() bool {
		return h.conv.ServiceSessionID() == "svc-s"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.conv.Stop(context.Background()))
	require.NoError(t, h.conv.Stop(context.Background()))
	once.Do(func() { close(release) })

	h.waitStatus(t, store.TaskStopped)
	h.waitIdleStream(t)
	mu.Lock()
	require.Equal(t, 1, stops)
	mu.Unlock()
}

func TestReloadReplaysPersistedLog(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"plan","planId":"plan-r","goal":"replay","steps":[{"id":"s1","description":"one"},{"id":"s2","description":"two"}]}`,
			`{"type":"done"}`,
		)
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"text","content":"working"}`,
			`{"type":"tool_result","toolUseId":"tu-1","output":"ok"}`,
			`{"type":"result","subtype":"success","content":"done"}`,
			`{"type":"done"}`,
		)
	})
	h := newHarness(t, mux)

	require.NoError(t, h.conv.Start(context.Background(), "build a widget", nil))
	h.waitPhase(t, PhaseAwaitingApproval)
	require.NoError(t, h.conv.Approve(context.Background()))
	h.waitStatus(t, store.TaskCompleted)
	h.waitIdleStream(t)

	// A fresh conversation over the same store must reconstruct the same log.
	notes := &notificationLog{}
	reloaded := New(Config{
		TaskID:    h.task.ID,
		SessionID: h.task.SessionID,
		Store:     h.store,
		Client:    agentapi.NewClient("http://127.0.0.1:0", agentapi.WithLogger(logging.Nop())),
		Notifier:  notes,
		Logger:    logging.Nop(),
	})
	require.NoError(t, reloaded.Reload(context.Background()))

	want := h.messages(t)
	entries := reloaded.Entries()
	require.Len(t, entries, len(want))
	for i := range want {
		require.Equal(t, want[i].Type, entries[i].Type)
		require.Equal(t, want[i].Content, entries[i].Content)
	}

	// The task is finished, so rehydrated plan steps all read completed.
	plan := reloaded.Plan()
	require.NotNil(t, plan)
	require.Equal(t, "plan-r", plan.ID)
	for _, step := range plan.Steps {
		require.Equal(t, protocol.StepCompleted, step.Status)
	}
	require.Equal(t, "build a widget", reloaded.Prompt())
	require.NotEmpty(t, notes.byType(NotifyMessagesReloaded))
}

func TestBackgroundedConversationStillPersists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"direct_answer","content":"quietly done"}`,
			`{"type":"done"}`,
		)
	})
	h := newHarness(t, mux)

	h.conv.SetActive(false)
	require.NoError(t, h.conv.Start(context.Background(), "background job", nil))
	h.waitStatus(t, store.TaskCompleted)

	msgs := h.messages(t)
	require.Len(t, msgs, 2)

	// Parked conversations suppress UI notifications, but the completion
	// still reports in for accounting.
	require.Eventually(t, func() bool {
		return len(h.notes.byType(NotifyTaskFinished)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	require.Len(t, h.notes.items, 1)
	require.Equal(t, store.TaskCompleted, h.notes.items[0].Status)
}

func jsonDecodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
