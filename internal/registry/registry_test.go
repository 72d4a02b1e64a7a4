package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/agentapi"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/conversation"
	apperrors "github.com/y1y2u3u4/cloudwork-sub000/internal/errors"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTask(t *testing.T, st *store.Store, prompt string) *store.Task {
	t.Helper()
	ctx := context.Background()
	session, err := st.CreateSession(ctx, prompt)
	require.NoError(t, err)
	index, err := st.BumpSessionTaskCount(ctx, session.ID)
	require.NoError(t, err)
	task := &store.Task{
		ID:        fmt.Sprintf("task-%s-%d", session.ID, index),
		SessionID: session.ID,
		TaskIndex: index,
		Prompt:    prompt,
		Status:    store.TaskRunning,
	}
	require.NoError(t, st.InsertTask(ctx, task))
	return task
}

func newConversation(t *testing.T, st *store.Store, task *store.Task, handler http.Handler) *conversation.Conversation {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := agentapi.NewClient(srv.URL,
		agentapi.WithLogger(logging.Nop()),
		agentapi.WithRetryConfig(apperrors.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	return conversation.New(conversation.Config{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Store:     st,
		Client:    client,
		Logger:    logging.Nop(),
	})
}

// blockingStream emits the lead frames, then holds the stream open until
// release is closed, then emits the tail frames.
func blockingStream(release <-chan struct{}, lead []string, tail []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, frame := range lead {
			fmt.Fprintf(w, "data: %s\n", frame)
		}
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		for _, frame := range tail {
			fmt.Fprintf(w, "data: %s\n", frame)
		}
	}
}

func TestSwitchParksRunningTaskWithoutCancelling(t *testing.T) {
	st := openTestStore(t)

	releaseA := make(chan struct{})
	taskA := newTask(t, st, "task a")
	muxA := http.NewServeMux()
	muxA.HandleFunc("/plan", blockingStream(releaseA,
		[]string{`{"type":"session","sessionId":"svc-a"}`},
		[]string{`{"type":"direct_answer","content":"a finished in the background"}`, `{"type":"done"}`},
	))
	convA := newConversation(t, st, taskA, muxA)

	taskB := newTask(t, st, "task b")
	muxB := http.NewServeMux()
	convB := newConversation(t, st, taskB, muxB)
	require.NoError(t, st.UpdateTaskStatus(context.Background(), taskB.ID, store.TaskCompleted))

	reg := New(Config{Store: st, Logger: logging.Nop()})
	require.NoError(t, reg.Switch(context.Background(), convA))
	require.NoError(t, convA.Start(context.Background(), "task a", nil))
	require.Eventually(t, func() bool {
		return convA.ServiceSessionID() == "svc-a"
	}, 2*time.Second, 10*time.Millisecond)

	// Switching away parks A but leaves its stream alive.
	require.NoError(t, reg.Switch(context.Background(), convB))
	parked := reg.Parked()
	require.Len(t, parked, 1)
	require.Equal(t, taskA.ID, parked[0].TaskID)
	require.Equal(t, "svc-a", parked[0].ServiceSessionID)
	require.True(t, convA.Running())

	// The parked stream keeps draining and persisting unobserved.
	close(releaseA)
	require.Eventually(t, func() bool {
		task, err := st.GetTask(context.Background(), taskA.ID)
		return err == nil && task.Status == store.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := st.MessagesByTask(context.Background(), taskA.ID)
	require.NoError(t, err)
	require.Equal(t, "a finished in the background", msgs[len(msgs)-1].Content)
}

func TestSwitchBackAdoptsParkedTask(t *testing.T) {
	st := openTestStore(t)

	release := make(chan struct{})
	defer close(release)
	task := newTask(t, st, "long run")
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", blockingStream(release,
		[]string{`{"type":"session","sessionId":"svc-l"}`},
		nil,
	))
	conv := newConversation(t, st, task, mux)

	idleTask := newTask(t, st, "idle")
	require.NoError(t, st.UpdateTaskStatus(context.Background(), idleTask.ID, store.TaskCompleted))
	idleConv := newConversation(t, st, idleTask, http.NewServeMux())

	reg := New(Config{Store: st, Logger: logging.Nop(), PollInterval: 5 * time.Millisecond})
	require.NoError(t, reg.Switch(context.Background(), conv))
	require.NoError(t, conv.Start(context.Background(), "long run", nil))
	require.Eventually(t, func() bool {
		return conv.ServiceSessionID() == "svc-l"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Switch(context.Background(), idleConv))
	require.Len(t, reg.Parked(), 1)

	require.NoError(t, reg.Switch(context.Background(), conv))
	require.Empty(t, reg.Parked())
	require.Same(t, conv, reg.Active())
	require.True(t, conv.Running())
}

func TestWatchResolvesStuckTask(t *testing.T) {
	st := openTestStore(t)

	release := make(chan struct{})
	defer close(release)
	task := newTask(t, st, "stuck run")
	mux := http.NewServeMux()
	// No session event: nothing will ever arrive on this stream.
	mux.HandleFunc("/plan", blockingStream(release, nil, nil))
	conv := newConversation(t, st, task, mux)

	reg := New(Config{
		Store:          st,
		Logger:         logging.Nop(),
		PollInterval:   5 * time.Millisecond,
		StuckThreshold: 3,
	})
	require.NoError(t, conv.Start(context.Background(), "stuck run", nil))
	require.Eventually(t, func() bool { return conv.Running() }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, reg.Switch(context.Background(), conv))

	require.Eventually(t, func() bool {
		got, err := st.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == store.TaskStopped
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !conv.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchNeverResolvesTaskWithOpenToolCall(t *testing.T) {
	st := openTestStore(t)

	release := make(chan struct{})
	defer close(release)
	task := newTask(t, st, "slow tool")
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", blockingStream(release, nil, nil))
	conv := newConversation(t, st, task, mux)

	reg := New(Config{
		Store:          st,
		Logger:         logging.Nop(),
		PollInterval:   5 * time.Millisecond,
		StuckThreshold: 3,
	})
	require.NoError(t, conv.Start(context.Background(), "slow tool", nil))
	require.Eventually(t, func() bool { return conv.Running() }, 2*time.Second, 5*time.Millisecond)

	// An unresolved tool call means silence is expected, not a hang.
	require.NoError(t, st.AppendMessage(context.Background(), &store.Message{
		TaskID:    task.ID,
		Type:      store.MessageToolUse,
		ToolName:  "Bash",
		ToolUseID: "tu-slow",
	}))
	require.NoError(t, reg.Switch(context.Background(), conv))

	time.Sleep(100 * time.Millisecond)
	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, got.Status)
	require.True(t, conv.Running())
}

func TestShutdownParksWithoutCancelling(t *testing.T) {
	st := openTestStore(t)

	release := make(chan struct{})
	task := newTask(t, st, "drain on exit")
	mux := http.NewServeMux()
	mux.HandleFunc("/plan", blockingStream(release,
		nil,
		[]string{`{"type":"direct_answer","content":"drained"}`, `{"type":"done"}`},
	))
	conv := newConversation(t, st, task, mux)

	reg := New(Config{Store: st, Logger: logging.Nop()})
	require.NoError(t, reg.Switch(context.Background(), conv))
	require.NoError(t, conv.Start(context.Background(), "drain on exit", nil))
	require.Eventually(t, func() bool { return conv.Running() }, 2*time.Second, 5*time.Millisecond)

	reg.Shutdown()
	require.Nil(t, reg.Active())
	require.Len(t, reg.Parked(), 1)
	require.True(t, conv.Running())

	close(release)
	require.Eventually(t, func() bool {
		got, err := st.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == store.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenToolCalls(t *testing.T) {
	msgs := []store.Message{
		{Type: store.MessageToolUse, ToolUseID: "a"},
		{Type: store.MessageToolResult, ToolUseID: "a"},
		{Type: store.MessageToolUse, ToolUseID: "b"},
		{Type: store.MessageText},
		{Type: store.MessageToolUse, ToolUseID: "c"},
	}
	require.Equal(t, 2, OpenToolCalls(msgs))
	require.Equal(t, 0, OpenToolCalls(nil))
}
