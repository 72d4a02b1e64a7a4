package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/y1y2u3u4/cloudwork-sub000/internal/errors"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
)

func fastClientRetry() apperrors.RetryConfig {
	return apperrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n", frame)
			flusher.Flush()
		}
	}
}

func TestPlanStreamsEvents(t *testing.T) {
	server := httptest.NewServer(sseHandler(
		`{"type":"session","sessionId":"svc-1"}`,
		`{"type":"plan","planId":"p1","goal":"do it","steps":[{"id":"s1","description":"step","status":"pending"}]}`,
		`{"type":"done","sessionId":"svc-1"}`,
	))
	defer server.Close()

	client := NewClient(server.URL, WithRetryConfig(fastClientRetry()))
	stream, err := client.Plan(context.Background(), PlanRequest{Prompt: "list files"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	event, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, protocol.KindSession, event.Kind())

	event, err = stream.Next()
	require.NoError(t, err)
	plan := event.(*protocol.PlanEvent)
	require.Equal(t, "p1", plan.PlanID)

	event, err = stream.Next()
	require.NoError(t, err)
	require.Equal(t, protocol.KindDone, event.Kind())

	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestRequestsCarryModelConfig(t *testing.T) {
	var got struct {
		ModelConfig struct {
			Model    string `json:"model"`
			MaxTurns int    `json:"maxTurns"`
			Sandbox  string `json:"sandbox"`
		} `json:"modelConfig"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		sseHandler(`{"type":"done"}`)(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryConfig(fastClientRetry()))
	stream, err := client.Plan(context.Background(), PlanRequest{
		Prompt:      "list files",
		ModelConfig: ModelConfig{Model: "sonnet", MaxTurns: 40, Sandbox: "permissive"},
	})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	require.Equal(t, "sonnet", got.ModelConfig.Model)
	require.Equal(t, 40, got.ModelConfig.MaxTurns)
	require.Equal(t, "permissive", got.ModelConfig.Sandbox)
}

// flakyTransport fails the first n attempts with a connection error.
type flakyTransport struct {
	failures int32
	inner    http.RoundTripper
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if atomic.AddInt32(&t.failures, -1) >= 0 {
		return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	}
	return t.inner.RoundTrip(req)
}

func TestOpenStreamRetriesTransportFailures(t *testing.T) {
	server := httptest.NewServer(sseHandler(`{"type":"done"}`))
	defer server.Close()

	transport := &flakyTransport{failures: 2, inner: http.DefaultTransport}
	client := NewClient(server.URL,
		WithRetryConfig(fastClientRetry()),
		WithHTTPClient(&http.Client{Transport: transport}))

	stream, err := client.Run(context.Background(), RunRequest{Prompt: "hi", TaskID: "task-1"})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	event, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, protocol.KindDone, event.Kind())
}

func TestOpenStreamDoesNotRetryHTTPStatuses(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryConfig(fastClientRetry()))
	_, err := client.Execute(context.Background(), ExecuteRequest{PlanID: "p1", Prompt: "x", TaskID: "task-1"})
	require.Error(t, err)

	var permanent *apperrors.PermanentError
	require.ErrorAs(t, err, &permanent)
	require.Equal(t, http.StatusInternalServerError, permanent.StatusCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenStreamAbortsOnCancel(t *testing.T) {
	transport := &flakyTransport{failures: 100, inner: http.DefaultTransport}
	client := NewClient("http://127.0.0.1:0",
		WithRetryConfig(apperrors.RetryConfig{MaxAttempts: 100, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}),
		WithHTTPClient(&http.Client{Transport: transport}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	_, err := client.Plan(ctx, PlanRequest{Prompt: "x"})
	require.Error(t, err)
	require.Less(t, time.Since(started), time.Second, "cancellation should abort retries promptly")
}

func TestStopAndPermissionControlCalls(t *testing.T) {
	var stopPath string
	var decision PermissionDecision
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/permission":
			require.NoError(t, jsonDecode(r.Body, &decision))
		default:
			stopPath = r.URL.Path
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryConfig(fastClientRetry()))
	require.NoError(t, client.Stop(context.Background(), "svc-9"))
	require.Equal(t, "/stop/svc-9", stopPath)

	require.NoError(t, client.Permission(context.Background(), PermissionDecision{
		SessionID: "svc-9",
		RequestID: "req-1",
		Approve:   true,
	}))
	require.Equal(t, "req-1", decision.RequestID)
	require.True(t, decision.Approve)
}

func jsonDecode(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
