package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "github.com/y1y2u3u4/cloudwork-sub000/internal/errors"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/observability"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
)

// Client talks to the agent service. Streamed requests are retried per the
// transport policy: transient network failures only, never HTTP error
// statuses, never after cancellation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      apperrors.RetryConfig
	logger     logging.Logger
	tracer     trace.Tracer
	metrics    *observability.MetricsCollector
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg apperrors.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger replaces the default component logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTracer enables span creation around service requests.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithMetrics records stream events and transport retries on the collector.
func WithMetrics(metrics *observability.MetricsCollector) Option {
	return func(c *Client) { c.metrics = metrics }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{}, // No timeout: streams stay open for the run's duration
		retry:      apperrors.DefaultRetryConfig(),
		logger:     logging.NewComponentLogger("AgentClient"),
		tracer:     noop.NewTracerProvider().Tracer("agentapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Plan opens a planning stream for the prompt.
func (c *Client) Plan(ctx context.Context, req PlanRequest) (*Stream, error) {
	return c.openStream(ctx, "/plan", observability.SpanPlanStream, nil, req)
}

// Execute opens an execution stream for an approved plan.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*Stream, error) {
	attrs := []attribute.KeyValue{
		attribute.String(observability.AttrTaskID, req.TaskID),
		attribute.String("plan.id", req.PlanID),
	}
	return c.openStream(ctx, "/execute", observability.SpanExecuteStream, attrs, req)
}

// Run opens a direct-run or continuation stream.
func (c *Client) Run(ctx context.Context, req RunRequest) (*Stream, error) {
	attrs := []attribute.KeyValue{attribute.String(observability.AttrTaskID, req.TaskID)}
	return c.openStream(ctx, "/run", observability.SpanRunStream, attrs, req)
}

// Stop tells the service to stop the run owning sessionID. Fire-and-forget:
// the caller treats failures as best effort.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	ctx, span := c.tracer.Start(ctx, "agentapi.Stop",
		trace.WithAttributes(attribute.String(observability.AttrSessionID, sessionID)))
	defer span.End()

	resp, err := c.post(ctx, "/stop/"+sessionID, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

// Permission posts an approve/deny decision for a permission request.
func (c *Client) Permission(ctx context.Context, decision PermissionDecision) error {
	ctx, span := c.tracer.Start(ctx, "agentapi.Permission",
		trace.WithAttributes(attribute.String("request.id", decision.RequestID)))
	defer span.End()

	resp, err := c.post(ctx, "/permission", decision)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return nil
}

// openStream opens a streamed POST with retries around connection setup.
// Once the stream is open, failures surface through the decoder instead.
func (c *Client) openStream(ctx context.Context, path, spanName string, attrs []attribute.KeyValue, payload any) (*Stream, error) {
	attrs = append(attrs, attribute.String("http.url", c.baseURL+path))
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	attempt := 0
	resp, err := apperrors.RetryWithResultAndLog(ctx, c.retry, func(ctx context.Context) (*http.Response, error) {
		attempt++
		if attempt > 1 {
			c.metrics.RecordStreamRetry(ctx, path)
		}
		resp, err := c.post(ctx, path, payload)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := statusError(resp)
			_ = resp.Body.Close()
			return nil, statusErr
		}
		return resp, nil
	}, c.logger)
	if err != nil {
		span.End()
		return nil, err
	}

	return &Stream{
		body:    resp.Body,
		decoder: protocol.NewDecoder(resp.Body, c.logger),
		span:    span,
		metrics: c.metrics,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("agentapi: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("agentapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	return c.httpClient.Do(req)
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &apperrors.PermanentError{
		Err:        fmt.Errorf("agentapi: %s returned %d: %s", resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet))),
		StatusCode: resp.StatusCode,
	}
}
