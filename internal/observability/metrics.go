package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
)

// MetricsCollector manages orchestration metrics. A zero collector (metrics
// disabled) is valid and records nothing.
type MetricsCollector struct {
	meter metric.Meter

	tasksStarted  metric.Int64Counter
	tasksFinished metric.Int64Counter
	taskDuration  metric.Float64Histogram
	taskCost      metric.Float64Counter
	streamEvents      metric.Int64Counter
	streamRetries     metric.Int64Counter
	messagesPersisted metric.Int64Counter
	activeStreams     metric.Int64UpDownCounter

	prometheusServer *http.Server
	logger           logging.Logger
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a metrics collector backed by a Prometheus
// exporter and, when a port is configured, a scrape endpoint.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	logger = logging.OrNop(logger)
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("cloudwork")

	tasksStarted, err := meter.Int64Counter(
		"cloudwork.tasks.started.total",
		metric.WithDescription("Total number of task runs started"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_started counter: %w", err)
	}

	tasksFinished, err := meter.Int64Counter(
		"cloudwork.tasks.finished.total",
		metric.WithDescription("Total number of task runs finished, by status"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_finished counter: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		"cloudwork.task.duration",
		metric.WithDescription("Task run duration in seconds, as reported by the agent service"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_duration histogram: %w", err)
	}

	taskCost, err := meter.Float64Counter(
		"cloudwork.cost.total",
		metric.WithDescription("Total cost of task runs"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_cost counter: %w", err)
	}

	streamEvents, err := meter.Int64Counter(
		"cloudwork.stream.events.total",
		metric.WithDescription("Total stream events decoded, by kind"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream_events counter: %w", err)
	}

	streamRetries, err := meter.Int64Counter(
		"cloudwork.stream.retries.total",
		metric.WithDescription("Total transport retries while opening streams"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream_retries counter: %w", err)
	}

	messagesPersisted, err := meter.Int64Counter(
		"cloudwork.messages.persisted.total",
		metric.WithDescription("Total messages appended to the durable log, by type"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages_persisted counter: %w", err)
	}

	activeStreams, err := meter.Int64UpDownCounter(
		"cloudwork.streams.active",
		metric.WithDescription("Number of event streams currently being drained"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_streams gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:             meter,
		tasksStarted:      tasksStarted,
		tasksFinished:     tasksFinished,
		taskDuration:      taskDuration,
		taskCost:          taskCost,
		streamEvents:      streamEvents,
		streamRetries:     streamRetries,
		messagesPersisted: messagesPersisted,
		activeStreams:     activeStreams,
		logger:            logger,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus scrape endpoint.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		m.logger.Info("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown stops the scrape endpoint.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordTaskStarted records a new task run. Mode distinguishes planning runs
// from direct and continuation runs.
func (m *MetricsCollector) RecordTaskStarted(ctx context.Context, mode string) {
	if m.tasksStarted == nil {
		return
	}
	m.tasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	m.activeStreams.Add(ctx, 1)
}

// RecordTaskFinished records a finished task run with its reported cost and
// duration, when the service sent them.
func (m *MetricsCollector) RecordTaskFinished(ctx context.Context, status string, costUSD *float64, durationMS *int64) {
	if m.tasksFinished == nil {
		return
	}
	m.tasksFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.activeStreams.Add(ctx, -1)
	if durationMS != nil {
		m.taskDuration.Record(ctx, (time.Duration(*durationMS) * time.Millisecond).Seconds(),
			metric.WithAttributes(attribute.String("status", status)))
	}
	if costUSD != nil && *costUSD > 0 {
		m.taskCost.Add(ctx, *costUSD)
	}
}

// RecordStreamEvent records one decoded stream event.
func (m *MetricsCollector) RecordStreamEvent(ctx context.Context, kind string) {
	if m == nil || m.streamEvents == nil {
		return
	}
	m.streamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMessagePersisted records one message appended to the durable log.
func (m *MetricsCollector) RecordMessagePersisted(ctx context.Context, messageType string) {
	if m == nil || m.messagesPersisted == nil {
		return
	}
	m.messagesPersisted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", messageType)))
}

// RecordStreamRetry records one transport retry.
func (m *MetricsCollector) RecordStreamRetry(ctx context.Context, endpoint string) {
	if m == nil || m.streamRetries == nil {
		return
	}
	m.streamRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}
