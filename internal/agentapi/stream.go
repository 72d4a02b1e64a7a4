package agentapi

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/trace"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/observability"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/protocol"
)

// Stream is one open event stream. Frames decode lazily as the caller drains
// them; closing the stream releases the underlying connection.
type Stream struct {
	body    io.ReadCloser
	decoder *protocol.Decoder
	span    trace.Span
	metrics *observability.MetricsCollector
	closed  bool
}

// Next returns the next event, or io.EOF when the stream ends.
func (s *Stream) Next() (protocol.Event, error) {
	event, err := s.decoder.Next()
	if err == nil {
		s.metrics.RecordStreamEvent(context.Background(), string(event.Kind()))
	}
	return event, err
}

// Close releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.span != nil {
		s.span.End()
	}
	return s.body.Close()
}
