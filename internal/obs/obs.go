// Package obs defines the orchestrator's optional observability sinks: an
// append-only, asynchronous span exporter and metric exporter (spec.md
// §1's "Observability sinks (optional)"). Their absence must never affect
// correctness (spec.md §9), so the zero value of Sinks is a fully
// functional no-op.
package obs

// Span is a single completed unit of work, emitted once it finishes.
type Span struct {
	Name            string
	TaskID          string
	Service         string
	DurationSeconds float64
	Attributes      map[string]any
}

// Metric is a single point-in-time counter or gauge observation.
type Metric struct {
	Name       string
	Value      float64
	Attributes map[string]any
}

// SpanExporter consumes completed spans asynchronously. Implementations
// must not block the caller; ExportSpan should enqueue and return.
type SpanExporter interface {
	ExportSpan(Span)
}

// MetricExporter consumes metric observations asynchronously.
type MetricExporter interface {
	ExportMetric(Metric)
}

// Sinks bundles the optional exporters. A zero-value Sinks silently drops
// everything.
type Sinks struct {
	Span   SpanExporter
	Metric MetricExporter
}

// RecordSpan forwards s to the configured span exporter, if any.
func (s Sinks) RecordSpan(span Span) {
	if s.Span != nil {
		s.Span.ExportSpan(span)
	}
}

// RecordMetric forwards m to the configured metric exporter, if any.
func (s Sinks) RecordMetric(metric Metric) {
	if s.Metric != nil {
		s.Metric.ExportMetric(metric)
	}
}

// ChanSpanExporter is a simple append-only, asynchronous SpanExporter
// backed by a buffered channel; spans that arrive once the buffer is full
// are dropped rather than blocking the producer, preserving the "absence
// never affects correctness" guarantee under backpressure.
type ChanSpanExporter struct {
	ch chan Span
}

// NewChanSpanExporter creates a ChanSpanExporter with the given buffer
// size.
func NewChanSpanExporter(buffer int) *ChanSpanExporter {
	return &ChanSpanExporter{ch: make(chan Span, buffer)}
}

// ExportSpan implements SpanExporter.
func (e *ChanSpanExporter) ExportSpan(span Span) {
	select {
	case e.ch <- span:
	default:
	}
}

// Spans returns the channel of exported spans, for a consumer to drain.
func (e *ChanSpanExporter) Spans() <-chan Span { return e.ch }
