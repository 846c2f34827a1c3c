package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge's instruments. A nil *Metrics is valid and records
// nothing; that is the normal path when telemetry is disabled, so callers
// never need to branch on Enabled themselves.
type Metrics struct {
	sessions metric.Int64UpDownCounter
	events   metric.Int64Counter
	rowOps   metric.Int64Counter
	rowOpDur metric.Float64Histogram
	ddlOps   metric.Int64Counter
	csvFiles metric.Int64Counter
	csvRows  metric.Int64Counter
}

// NewMetrics creates the bridge instruments, or returns nil when telemetry
// is disabled.
func NewMetrics() *Metrics {
	if !Enabled() {
		return nil
	}
	meter := Meter(instrumentationScope)
	m := &Metrics{}
	m.sessions, _ = meter.Int64UpDownCounter("bridge.sessions.active",
		metric.WithDescription("Currently connected peer sessions"))
	m.events, _ = meter.Int64Counter("bridge.events.handled",
		metric.WithDescription("Inbound events handled, by event name and outcome"))
	m.rowOps, _ = meter.Int64Counter("bridge.rowops.applied",
		metric.WithDescription("Row operations applied, by operation and outcome"))
	m.rowOpDur, _ = meter.Float64Histogram("bridge.rowops.duration",
		metric.WithDescription("Row operation latency"),
		metric.WithUnit("ms"))
	m.ddlOps, _ = meter.Int64Counter("bridge.ddl.applied",
		metric.WithDescription("DDL operations, by outcome (applied, skipped, failed)"))
	m.csvFiles, _ = meter.Int64Counter("bridge.csv.files",
		metric.WithDescription("CSV bulk files imported, by outcome"))
	m.csvRows, _ = meter.Int64Counter("bridge.csv.rows",
		metric.WithDescription("CSV rows loaded and rows skipped as duplicates"))
	return m
}

// SessionOpened records a peer connecting.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

// SessionClosed records a peer disconnecting.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, -1)
}

// Event records one handled inbound event.
func (m *Metrics) Event(ctx context.Context, event string, ok bool) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcomeBool(ok)),
	))
}

// RowOp records one applied row operation and its latency.
func (m *Metrics) RowOp(ctx context.Context, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcomeErr(err)),
	)
	m.rowOps.Add(ctx, 1, attrs)
	m.rowOpDur.Record(ctx, float64(d.Milliseconds()), attrs)
}

// DDL records a DDL operation outcome: "applied", "skipped" or "failed".
func (m *Metrics) DDL(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ddlOps.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CSVImport records one completed bulk file import.
func (m *Metrics) CSVImport(ctx context.Context, imported, skipped int64, err error) {
	if m == nil {
		return
	}
	m.csvFiles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcomeErr(err)),
	))
	if err != nil {
		return
	}
	m.csvRows.Add(ctx, imported, metric.WithAttributes(attribute.String("kind", "loaded")))
	if skipped > 0 {
		m.csvRows.Add(ctx, skipped, metric.WithAttributes(attribute.String("kind", "duplicate")))
	}
}

func outcomeBool(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func outcomeErr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
