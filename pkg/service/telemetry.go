package service

import (
	"context"

	"github.com/ignatij/leadflow/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ignatij/leadflow/pkg/service"

// telemetry wraps the tracer and counters of the engine. Instruments that
// fail to register are left nil and skipped.
type telemetry struct {
	tracer      trace.Tracer
	transitions metric.Int64Counter
	finishedRun metric.Int64Counter
	dispatchErr metric.Int64Counter
	misses      metric.Int64Counter
}

func newTelemetry() *telemetry {
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	t := &telemetry{tracer: otel.Tracer(instrumentationName)}
	if c, err := meter.Int64Counter("leadflow.engine.transitions",
		metric.WithDescription("Node transitions committed")); err == nil {
		t.transitions = c
	}
	if c, err := meter.Int64Counter("leadflow.engine.runs_finished",
		metric.WithDescription("Runs reaching a terminal status")); err == nil {
		t.finishedRun = c
	}
	if c, err := meter.Int64Counter("leadflow.engine.dispatch_failures",
		metric.WithDescription("Action dispatches that failed after retries")); err == nil {
		t.dispatchErr = c
	}
	if c, err := meter.Int64Counter("leadflow.engine.correlation_misses",
		metric.WithDescription("External events dropped without a matching waiting run")); err == nil {
		t.misses = c
	}
	return t
}

func (t *telemetry) startDrive(ctx context.Context, run *models.WorkflowExecution, w wake) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "engine.drive", trace.WithAttributes(
		attribute.String("leadflow.execution_id", run.ID),
		attribute.String("leadflow.workflow_id", run.WorkflowID),
		attribute.String("leadflow.node_id", run.CurrentNodeID),
		attribute.Int64("leadflow.epoch", run.AttemptEpoch),
		attribute.String("leadflow.wake", w.String()),
	))
}

func (t *telemetry) transition() {
	if t.transitions != nil {
		t.transitions.Add(context.Background(), 1)
	}
}

func (t *telemetry) finished(status models.RunStatus) {
	if t.finishedRun != nil {
		t.finishedRun.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (t *telemetry) dispatchFailed(ctx context.Context, nodeType string, transient bool) {
	if t.dispatchErr != nil {
		t.dispatchErr.Add(ctx, 1, metric.WithAttributes(
			attribute.String("node_type", nodeType),
			attribute.Bool("transient", transient),
		))
	}
}

func (t *telemetry) miss(ctx context.Context, reason string) {
	if t.misses != nil {
		t.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
