package observer

import (
	"context"
	"time"

	kiln "github.com/nevindra/kiln"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	kilnlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a kiln.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner kiln.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner kiln.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

var _ kiln.Tool = (*ObservedTool)(nil)

func (o *ObservedTool) Name() string                { return o.inner.Name() }
func (o *ObservedTool) Version() string             { return o.inner.Version() }
func (o *ObservedTool) SideEffect() kiln.SideEffect { return o.inner.SideEffect() }
func (o *ObservedTool) InputSchema() *kiln.Schema   { return o.inner.InputSchema() }
func (o *ObservedTool) OutputSchema() *kiln.Schema  { return o.inner.OutputSchema() }

func (o *ObservedTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(o.inner.Name()),
		AttrToolSideEffect.String(string(o.inner.SideEffect())),
	))
	defer span.End()
	start := time.Now()

	output, err := o.inner.Execute(ctx, input)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrToolStatus.String(status))

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(o.inner.Name()),
	))

	// Structured log
	var rec kilnlog.Record
	rec.SetSeverity(kilnlog.SeverityInfo)
	rec.SetBody(kilnlog.StringValue("tool executed"))
	rec.AddAttributes(
		kilnlog.String("tool.name", o.inner.Name()),
		kilnlog.String("tool.status", status),
		kilnlog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return output, err
}

// WrapRegistry returns a new registry with every tool wrapped.
func WrapRegistry(registry *kiln.ToolRegistry, inst *Instruments) (*kiln.ToolRegistry, error) {
	wrapped := kiln.NewToolRegistry()
	for _, name := range registry.Names() {
		tool, _ := registry.Get(name)
		if err := wrapped.Register(WrapTool(tool, inst)); err != nil {
			return nil, err
		}
	}
	return wrapped, nil
}
