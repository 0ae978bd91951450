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

// ObservedProvider wraps a kiln.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner kiln.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces,
// metrics, and logs for every completion.
func WrapProvider(inner kiln.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

var _ kiln.Provider = (*ObservedProvider)(nil)

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Complete(ctx context.Context, messages []kiln.Message) (kiln.Completion, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "lm.complete", trace.WithAttributes(
		AttrLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	comp, err := o.inner.Complete(ctx, messages)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrTokensPrompt.Int64(comp.PromptTokens),
		AttrTokensCompletion.Int64(comp.CompletionTokens),
		AttrTokensTotal.Int64(comp.TokensUsed),
	)

	o.inst.LMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	if comp.TokensUsed > 0 {
		o.inst.TokenUsage.Add(ctx, comp.TokensUsed, metric.WithAttributes(
			AttrLMProvider.String(o.inner.Name()),
		))
	}
	o.inst.LMDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLMProvider.String(o.inner.Name()),
	))

	// Structured log
	var rec kilnlog.Record
	rec.SetSeverity(kilnlog.SeverityInfo)
	rec.SetBody(kilnlog.StringValue("lm completion"))
	rec.AddAttributes(
		kilnlog.String("lm.provider", o.inner.Name()),
		kilnlog.String("lm.status", status),
		kilnlog.Int64("lm.tokens.total", comp.TokensUsed),
		kilnlog.Float64("lm.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return comp, err
}
