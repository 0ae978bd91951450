package observer

import (
	"context"

	kiln "github.com/nevindra/kiln"

	"go.opentelemetry.io/otel/metric"
)

// ObservedLog wraps a kiln.EventLog, counting appends per event kind and
// terminal outcomes per run.
type ObservedLog struct {
	inner kiln.EventLog
	inst  *Instruments
}

// WrapLog returns an instrumented event log.
func WrapLog(inner kiln.EventLog, inst *Instruments) *ObservedLog {
	return &ObservedLog{inner: inner, inst: inst}
}

var _ kiln.EventLog = (*ObservedLog)(nil)

func (o *ObservedLog) Append(ctx context.Context, ev kiln.Event) error {
	if err := o.inner.Append(ctx, ev); err != nil {
		return err
	}
	o.inst.EventsAppended.Add(ctx, 1, metric.WithAttributes(
		AttrEventKind.String(string(ev.Kind)),
	))
	if ev.Kind == kiln.KindRunFinished {
		if outcome, ok := ev.Payload["outcome"].(string); ok {
			o.inst.RunOutcomes.Add(ctx, 1, metric.WithAttributes(
				AttrRunOutcome.String(outcome),
			))
		}
	}
	return nil
}

func (o *ObservedLog) QueryByRun(ctx context.Context, runID string) ([]kiln.Event, error) {
	return o.inner.QueryByRun(ctx, runID)
}

func (o *ObservedLog) QueryByKind(ctx context.Context, runID string, kind kiln.Kind) ([]kiln.Event, error) {
	return o.inner.QueryByKind(ctx, runID, kind)
}

func (o *ObservedLog) Replay(ctx context.Context, runID string) ([]kiln.Event, error) {
	return o.inner.Replay(ctx, runID)
}
