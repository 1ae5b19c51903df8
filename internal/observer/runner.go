package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aquispe/newsbrief/internal/digest"
)

// PipelineRunner is the run surface the wrapper instruments.
// *digest.Pipeline satisfies it.
type PipelineRunner interface {
	Run(ctx context.Context, slot string) (digest.Counts, error)
}

// Runner wraps a PipelineRunner with a span per run plus run and
// delivery-outcome metrics.
type Runner struct {
	inner PipelineRunner
	inst  *Instruments
}

// WrapRunner instruments runs of inner.
func WrapRunner(inner PipelineRunner, inst *Instruments) *Runner {
	return &Runner{inner: inner, inst: inst}
}

func (r *Runner) Run(ctx context.Context, slot string) (digest.Counts, error) {
	ctx, span := r.inst.Tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("slot", slot)))
	defer span.End()

	started := time.Now()
	counts, err := r.inner.Run(ctx, slot)
	elapsed := float64(time.Since(started)) / float64(time.Millisecond)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.inst.PipelineRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	r.inst.PipelineDuration.Record(ctx, elapsed)
	for outcome, n := range map[string]int{
		"delivered":   counts.Delivered,
		"deactivated": counts.Deactivated,
		"failed":      counts.Failed,
	} {
		if n > 0 {
			r.inst.Deliveries.Add(ctx, int64(n),
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
	return counts, err
}
