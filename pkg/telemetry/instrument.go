package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/runplane/runplane/pkg/engine"
)

// InstrumentedClient wraps an engine client with metrics and spans.
type InstrumentedClient struct {
	next    engine.EngineClient
	metrics *Metrics
	tracer  *Tracer
}

// InstrumentClient wraps next. A nil tracer falls back to the global provider.
func InstrumentClient(next engine.EngineClient, metrics *Metrics, tracer *Tracer) *InstrumentedClient {
	if tracer == nil {
		tracer = &Tracer{tracer: otel.Tracer("runplane/engine")}
	}
	return &InstrumentedClient{next: next, metrics: metrics, tracer: tracer}
}

func (c *InstrumentedClient) Name() string { return c.next.Name() }

// Unwrap returns the wrapped client.
func (c *InstrumentedClient) Unwrap() engine.EngineClient { return c.next }

func (c *InstrumentedClient) Submit(ctx context.Context, runnable *engine.Runnable) (*engine.JobStatus, error) {
	ctx, span := c.tracer.StartEngineSpan(ctx, c.next.Name(), "submit")
	defer span.End()
	span.SetAttributes(AttrRunID.String(runnable.RunID), AttrTask.String(runnable.Task))

	timer := NewTimer()
	st, err := c.next.Submit(ctx, runnable)
	c.metrics.RecordEngineCall(c.next.Name(), "submit", timer.Duration(), err)
	if err != nil {
		RecordError(span, err)
		return nil, err
	}
	if st != nil {
		span.SetAttributes(AttrEngineHandle.String(st.Handle))
	}
	RecordSuccess(span)
	return st, nil
}

func (c *InstrumentedClient) Status(ctx context.Context, handle string) (*engine.JobStatus, error) {
	ctx, span := c.tracer.StartEngineSpan(ctx, c.next.Name(), "status")
	defer span.End()
	span.SetAttributes(AttrEngineHandle.String(handle))

	timer := NewTimer()
	st, err := c.next.Status(ctx, handle)
	c.metrics.RecordEngineCall(c.next.Name(), "status", timer.Duration(), err)
	if err != nil {
		RecordError(span, err)
		return nil, err
	}
	RecordSuccess(span)
	return st, nil
}

func (c *InstrumentedClient) Cancel(ctx context.Context, handle string) error {
	ctx, span := c.tracer.StartEngineSpan(ctx, c.next.Name(), "cancel")
	defer span.End()
	span.SetAttributes(AttrEngineHandle.String(handle))

	timer := NewTimer()
	err := c.next.Cancel(ctx, handle)
	c.metrics.RecordEngineCall(c.next.Name(), "cancel", timer.Duration(), err)
	if err != nil {
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
