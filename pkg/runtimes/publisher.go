package runtimes

import (
	"context"

	"github.com/runplane/runplane/pkg/engine"
)

// EnginePublisher submits runnables to an engine client.
type EnginePublisher struct {
	client engine.EngineClient
}

// NewEnginePublisher creates a publisher backed by client.
func NewEnginePublisher(client engine.EngineClient) *EnginePublisher {
	return &EnginePublisher{client: client}
}

// Publish submits runnable. Unclassified client errors are treated as
// transient engine errors.
func (p *EnginePublisher) Publish(ctx context.Context, runnable *engine.Runnable) (*engine.JobStatus, error) {
	status, err := p.client.Submit(ctx, runnable)
	if err != nil {
		return nil, classify("submit failed", err)
	}
	if status == nil || status.Handle == "" {
		return nil, engine.NewExternalEngineFatalError("engine accepted the job without a handle", nil).
			WithResource(runnable.RunID)
	}
	return status, nil
}

func classify(msg string, err error) error {
	if engine.ClassOf(err) != "" {
		return err
	}
	return engine.NewExternalEngineError(msg, err)
}
