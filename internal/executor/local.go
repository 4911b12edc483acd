package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

// LocalJobStore is the persistence seam the local-job adapter needs:
// a simple enqueue/poll job table, reusing the same embedded store.
type LocalJobStore interface {
	EnqueueJob(ctx context.Context, jobID, prompt, model string) error
	GetJobStatus(ctx context.Context, jobID string) (status, output string, err error)
}

// LocalAdapter runs work through an internal job queue, used for
// locally-hosted models that don't warrant the remote gateway's HTTP
// contract but still run out-of-process from the pipeline engine.
type LocalAdapter struct {
	store     LocalJobStore
	logger    core.Logger
	pollEvery time.Duration
	timeout   time.Duration
}

// LocalOption configures a LocalAdapter at construction time.
type LocalOption func(*LocalAdapter)

// WithLocalLogger injects a structured logger.
func WithLocalLogger(logger core.Logger) LocalOption {
	return func(a *LocalAdapter) { a.logger = logger }
}

// WithLocalTimeout overrides the default per-job timeout.
func WithLocalTimeout(timeout time.Duration) LocalOption {
	return func(a *LocalAdapter) { a.timeout = timeout }
}

// NewLocalAdapter builds a LocalAdapter backed by store.
func NewLocalAdapter(store LocalJobStore, opts ...LocalOption) *LocalAdapter {
	a := &LocalAdapter{
		store:     store,
		logger:    &core.NoOpLogger{},
		pollEvery: time.Second,
		timeout:   300 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run enqueues prompt/model as a job and polls until terminal or the
// adapter's own timeout elapses.
func (a *LocalAdapter) Run(ctx context.Context, prompt, modelName string) (Result, error) {
	start := time.Now()
	jobID := uuid.NewString()
	if err := a.store.EnqueueJob(ctx, jobID, prompt, modelName); err != nil {
		return Result{Success: false, Duration: time.Since(start), Err: err, FailureType: model.FailureError, Executor: "local-job"}, err
	}

	deadline := time.Now().Add(a.timeout)
	for time.Now().Before(deadline) {
		status, output, err := a.store.GetJobStatus(ctx, jobID)
		if err != nil {
			return Result{Success: false, Duration: time.Since(start), Err: err, FailureType: model.FailureError, Executor: "local-job"}, err
		}
		switch status {
		case "completed":
			return Result{Success: true, Output: output, Duration: time.Since(start), Executor: "local-job"}, nil
		case "failed":
			return Result{Success: false, Output: output, Duration: time.Since(start), FailureType: model.FailureError, Executor: "local-job"}, nil
		}

		select {
		case <-ctx.Done():
			return Result{Success: false, Duration: time.Since(start), Err: ctx.Err(), FailureType: model.FailureError, Executor: "local-job"}, ctx.Err()
		case <-time.After(a.pollEvery):
		}
	}
	err := fmt.Errorf("local job %s timed out after %s", jobID, a.timeout)
	return Result{Success: false, Duration: time.Since(start), Err: err, FailureType: model.FailureError, Executor: "local-job"}, err
}
