package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobStore struct {
	mu       sync.Mutex
	statuses map[string]string
	outputs  map[string]string
	enqueued int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{statuses: map[string]string{}, outputs: map[string]string{}}
}

func (f *fakeJobStore) EnqueueJob(ctx context.Context, jobID, prompt, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued++
	f.statuses[jobID] = "running"
	return nil
}

func (f *fakeJobStore) GetJobStatus(ctx context.Context, jobID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[jobID], f.outputs[jobID], nil
}

func (f *fakeJobStore) setStatus(jobID, status, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = status
	f.outputs[jobID] = output
}

func TestLocalAdapter_RunReturnsSuccessOnceJobCompletes(t *testing.T) {
	store := newFakeJobStore()
	adapter := NewLocalAdapter(store, WithLocalTimeout(time.Second))

	var jobID string
	go func() {
		time.Sleep(20 * time.Millisecond)
		store.mu.Lock()
		for id := range store.statuses {
			jobID = id
		}
		store.mu.Unlock()
		if jobID != "" {
			store.setStatus(jobID, "completed", "all done")
		}
	}()

	result, err := adapter.Run(context.Background(), "prompt", "model")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "all done", result.Output)
	assert.Equal(t, 1, store.enqueued)
}

func TestLocalAdapter_RunReturnsFailureResultOnJobFailure(t *testing.T) {
	store := newFakeJobStore()
	adapter := NewLocalAdapter(store, WithLocalTimeout(time.Second))

	go func() {
		time.Sleep(10 * time.Millisecond)
		store.mu.Lock()
		var jobID string
		for id := range store.statuses {
			jobID = id
		}
		store.mu.Unlock()
		store.setStatus(jobID, "failed", "boom")
	}()

	result, err := adapter.Run(context.Background(), "prompt", "model")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.Output)
}

func TestLocalAdapter_RunTimesOutWhenJobNeverSettles(t *testing.T) {
	store := newFakeJobStore()
	adapter := NewLocalAdapter(store, WithLocalTimeout(30*time.Millisecond))

	_, err := adapter.Run(context.Background(), "prompt", "model")
	assert.Error(t, err)
}

func TestLocalAdapter_RunPropagatesEnqueueError(t *testing.T) {
	store := &erroringJobStore{}
	adapter := NewLocalAdapter(store)

	_, err := adapter.Run(context.Background(), "prompt", "model")
	assert.Error(t, err)
}

type erroringJobStore struct{}

func (e *erroringJobStore) EnqueueJob(ctx context.Context, jobID, prompt, model string) error {
	return errors.New("enqueue failed")
}

func (e *erroringJobStore) GetJobStatus(ctx context.Context, jobID string) (string, string, error) {
	return "", "", nil
}
