package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/health"
	"github.com/lothar100/forge/internal/model"
	"github.com/lothar100/forge/resilience"
)

type fakeHealthStore struct {
	row *model.HealthRow
}

func newFakeHealthStore() *fakeHealthStore {
	return &fakeHealthStore{row: &model.HealthRow{State: model.HealthHealthy, DailyResetAt: time.Now().Add(24 * time.Hour)}}
}

func (f *fakeHealthStore) GetHealth(ctx context.Context) (*model.HealthRow, error) {
	clone := *f.row
	return &clone, nil
}

func (f *fakeHealthStore) SaveHealth(ctx context.Context, h *model.HealthRow) error {
	f.row = h
	return nil
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCLIAdapter_RunSucceedsAndRecordsHealth(t *testing.T) {
	bin := writeScript(t, `echo "task complete"`)
	store := newFakeHealthStore()
	monitor := health.New(store)
	adapter := NewCLIAdapter(bin, monitor)

	result, err := adapter.Run(context.Background(), "do the thing", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "task complete")
	assert.Equal(t, model.HealthHealthy, store.row.State)
}

func TestCLIAdapter_AuthFailureClassifiesAndDegradesHealth(t *testing.T) {
	bin := writeScript(t, `echo "session expired, please login" 1>&2; exit 1`)
	store := newFakeHealthStore()
	monitor := health.New(store)
	adapter := NewCLIAdapter(bin, monitor)

	result, err := adapter.Run(context.Background(), "do the thing", "")
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.FailureAuth, result.FailureType)
	assert.Equal(t, model.HealthAuthFailed, store.row.State)
}

func TestCLIAdapter_EmptyOutputIsRecordedAsFailure(t *testing.T) {
	bin := writeScript(t, `true`)
	store := newFakeHealthStore()
	monitor := health.New(store)
	adapter := NewCLIAdapter(bin, monitor)

	result, err := adapter.Run(context.Background(), "do the thing", "")
	require.Error(t, err)
	assert.False(t, result.Success)
}

func TestCLIAdapter_CircuitBreakerFailsFastAfterThreshold(t *testing.T) {
	bin := writeScript(t, `echo "boom" 1>&2; exit 1`)
	store := newFakeHealthStore()
	monitor := health.New(store)

	cbConfig := resilience.DefaultConfig()
	cbConfig.Name = "test-premium-cli"
	cbConfig.FailureThreshold = 1
	cbConfig.SleepWindow = time.Hour
	cb, err := resilience.NewCircuitBreaker(cbConfig)
	require.NoError(t, err)

	adapter := NewCLIAdapter(bin, monitor, WithCircuitBreaker(cb))

	_, err = adapter.Run(context.Background(), "do the thing", "")
	require.Error(t, err)

	_, err = adapter.Run(context.Background(), "do the thing", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}

func TestCLIAdapter_TimeoutIsClassifiedAsTimeoutFailure(t *testing.T) {
	bin := writeScript(t, `sleep 2; echo "too slow"`)
	store := newFakeHealthStore()
	monitor := health.New(store)
	adapter := NewCLIAdapter(bin, monitor, WithCLITimeout(20*time.Millisecond))

	result, err := adapter.Run(context.Background(), "do the thing", "")
	require.Error(t, err)
	assert.Equal(t, model.FailureTimeout, result.FailureType)
}
