package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/internal/model"
)

type fakeStore struct {
	row *model.HealthRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{row: &model.HealthRow{
		State:        model.HealthHealthy,
		DailyResetAt: time.Now().Add(24 * time.Hour),
	}}
}

func (f *fakeStore) GetHealth(ctx context.Context) (*model.HealthRow, error) {
	clone := *f.row
	return &clone, nil
}

func (f *fakeStore) SaveHealth(ctx context.Context, h *model.HealthRow) error {
	f.row = h
	return nil
}

func TestGetState_DefaultsHealthy(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	state, err := m.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, state)
}

func TestRecordFailure_AuthGoesStraightToAuthFailed(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	ft, err := m.RecordFailure(context.Background(), model.FailureAuth)
	require.NoError(t, err)
	assert.Equal(t, model.FailureAuth, ft)
	assert.Equal(t, model.HealthAuthFailed, store.row.State)
}

func TestRecordFailure_RateLimitDegradesHealthy(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	_, err := m.RecordFailure(context.Background(), model.FailureRateLimit)
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, store.row.State)
}

func TestRecordFailure_PromotesToDailyLimitAfterThreshold(t *testing.T) {
	store := newFakeStore()
	m := New(store, WithThresholds(3, time.Hour, 30*time.Minute))

	var last model.FailureType
	for i := 0; i < 3; i++ {
		var err error
		last, err = m.RecordFailure(context.Background(), model.FailureRateLimit)
		require.NoError(t, err)
	}

	assert.Equal(t, model.FailureDailyLimit, last)
	assert.Equal(t, model.HealthDailyLimitHit, store.row.State)
}

func TestRecordFailure_ConsecutiveErrorsEscalateToUnavailable(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	for i := 0; i < consecutiveThreshold; i++ {
		_, err := m.RecordFailure(context.Background(), model.FailureError)
		require.NoError(t, err)
	}

	assert.Equal(t, model.HealthUnavailable, store.row.State)
}

func TestRecordSuccess_RecoversFromDegraded(t *testing.T) {
	store := newFakeStore()
	store.row.State = model.HealthDegraded
	m := New(store)

	err := m.RecordSuccess(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, store.row.State)
	assert.Zero(t, store.row.ConsecutiveFailures)
}

func TestUnavailableAutoRecoversToHealthyAfterCooldown(t *testing.T) {
	store := newFakeStore()
	past := time.Now().Add(-time.Hour)
	store.row.State = model.HealthUnavailable
	store.row.LastFailure = &past
	m := New(store, WithThresholds(0, 0, 30*time.Minute))

	state, err := m.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, state)
}

func TestDailyLimitResetsAtMidnightRollover(t *testing.T) {
	store := newFakeStore()
	store.row.State = model.HealthDailyLimitHit
	store.row.DailyInvocations = 5
	store.row.DailyResetAt = time.Now().Add(-time.Minute)
	m := New(store)

	state, err := m.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, state)
	assert.Zero(t, store.row.DailyInvocations)
}

func TestIsStealthRateLimit_FlagsDurationFarAboveRollingAverage(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.RecordSuccess(context.Background(), 100*time.Millisecond))
	}

	assert.True(t, m.IsStealthRateLimit(time.Second))
	assert.False(t, m.IsStealthRateLimit(150*time.Millisecond))
}

func TestManualReset_ClearsStateAndCounters(t *testing.T) {
	store := newFakeStore()
	store.row.State = model.HealthAuthFailed
	store.row.ConsecutiveFailures = 7
	m := New(store)

	require.NoError(t, m.ManualReset(context.Background()))
	assert.Equal(t, model.HealthHealthy, store.row.State)
	assert.Zero(t, store.row.ConsecutiveFailures)
}
