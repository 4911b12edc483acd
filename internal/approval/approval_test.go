package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type fakeStore struct {
	decisions map[string]*model.Decision
}

func newFakeStore() *fakeStore {
	return &fakeStore{decisions: map[string]*model.Decision{}}
}

func (f *fakeStore) CreateDecision(ctx context.Context, d *model.Decision) error {
	clone := *d
	f.decisions[d.DecisionID] = &clone
	return nil
}

func (f *fakeStore) GetDecision(ctx context.Context, decisionID string) (*model.Decision, error) {
	d, ok := f.decisions[decisionID]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func (f *fakeStore) GetPendingDecision(ctx context.Context, entityType string, entityID int64, action string) (*model.Decision, error) {
	for _, d := range f.decisions {
		if d.EntityType == entityType && d.EntityID == entityID && d.Action == action && d.Status == model.DecisionPending {
			return d, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SettleDecision(ctx context.Context, decisionID string, status model.DecisionStatus, resultMarkdown string, decidedAt time.Time) error {
	d, ok := f.decisions[decisionID]
	if !ok {
		return errors.New("not found")
	}
	d.Status = status
	d.ResultMarkdown = resultMarkdown
	d.DecidedAt = &decidedAt
	return nil
}

func TestCreateDecision_MintsTokenNotPersistedInPlaintext(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	id, token, err := m.CreateDecision(context.Background(), "task", 1, "start_task", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, token)

	d := store.decisions[id]
	assert.NotEqual(t, token, d.TokenHash)
	assert.Equal(t, model.DecisionPending, d.Status)
}

func TestVerifyDecisionToken_SucceedsWithCorrectToken(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	id, token, err := m.CreateDecision(context.Background(), "task", 1, "start_task", time.Hour)
	require.NoError(t, err)

	d, err := m.VerifyDecisionToken(context.Background(), id, token)
	require.NoError(t, err)
	assert.Equal(t, id, d.DecisionID)
}

func TestVerifyDecisionToken_RejectsWrongToken(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	id, _, err := m.CreateDecision(context.Background(), "task", 1, "start_task", time.Hour)
	require.NoError(t, err)

	_, err = m.VerifyDecisionToken(context.Background(), id, "wrong-token")
	assert.ErrorIs(t, err, core.ErrTokenMismatch)
}

func TestVerifyDecisionToken_RejectsExpiredDecision(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	id, token, err := m.CreateDecision(context.Background(), "task", 1, "start_task", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = m.VerifyDecisionToken(context.Background(), id, token)
	assert.ErrorIs(t, err, core.ErrDecisionExpired)
}

func TestVerifyDecisionToken_RejectsAlreadySettledDecision(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	id, token, err := m.CreateDecision(context.Background(), "task", 1, "start_task", time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.ApplyDecision(context.Background(), id, true, ""))

	_, err = m.VerifyDecisionToken(context.Background(), id, token)
	assert.ErrorIs(t, err, core.ErrDecisionSettled)
}

func TestApplyDecision_SetsRejectedStatusAndResult(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	id, _, err := m.CreateDecision(context.Background(), "task", 1, "start_task", time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.ApplyDecision(context.Background(), id, false, "declined by reviewer"))
	assert.Equal(t, model.DecisionRejected, store.decisions[id].Status)
	assert.Equal(t, "declined by reviewer", store.decisions[id].ResultMarkdown)
}

func TestGetPendingDecision_FindsOutstandingDecisionForEntity(t *testing.T) {
	store := newFakeStore()
	m := New(store)

	id, _, err := m.CreateDecision(context.Background(), "task", 42, "start_task", time.Hour)
	require.NoError(t, err)

	d, err := m.GetPendingDecision(context.Background(), "task", 42, "start_task")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, id, d.DecisionID)
}
