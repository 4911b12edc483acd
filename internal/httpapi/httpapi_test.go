package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type fakeStore struct {
	tasks map[int64]*model.Task
}

func newFakeStore(tasks ...*model.Task) *fakeStore {
	s := &fakeStore{tasks: map[int64]*model.Task{}}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (f *fakeStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, core.NewFrameworkErrorWithID("GetTask", "task", fmt.Sprint(id), core.ErrTaskNotFound)
	}
	return t, nil
}

func (f *fakeStore) TryClaimTask(ctx context.Context, id int64, toStatus model.TaskStatus, fromStatuses ...model.TaskStatus) (bool, error) {
	t, ok := f.tasks[id]
	if !ok {
		return false, core.NewFrameworkErrorWithID("TryClaimTask", "task", fmt.Sprint(id), core.ErrTaskNotFound)
	}
	for _, from := range fromStatuses {
		if t.Status == from {
			t.Status = toStatus
			return true, nil
		}
	}
	return false, nil
}

type fakeApprover struct {
	decisions map[string]*model.Decision
	applyErr  error
}

func newFakeApprover() *fakeApprover {
	return &fakeApprover{decisions: map[string]*model.Decision{}}
}

func (f *fakeApprover) addPending(decisionID, token string, entityID int64, expired bool) {
	expires := time.Now().Add(time.Hour)
	if expired {
		expires = time.Now().Add(-time.Hour)
	}
	f.decisions[decisionID] = &model.Decision{
		DecisionID: decisionID,
		EntityType: "task",
		EntityID:   entityID,
		Status:     model.DecisionPending,
		ExpiresAt:  expires,
	}
	f.decisions[decisionID+":token"] = &model.Decision{DecisionID: token}
}

func (f *fakeApprover) VerifyDecisionToken(ctx context.Context, decisionID, token string) (*model.Decision, error) {
	d, ok := f.decisions[decisionID]
	if !ok {
		return nil, core.NewFrameworkErrorWithID("VerifyDecisionToken", "decision", decisionID, core.ErrDecisionNotFound)
	}
	if d.Status != model.DecisionPending {
		return nil, core.NewFrameworkErrorWithID("VerifyDecisionToken", "decision", decisionID, core.ErrDecisionSettled)
	}
	if time.Now().After(d.ExpiresAt) {
		return nil, core.NewFrameworkErrorWithID("VerifyDecisionToken", "decision", decisionID, core.ErrDecisionExpired)
	}
	want, ok := f.decisions[decisionID+":token"]
	if !ok || want.DecisionID != token {
		return nil, core.NewFrameworkErrorWithID("VerifyDecisionToken", "decision", decisionID, core.ErrTokenMismatch)
	}
	return d, nil
}

func (f *fakeApprover) ApplyDecision(ctx context.Context, decisionID string, approve bool, resultMarkdown string) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	d, ok := f.decisions[decisionID]
	if !ok {
		return core.NewFrameworkErrorWithID("ApplyDecision", "decision", decisionID, core.ErrDecisionNotFound)
	}
	if approve {
		d.Status = model.DecisionApproved
	} else {
		d.Status = model.DecisionRejected
	}
	return nil
}

func TestApprove_ValidTokenAdvancesTaskAndRendersOK(t *testing.T) {
	store := newFakeStore(&model.Task{ID: 42, Status: model.TaskPending})
	approver := newFakeApprover()
	approver.addPending("dec-1", "tok-1", 42, false)
	h := New(store, approver)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/approve?decision_id=dec-1&token=tok-1", nil)
	h.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "approved")
	assert.Equal(t, model.TaskApproved, store.tasks[42].Status)
}

func TestReject_ValidTokenMovesTaskToRejected(t *testing.T) {
	store := newFakeStore(&model.Task{ID: 7, Status: model.TaskPending})
	approver := newFakeApprover()
	approver.addPending("dec-2", "tok-2", 7, false)
	h := New(store, approver)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/reject?decision_id=dec-2&token=tok-2", nil)
	h.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.TaskRejected, store.tasks[7].Status)
}

func TestApprove_WrongTokenRendersForbidden(t *testing.T) {
	store := newFakeStore(&model.Task{ID: 1, Status: model.TaskPending})
	approver := newFakeApprover()
	approver.addPending("dec-3", "tok-3", 1, false)
	h := New(store, approver)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/approve?decision_id=dec-3&token=wrong", nil)
	h.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, model.TaskPending, store.tasks[1].Status)
}

func TestApprove_ExpiredDecisionRendersForbidden(t *testing.T) {
	store := newFakeStore(&model.Task{ID: 2, Status: model.TaskPending})
	approver := newFakeApprover()
	approver.addPending("dec-4", "tok-4", 2, true)
	h := New(store, approver)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/approve?decision_id=dec-4&token=tok-4", nil)
	h.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestApprove_MissingParamsRendersBadRequest(t *testing.T) {
	h := New(newFakeStore(), newFakeApprover())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/approve", nil)
	h.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApprove_TaskAlreadyMovedDoesNotErrorResponse(t *testing.T) {
	store := newFakeStore(&model.Task{ID: 9, Status: model.TaskActive})
	approver := newFakeApprover()
	approver.addPending("dec-5", "tok-5", 9, false)
	h := New(store, approver)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/approve?decision_id=dec-5&token=tok-5", nil)
	h.Mux().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.TaskActive, store.tasks[9].Status)
}
