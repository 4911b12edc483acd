package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/internal/model"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[int64]*model.Task
	due   []*model.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[int64]*model.Task{}}
}

func (f *fakeStore) ListTasksDue(ctx context.Context, now time.Time, leadWindow time.Duration) ([]*model.Task, error) {
	return f.due, nil
}

func (f *fakeStore) ListTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Task
	for _, t := range f.tasks {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id], nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t *model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) TryClaimTask(ctx context.Context, id int64, toStatus model.TaskStatus, fromStatuses ...model.TaskStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return false, nil
	}
	for _, from := range fromStatuses {
		if t.Status == from {
			t.Status = toStatus
			return true, nil
		}
	}
	return false, nil
}

type fakeEngine struct {
	mu      sync.Mutex
	runs    []int64
	failIDs map[int64]bool
}

func (f *fakeEngine) Run(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, taskID)
	if f.failIDs != nil && f.failIDs[taskID] {
		return errors.New("boom")
	}
	return nil
}

type fakeHealth struct {
	state model.HealthState
	err   error
}

func (f *fakeHealth) GetState(ctx context.Context) (model.HealthState, error) {
	return f.state, f.err
}

type fakeApprover struct {
	pending  map[int64]*model.Decision
	decision string
}

func (f *fakeApprover) CreateDecision(ctx context.Context, entityType string, entityID int64, action string, ttl time.Duration) (string, string, error) {
	return "dec-1", "tok-1", nil
}

func (f *fakeApprover) GetPendingDecision(ctx context.Context, entityType string, entityID int64, action string) (*model.Decision, error) {
	if f.pending == nil {
		return nil, nil
	}
	return f.pending[entityID], nil
}

type fakeEmailer struct {
	enabled bool
	sent    int
}

func (f *fakeEmailer) Enabled() bool { return f.enabled }
func (f *fakeEmailer) Send(ctx context.Context, to, subject, body string) error {
	f.sent++
	return nil
}

func waitForRuns(t *testing.T, engine *fakeEngine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		engine.mu.Lock()
		got := len(engine.runs)
		engine.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d engine runs", n)
}

func TestScheduleTick_DispatchesApprovedDueTasks(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskApproved}
	engine := &fakeEngine{}
	s := New(store, engine, &fakeHealth{}, &fakeApprover{}, &fakeEmailer{}, 4)

	s.ScheduleTick(context.Background())
	waitForRuns(t, engine, 1)

	assert.Equal(t, model.TaskActive, store.tasks[1].Status)
}

func TestScheduleTick_SkipsAlreadyDispatchedTask(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskApproved, ExternalJobID: "job-1"}
	engine := &fakeEngine{}
	s := New(store, engine, &fakeHealth{}, &fakeApprover{}, &fakeEmailer{}, 4)

	s.ScheduleTick(context.Background())
	time.Sleep(50 * time.Millisecond)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Empty(t, engine.runs)
}

func TestScheduleTick_RequestsApprovalForDueApprovalGatedTask(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskPending, RequiresApproval: true}
	store.due = []*model.Task{store.tasks[1]}
	email := &fakeEmailer{enabled: true}
	approver := &fakeApprover{}
	s := New(store, &fakeEngine{}, &fakeHealth{}, approver, email, 4,
		WithApproval(5*time.Minute, time.Hour, "https://forge.example.com", "approver@example.com"))

	s.ScheduleTick(context.Background())

	assert.Equal(t, 1, email.sent)
}

func TestScheduleTick_DoesNotDuplicatePendingApproval(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskPending, RequiresApproval: true}
	store.due = []*model.Task{store.tasks[1]}
	email := &fakeEmailer{enabled: true}
	approver := &fakeApprover{pending: map[int64]*model.Decision{1: {DecisionID: "existing"}}}
	s := New(store, &fakeEngine{}, &fakeHealth{}, approver, email, 4,
		WithApproval(5*time.Minute, time.Hour, "https://forge.example.com", "approver@example.com"))

	s.ScheduleTick(context.Background())

	assert.Zero(t, email.sent)
}

func TestPollTick_ReentersEngineForUnsettledExternalJobs(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskActive, ExternalJobID: "job-1", ExternalJobStatus: "running"}
	store.tasks[2] = &model.Task{ID: 2, Status: model.TaskActive, ExternalJobID: "job-2", ExternalJobStatus: "completed"}
	engine := &fakeEngine{}
	s := New(store, engine, &fakeHealth{}, &fakeApprover{}, &fakeEmailer{}, 4)

	s.PollTick(context.Background())
	waitForRuns(t, engine, 1)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, []int64{1}, engine.runs)
}

func TestResumeTick_OnlyResumesWhenHealthy(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskPausedLimit}
	engine := &fakeEngine{}
	s := New(store, engine, &fakeHealth{state: model.HealthDegraded}, &fakeApprover{}, &fakeEmailer{}, 4)

	s.ResumeTick(context.Background())
	time.Sleep(50 * time.Millisecond)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Empty(t, engine.runs)
}

func TestResumeTick_ResumesSuspendedTaskWhenHealthy(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskQueuedForClaude}
	engine := &fakeEngine{}
	s := New(store, engine, &fakeHealth{state: model.HealthHealthy}, &fakeApprover{}, &fakeEmailer{}, 4)

	s.ResumeTick(context.Background())
	waitForRuns(t, engine, 1)

	require.Equal(t, model.TaskRunning, store.tasks[1].Status)
}

func TestRun_StopsOnContextCancelAndWaitsForInFlightRunners(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskApproved}
	engine := &fakeEngine{}
	s := New(store, engine, &fakeHealth{}, &fakeApprover{}, &fakeEmailer{}, 4,
		WithTicks(10*time.Millisecond, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitForRuns(t, engine, 1)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
