package routines

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/internal/model"
)

type fakeStore struct {
	routines []*model.Routine
	tasks    map[int64]*model.Task
	agents   map[int64]*model.Agent
	state    map[string]string
	logs     []*model.ActionLogEntry
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:  map[int64]*model.Task{},
		agents: map[int64]*model.Agent{},
		state:  map[string]string{},
		nextID: 100,
	}
}

func (f *fakeStore) ListEnabledRoutines(ctx context.Context) ([]*model.Routine, error) {
	return f.routines, nil
}

func (f *fakeStore) GetRoutineState(ctx context.Context, routineID int64, key string) (string, error) {
	return f.state[f.stateKey(routineID, key)], nil
}

func (f *fakeStore) SetRoutineState(ctx context.Context, routineID int64, key, value string) error {
	f.state[f.stateKey(routineID, key)] = value
	return nil
}

func (f *fakeStore) stateKey(routineID int64, key string) string {
	return fmt.Sprintf("%d:%s", routineID, key)
}

func (f *fakeStore) ListAllTasks(ctx context.Context) ([]*model.Task, error) {
	out := make([]*model.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) ListTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error) {
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

func (f *fakeStore) ListTasksByAgent(ctx context.Context, agentID int64) ([]*model.Task, error) {
	var out []*model.Task
	for _, t := range f.tasks {
		if t.AssignedAgentID != nil && *t.AssignedAgentID == agentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t *model.Task) error {
	t.UpdatedAt = time.Now()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) CreateTask(ctx context.Context, t *model.Task) (int64, error) {
	f.nextID++
	t.ID = f.nextID
	t.UpdatedAt = time.Now()
	f.tasks[t.ID] = t
	return t.ID, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id int64) error {
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	out := make([]*model.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (f *fakeStore) GetAgentByRole(ctx context.Context, role model.AgentRole) (*model.Agent, error) {
	for _, a := range f.agents {
		if a.Role == role {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) AppendActionLog(ctx context.Context, e *model.ActionLogEntry) error {
	f.logs = append(f.logs, e)
	return nil
}

type fakeEmailer struct {
	enabled bool
	sent    []string
}

func (f *fakeEmailer) Enabled() bool { return f.enabled }
func (f *fakeEmailer) Send(ctx context.Context, to, subject, body string) error {
	f.sent = append(f.sent, to)
	return nil
}

func TestTickIdleAutostart_StaleRunningReset(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{
		ID: 1, Title: "long job", Status: model.TaskActive,
		ExternalJobStatus: "running", UpdatedAt: time.Now().Add(-20 * time.Minute),
	}
	eng := New(store, nil)

	require.NoError(t, eng.tickIdleAutostart(context.Background(), &model.Routine{ID: 1}))

	got := store.tasks[1]
	assert.Equal(t, model.TaskApproved, got.Status)
	assert.Empty(t, got.ExternalJobID)
	assert.Equal(t, "stale_running_reset", got.LastError)
}

func TestTickIdleAutostart_CompletedAdvancesToDevDone(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskActive, ExternalJobStatus: "completed"}
	eng := New(store, nil)

	require.NoError(t, eng.tickIdleAutostart(context.Background(), &model.Routine{ID: 1}))

	assert.Equal(t, model.TaskDevDone, store.tasks[1].Status)
}

func TestTickIdleAutostart_RetryThenPermanentBlock(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskActive, ExternalJobStatus: "failed", RetryCount: 2}
	eng := New(store, nil)

	require.NoError(t, eng.tickIdleAutostart(context.Background(), &model.Routine{ID: 1}))
	got := store.tasks[1]
	assert.Equal(t, model.TaskApproved, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	got.Status = model.TaskActive
	got.ExternalJobStatus = "failed"
	require.NoError(t, eng.tickIdleAutostart(context.Background(), &model.Routine{ID: 1}))
	assert.Equal(t, model.TaskBlocked, store.tasks[1].Status)
	assert.Equal(t, "max_retries_exceeded", store.tasks[1].LastError)
}

func TestTickIdleAutostart_AutoApprovesNonCritical(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskPending, IsCritical: false}
	store.tasks[2] = &model.Task{ID: 2, Status: model.TaskPending, IsCritical: true}
	eng := New(store, nil)

	require.NoError(t, eng.tickIdleAutostart(context.Background(), &model.Routine{ID: 1}))
	assert.Equal(t, model.TaskApproved, store.tasks[1].Status)
	assert.Equal(t, model.TaskPending, store.tasks[2].Status)
}

func TestTickIdleAutostart_ClaimsUnassignedToIdleAgent(t *testing.T) {
	store := newFakeStore()
	store.agents[1] = &model.Agent{ID: 1, Name: "builder", IsActive: true}
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskApproved}
	eng := New(store, nil)

	require.NoError(t, eng.tickIdleAutostart(context.Background(), &model.Routine{ID: 1, ClaimUnassigned: true}))

	require.NotNil(t, store.tasks[1].AssignedAgentID)
	assert.Equal(t, int64(1), *store.tasks[1].AssignedAgentID)
}

func TestTickIdleAutostart_SkipsClaimWhenAgentBusy(t *testing.T) {
	store := newFakeStore()
	store.agents[1] = &model.Agent{ID: 1, Name: "builder", IsActive: true}
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskApproved}
	busy := int64(1)
	store.tasks[2] = &model.Task{ID: 2, Status: model.TaskRunning, AssignedAgentID: &busy}
	eng := New(store, nil)

	require.NoError(t, eng.tickIdleAutostart(context.Background(), &model.Routine{ID: 1, ClaimUnassigned: true}))

	assert.Nil(t, store.tasks[1].AssignedAgentID)
}

func TestTickIdleAutostart_OpenclawDisabledIsNoop(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskPending, IsCritical: false}
	eng := New(store, nil, WithOpenclawEnabled(false))

	require.NoError(t, eng.tickIdleAutostart(context.Background(), &model.Routine{ID: 1}))
	assert.Equal(t, model.TaskPending, store.tasks[1].Status)
}

func TestTickReviewAutocreate_CreatesOnce(t *testing.T) {
	store := newFakeStore()
	store.agents[1] = &model.Agent{ID: 1, Name: "critic", Role: model.RoleReviewing, IsActive: true}
	store.tasks[1] = &model.Task{ID: 1, Title: "ship widget", Status: model.TaskDevDone}
	eng := New(store, nil)
	ctx := context.Background()

	require.NoError(t, eng.tickReviewAutocreate(ctx, &model.Routine{ID: 1}))
	require.Len(t, store.tasks, 2)

	require.NoError(t, eng.tickReviewAutocreate(ctx, &model.Routine{ID: 1}))
	assert.Len(t, store.tasks, 2, "second tick must not duplicate the review task")
}

func TestTickReviewAutocreate_SkipsReviewOfReview(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{
		ID: 1, Title: "Review: Task #9", Status: model.TaskDevDone,
		Description: "[review_of_task_id:9]",
	}
	eng := New(store, nil)

	require.NoError(t, eng.tickReviewAutocreate(context.Background(), &model.Routine{ID: 1}))
	assert.Len(t, store.tasks, 1)
}

func TestTickReviewAutocreate_PassVerdictPromotesSourceToDoneAndDeletesHelper(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Title: "ship widget", Status: model.TaskDevDone}
	store.tasks[2] = &model.Task{
		ID: 2, Title: "Review: Task #1 — ship widget", Status: model.TaskDone,
		Description: "[review_of_task_id:1]", LastResult: "PASS\nlooks solid",
	}
	eng := New(store, nil)

	require.NoError(t, eng.tickReviewAutocreate(context.Background(), &model.Routine{ID: 1}))

	assert.Equal(t, model.TaskDone, store.tasks[1].Status)
	assert.Equal(t, "PASS\nlooks solid", store.tasks[1].ReviewSummary)
	_, stillExists := store.tasks[2]
	assert.False(t, stillExists, "the review helper task is deleted once reconciled")
}

func TestTickReviewAutocreate_FailVerdictReturnsSourceToApprovedForRetry(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Title: "ship widget", Status: model.TaskDevDone, RetryCount: 1}
	store.tasks[2] = &model.Task{
		ID: 2, Title: "Review: Task #1 — ship widget", Status: model.TaskDone,
		Description: "[review_of_task_id:1]", LastResult: `{"verdict": "fail", "reason": "missing tests"}`,
	}
	eng := New(store, nil)

	require.NoError(t, eng.tickReviewAutocreate(context.Background(), &model.Routine{ID: 1}))

	got := store.tasks[1]
	assert.Equal(t, model.TaskApproved, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.ReviewSummary, "missing tests")
	_, stillExists := store.tasks[2]
	assert.False(t, stillExists)
}

func TestTickReviewAutocreate_BlockedReviewTaskResetsSourceForRetry(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Title: "ship widget", Status: model.TaskReview}
	store.tasks[2] = &model.Task{
		ID: 2, Title: "Review: Task #1 — ship widget", Status: model.TaskBlocked,
		Description: "[review_of_task_id:1]", LastResult: "reviewer adapter unavailable",
	}
	eng := New(store, nil)

	require.NoError(t, eng.tickReviewAutocreate(context.Background(), &model.Routine{ID: 1}))

	got := store.tasks[1]
	assert.Equal(t, model.TaskApproved, got.Status)
	assert.Equal(t, "reviewer adapter unavailable", got.ReviewSummary)
	_, stillExists := store.tasks[2]
	assert.False(t, stillExists)
}

func TestTickBlockedResolution_CreatesResolutionTask(t *testing.T) {
	store := newFakeStore()
	store.agents[2] = &model.Agent{ID: 2, Name: "architect", Role: model.RoleArchitecture, IsActive: true}
	store.tasks[5] = &model.Task{ID: 5, Title: "flaky deploy", Status: model.TaskBlocked, LastError: "timeout"}
	eng := New(store, nil)

	require.NoError(t, eng.tickBlockedResolution(context.Background(), &model.Routine{ID: 1}))

	require.Len(t, store.tasks, 2)
	var resolution *model.Task
	for _, t := range store.tasks {
		if t.ID != 5 {
			resolution = t
		}
	}
	require.NotNil(t, resolution)
	assert.Contains(t, resolution.Title, "Resolve: Task #5")
	assert.Contains(t, resolution.Description, "[resolve_blocked_task_id:5]")
}

func TestTickBlockedResolution_UnblocksAndDeletesHelper(t *testing.T) {
	store := newFakeStore()
	store.agents[2] = &model.Agent{ID: 2, Name: "architect", Role: model.RoleArchitecture, IsActive: true}
	store.tasks[5] = &model.Task{ID: 5, Status: model.TaskBlocked, LastError: "timeout"}
	store.tasks[6] = &model.Task{
		ID: 6, Title: "Resolve: Task #5", Status: model.TaskDone,
		Description: "[resolve_blocked_task_id:5]", LastResult: "raise the timeout to 60s",
	}
	eng := New(store, nil)

	require.NoError(t, eng.tickBlockedResolution(context.Background(), &model.Routine{ID: 1}))

	assert.Equal(t, model.TaskApproved, store.tasks[5].Status)
	assert.Equal(t, "raise the timeout to 60s", store.tasks[5].ReviewSummary)
	_, stillExists := store.tasks[6]
	assert.False(t, stillExists)
}

func TestTickPlanningNextPhase_TriggersWhenAllDoneOrBlocked(t *testing.T) {
	store := newFakeStore()
	store.agents[2] = &model.Agent{ID: 2, Name: "architect", Role: model.RoleArchitecture, IsActive: true}
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskDone}
	store.tasks[2] = &model.Task{ID: 2, Status: model.TaskBlocked}
	eng := New(store, nil)

	require.NoError(t, eng.tickPlanningNextPhase(context.Background(), &model.Routine{ID: 1}))

	require.Len(t, store.tasks, 3)
	var plan *model.Task
	for _, t := range store.tasks {
		if t.Title == "Plan: Next Development Phase" {
			plan = t
		}
	}
	require.NotNil(t, plan)
	assert.Contains(t, plan.Description, "COMPLETED TASKS (1)")
	assert.Contains(t, plan.Description, "BLOCKED TASKS (1)")
}

func TestTickPlanningNextPhase_SkipsWhileWorkInFlight(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskActive}
	eng := New(store, nil)

	require.NoError(t, eng.tickPlanningNextPhase(context.Background(), &model.Routine{ID: 1}))
	assert.Len(t, store.tasks, 1)
}

func TestTickPlanningNextPhase_NoDuplicateWhilePlanPending(t *testing.T) {
	store := newFakeStore()
	store.tasks[1] = &model.Task{ID: 1, Status: model.TaskDone}
	store.tasks[2] = &model.Task{ID: 2, Title: "Plan: Next Development Phase", Status: model.TaskPending}
	eng := New(store, nil)

	require.NoError(t, eng.tickPlanningNextPhase(context.Background(), &model.Routine{ID: 1}))
	assert.Len(t, store.tasks, 2)
}

func TestTickStatusReportEmail_GatesOnQualifyingCount(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= 9; i++ {
		store.tasks[i] = &model.Task{ID: i, Status: model.TaskDone}
	}
	email := &fakeEmailer{enabled: true}
	eng := New(store, email, WithStatusReportRecipient("ops@example.com"))

	require.NoError(t, eng.tickStatusReportEmail(context.Background(), &model.Routine{ID: 1}))
	assert.Empty(t, email.sent, "must not send below the qualifying threshold")

	store.tasks[10] = &model.Task{ID: 10, Status: model.TaskDone}
	require.NoError(t, eng.tickStatusReportEmail(context.Background(), &model.Routine{ID: 1}))
	assert.Len(t, email.sent, 1)
}

func TestTickStatusReportEmail_RespectsMinInterval(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= 10; i++ {
		store.tasks[i] = &model.Task{ID: i, Status: model.TaskDone}
	}
	email := &fakeEmailer{enabled: true}
	eng := New(store, email, WithStatusReportRecipient("ops@example.com"))
	ctx := context.Background()

	require.NoError(t, eng.tickStatusReportEmail(ctx, &model.Routine{ID: 1}))
	require.Len(t, email.sent, 1)

	for i := int64(11); i <= 25; i++ {
		store.tasks[i] = &model.Task{ID: i, Status: model.TaskDone}
	}
	require.NoError(t, eng.tickStatusReportEmail(ctx, &model.Routine{ID: 1}))
	assert.Len(t, email.sent, 1, "a second send within the minimum interval must be suppressed")
}

func TestTickStatusReportEmail_ExcludesNonImportantReviewTasks(t *testing.T) {
	store := newFakeStore()
	for i := int64(1); i <= 9; i++ {
		store.tasks[i] = &model.Task{ID: i, Status: model.TaskDone}
	}
	store.tasks[10] = &model.Task{ID: 10, Title: "Review: Task #1", Status: model.TaskDone}
	email := &fakeEmailer{enabled: true}
	eng := New(store, email, WithStatusReportRecipient("ops@example.com"))

	require.NoError(t, eng.tickStatusReportEmail(context.Background(), &model.Routine{ID: 1}))
	assert.Empty(t, email.sent, "a review task without importance keywords should not count toward the gate")
}

func TestParsePrompt(t *testing.T) {
	tests := []struct {
		name         string
		prompt       string
		wantKind     model.RoutineKind
		wantClaim    bool
		wantAgentSet bool
		wantAgentID  int64
	}{
		{
			name:     "idle autostart default",
			prompt:   "keep agents busy",
			wantKind: model.RoutineIdleAutostart,
		},
		{
			name:      "claim unassigned",
			prompt:    "claim any unassigned tasks for idle agents",
			wantKind:  model.RoutineIdleAutostart,
			wantClaim: true,
		},
		{
			name:     "review autocreate",
			prompt:   "create a review task whenever something reaches dev done",
			wantKind: model.RoutineReviewAutocreate,
		},
		{
			name:     "blocked resolution",
			prompt:   "resolve blocked tasks automatically",
			wantKind: model.RoutineBlockedResolution,
		},
		{
			name:     "planning next phase",
			prompt:   "plan the next development phase once everything is done",
			wantKind: model.RoutinePlanningNextPhase,
		},
		{
			name:     "status report email",
			prompt:   "send a status report email every so often",
			wantKind: model.RoutineStatusReportEmail,
		},
		{
			name:         "scoped to a specific agent",
			prompt:       "only claim unassigned tasks for agent #3",
			wantKind:     model.RoutineIdleAutostart,
			wantClaim:    true,
			wantAgentSet: true,
			wantAgentID:  3,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := ParsePrompt(tc.prompt)
			assert.Equal(t, tc.wantKind, cfg.Kind)
			assert.Equal(t, tc.wantClaim, cfg.ClaimUnassigned)
			if tc.wantAgentSet {
				require.NotNil(t, cfg.AgentID)
				assert.Equal(t, tc.wantAgentID, *cfg.AgentID)
			} else {
				assert.Nil(t, cfg.AgentID)
			}
		})
	}
}

func TestBuildPlanningPrompt_EmptyInputs(t *testing.T) {
	prompt := BuildPlanningPrompt(nil, nil)
	assert.Contains(t, prompt, "COMPLETED TASKS (0):")
	assert.Contains(t, prompt, "(none)")
}
