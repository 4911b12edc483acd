package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, &model.Task{
		Title:        "Implement login form",
		Status:       model.TaskPending,
		ScheduleType: model.ScheduleNone,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Implement login form", got.Title)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTask_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTask(context.Background(), 999)
	assert.Error(t, err)
}

func TestUpdateTask_PersistsChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, &model.Task{Title: "t", Status: model.TaskPending})
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	task.Status = model.TaskActive
	task.RetryCount = 2
	require.NoError(t, s.UpdateTask(ctx, task))

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskActive, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestListTasksByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &model.Task{Title: "a", Status: model.TaskActive})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, &model.Task{Title: "b", Status: model.TaskDone})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, &model.Task{Title: "c", Status: model.TaskBlocked})
	require.NoError(t, err)

	active, err := s.ListTasksByStatus(ctx, model.TaskActive, model.TaskBlocked)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestListAllTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &model.Task{Title: "a", Status: model.TaskPending})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, &model.Task{Title: "b", Status: model.TaskDone})
	require.NoError(t, err)

	all, err := s.ListAllTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListTasksByAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agentID, err := s.CreateAgent(ctx, &model.Agent{Name: "worker-1", Role: model.RoleProgramming, IsActive: true})
	require.NoError(t, err)

	taskID, err := s.CreateTask(ctx, &model.Task{Title: "a", Status: model.TaskActive})
	require.NoError(t, err)
	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	task.AssignedAgentID = &agentID
	require.NoError(t, s.UpdateTask(ctx, task))

	_, err = s.CreateTask(ctx, &model.Task{Title: "unassigned", Status: model.TaskPending})
	require.NoError(t, err)

	assigned, err := s.ListTasksByAgent(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, "a", assigned[0].Title)
}

func TestListTasksDue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	soon := time.Now().Add(time.Minute)
	far := time.Now().Add(24 * time.Hour)

	dueID, err := s.CreateTask(ctx, &model.Task{Title: "due-soon", Status: model.TaskActive, ScheduleType: model.ScheduleInterval})
	require.NoError(t, err)
	task, err := s.GetTask(ctx, dueID)
	require.NoError(t, err)
	task.NextRunAt = &soon
	require.NoError(t, s.UpdateTask(ctx, task))

	farID, err := s.CreateTask(ctx, &model.Task{Title: "due-later", Status: model.TaskActive, ScheduleType: model.ScheduleInterval})
	require.NoError(t, err)
	task2, err := s.GetTask(ctx, farID)
	require.NoError(t, err)
	task2.NextRunAt = &far
	require.NoError(t, s.UpdateTask(ctx, task2))

	due, err := s.ListTasksDue(ctx, time.Now(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due-soon", due[0].Title)
}

func TestTryClaimTask_SucceedsOnlyFromExpectedStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, &model.Task{Title: "claim-me", Status: model.TaskPending})
	require.NoError(t, err)

	claimed, err := s.TryClaimTask(ctx, id, model.TaskActive, model.TaskPending, model.TaskApproved)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskActive, got.Status)

	claimedAgain, err := s.TryClaimTask(ctx, id, model.TaskActive, model.TaskPending, model.TaskApproved)
	require.NoError(t, err)
	assert.False(t, claimedAgain, "a task already moved out of the source statuses must not be claimable twice")
}

func TestDeleteTask_RemovesTaskAndDependentRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, &model.Task{Title: "to-delete", Status: model.TaskPending})
	require.NoError(t, err)

	_, err = s.AppendExecutorLog(ctx, &model.ExecutorLogEntry{TaskID: id, BlockKind: "executor", StartedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask(ctx, id))

	_, err = s.GetTask(ctx, id)
	assert.Error(t, err)

	logs, err := s.ListExecutorLogByTask(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCreateAndGetAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAgent(ctx, &model.Agent{Name: "reviewer-1", Role: model.RoleReviewing, DefaultModel: "gpt", IsActive: true})
	require.NoError(t, err)

	got, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", got.Name)
	assert.Equal(t, model.RoleReviewing, got.Role)
}

func TestGetAgentByRole(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateAgent(ctx, &model.Agent{Name: "architect-1", Role: model.RoleArchitecture, IsActive: true})
	require.NoError(t, err)

	got, err := s.GetAgentByRole(ctx, model.RoleArchitecture)
	require.NoError(t, err)
	assert.Equal(t, "architect-1", got.Name)

	_, err = s.GetAgentByRole(ctx, model.RoleReporting)
	assert.Error(t, err)
}

func TestListAgentsAndCountAgents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.CountAgents(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.CreateAgent(ctx, &model.Agent{Name: "a", Role: model.RoleProgramming, IsActive: true})
	require.NoError(t, err)
	_, err = s.CreateAgent(ctx, &model.Agent{Name: "b", Role: model.RoleReviewing, IsActive: true})
	require.NoError(t, err)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	n, err = s.CountAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCreateAndGetPipeline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreatePipeline(ctx, &model.Pipeline{
		Name: "Programming Pipeline", TaskType: "programming", BlocksJSON: "[]", IsActive: true,
	})
	require.NoError(t, err)

	got, err := s.GetPipeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "programming", got.TaskType)
}

func TestGetPipelineByTaskTypeAndDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePipeline(ctx, &model.Pipeline{Name: "default", TaskType: "default", BlocksJSON: "[]", IsActive: true})
	require.NoError(t, err)
	_, err = s.CreatePipeline(ctx, &model.Pipeline{Name: "Architecture", TaskType: "architecture", BlocksJSON: "[]", IsActive: true})
	require.NoError(t, err)

	byType, err := s.GetPipelineByTaskType(ctx, "architecture")
	require.NoError(t, err)
	assert.Equal(t, "Architecture", byType.Name)

	def, err := s.GetDefaultPipeline(ctx)
	require.NoError(t, err)
	assert.Equal(t, "default", def.TaskType)

	_, err = s.GetPipelineByTaskType(ctx, "nonexistent")
	assert.Error(t, err)
}

func TestCountPipelines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.CountPipelines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.CreatePipeline(ctx, &model.Pipeline{Name: "p", TaskType: "t", BlocksJSON: "[]", IsActive: true})
	require.NoError(t, err)

	n, err = s.CountPipelines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateRoutineAndListEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRoutine(ctx, &model.Routine{Name: "Idle Autostart", Kind: model.RoutineIdleAutostart, IsEnabled: true, ClaimUnassigned: true})
	require.NoError(t, err)
	_, err = s.CreateRoutine(ctx, &model.Routine{Name: "Disabled Routine", Kind: model.RoutineReviewAutocreate, IsEnabled: false})
	require.NoError(t, err)

	enabled, err := s.ListEnabledRoutines(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "Idle Autostart", enabled[0].Name)
	assert.True(t, enabled[0].ClaimUnassigned)
}

func TestGetRoutineByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRoutine(ctx, &model.Routine{Name: "Status Report", Kind: model.RoutineStatusReportEmail, IsEnabled: true})
	require.NoError(t, err)

	got, err := s.GetRoutineByKind(ctx, model.RoutineStatusReportEmail)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Status Report", got.Name)

	missing, err := s.GetRoutineByKind(ctx, model.RoutinePlanningNextPhase)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCountRoutines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.CountRoutines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.CreateRoutine(ctx, &model.Routine{Name: "r", Kind: model.RoutineIdleAutostart, IsEnabled: true})
	require.NoError(t, err)

	n, err = s.CountRoutines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRoutineState_GetUnsetReturnsEmptyThenSetUpdatesViaUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRoutine(ctx, &model.Routine{Name: "r", Kind: model.RoutineIdleAutostart, IsEnabled: true})
	require.NoError(t, err)

	v, err := s.GetRoutineState(ctx, id, "last_run")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.SetRoutineState(ctx, id, "last_run", "2026-07-01"))
	v, err = s.GetRoutineState(ctx, id, "last_run")
	require.NoError(t, err)
	assert.Equal(t, "2026-07-01", v)

	require.NoError(t, s.SetRoutineState(ctx, id, "last_run", "2026-07-02"))
	v, err = s.GetRoutineState(ctx, id, "last_run")
	require.NoError(t, err)
	assert.Equal(t, "2026-07-02", v)
}

func TestDecision_CreateVerifySettleLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, &model.Task{Title: "needs approval", Status: model.TaskBlocked})
	require.NoError(t, err)

	dec := &model.Decision{
		DecisionID:  "dec-1",
		EntityType:  "task",
		EntityID:    taskID,
		Action:      "escalate",
		TokenHash:   "hash",
		TokenSalt:   "salt",
		ExpiresAt:   time.Now().Add(time.Hour),
		RequestedAt: time.Now(),
	}
	require.NoError(t, s.CreateDecision(ctx, dec))

	got, err := s.GetDecision(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionPending, got.Status)

	pending, err := s.GetPendingDecision(ctx, "task", taskID, "escalate")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "dec-1", pending.DecisionID)

	require.NoError(t, s.SettleDecision(ctx, "dec-1", model.DecisionApproved, "looks good", time.Now()))

	settled, err := s.GetDecision(ctx, "dec-1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApproved, settled.Status)
	require.NotNil(t, settled.DecidedAt)

	err = s.SettleDecision(ctx, "dec-1", model.DecisionRejected, "too late", time.Now())
	assert.Error(t, err, "settling an already-settled decision must fail")
}

func TestCreateDecision_SupersedesPriorPendingDecisionForSameEntityAction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, &model.Task{Title: "t", Status: model.TaskBlocked})
	require.NoError(t, err)

	first := &model.Decision{
		DecisionID: "dec-a", EntityType: "task", EntityID: taskID, Action: "escalate",
		TokenHash: "h1", TokenSalt: "s1", ExpiresAt: time.Now().Add(time.Hour), RequestedAt: time.Now(),
	}
	require.NoError(t, s.CreateDecision(ctx, first))

	second := &model.Decision{
		DecisionID: "dec-b", EntityType: "task", EntityID: taskID, Action: "escalate",
		TokenHash: "h2", TokenSalt: "s2", ExpiresAt: time.Now().Add(time.Hour), RequestedAt: time.Now(),
	}
	require.NoError(t, s.CreateDecision(ctx, second))

	supersededFirst, err := s.GetDecision(ctx, "dec-a")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSuperseded, supersededFirst.Status)

	pending, err := s.GetPendingDecision(ctx, "task", taskID, "escalate")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "dec-b", pending.DecisionID)
}

func TestExpirePendingDecisions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, &model.Task{Title: "t", Status: model.TaskBlocked})
	require.NoError(t, err)

	dec := &model.Decision{
		DecisionID: "dec-expired", EntityType: "task", EntityID: taskID, Action: "escalate",
		TokenHash: "h", TokenSalt: "s", ExpiresAt: time.Now().Add(-time.Minute), RequestedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.CreateDecision(ctx, dec))

	n, err := s.ExpirePendingDecisions(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetDecision(ctx, "dec-expired")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionExpired, got.Status)
}

func TestHealth_GetLazilyCreatesSingletonRowThenSaveRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row, err := s.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, row.State)

	row.State = model.HealthDegraded
	row.ConsecutiveFailures = 3
	row.LastFailureType = string(model.FailureRateLimit)
	now := time.Now()
	row.LastFailure = &now
	require.NoError(t, s.SaveHealth(ctx, row))

	got, err := s.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, got.State)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	require.NotNil(t, got.LastFailure)
}

func TestJobs_EnqueueReportsRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueJob(ctx, "job-1", "summarize this", "gpt"))

	status, _, err := s.GetJobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "running", status)
}

func TestAppendActionLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.AppendActionLog(ctx, &model.ActionLogEntry{
		Actor: "scheduler", Action: "claim", EntityType: "task", EntityID: 1, Layer: "orchestration",
	})
	assert.NoError(t, err)
}

func TestExecutorLog_AppendAndListByTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, err := s.CreateTask(ctx, &model.Task{Title: "t", Status: model.TaskActive})
	require.NoError(t, err)

	_, err = s.AppendExecutorLog(ctx, &model.ExecutorLogEntry{
		TaskID: taskID, BlockKind: "executor", Executor: "remote-llm", Success: true,
		StartedAt: time.Now(), Duration: 2 * time.Second,
	})
	require.NoError(t, err)

	_, err = s.AppendExecutorLog(ctx, &model.ExecutorLogEntry{
		TaskID: taskID, BlockKind: "review", Executor: "remote-llm", Success: true, Verdict: "pass",
		StartedAt: time.Now(), Duration: time.Second,
	})
	require.NoError(t, err)

	entries, err := s.ListExecutorLogByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	last, err := s.LastReviewEntry(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "pass", last.Verdict)
}
