// Package model defines the persisted entities driven through the
// task pipeline: tasks, agents, pipelines, decisions, health state,
// routines and their supporting append-only logs.
package model

import "time"

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskApproved         TaskStatus = "approved"
	TaskRejected         TaskStatus = "rejected"
	TaskActive           TaskStatus = "active"
	TaskRunning          TaskStatus = "running"
	TaskBlocked          TaskStatus = "blocked"
	TaskPausedLimit      TaskStatus = "paused_limit"
	TaskQueuedForClaude  TaskStatus = "queued_for_claude"
	TaskDevDone          TaskStatus = "dev_done"
	TaskReview           TaskStatus = "review"
	TaskDone             TaskStatus = "done"
)

// ScheduleType describes how a recurring task is re-dispatched.
type ScheduleType string

const (
	ScheduleNone     ScheduleType = "none"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// Task is a unit of work driven through a Pipeline by the scheduler.
type Task struct {
	ID                 int64
	Title              string
	Description        string
	Status             TaskStatus
	AssignedAgentID     *int64
	ScheduleType        ScheduleType
	CronExpr            string
	IntervalMinutes     int
	IsRecurring         bool
	NextRunAt           *time.Time
	LastRunAt           *time.Time
	LastResult          string
	LastError           string
	ReviewSummary       string
	RetryCount          int
	ExternalJobID       string
	ExternalJobStatus   string
	ResumeBlockIndex    int
	ResumePipelineRef   string
	IsCritical          bool
	RequiresApproval    bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsHelperTask reports whether the task was created by a routine to
// act on another task, identified by its title prefix.
func (t *Task) IsHelperTask() bool {
	for _, prefix := range []string{"Review:", "Resolve:", "Plan:"} {
		if len(t.Title) >= len(prefix) && t.Title[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the task has reached a state that no
// routine or scheduler tick will advance further on its own.
func (t *Task) IsTerminal() bool {
	if t.Status == TaskDone {
		return true
	}
	return t.Status == TaskBlocked && !t.IsRecurring
}

// AgentRole is the agent's functional role, used for pipeline
// selection fallback and prompt templating.
type AgentRole string

const (
	RoleProgramming  AgentRole = "programming"
	RoleArchitecture AgentRole = "architecture"
	RoleReviewing    AgentRole = "reviewing"
	RoleReporting    AgentRole = "reporting"
	RoleGeneral      AgentRole = "general"
)

// Agent is a named executor identity with a role, a default model and
// an on-disk directory of markdown prompt materials.
type Agent struct {
	ID            int64
	Name          string
	Role          AgentRole
	DefaultModel  string
	PipelineID    *int64
	IsActive      bool
}

// Pipeline is an ordered sequence of blocks persisted as JSON.
type Pipeline struct {
	ID          int64
	Name        string
	Description string
	TaskType    string
	BlocksJSON  string
	IsActive    bool
}

// ExecutorLogEntry is an append-only record of one pipeline block's
// execution against one task.
type ExecutorLogEntry struct {
	ID             int64
	TaskID         int64
	PipelineID     int64
	BlockIndex     int
	BlockKind      string
	Model          string
	Executor       string
	StartedAt      time.Time
	Duration       time.Duration
	Success        bool
	Verdict        string
	ReviewNotes    string
	OutputPreview  string
	FailureType    string
	Error          string
}

// DecisionStatus is the lifecycle state of a single-use approval token.
type DecisionStatus string

const (
	DecisionPending    DecisionStatus = "pending"
	DecisionApproved   DecisionStatus = "approved"
	DecisionRejected   DecisionStatus = "rejected"
	DecisionExpired    DecisionStatus = "expired"
	DecisionSuperseded DecisionStatus = "superseded"
)

// Decision gates a sensitive transition behind a single-use,
// out-of-band-delivered capability token. The token itself is never
// persisted, only its salted hash.
type Decision struct {
	DecisionID   string
	EntityType   string
	EntityID     int64
	Action       string
	Status       DecisionStatus
	TokenHash    string
	TokenSalt    string
	ExpiresAt    time.Time
	RequestedAt  time.Time
	DecidedAt    *time.Time
	ResultMarkdown string
}

// HealthState classifies the operability of the premium-CLI executor.
type HealthState string

const (
	HealthHealthy        HealthState = "HEALTHY"
	HealthDegraded        HealthState = "DEGRADED"
	HealthAuthFailed      HealthState = "AUTH_FAILED"
	HealthDailyLimitHit    HealthState = "DAILY_LIMIT_HIT"
	HealthUnavailable      HealthState = "UNAVAILABLE"
)

// HealthRow is the singleton durable record of the premium-CLI state
// machine, surviving process restarts.
type HealthRow struct {
	State               HealthState
	LastSuccess         *time.Time
	LastFailure         *time.Time
	LastFailureType     string
	ConsecutiveFailures int
	DailyInvocations    int
	DailyResetAt        time.Time
}

// RoutineKind is the behavior a Routine dispatches on each tick.
type RoutineKind string

const (
	RoutineIdleAutostart     RoutineKind = "idle_autostart"
	RoutineReviewAutocreate  RoutineKind = "review_autocreate"
	RoutineStatusReportEmail RoutineKind = "status_report_email"
	RoutineBlockedResolution RoutineKind = "blocked_resolution"
	RoutinePlanningNextPhase RoutineKind = "planning_next_phase"
)

// Routine is one configured background self-healing/auto-advancement
// loop.
type Routine struct {
	ID               int64
	Name             string
	Kind             RoutineKind
	IsEnabled        bool
	AgentID          *int64
	ClaimUnassigned  bool
	Description      string
}

// ActionLogEntry is an append-only audit trail row.
type ActionLogEntry struct {
	ID         int64
	Ts         time.Time
	Actor      string
	Action     string
	EntityType string
	EntityID   int64
	Detail     string
	Layer      string
	Model      string
}

// FailureType classifies why an executor adapter call did not
// succeed.
type FailureType string

const (
	FailureNone       FailureType = ""
	FailureAuth       FailureType = "FAIL_AUTH"
	FailureRateLimit  FailureType = "FAIL_RATE_LIMIT"
	FailureDailyLimit FailureType = "FAIL_DAILY_LIMIT"
	FailureTimeout    FailureType = "FAIL_TIMEOUT"
	FailureError      FailureType = "FAIL_ERROR"
)
