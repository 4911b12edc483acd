// Package scheduler drives the three periodic ticks that move tasks
// through their lifecycle outside of the pipeline engine itself:
// ScheduleTick (approval + dispatch), PollTick (external job
// reconciliation) and ResumeTick (resuming paused_limit/
// queued_for_claude tasks once the premium CLI recovers).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

// resumeTickInterval has no dedicated environment override in the
// external interfaces table; it is a fixed implementation default.
const resumeTickInterval = 30 * time.Second

const startTaskAction = "start_task"

// Store is the persistence seam the scheduler needs.
type Store interface {
	ListTasksDue(ctx context.Context, now time.Time, leadWindow time.Duration) ([]*model.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	TryClaimTask(ctx context.Context, id int64, toStatus model.TaskStatus, fromStatuses ...model.TaskStatus) (bool, error)
}

// Engine runs a task's pipeline to its next stable state.
type Engine interface {
	Run(ctx context.Context, taskID int64) error
}

// HealthMonitor reports the premium-CLI executor's current state.
type HealthMonitor interface {
	GetState(ctx context.Context) (model.HealthState, error)
}

// Approver mints and inspects approval decisions.
type Approver interface {
	CreateDecision(ctx context.Context, entityType string, entityID int64, action string, ttl time.Duration) (decisionID, token string, err error)
	GetPendingDecision(ctx context.Context, entityType string, entityID int64, action string) (*model.Decision, error)
}

// Emailer delivers the out-of-band approval link.
type Emailer interface {
	Enabled() bool
	Send(ctx context.Context, to, subject, body string) error
}

// Scheduler owns the three periodic ticks and the bounded pool of
// pipeline-run goroutines they spawn.
type Scheduler struct {
	store    Store
	engine   Engine
	health   HealthMonitor
	approval Approver
	email    Emailer
	logger   core.Logger

	scheduleTick  time.Duration
	pollTick      time.Duration
	approvalLead  time.Duration
	approvalTTL   time.Duration
	publicBaseURL string
	approverEmail string

	sem chan struct{}
	wg  sync.WaitGroup
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger injects a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTicks overrides the schedule and poll tick intervals.
func WithTicks(schedule, poll time.Duration) Option {
	return func(s *Scheduler) {
		if schedule > 0 {
			s.scheduleTick = schedule
		}
		if poll > 0 {
			s.pollTick = poll
		}
	}
}

// WithApproval configures the approval lead window, token TTL, base
// URL for approval links, and the recipient address.
func WithApproval(lead, ttl time.Duration, publicBaseURL, approverEmail string) Option {
	return func(s *Scheduler) {
		s.approvalLead = lead
		s.approvalTTL = ttl
		s.publicBaseURL = publicBaseURL
		s.approverEmail = approverEmail
	}
}

// New builds a Scheduler bounded to maxConcurrent in-flight pipeline
// runs.
func New(store Store, engine Engine, health HealthMonitor, approval Approver, email Emailer, maxConcurrent int, opts ...Option) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	s := &Scheduler{
		store:        store,
		engine:       engine,
		health:       health,
		approval:     approval,
		email:        email,
		logger:       &core.NoOpLogger{},
		scheduleTick: 20 * time.Second,
		pollTick:     20 * time.Second,
		approvalLead: 300 * time.Second,
		approvalTTL:  24 * time.Hour,
		sem:          make(chan struct{}, maxConcurrent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the timer goroutines and blocks until ctx is cancelled,
// then waits for in-flight pipeline runners to finish.
func (s *Scheduler) Run(ctx context.Context) {
	var group sync.WaitGroup
	group.Add(3)

	go func() {
		defer group.Done()
		s.loop(ctx, "schedule", s.scheduleTick, s.ScheduleTick)
	}()
	go func() {
		defer group.Done()
		s.loop(ctx, "poll", s.pollTick, s.PollTick)
	}()
	go func() {
		defer group.Done()
		s.loop(ctx, "resume", resumeTickInterval, s.ResumeTick)
	}()

	group.Wait()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// spawn runs fn on its own goroutine, bounded by the concurrency
// semaphore, and logs any error it returns.
func (s *Scheduler) spawn(ctx context.Context, taskID int64, fn func(context.Context) error) {
	s.sem <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer func() { <-s.sem; s.wg.Done() }()
		if err := fn(ctx); err != nil {
			s.logger.Error("pipeline run failed", map[string]interface{}{
				"operation": "pipeline_run",
				"task_id":   taskID,
				"error":     err.Error(),
			})
		}
	}()
}

// ScheduleTick ensures outstanding approval decisions exist for due,
// approval-gated tasks, and dispatches approved tasks whose next run
// is due.
func (s *Scheduler) ScheduleTick(ctx context.Context) {
	now := time.Now()

	due, err := s.store.ListTasksDue(ctx, now, s.approvalLead)
	if err != nil {
		s.logger.Error("schedule tick: list due tasks", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, t := range due {
		if t.Status != model.TaskPending || !t.RequiresApproval {
			continue
		}
		s.ensureApprovalRequested(ctx, t)
	}

	approved, err := s.store.ListTasksByStatus(ctx, model.TaskApproved)
	if err != nil {
		s.logger.Error("schedule tick: list approved tasks", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, t := range approved {
		if t.ExternalJobID != "" {
			continue
		}
		if t.ScheduleType != model.ScheduleNone && t.NextRunAt != nil && t.NextRunAt.After(now) {
			continue
		}
		s.dispatch(ctx, t)
	}
}

func (s *Scheduler) ensureApprovalRequested(ctx context.Context, t *model.Task) {
	existing, err := s.approval.GetPendingDecision(ctx, "task", t.ID, startTaskAction)
	if err != nil {
		s.logger.Error("schedule tick: check pending decision", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
		return
	}
	if existing != nil {
		return
	}

	decisionID, token, err := s.approval.CreateDecision(ctx, "task", t.ID, startTaskAction, s.approvalTTL)
	if err != nil {
		s.logger.Error("schedule tick: create decision", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
		return
	}

	if s.email == nil || !s.email.Enabled() || s.approverEmail == "" {
		return
	}
	approveURL := fmt.Sprintf("%s/approve?decision_id=%s&token=%s", s.publicBaseURL, decisionID, token)
	rejectURL := fmt.Sprintf("%s/reject?decision_id=%s&token=%s", s.publicBaseURL, decisionID, token)
	body := fmt.Sprintf(`<p>Task #%d: <b>%s</b> requires approval to start.</p><p><a href="%s">Approve</a> &middot; <a href="%s">Reject</a></p>`,
		t.ID, t.Title, approveURL, rejectURL)
	if err := s.email.Send(ctx, s.approverEmail, fmt.Sprintf("Approval requested: %s", t.Title), body); err != nil {
		s.logger.Error("schedule tick: send approval email", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}
}

func (s *Scheduler) dispatch(ctx context.Context, t *model.Task) {
	claimed, err := s.store.TryClaimTask(ctx, t.ID, model.TaskActive, model.TaskApproved)
	if err != nil {
		s.logger.Error("schedule tick: claim task", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
		return
	}
	if !claimed {
		return
	}
	s.spawn(ctx, t.ID, func(runCtx context.Context) error {
		return s.engine.Run(runCtx, t.ID)
	})
}

// PollTick reconciles tasks that still carry an external job handle
// after a restart or a crashed runner, re-entering the pipeline engine
// so it can re-evaluate the adapter's current status.
func (s *Scheduler) PollTick(ctx context.Context) {
	active, err := s.store.ListTasksByStatus(ctx, model.TaskActive, model.TaskRunning)
	if err != nil {
		s.logger.Error("poll tick: list active tasks", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, t := range active {
		if t.ExternalJobID == "" {
			continue
		}
		if t.ExternalJobStatus == "completed" || t.ExternalJobStatus == "failed" {
			continue
		}
		s.spawn(ctx, t.ID, func(runCtx context.Context) error {
			return s.engine.Run(runCtx, t.ID)
		})
	}
}

// ResumeTick re-enters the pipeline engine for suspended tasks once
// the premium CLI has recovered to HEALTHY.
func (s *Scheduler) ResumeTick(ctx context.Context) {
	state, err := s.health.GetState(ctx)
	if err != nil {
		s.logger.Error("resume tick: get health state", map[string]interface{}{"error": err.Error()})
		return
	}
	if state != model.HealthHealthy {
		return
	}

	suspended, err := s.store.ListTasksByStatus(ctx, model.TaskPausedLimit, model.TaskQueuedForClaude)
	if err != nil {
		s.logger.Error("resume tick: list suspended tasks", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, t := range suspended {
		claimed, err := s.store.TryClaimTask(ctx, t.ID, model.TaskRunning, t.Status)
		if err != nil {
			s.logger.Error("resume tick: claim task", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
			continue
		}
		if !claimed {
			continue
		}
		s.spawn(ctx, t.ID, func(runCtx context.Context) error {
			return s.engine.Run(runCtx, t.ID)
		})
	}
}
