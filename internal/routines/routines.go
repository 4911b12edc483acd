// Package routines implements the background self-healing and
// auto-advancement loops layered on top of the scheduler: stale-job
// reset, retry bookkeeping, auto-approval, review-task creation,
// blocked-task resolution via the architect agent, next-phase
// planning, and a periodic status-report email.
package routines

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
	"github.com/lothar100/forge/internal/pipeline"
)

const (
	staleRunningThreshold = 10 * time.Minute
	maxRetries            = 3

	reviewMarkerPrefix  = "[review_of_task_id:"
	resolveMarkerPrefix = "[resolve_blocked_task_id:"

	statusReportMinQualifying = 10
	statusReportMinInterval   = 30 * time.Minute
)

var resolveMarkerPattern = regexp.MustCompile(`\[resolve_blocked_task_id:(\d+)\]`)
var reviewMarkerPattern = regexp.MustCompile(`\[review_of_task_id:(\d+)\]`)

var importantKeywords = []string{"critical", "important", "blocker", "security", "vulnerability", "risk", "exploit"}

// Store is the persistence seam the routines engine needs.
type Store interface {
	ListEnabledRoutines(ctx context.Context) ([]*model.Routine, error)
	GetRoutineState(ctx context.Context, routineID int64, key string) (string, error)
	SetRoutineState(ctx context.Context, routineID int64, key, value string) error

	ListAllTasks(ctx context.Context) ([]*model.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error)
	ListTasksByAgent(ctx context.Context, agentID int64) ([]*model.Task, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	CreateTask(ctx context.Context, t *model.Task) (int64, error)
	DeleteTask(ctx context.Context, id int64) error

	ListAgents(ctx context.Context) ([]*model.Agent, error)
	GetAgent(ctx context.Context, id int64) (*model.Agent, error)
	GetAgentByRole(ctx context.Context, role model.AgentRole) (*model.Agent, error)

	AppendActionLog(ctx context.Context, e *model.ActionLogEntry) error
}

// Emailer delivers the status-report email.
type Emailer interface {
	Enabled() bool
	Send(ctx context.Context, to, subject, body string) error
}

// Engine dispatches every enabled Routine by kind on each tick.
type Engine struct {
	store           Store
	email           Emailer
	logger          core.Logger
	statusReportTo  string
	openclawEnabled bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger injects a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithStatusReportRecipient sets the status-report email recipient;
// with no recipient set, no status report is sent.
func WithStatusReportRecipient(to string) Option {
	return func(e *Engine) { e.statusReportTo = to }
}

// WithOpenclawEnabled gates whether idle_autostart will claim/assign
// work at all (the master kill-switch from OPENCLAW_ENABLED).
func WithOpenclawEnabled(enabled bool) Option {
	return func(e *Engine) { e.openclawEnabled = enabled }
}

// New builds an Engine.
func New(store Store, email Emailer, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		email:           email,
		logger:          &core.NoOpLogger{},
		openclawEnabled: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tick dispatches every enabled routine by kind.
func (e *Engine) Tick(ctx context.Context) {
	routines, err := e.store.ListEnabledRoutines(ctx)
	if err != nil {
		e.logger.Error("routines tick: list enabled routines", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, r := range routines {
		var err error
		switch r.Kind {
		case model.RoutineReviewAutocreate:
			err = e.tickReviewAutocreate(ctx, r)
		case model.RoutineBlockedResolution:
			err = e.tickBlockedResolution(ctx, r)
		case model.RoutinePlanningNextPhase:
			err = e.tickPlanningNextPhase(ctx, r)
		case model.RoutineStatusReportEmail:
			err = e.tickStatusReportEmail(ctx, r)
		default:
			err = e.tickIdleAutostart(ctx, r)
		}
		if err != nil {
			e.logger.Error("routines tick: routine failed", map[string]interface{}{
				"routine_id": r.ID, "kind": string(r.Kind), "error": err.Error(),
			})
		}
	}
}

// tickIdleAutostart runs the idle-autostart sweep: stale-job reset,
// completed-job advancement, retry bookkeeping, stale-field cleanup,
// non-critical auto-approval, and unassigned-task claiming. Dispatch
// of claimed/approved tasks to idle agents is left to the scheduler's
// ScheduleTick, which already performs a generic approved→active
// dispatch across every agent.
func (e *Engine) tickIdleAutostart(ctx context.Context, r *model.Routine) error {
	if !e.openclawEnabled {
		return nil
	}

	all, err := e.store.ListAllTasks(ctx)
	if err != nil {
		return err
	}
	now := time.Now()

	for _, t := range all {
		if (t.Status == model.TaskActive || t.Status == model.TaskRunning) &&
			t.ExternalJobStatus == "running" && t.UpdatedAt.Before(now.Add(-staleRunningThreshold)) {
			t.Status = model.TaskApproved
			t.ExternalJobID = ""
			t.ExternalJobStatus = ""
			t.LastError = "stale_running_reset"
			if err := e.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			e.log(ctx, "stale_job_reset", "task", t.ID, fmt.Sprintf("task %q was running >10min, reset to approved", t.Title))
		}
	}

	for _, t := range all {
		if t.Status == model.TaskActive && t.ExternalJobStatus == "completed" {
			t.Status = model.TaskDevDone
			if err := e.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			e.log(ctx, "workflow_advance", "task", t.ID, "active->dev_done (job completed)")
		}
	}

	for _, t := range all {
		failed := t.Status == model.TaskActive && t.ExternalJobStatus == "failed"
		if (failed || t.Status == model.TaskBlocked) && t.RetryCount < maxRetries {
			t.Status = model.TaskApproved
			t.ExternalJobID = ""
			t.ExternalJobStatus = ""
			t.LastError = ""
			t.RetryCount++
			if err := e.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			e.log(ctx, "workflow_retry", "task", t.ID, fmt.Sprintf("retry %d/%d", t.RetryCount, maxRetries))
		} else if (failed || (t.Status == model.TaskBlocked && t.LastError != "max_retries_exceeded")) && t.RetryCount >= maxRetries {
			t.Status = model.TaskBlocked
			t.LastError = "max_retries_exceeded"
			if err := e.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			e.log(ctx, "workflow_max_retries", "task", t.ID, fmt.Sprintf("exceeded %d retries, permanently blocked", maxRetries))
		}
	}

	for _, t := range all {
		if (t.Status == model.TaskPending || t.Status == model.TaskApproved) && t.ExternalJobStatus != "" {
			t.ExternalJobID = ""
			t.ExternalJobStatus = ""
			t.LastError = ""
			if err := e.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			e.log(ctx, "workflow_cleanup", "task", t.ID, "cleared stale external job fields")
		}
	}

	for _, t := range all {
		if t.Status == model.TaskPending && !t.IsCritical {
			t.Status = model.TaskApproved
			if err := e.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			e.log(ctx, "workflow_auto_approve", "task", t.ID, "pending->approved (non-critical)")
		}
	}

	if !r.ClaimUnassigned {
		return nil
	}

	agentIDs, err := e.routineAgentIDs(ctx, r)
	if err != nil {
		return err
	}

	unassigned, err := e.store.ListTasksByStatus(ctx, model.TaskApproved)
	if err != nil {
		return err
	}
	sort.Slice(unassigned, func(i, j int) bool { return unassigned[i].UpdatedAt.Before(unassigned[j].UpdatedAt) })

	for _, t := range unassigned {
		if t.AssignedAgentID != nil {
			continue
		}
		for _, aid := range agentIDs {
			running, err := e.agentIsRunning(ctx, aid)
			if err != nil {
				return err
			}
			if running {
				continue
			}
			t.AssignedAgentID = &aid
			if err := e.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			e.log(ctx, "workflow_claim", "task", t.ID, fmt.Sprintf("assigned to agent %d", aid))
			break
		}
	}
	return nil
}

func (e *Engine) routineAgentIDs(ctx context.Context, r *model.Routine) ([]int64, error) {
	if r.AgentID != nil {
		return []int64{*r.AgentID}, nil
	}
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(agents))
	for _, a := range agents {
		if a.IsActive {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// agentIsRunning reports whether an agent has any task currently
// active/running or with an external job still queued/running.
func (e *Engine) agentIsRunning(ctx context.Context, agentID int64) (bool, error) {
	tasks, err := e.store.ListTasksByAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status == model.TaskActive || t.Status == model.TaskRunning {
			return true, nil
		}
		if t.ExternalJobStatus == "queued" || t.ExternalJobStatus == "running" {
			return true, nil
		}
	}
	return false, nil
}

// tickReviewAutocreate creates a "Review: ..." helper task for every
// task sitting in dev_done/review, deduplicated by a marker embedded
// in the helper task's description, unless the existing review task
// reached done with a failed external job (in which case it is
// re-created).
func (e *Engine) tickReviewAutocreate(ctx context.Context, r *model.Routine) error {
	reviewer, err := e.chooseReviewer(ctx, r.AgentID)
	if err != nil {
		return err
	}

	all, err := e.store.ListAllTasks(ctx)
	if err != nil {
		return err
	}

	candidates := make([]*model.Task, 0)
	for _, t := range all {
		if t.Status == model.TaskDevDone || t.Status == model.TaskReview {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt) })
	if len(candidates) > 50 {
		candidates = candidates[:50]
	}

	for _, src := range candidates {
		if err := e.ensureReviewTask(ctx, src, reviewer, all); err != nil {
			return err
		}
	}
	return e.reconcileReviewTasks(ctx, all)
}

// reconcileReviewTasks applies a finished "Review: ..." helper task's
// outcome back to the source task it was reviewing, since nothing else
// in this system watches a review task cross into done/blocked: if the
// review task itself ended up blocked (its own pipeline run failed),
// the source task's review notes are updated and it is sent back to
// approved for another attempt; otherwise the reviewer's verdict
// decides whether the source task is promoted to done (PASS) or
// returned to approved for a retry (FAIL). The helper task is deleted
// either way so it is never reconsidered.
func (e *Engine) reconcileReviewTasks(ctx context.Context, all []*model.Task) error {
	for _, rt := range all {
		if !strings.HasPrefix(rt.Title, "Review:") {
			continue
		}
		if rt.Status != model.TaskDone && rt.Status != model.TaskBlocked {
			continue
		}
		m := reviewMarkerPattern.FindStringSubmatch(rt.Description)
		if m == nil {
			continue
		}
		srcID, _ := strconv.ParseInt(m[1], 10, 64)

		src, err := e.store.GetTask(ctx, srcID)
		if err != nil || src == nil || (src.Status != model.TaskDevDone && src.Status != model.TaskReview) {
			// Source already moved on (or is gone): nothing left to apply.
			if err := e.store.DeleteTask(ctx, rt.ID); err != nil {
				return err
			}
			continue
		}

		if rt.Status == model.TaskBlocked {
			src.ReviewSummary = rt.LastResult
			src.Status = model.TaskApproved
			src.RetryCount = 0
			src.ExternalJobID = ""
			src.ExternalJobStatus = ""
			if err := e.store.UpdateTask(ctx, src); err != nil {
				return err
			}
			e.log(ctx, "review_job_failed", "task", srcID, fmt.Sprintf("review_task_id=%d reset to approved for retry", rt.ID))
		} else {
			verdict := pipeline.ParseVerdict(rt.LastResult)
			src.ReviewSummary = rt.LastResult
			if verdict == "PASS" {
				src.Status = model.TaskDone
			} else {
				src.Status = model.TaskApproved
				src.RetryCount = 0
				src.ExternalJobID = ""
				src.ExternalJobStatus = ""
			}
			if err := e.store.UpdateTask(ctx, src); err != nil {
				return err
			}
			e.log(ctx, "review_verdict_applied", "task", srcID, fmt.Sprintf("review_task_id=%d verdict=%s", rt.ID, verdict))
		}

		if err := e.store.DeleteTask(ctx, rt.ID); err != nil {
			return err
		}
		e.log(ctx, "review_task_deleted", "task", rt.ID, fmt.Sprintf("reconciled_for_task=%d", srcID))
	}
	return nil
}

func (e *Engine) chooseReviewer(ctx context.Context, preferred *int64) (*int64, error) {
	if preferred != nil {
		return preferred, nil
	}
	a, err := e.store.GetAgentByRole(ctx, model.RoleReviewing)
	if err == nil && a != nil {
		return &a.ID, nil
	}
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.IsActive {
			id := a.ID
			return &id, nil
		}
	}
	return nil, nil
}

func (e *Engine) ensureReviewTask(ctx context.Context, src *model.Task, reviewer *int64, all []*model.Task) error {
	marker := fmt.Sprintf("%s%d]", reviewMarkerPrefix, src.ID)
	if strings.Contains(src.Description, marker) {
		return nil // avoid review-of-review loops
	}

	for _, t := range all {
		if strings.Contains(t.Description, marker) {
			if t.Status == model.TaskDone && t.ExternalJobStatus == "failed" {
				break // existing review job errored; allow re-creation
			}
			return nil
		}
	}

	title := fmt.Sprintf("Review: Task #%d — %s", src.ID, src.Title)
	desc := fmt.Sprintf(
		"%s\n\nYou are a reviewer. Review the deliverable for Task #%d.\n"+
			"Produce: (1) summary, (2) issues/risks, (3) concrete fixes/next tasks, (4) PASS/FAIL recommendation.\n\n"+
			"## Source Task Title\n%s\n\n## Source Task Description\n%s\n\n## Source Task Last Result\n%s\n",
		marker, src.ID, src.Title, strings.TrimSpace(src.Description), strings.TrimSpace(src.LastResult))

	newID, err := e.store.CreateTask(ctx, &model.Task{
		Title:           title,
		Description:     desc,
		Status:          model.TaskApproved,
		AssignedAgentID: reviewer,
	})
	if err != nil {
		return err
	}
	e.log(ctx, "review_task_created", "task", newID, fmt.Sprintf("source_task_id=%d", src.ID))
	return nil
}

// tickBlockedResolution creates a resolution task assigned to the
// architect for the oldest unresolved blocked task, and unblocks the
// source task (deleting the helper task) once a resolution completes.
func (e *Engine) tickBlockedResolution(ctx context.Context, r *model.Routine) error {
	architect, err := e.findArchitect(ctx)
	if err != nil {
		return err
	}
	if architect == nil {
		return nil
	}

	all, err := e.store.ListAllTasks(ctx)
	if err != nil {
		return err
	}

	var oldest *model.Task
	for _, t := range all {
		if t.Status != model.TaskBlocked || strings.HasPrefix(t.Title, "Resolve:") || t.LastError == "" {
			continue
		}
		if oldest == nil || t.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = t
		}
	}

	if oldest != nil {
		exists := false
		prefix := fmt.Sprintf("Resolve: Task #%d", oldest.ID)
		for _, t := range all {
			if strings.HasPrefix(t.Title, prefix) && t.Status != model.TaskDone {
				exists = true
				break
			}
		}
		if !exists {
			if err := e.createResolutionTask(ctx, oldest, architect.ID); err != nil {
				return err
			}
		}
	}

	for _, rt := range all {
		if !strings.HasPrefix(rt.Title, "Resolve:") || rt.Status != model.TaskDone {
			continue
		}
		m := resolveMarkerPattern.FindStringSubmatch(rt.Description)
		if m == nil {
			continue
		}
		srcID, _ := strconv.ParseInt(m[1], 10, 64)
		src, err := e.store.GetTask(ctx, srcID)
		if err == nil && src != nil && src.Status == model.TaskBlocked {
			src.Status = model.TaskApproved
			src.ReviewSummary = rt.LastResult
			src.LastError = ""
			src.RetryCount = 0
			if err := e.store.UpdateTask(ctx, src); err != nil {
				return err
			}
			e.log(ctx, "blocked_task_unblocked", "task", srcID, fmt.Sprintf("unblocked_via_resolution_task=%d", rt.ID))
		}
		if err := e.store.DeleteTask(ctx, rt.ID); err != nil {
			return err
		}
		e.log(ctx, "resolution_task_deleted", "task", rt.ID, fmt.Sprintf("resolution_applied_to_task=%d", srcID))
	}
	return nil
}

func (e *Engine) findArchitect(ctx context.Context) (*model.Agent, error) {
	a, err := e.store.GetAgentByRole(ctx, model.RoleArchitecture)
	if err == nil && a != nil && a.IsActive {
		return a, nil
	}
	a, err = e.store.GetAgent(ctx, 2)
	if err == nil && a != nil && a.IsActive {
		return a, nil
	}
	return nil, nil
}

func (e *Engine) createResolutionTask(ctx context.Context, blocked *model.Task, architectID int64) error {
	title := fmt.Sprintf("Resolve: Task #%d — %s", blocked.ID, blocked.Title)
	lastError := blocked.LastError
	if lastError == "" {
		lastError = "unknown"
	}
	lastResult := blocked.LastResult
	if lastResult == "" {
		lastResult = "none"
	}
	desc := fmt.Sprintf(
		"%s%d]\n\nYou are the architect. A task is blocked and needs your analysis.\n"+
			"Analyze the error, propose a fix or workaround, and provide updated instructions.\n\n"+
			"## Blocked Task\n**Title:** %s\n**Description:** %s\n\n"+
			"## Error Details\n%s\n\n## Last Result\n%s\n\n"+
			"## Your Task\n1. Diagnose the root cause of the block/failure\n"+
			"2. Propose specific fixes or workarounds\n"+
			"3. Provide updated task instructions that would prevent this error\n"+
			"4. If the task should be abandoned, explain why",
		resolveMarkerPrefix, blocked.ID, blocked.Title, strings.TrimSpace(blocked.Description), lastError, lastResult)

	id := architectID
	newID, err := e.store.CreateTask(ctx, &model.Task{
		Title:           title,
		Description:     desc,
		Status:          model.TaskApproved,
		AssignedAgentID: &id,
	})
	if err != nil {
		return err
	}
	e.log(ctx, "blocked_resolution_created", "task", blocked.ID, fmt.Sprintf("resolution_task_created assigned_to_architect=%d (helper #%d)", architectID, newID))
	return nil
}

// tickPlanningNextPhase creates a "Plan: Next Development Phase" task
// for the architect once every non-helper task has reached done or
// blocked, unless one is already in flight.
func (e *Engine) tickPlanningNextPhase(ctx context.Context, r *model.Routine) error {
	all, err := e.store.ListAllTasks(ctx)
	if err != nil {
		return err
	}

	for _, t := range all {
		if t.Status != model.TaskDone && t.Status != model.TaskBlocked && !t.IsHelperTask() {
			return nil // still work in progress
		}
	}

	for _, t := range all {
		if strings.HasPrefix(t.Title, "Plan:") && t.Status != model.TaskDone && t.Status != model.TaskBlocked {
			return nil // a planning task is already in flight
		}
	}

	var done, blocked []*model.Task
	for _, t := range all {
		if t.IsHelperTask() {
			continue
		}
		switch t.Status {
		case model.TaskDone:
			done = append(done, t)
		case model.TaskBlocked:
			blocked = append(blocked, t)
		}
	}

	architect, err := e.findArchitect(ctx)
	var architectID int64 = 2
	if err == nil && architect != nil {
		architectID = architect.ID
	}

	desc := BuildPlanningPrompt(done, blocked)
	id := architectID
	newID, err := e.store.CreateTask(ctx, &model.Task{
		Title:           "Plan: Next Development Phase",
		Description:     desc,
		Status:          model.TaskPending,
		AssignedAgentID: &id,
		IsCritical:      true,
	})
	if err != nil {
		return err
	}
	e.log(ctx, "planning_next_phase_created", "task", newID, fmt.Sprintf("done=%d blocked=%d", len(done), len(blocked)))
	return nil
}

// BuildPlanningPrompt builds the architect-facing prompt summarizing
// completed and blocked work and asking for 3-8 prioritized next
// tasks in a JSON envelope.
func BuildPlanningPrompt(done, blocked []*model.Task) string {
	doneSummary := "(none)"
	if len(done) > 0 {
		var b strings.Builder
		for _, t := range done {
			b.WriteString(fmt.Sprintf("- [DONE] #%d: %s", t.ID, t.Title))
			if t.ReviewSummary != "" {
				b.WriteString(fmt.Sprintf(" (Review: %s)", truncate(t.ReviewSummary, 200)))
			}
			b.WriteString("\n")
		}
		doneSummary = strings.TrimRight(b.String(), "\n")
	}

	blockedSummary := "(none)"
	if len(blocked) > 0 {
		var b strings.Builder
		for _, t := range blocked {
			b.WriteString(fmt.Sprintf("- [BLOCKED] #%d: %s — Error: %s\n", t.ID, t.Title, t.LastError))
		}
		blockedSummary = strings.TrimRight(b.String(), "\n")
	}

	return fmt.Sprintf(`All current tasks have reached completion or are blocked. Plan the next development phase.

COMPLETED TASKS (%d):
%s

BLOCKED TASKS (%d):
%s

INSTRUCTIONS:
Based on the completed work, blocked items, and the project roadmap:
1. Identify what blockers need to be resolved
2. Determine the next logical development tasks
3. Create a prioritized list of 3-8 new tasks with clear titles and descriptions
4. Consider dependencies between tasks
5. Output the task list as JSON: {"tasks": [{"title": "...", "description": "...", "is_critical": 0, "suggested_agent": "architecture|programming|reviewing|reporting"}]}

[planning_phase_task]`, len(done), doneSummary, len(blocked), blockedSummary)
}

// tickStatusReportEmail sends a summary email once at least 10
// qualifying tasks have reached done since the last report, spaced at
// least 30 minutes apart.
func (e *Engine) tickStatusReportEmail(ctx context.Context, r *model.Routine) error {
	if e.email == nil || !e.email.Enabled() {
		return nil
	}

	lastSent, err := e.store.GetRoutineState(ctx, r.ID, "last_sent_at")
	if err != nil {
		return err
	}
	if lastSent != "" {
		if t, err := time.Parse(time.RFC3339, lastSent); err == nil && time.Since(t) < statusReportMinInterval {
			return nil
		}
	}

	lastDoneIDStr, err := e.store.GetRoutineState(ctx, r.ID, "last_done_id")
	if err != nil {
		return err
	}
	lastDoneID, _ := strconv.ParseInt(lastDoneIDStr, 10, 64)

	all, err := e.store.ListAllTasks(ctx)
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	var qualifying []*model.Task
	maxID := lastDoneID
	for _, t := range all {
		if t.Status != model.TaskDone || t.ID <= lastDoneID {
			continue
		}
		if t.ID > maxID {
			maxID = t.ID
		}
		if isReviewTask(t) && !isImportant(t) {
			continue
		}
		qualifying = append(qualifying, t)
	}

	if len(qualifying) < statusReportMinQualifying {
		return nil
	}

	to := e.statusReportTo
	if to == "" {
		return nil
	}

	shown := qualifying
	if len(shown) > 20 {
		shown = shown[len(shown)-20:]
	}
	var items strings.Builder
	for _, t := range shown {
		items.WriteString(fmt.Sprintf("<li><b>#%d</b> %s<br><pre style='white-space:pre-wrap'>%s</pre></li>",
			t.ID, t.Title, truncate(t.LastResult, 2000)))
	}
	html := fmt.Sprintf(`<h2>Task orchestration status report</h2>
<p>Completed qualifying tasks since last report: <b>%d</b></p>
<p>Showing last %d:</p>
<ol>%s</ol>`, len(qualifying), len(shown), items.String())

	if err := e.email.Send(ctx, to, "Task orchestration summary report", html); err != nil {
		e.log(ctx, "status_report_email_error", "routine", r.ID, err.Error())
		return nil
	}

	if err := e.store.SetRoutineState(ctx, r.ID, "last_sent_at", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := e.store.SetRoutineState(ctx, r.ID, "last_done_id", strconv.FormatInt(maxID, 10)); err != nil {
		return err
	}
	e.log(ctx, "status_report_email_sent", "routine", r.ID, fmt.Sprintf("count=%d max_done_id=%d", len(qualifying), maxID))
	return nil
}

func isReviewTask(t *model.Task) bool {
	title := strings.ToLower(strings.TrimSpace(t.Title))
	desc := strings.ToLower(t.Description)
	return strings.HasPrefix(title, "review:") || strings.Contains(desc, reviewMarkerPrefix)
}

func isImportant(t *model.Task) bool {
	if t.IsCritical {
		return true
	}
	blob := strings.ToLower(t.Title + "\n" + t.Description + "\n" + t.LastResult)
	for _, kw := range importantKeywords {
		if strings.Contains(blob, kw) {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func (e *Engine) log(ctx context.Context, action, entityType string, entityID int64, detail string) {
	_ = e.store.AppendActionLog(ctx, &model.ActionLogEntry{
		Ts:         time.Now(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		Layer:      "routines",
	})
}

// RoutineConfig is the parsed result of a natural-language routine
// creation prompt.
type RoutineConfig struct {
	Name            string
	Description     string
	Kind            model.RoutineKind
	ClaimUnassigned bool
	AgentID         *int64
}

var agentRefPattern = regexp.MustCompile(`agent[\s#]*(\d+)`)

// ParsePrompt classifies a free-text routine-creation prompt into a
// kind, a claim_unassigned flag, and an optional agent scope.
func ParsePrompt(prompt string) RoutineConfig {
	p := strings.ToLower(prompt)
	cfg := RoutineConfig{
		Name:        truncate(strings.TrimSpace(prompt), 80),
		Description: strings.TrimSpace(prompt),
		Kind:        model.RoutineIdleAutostart,
	}

	switch {
	case containsAny(p, "plan", "next phase", "next development", "all done", "all complete", "new set of tasks", "next sprint"):
		cfg.Kind = model.RoutinePlanningNextPhase
		if strings.Contains(p, "plan") {
			cfg.Name = "Plan next development phase when all tasks complete"
		}
	case containsAny(p, "blocked", "resolve", "unblock", "diagnose", "fix block"):
		cfg.Kind = model.RoutineBlockedResolution
		if strings.Contains(p, "blocked") || strings.Contains(p, "resolve") {
			cfg.Name = "Resolve blocked tasks via architect"
		}
	case containsAny(p, "review", "critique", "feedback", "inspect", "dev done", "dev_done"):
		cfg.Kind = model.RoutineReviewAutocreate
		if strings.Contains(p, "review") {
			cfg.Name = "Auto-create review tasks"
		}
	case containsAny(p, "email", "report", "summary", "notify", "status report"):
		cfg.Kind = model.RoutineStatusReportEmail
		if strings.Contains(p, "email") || strings.Contains(p, "report") {
			cfg.Name = "Status report email"
		}
	}

	if containsAny(p, "claim", "unassigned", "assign idle", "pick up", "grab") {
		cfg.ClaimUnassigned = true
	}

	if m := agentRefPattern.FindStringSubmatch(p); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			cfg.AgentID = &n
		}
	}

	return cfg
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
