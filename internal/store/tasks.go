package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type taskRow struct {
	ID                int64          `db:"id"`
	Title             string         `db:"title"`
	Description       string         `db:"description"`
	Status            string         `db:"status"`
	AssignedAgentID   sql.NullInt64  `db:"assigned_agent_id"`
	ScheduleType      string         `db:"schedule_type"`
	CronExpr          string         `db:"cron_expr"`
	IntervalMinutes   int            `db:"interval_minutes"`
	IsRecurring       bool           `db:"is_recurring"`
	NextRunAt         sql.NullTime   `db:"next_run_at"`
	LastRunAt         sql.NullTime   `db:"last_run_at"`
	LastResult        string         `db:"last_result"`
	LastError         string         `db:"last_error"`
	ReviewSummary     string         `db:"review_summary"`
	RetryCount        int            `db:"retry_count"`
	ExternalJobID     string         `db:"external_job_id"`
	ExternalJobStatus string         `db:"external_job_status"`
	ResumeBlockIndex  int            `db:"resume_block_index"`
	ResumePipelineRef string         `db:"resume_pipeline_ref"`
	IsCritical        bool           `db:"is_critical"`
	RequiresApproval  bool           `db:"requires_approval"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r taskRow) toModel() *model.Task {
	t := &model.Task{
		ID:                r.ID,
		Title:             r.Title,
		Description:       r.Description,
		Status:            model.TaskStatus(r.Status),
		ScheduleType:      model.ScheduleType(r.ScheduleType),
		CronExpr:          r.CronExpr,
		IntervalMinutes:   r.IntervalMinutes,
		IsRecurring:       r.IsRecurring,
		LastResult:        r.LastResult,
		LastError:         r.LastError,
		ReviewSummary:     r.ReviewSummary,
		RetryCount:        r.RetryCount,
		ExternalJobID:     r.ExternalJobID,
		ExternalJobStatus: r.ExternalJobStatus,
		ResumeBlockIndex:  r.ResumeBlockIndex,
		ResumePipelineRef: r.ResumePipelineRef,
		IsCritical:        r.IsCritical,
		RequiresApproval:  r.RequiresApproval,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.AssignedAgentID.Valid {
		id := r.AssignedAgentID.Int64
		t.AssignedAgentID = &id
	}
	if r.NextRunAt.Valid {
		v := r.NextRunAt.Time
		t.NextRunAt = &v
	}
	if r.LastRunAt.Valid {
		v := r.LastRunAt.Time
		t.LastRunAt = &v
	}
	return t
}

// CreateTask inserts a new task and returns its assigned id.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (title, description, status, assigned_agent_id, schedule_type,
			cron_expr, interval_minutes, is_recurring, next_run_at, is_critical, requires_approval,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		t.Title, t.Description, string(t.Status), nullInt(t.AssignedAgentID), string(t.ScheduleType),
		t.CronExpr, t.IntervalMinutes, t.IsRecurring, nullTime(t.NextRunAt), t.IsCritical, t.RequiresApproval,
	)
	if err != nil {
		return 0, core.NewFrameworkError("store.CreateTask", "task", err)
	}
	return res.LastInsertId()
}

// GetTask loads a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	var r taskRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewFrameworkErrorWithID("store.GetTask", "task", idStr(id), core.ErrTaskNotFound)
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetTask", "task", err)
	}
	return r.toModel(), nil
}

// ListTasksByStatus returns every task in one of the given statuses.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	query, args, err := sqlx.In(`SELECT * FROM tasks WHERE status IN (?) ORDER BY id`, strs)
	if err != nil {
		return nil, core.NewFrameworkError("store.ListTasksByStatus", "task", err)
	}
	query = s.db.Rebind(query)
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, core.NewFrameworkError("store.ListTasksByStatus", "task", err)
	}
	out := make([]*model.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ListTasksDue returns tasks, whatever their status, whose next_run_at
// has arrived, or is within leadWindow of arriving.
func (s *Store) ListTasksDue(ctx context.Context, now time.Time, leadWindow time.Duration) ([]*model.Task, error) {
	var rows []taskRow
	cutoff := now.Add(leadWindow)
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks WHERE next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at`, cutoff)
	if err != nil {
		return nil, core.NewFrameworkError("store.ListTasksDue", "task", err)
	}
	out := make([]*model.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ListAllTasks returns every task, used by routines that scan for
// helper tasks and idle agents.
func (s *Store) ListAllTasks(ctx context.Context) ([]*model.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tasks ORDER BY id`); err != nil {
		return nil, core.NewFrameworkError("store.ListAllTasks", "task", err)
	}
	out := make([]*model.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ListTasksByAgent returns every task currently assigned to an agent.
func (s *Store) ListTasksByAgent(ctx context.Context, agentID int64) ([]*model.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE assigned_agent_id = ? ORDER BY id`, agentID); err != nil {
		return nil, core.NewFrameworkError("store.ListTasksByAgent", "task", err)
	}
	out := make([]*model.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// UpdateTask persists every mutable field of t.
func (s *Store) UpdateTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title=?, description=?, status=?, assigned_agent_id=?, schedule_type=?,
			cron_expr=?, interval_minutes=?, is_recurring=?, next_run_at=?, last_run_at=?,
			last_result=?, last_error=?, review_summary=?, retry_count=?, external_job_id=?,
			external_job_status=?, resume_block_index=?, resume_pipeline_ref=?, is_critical=?,
			requires_approval=?, updated_at=CURRENT_TIMESTAMP
		WHERE id = ?`,
		t.Title, t.Description, string(t.Status), nullInt(t.AssignedAgentID), string(t.ScheduleType),
		t.CronExpr, t.IntervalMinutes, t.IsRecurring, nullTime(t.NextRunAt), nullTime(t.LastRunAt),
		t.LastResult, t.LastError, t.ReviewSummary, t.RetryCount, t.ExternalJobID,
		t.ExternalJobStatus, t.ResumeBlockIndex, t.ResumePipelineRef, t.IsCritical,
		t.RequiresApproval, t.ID,
	)
	if err != nil {
		return core.NewFrameworkErrorWithID("store.UpdateTask", "task", idStr(t.ID), err)
	}
	return nil
}

// TryClaimTask performs the at-most-one-runner compare-and-swap:
// transition the task from any of fromStatuses to toStatus only if its
// current status still matches. Returns true if this call won the
// race.
func (s *Store) TryClaimTask(ctx context.Context, id int64, toStatus model.TaskStatus, fromStatuses ...model.TaskStatus) (bool, error) {
	strs := make([]string, len(fromStatuses))
	for i, st := range fromStatuses {
		strs[i] = string(st)
	}
	query, args, err := sqlx.In(`UPDATE tasks SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=? AND status IN (?)`,
		string(toStatus), id, strs)
	if err != nil {
		return false, core.NewFrameworkError("store.TryClaimTask", "task", err)
	}
	query = s.db.Rebind(query)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, core.NewFrameworkErrorWithID("store.TryClaimTask", "task", idStr(id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, core.NewFrameworkError("store.TryClaimTask", "task", err)
	}
	return n > 0, nil
}

// DeleteTask removes a task and its executor log rows. Used by the
// blocked_resolution routine to delete a resolved helper task.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM executor_log WHERE task_id = ?`, id); err != nil {
			return core.NewFrameworkError("store.DeleteTask", "task", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM decisions WHERE entity_type='task' AND entity_id = ?`, id); err != nil {
			return core.NewFrameworkError("store.DeleteTask", "task", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return core.NewFrameworkError("store.DeleteTask", "task", err)
		}
		return nil
	})
}

func nullInt(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func idStr(id int64) string {
	return strconv.FormatInt(id, 10)
}
