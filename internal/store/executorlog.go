package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type executorLogRow struct {
	ID            int64     `db:"id"`
	TaskID        int64     `db:"task_id"`
	PipelineID    int64     `db:"pipeline_id"`
	BlockIndex    int       `db:"block_index"`
	BlockKind     string    `db:"block_kind"`
	Model         string    `db:"model"`
	Executor      string    `db:"executor"`
	StartedAt     time.Time `db:"started_at"`
	DurationMs    int64     `db:"duration_ms"`
	Success       bool      `db:"success"`
	Verdict       string    `db:"verdict"`
	ReviewNotes   string    `db:"review_notes"`
	OutputPreview string    `db:"output_preview"`
	FailureType   string    `db:"failure_type"`
	Error         string    `db:"error"`
}

func (r executorLogRow) toModel() *model.ExecutorLogEntry {
	return &model.ExecutorLogEntry{
		ID:            r.ID,
		TaskID:        r.TaskID,
		PipelineID:    r.PipelineID,
		BlockIndex:    r.BlockIndex,
		BlockKind:     r.BlockKind,
		Model:         r.Model,
		Executor:      r.Executor,
		StartedAt:     r.StartedAt,
		Duration:      time.Duration(r.DurationMs) * time.Millisecond,
		Success:       r.Success,
		Verdict:       r.Verdict,
		ReviewNotes:   r.ReviewNotes,
		OutputPreview: r.OutputPreview,
		FailureType:   r.FailureType,
		Error:         r.Error,
	}
}

// AppendExecutorLog writes one append-only block-execution record.
func (s *Store) AppendExecutorLog(ctx context.Context, e *model.ExecutorLogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executor_log (task_id, pipeline_id, block_index, block_kind, model, executor,
			started_at, duration_ms, success, verdict, review_notes, output_preview, failure_type, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.PipelineID, e.BlockIndex, e.BlockKind, e.Model, e.Executor,
		e.StartedAt, e.Duration.Milliseconds(), e.Success, e.Verdict, e.ReviewNotes,
		e.OutputPreview, e.FailureType, e.Error,
	)
	if err != nil {
		return 0, core.NewFrameworkError("store.AppendExecutorLog", "executor_log", err)
	}
	return res.LastInsertId()
}

// ListExecutorLogByTask returns every log entry for a task, oldest first.
func (s *Store) ListExecutorLogByTask(ctx context.Context, taskID int64) ([]*model.ExecutorLogEntry, error) {
	var rows []executorLogRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM executor_log WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, core.NewFrameworkError("store.ListExecutorLogByTask", "executor_log", err)
	}
	out := make([]*model.ExecutorLogEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// LastReviewEntry returns the most recent review block's log entry for
// a task, if any.
func (s *Store) LastReviewEntry(ctx context.Context, taskID int64) (*model.ExecutorLogEntry, error) {
	var r executorLogRow
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM executor_log WHERE task_id = ? AND block_kind = 'review' ORDER BY id DESC LIMIT 1`, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.LastReviewEntry", "executor_log", err)
	}
	return r.toModel(), nil
}
