package store

import (
	"context"
	"database/sql"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type pipelineRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	TaskType    string `db:"task_type"`
	BlocksJSON  string `db:"blocks_json"`
	IsActive    bool   `db:"is_active"`
}

func (r pipelineRow) toModel() *model.Pipeline {
	return &model.Pipeline{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		TaskType:    r.TaskType,
		BlocksJSON:  r.BlocksJSON,
		IsActive:    r.IsActive,
	}
}

// CreatePipeline inserts a new pipeline and returns its assigned id.
func (s *Store) CreatePipeline(ctx context.Context, p *model.Pipeline) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (name, description, task_type, blocks_json, is_active)
		VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.TaskType, p.BlocksJSON, p.IsActive,
	)
	if err != nil {
		return 0, core.NewFrameworkError("store.CreatePipeline", "pipeline", err)
	}
	return res.LastInsertId()
}

// GetPipeline loads a single pipeline by id.
func (s *Store) GetPipeline(ctx context.Context, id int64) (*model.Pipeline, error) {
	var r pipelineRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM pipelines WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewFrameworkErrorWithID("store.GetPipeline", "pipeline", idStr(id), core.ErrPipelineNotFound)
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetPipeline", "pipeline", err)
	}
	return r.toModel(), nil
}

// GetPipelineByTaskType returns the first active pipeline whose
// task_type matches, used for exact pipeline selection.
func (s *Store) GetPipelineByTaskType(ctx context.Context, taskType string) (*model.Pipeline, error) {
	var r pipelineRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM pipelines WHERE task_type = ? AND is_active = 1 ORDER BY id LIMIT 1`, taskType)
	if err == sql.ErrNoRows {
		return nil, core.NewFrameworkError("store.GetPipelineByTaskType", "pipeline", core.ErrPipelineNotFound)
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetPipelineByTaskType", "pipeline", err)
	}
	return r.toModel(), nil
}

// GetDefaultPipeline returns the first active pipeline whose task_type
// is "default".
func (s *Store) GetDefaultPipeline(ctx context.Context) (*model.Pipeline, error) {
	var r pipelineRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM pipelines WHERE task_type = 'default' AND is_active = 1 ORDER BY id LIMIT 1`)
	if err == sql.ErrNoRows {
		return nil, core.NewFrameworkError("store.GetDefaultPipeline", "pipeline", core.ErrPipelineNotFound)
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetDefaultPipeline", "pipeline", err)
	}
	return r.toModel(), nil
}

// CountPipelines returns the number of rows in the pipelines table.
func (s *Store) CountPipelines(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pipelines`); err != nil {
		return 0, core.NewFrameworkError("store.CountPipelines", "pipeline", err)
	}
	return n, nil
}
