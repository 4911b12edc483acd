package store

import (
	"context"
	"database/sql"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type agentRow struct {
	ID           int64         `db:"id"`
	Name         string        `db:"name"`
	Role         string        `db:"role"`
	DefaultModel string        `db:"default_model"`
	PipelineID   sql.NullInt64 `db:"pipeline_id"`
	IsActive     bool          `db:"is_active"`
}

func (r agentRow) toModel() *model.Agent {
	a := &model.Agent{
		ID:           r.ID,
		Name:         r.Name,
		Role:         model.AgentRole(r.Role),
		DefaultModel: r.DefaultModel,
		IsActive:     r.IsActive,
	}
	if r.PipelineID.Valid {
		id := r.PipelineID.Int64
		a.PipelineID = &id
	}
	return a
}

// CreateAgent inserts a new agent and returns its assigned id.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, role, default_model, pipeline_id, is_active)
		VALUES (?, ?, ?, ?, ?)`,
		a.Name, string(a.Role), a.DefaultModel, nullInt(a.PipelineID), a.IsActive,
	)
	if err != nil {
		return 0, core.NewFrameworkError("store.CreateAgent", "agent", err)
	}
	return res.LastInsertId()
}

// GetAgent loads a single agent by id.
func (s *Store) GetAgent(ctx context.Context, id int64) (*model.Agent, error) {
	var r agentRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM agents WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, core.NewFrameworkErrorWithID("store.GetAgent", "agent", idStr(id), core.ErrAgentNotFound)
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetAgent", "agent", err)
	}
	return r.toModel(), nil
}

// GetAgentByRole returns the first active agent with the given role.
func (s *Store) GetAgentByRole(ctx context.Context, role model.AgentRole) (*model.Agent, error) {
	var r agentRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM agents WHERE role = ? AND is_active = 1 ORDER BY id LIMIT 1`, string(role))
	if err == sql.ErrNoRows {
		return nil, core.NewFrameworkError("store.GetAgentByRole", "agent", core.ErrAgentNotFound)
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetAgentByRole", "agent", err)
	}
	return r.toModel(), nil
}

// ListAgents returns every agent.
func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY id`); err != nil {
		return nil, core.NewFrameworkError("store.ListAgents", "agent", err)
	}
	out := make([]*model.Agent, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// CountAgents returns the number of rows in the agents table, used to
// decide whether seeding is needed.
func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM agents`); err != nil {
		return 0, core.NewFrameworkError("store.CountAgents", "agent", err)
	}
	return n, nil
}
