package store

import (
	"context"
	"database/sql"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type routineRow struct {
	ID              int64         `db:"id"`
	Name            string        `db:"name"`
	Kind            string        `db:"kind"`
	IsEnabled       bool          `db:"is_enabled"`
	AgentID         sql.NullInt64 `db:"agent_id"`
	ClaimUnassigned bool          `db:"claim_unassigned"`
	Description     string        `db:"description"`
}

func (r routineRow) toModel() *model.Routine {
	ro := &model.Routine{
		ID:              r.ID,
		Name:            r.Name,
		Kind:            model.RoutineKind(r.Kind),
		IsEnabled:       r.IsEnabled,
		ClaimUnassigned: r.ClaimUnassigned,
		Description:     r.Description,
	}
	if r.AgentID.Valid {
		id := r.AgentID.Int64
		ro.AgentID = &id
	}
	return ro
}

// CreateRoutine inserts a new routine and returns its assigned id.
func (s *Store) CreateRoutine(ctx context.Context, r *model.Routine) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routines (name, kind, is_enabled, agent_id, claim_unassigned, description)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Name, string(r.Kind), r.IsEnabled, nullInt(r.AgentID), r.ClaimUnassigned, r.Description,
	)
	if err != nil {
		return 0, core.NewFrameworkError("store.CreateRoutine", "routine", err)
	}
	return res.LastInsertId()
}

// ListEnabledRoutines returns every routine with is_enabled = 1.
func (s *Store) ListEnabledRoutines(ctx context.Context) ([]*model.Routine, error) {
	var rows []routineRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM routines WHERE is_enabled = 1 ORDER BY id`); err != nil {
		return nil, core.NewFrameworkError("store.ListEnabledRoutines", "routine", err)
	}
	out := make([]*model.Routine, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetRoutineByKind returns the first routine of the given kind, if any.
func (s *Store) GetRoutineByKind(ctx context.Context, kind model.RoutineKind) (*model.Routine, error) {
	var r routineRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM routines WHERE kind = ? ORDER BY id LIMIT 1`, string(kind))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetRoutineByKind", "routine", err)
	}
	return r.toModel(), nil
}

// CountRoutines returns the number of rows in the routines table.
func (s *Store) CountRoutines(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM routines`); err != nil {
		return 0, core.NewFrameworkError("store.CountRoutines", "routine", err)
	}
	return n, nil
}

// GetRoutineState reads a (routine_id, key) value, returning "" if unset.
func (s *Store) GetRoutineState(ctx context.Context, routineID int64, key string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM routine_state WHERE routine_id = ? AND key = ?`, routineID, key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", core.NewFrameworkError("store.GetRoutineState", "routine_state", err)
	}
	return v, nil
}

// SetRoutineState upserts a (routine_id, key) value.
func (s *Store) SetRoutineState(ctx context.Context, routineID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routine_state (routine_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(routine_id, key) DO UPDATE SET value = excluded.value`,
		routineID, key, value)
	if err != nil {
		return core.NewFrameworkError("store.SetRoutineState", "routine_state", err)
	}
	return nil
}
