package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type healthRow struct {
	State               string       `db:"state"`
	LastSuccess         sql.NullTime `db:"last_success"`
	LastFailure         sql.NullTime `db:"last_failure"`
	LastFailureType     string       `db:"last_failure_type"`
	ConsecutiveFailures int          `db:"consecutive_failures"`
	DailyInvocations    int          `db:"daily_invocations"`
	DailyResetAt        time.Time    `db:"daily_reset_at"`
}

func (r healthRow) toModel() *model.HealthRow {
	h := &model.HealthRow{
		State:               model.HealthState(r.State),
		LastFailureType:     r.LastFailureType,
		ConsecutiveFailures: r.ConsecutiveFailures,
		DailyInvocations:    r.DailyInvocations,
		DailyResetAt:        r.DailyResetAt,
	}
	if r.LastSuccess.Valid {
		v := r.LastSuccess.Time
		h.LastSuccess = &v
	}
	if r.LastFailure.Valid {
		v := r.LastFailure.Time
		h.LastFailure = &v
	}
	return h
}

// GetHealth loads (and lazily creates) the singleton health row.
func (s *Store) GetHealth(ctx context.Context) (*model.HealthRow, error) {
	var r healthRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM claude_health WHERE id = 1`)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx, `INSERT INTO claude_health (id, state, daily_reset_at) VALUES (1, 'HEALTHY', CURRENT_TIMESTAMP)`)
		if err != nil {
			return nil, core.NewFrameworkError("store.GetHealth", "health", err)
		}
		return s.GetHealth(ctx)
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetHealth", "health", err)
	}
	return r.toModel(), nil
}

// SaveHealth persists the singleton health row.
func (s *Store) SaveHealth(ctx context.Context, h *model.HealthRow) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE claude_health SET state=?, last_success=?, last_failure=?, last_failure_type=?,
			consecutive_failures=?, daily_invocations=?, daily_reset_at=?
		WHERE id = 1`,
		string(h.State), nullTime(h.LastSuccess), nullTime(h.LastFailure), h.LastFailureType,
		h.ConsecutiveFailures, h.DailyInvocations, h.DailyResetAt,
	)
	if err != nil {
		return core.NewFrameworkError("store.SaveHealth", "health", err)
	}
	return nil
}
