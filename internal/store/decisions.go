package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

type decisionRow struct {
	DecisionID     string       `db:"decision_id"`
	EntityType     string       `db:"entity_type"`
	EntityID       int64        `db:"entity_id"`
	Action         string       `db:"action"`
	Status         string       `db:"status"`
	TokenHash      string       `db:"token_hash"`
	TokenSalt      string       `db:"token_salt"`
	ExpiresAt      time.Time    `db:"expires_at"`
	RequestedAt    time.Time    `db:"requested_at"`
	DecidedAt      sql.NullTime `db:"decided_at"`
	ResultMarkdown string       `db:"result_markdown"`
}

func (r decisionRow) toModel() *model.Decision {
	d := &model.Decision{
		DecisionID:     r.DecisionID,
		EntityType:     r.EntityType,
		EntityID:       r.EntityID,
		Action:         r.Action,
		Status:         model.DecisionStatus(r.Status),
		TokenHash:      r.TokenHash,
		TokenSalt:      r.TokenSalt,
		ExpiresAt:      r.ExpiresAt,
		RequestedAt:    r.RequestedAt,
		ResultMarkdown: r.ResultMarkdown,
	}
	if r.DecidedAt.Valid {
		v := r.DecidedAt.Time
		d.DecidedAt = &v
	}
	return d
}

// CreateDecision inserts a new pending decision, first superseding any
// existing pending decision for the same (entity_type, entity_id, action).
func (s *Store) CreateDecision(ctx context.Context, d *model.Decision) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE decisions SET status = 'superseded'
			WHERE entity_type = ? AND entity_id = ? AND action = ? AND status = 'pending'`,
			d.EntityType, d.EntityID, d.Action)
		if err != nil {
			return core.NewFrameworkError("store.CreateDecision", "decision", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO decisions (decision_id, entity_type, entity_id, action, status,
				token_hash, token_salt, expires_at, requested_at, result_markdown)
			VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?, '')`,
			d.DecisionID, d.EntityType, d.EntityID, d.Action, d.TokenHash, d.TokenSalt, d.ExpiresAt, d.RequestedAt)
		if err != nil {
			return core.NewFrameworkError("store.CreateDecision", "decision", err)
		}
		return nil
	})
}

// GetDecision loads a single decision by id.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (*model.Decision, error) {
	var r decisionRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM decisions WHERE decision_id = ?`, decisionID)
	if err == sql.ErrNoRows {
		return nil, core.NewFrameworkErrorWithID("store.GetDecision", "decision", decisionID, core.ErrDecisionNotFound)
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetDecision", "decision", err)
	}
	return r.toModel(), nil
}

// GetPendingDecision returns the outstanding pending decision, if any,
// for an (entity, action) pair.
func (s *Store) GetPendingDecision(ctx context.Context, entityType string, entityID int64, action string) (*model.Decision, error) {
	var r decisionRow
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM decisions WHERE entity_type = ? AND entity_id = ? AND action = ? AND status = 'pending'
		ORDER BY requested_at DESC LIMIT 1`, entityType, entityID, action)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewFrameworkError("store.GetPendingDecision", "decision", err)
	}
	return r.toModel(), nil
}

// SettleDecision transitions a decision's status and records the
// result markdown. One-shot: callers must check Status == pending
// before calling.
func (s *Store) SettleDecision(ctx context.Context, decisionID string, status model.DecisionStatus, resultMarkdown string, decidedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status = ?, result_markdown = ?, decided_at = ?
		WHERE decision_id = ? AND status = 'pending'`,
		string(status), resultMarkdown, decidedAt, decisionID)
	if err != nil {
		return core.NewFrameworkErrorWithID("store.SettleDecision", "decision", decisionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewFrameworkError("store.SettleDecision", "decision", err)
	}
	if n == 0 {
		return core.NewFrameworkErrorWithID("store.SettleDecision", "decision", decisionID, core.ErrDecisionSettled)
	}
	return nil
}

// ExpirePendingDecisions marks every pending decision whose TTL has
// elapsed as expired. Returns the number of rows affected.
func (s *Store) ExpirePendingDecisions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status = 'expired' WHERE status = 'pending' AND expires_at < ?`, now)
	if err != nil {
		return 0, core.NewFrameworkError("store.ExpirePendingDecisions", "decision", err)
	}
	return res.RowsAffected()
}
