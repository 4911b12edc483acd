package store

import (
	"context"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

// AppendActionLog writes one append-only audit-trail row.
func (s *Store) AppendActionLog(ctx context.Context, e *model.ActionLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_logs (actor, action, entity_type, entity_id, detail, layer, model)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Actor, e.Action, e.EntityType, e.EntityID, e.Detail, e.Layer, e.Model,
	)
	if err != nil {
		return core.NewFrameworkError("store.AppendActionLog", "action_log", err)
	}
	return nil
}
