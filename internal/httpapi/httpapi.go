// Package httpapi serves the out-of-band approval links emailed by
// internal/scheduler: GET /approve and GET /reject, each carrying a
// decision_id and a single-use token. A hit on either endpoint
// verifies and consumes the token through internal/approval, then
// advances the gated task's own status, exactly once.
package httpapi

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

// Store is the persistence seam this package needs to advance a task
// once its gating decision is settled.
type Store interface {
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	TryClaimTask(ctx context.Context, id int64, toStatus model.TaskStatus, fromStatuses ...model.TaskStatus) (bool, error)
}

// Approver verifies and settles decision tokens.
type Approver interface {
	VerifyDecisionToken(ctx context.Context, decisionID, token string) (*model.Decision, error)
	ApplyDecision(ctx context.Context, decisionID string, approve bool, resultMarkdown string) error
}

// Handler serves the approval HTTP surface.
type Handler struct {
	store    Store
	approval Approver
	logger   core.Logger
}

// Option configures a Handler at construction time.
type Option func(*Handler)

// WithLogger injects a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New builds a Handler backed by store and approval.
func New(store Store, approval Approver, opts ...Option) *Handler {
	h := &Handler{store: store, approval: approval, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mux returns the approval routes mounted on a fresh ServeMux, wrapped
// in panic recovery and request logging.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/approve", h.handleDecision(true))
	mux.HandleFunc("/reject", h.handleDecision(false))
	return h.recover(h.logRequests(mux))
}

func (h *Handler) handleDecision(approve bool) http.HandlerFunc {
	action := "rejected"
	if approve {
		action = "approved"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		decisionID := r.URL.Query().Get("decision_id")
		token := r.URL.Query().Get("token")
		if decisionID == "" || token == "" {
			h.renderError(w, http.StatusBadRequest, "This link is missing its decision id or token.")
			return
		}

		decision, err := h.approval.VerifyDecisionToken(ctx, decisionID, token)
		if err != nil {
			h.logger.Warn("approval link rejected", map[string]interface{}{
				"operation":   "http_decision",
				"decision_id": decisionID,
				"error":       err.Error(),
			})
			h.renderError(w, http.StatusForbidden, "This link has already been used, expired, or is invalid.")
			return
		}

		if err := h.approval.ApplyDecision(ctx, decisionID, approve, ""); err != nil {
			h.logger.Error("apply decision failed", map[string]interface{}{
				"operation":   "http_decision",
				"decision_id": decisionID,
				"error":       err.Error(),
			})
			h.renderError(w, http.StatusInternalServerError, "Something went wrong recording your decision. Please try again.")
			return
		}

		if decision.EntityType == "task" {
			h.advanceTask(ctx, decision.EntityID, approve)
		}

		h.logger.Info("decision settled via http", map[string]interface{}{
			"operation":   "http_decision",
			"decision_id": decisionID,
			"entity_type": decision.EntityType,
			"entity_id":   decision.EntityID,
			"status":      action,
		})
		h.renderOK(w, decision, action)
	}
}

// advanceTask moves the gated task out of pending once its decision is
// settled. A false TryClaimTask result (task already moved by another
// path) is not an error — the decision itself is still recorded.
func (h *Handler) advanceTask(ctx context.Context, taskID int64, approve bool) {
	toStatus := model.TaskRejected
	if approve {
		toStatus = model.TaskApproved
	}
	claimed, err := h.store.TryClaimTask(ctx, taskID, toStatus, model.TaskPending)
	if err != nil {
		h.logger.Error("advance task after decision", map[string]interface{}{
			"operation": "http_decision",
			"task_id":   taskID,
			"error":     err.Error(),
		})
		return
	}
	if !claimed {
		h.logger.Warn("task no longer pending, decision recorded without a status change", map[string]interface{}{
			"operation": "http_decision",
			"task_id":   taskID,
		})
	}
}

func (h *Handler) renderOK(w http.ResponseWriter, decision *model.Decision, action string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!doctype html><html><head><title>Decision recorded</title></head>`+
		`<body><h1>Task %s</h1><p>Decision %s for entity #%d has been recorded.</p></body></html>`,
		action, html.EscapeString(decision.DecisionID), decision.EntityID)
}

func (h *Handler) renderError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!doctype html><html><head><title>Unable to process</title></head>`+
		`<body><h1>Unable to process this link</h1><p>%s</p></body></html>`, html.EscapeString(message))
}

// recover catches a panic in a handler, logs it, and returns 500
// instead of crashing the server.
func (h *Handler) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic in http handler", map[string]interface{}{
					"operation": "http_recover",
					"path":      r.URL.Path,
					"panic":     fmt.Sprintf("%v", rec),
				})
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// logRequests logs non-2xx responses and slow requests, matching the
// teacher's own dev/prod logging split for HTTP middleware.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)
		if wrapped.status >= 400 || duration > time.Second {
			h.logger.Info("http request", map[string]interface{}{
				"operation":   "http_request",
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.status,
				"duration_ms": duration.Milliseconds(),
			})
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}
