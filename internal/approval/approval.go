// Package approval implements the single-use capability-token
// subsystem gating sensitive transitions (task start, in the common
// case): CreateDecision mints a token, returns it to the caller for
// out-of-band delivery (internal/scheduler emails it), and stores only
// its salted hash; VerifyDecisionToken and ApplyDecision consume it
// exactly once.
package approval

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

// Store is the persistence seam this package needs.
type Store interface {
	CreateDecision(ctx context.Context, d *model.Decision) error
	GetDecision(ctx context.Context, decisionID string) (*model.Decision, error)
	GetPendingDecision(ctx context.Context, entityType string, entityID int64, action string) (*model.Decision, error)
	SettleDecision(ctx context.Context, decisionID string, status model.DecisionStatus, resultMarkdown string, decidedAt time.Time) error
}

// Manager mints and settles decisions.
type Manager struct {
	store      Store
	logger     core.Logger
	defaultTTL time.Duration
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger injects a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithDefaultTTL overrides the default decision expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.defaultTTL = ttl }
}

// New builds a Manager backed by store.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, logger: &core.NoOpLogger{}, defaultTTL: 24 * time.Hour}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateDecision mints a new pending decision for (entityType,
// entityID, action), superseding any existing pending decision for
// the same tuple, and returns the decision id plus the plaintext token
// to deliver out-of-band. The token is never persisted.
func (m *Manager) CreateDecision(ctx context.Context, entityType string, entityID int64, action string, ttl time.Duration) (decisionID, token string, err error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	decisionID = uuid.NewString()
	token = randomToken()
	salt := randomSalt()
	now := time.Now()

	d := &model.Decision{
		DecisionID:  decisionID,
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Status:      model.DecisionPending,
		TokenHash:   hashToken(token, salt),
		TokenSalt:   salt,
		ExpiresAt:   now.Add(ttl),
		RequestedAt: now,
	}
	if err := m.store.CreateDecision(ctx, d); err != nil {
		return "", "", err
	}
	m.logger.Info("decision created", map[string]interface{}{
		"operation":   "create_decision",
		"decision_id": decisionID,
		"entity_type": entityType,
		"entity_id":   entityID,
		"action":      action,
	})
	return decisionID, token, nil
}

// VerifyDecisionToken loads the decision, checks it is still pending
// and unexpired, and compares the supplied plaintext token against the
// stored salted hash in constant time.
func (m *Manager) VerifyDecisionToken(ctx context.Context, decisionID, token string) (*model.Decision, error) {
	d, err := m.store.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.DecisionPending {
		return nil, core.NewFrameworkErrorWithID("approval.VerifyDecisionToken", "decision", decisionID, core.ErrDecisionSettled)
	}
	if time.Now().After(d.ExpiresAt) {
		return nil, core.NewFrameworkErrorWithID("approval.VerifyDecisionToken", "decision", decisionID, core.ErrDecisionExpired)
	}
	want := hashToken(token, d.TokenSalt)
	if subtle.ConstantTimeCompare([]byte(want), []byte(d.TokenHash)) != 1 {
		return nil, core.NewFrameworkErrorWithID("approval.VerifyDecisionToken", "decision", decisionID, core.ErrTokenMismatch)
	}
	return d, nil
}

// ApplyDecision performs the one-shot status transition: approve=true
// moves a pending decision to approved, approve=false to rejected.
// Callers are responsible for advancing the gated entity's own state
// (e.g. the task's status) once this returns successfully.
func (m *Manager) ApplyDecision(ctx context.Context, decisionID string, approve bool, resultMarkdown string) error {
	status := model.DecisionRejected
	if approve {
		status = model.DecisionApproved
	}
	if err := m.store.SettleDecision(ctx, decisionID, status, resultMarkdown, time.Now()); err != nil {
		return err
	}
	m.logger.Info("decision settled", map[string]interface{}{
		"operation":   "apply_decision",
		"decision_id": decisionID,
		"status":      string(status),
	})
	return nil
}

// GetPendingDecision returns the outstanding pending decision, if any,
// for an (entity, action) pair — used by the scheduler to avoid
// re-requesting approval for a task that already has one outstanding.
func (m *Manager) GetPendingDecision(ctx context.Context, entityType string, entityID int64, action string) (*model.Decision, error) {
	return m.store.GetPendingDecision(ctx, entityType, entityID, action)
}

func randomToken() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func randomSalt() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func hashToken(token, salt string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
