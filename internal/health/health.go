// Package health implements the premium-CLI executor's state machine:
// HEALTHY, DEGRADED, AUTH_FAILED, DAILY_LIMIT_HIT, UNAVAILABLE. The
// HealthRow persisted by internal/store is the durable cross-restart
// ground truth; the in-process rolling-duration history used to
// detect stealth rate limits lives only in the Monitor's memory.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

const (
	consecutiveThreshold = 5
	failureWindow        = 30 * time.Minute
	historyCap           = 20
)

// Store is the persistence seam the Monitor needs.
type Store interface {
	GetHealth(ctx context.Context) (*model.HealthRow, error)
	SaveHealth(ctx context.Context, h *model.HealthRow) error
}

// FailureType mirrors model.FailureType to keep this package importable
// without pulling in the executor package's classification logic.
type FailureType = model.FailureType

// Monitor is the singleton premium-CLI health state machine.
type Monitor struct {
	store  Store
	logger core.Logger

	consecutiveRateLimitsForDaily int
	rateLimitWindow               time.Duration
	unavailableCooldown           time.Duration

	mu          sync.Mutex
	durations   []time.Duration   // rolling window of the last historyCap successful call durations
	rateLimitTs []time.Time       // timestamps of recent rate-limit failures, for stealth-limit promotion
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithLogger injects a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithThresholds overrides the consecutive-rate-limit promotion
// threshold, its rolling window, and the UNAVAILABLE auto-recovery
// cooldown. Zero values leave the default unchanged.
func WithThresholds(consecutiveForDaily int, rateLimitWindow, unavailableCooldown time.Duration) Option {
	return func(m *Monitor) {
		if consecutiveForDaily > 0 {
			m.consecutiveRateLimitsForDaily = consecutiveForDaily
		}
		if rateLimitWindow > 0 {
			m.rateLimitWindow = rateLimitWindow
		}
		if unavailableCooldown > 0 {
			m.unavailableCooldown = unavailableCooldown
		}
	}
}

// New builds a Monitor backed by store.
func New(store Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:                         store,
		logger:                        &core.NoOpLogger{},
		consecutiveRateLimitsForDaily: consecutiveThreshold,
		rateLimitWindow:               failureWindow,
		unavailableCooldown:           30 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetState loads the current state, first applying any auto-reset or
// auto-recovery rules (daily counter reset at midnight UTC,
// UNAVAILABLE auto-recovery to HEALTHY after the cooldown elapses).
func (m *Monitor) GetState(ctx context.Context) (model.HealthState, error) {
	h, err := m.getReconciled(ctx, time.Now())
	if err != nil {
		return "", err
	}
	return h.State, nil
}

func (m *Monitor) getReconciled(ctx context.Context, now time.Time) (*model.HealthRow, error) {
	h, err := m.store.GetHealth(ctx)
	if err != nil {
		return nil, err
	}
	dirty := false

	if now.After(h.DailyResetAt) {
		h.DailyInvocations = 0
		h.DailyResetAt = nextMidnight(now)
		if h.State == model.HealthDailyLimitHit {
			h.State = model.HealthHealthy
			h.ConsecutiveFailures = 0
		}
		dirty = true
	}

	if h.State == model.HealthUnavailable && h.LastFailure != nil {
		if now.Sub(*h.LastFailure) >= m.unavailableCooldown {
			h.State = model.HealthHealthy
			dirty = true
		}
	}

	if dirty {
		if err := m.store.SaveHealth(ctx, h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func nextMidnight(now time.Time) time.Time {
	y, mo, d := now.UTC().Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, time.UTC)
}

// RecordSuccess records a successful premium-CLI invocation: resets
// the consecutive-failure counter, recovers from DEGRADED, and feeds
// the rolling-duration history used for stealth-limit detection.
func (m *Monitor) RecordSuccess(ctx context.Context, duration time.Duration) error {
	now := time.Now()
	h, err := m.getReconciled(ctx, now)
	if err != nil {
		return err
	}
	h.LastSuccess = &now
	h.ConsecutiveFailures = 0
	h.DailyInvocations++
	if h.State == model.HealthDegraded {
		h.State = model.HealthHealthy
	}

	m.mu.Lock()
	m.durations = append(m.durations, duration)
	if len(m.durations) > historyCap {
		m.durations = m.durations[len(m.durations)-historyCap:]
	}
	m.rateLimitTs = nil
	m.mu.Unlock()

	return m.store.SaveHealth(ctx, h)
}

// IsStealthRateLimit reports whether a zero-exit, empty-output
// invocation that took `elapsed` is suspiciously slow relative to the
// rolling average of recent successful durations (3x threshold).
func (m *Monitor) IsStealthRateLimit(elapsed time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.durations) == 0 {
		return false
	}
	var sum time.Duration
	for _, d := range m.durations {
		sum += d
	}
	avg := sum / time.Duration(len(m.durations))
	return elapsed > 3*avg
}

// RecordFailure records a classified failure and applies the state
// transition table. It returns the effective failure type: a
// FailureRateLimit input is promoted to FailureDailyLimit when enough
// consecutive rate limits have landed within the rolling window, so
// callers should persist the returned type, not the one they passed in.
func (m *Monitor) RecordFailure(ctx context.Context, failureType model.FailureType) (model.FailureType, error) {
	now := time.Now()
	h, err := m.getReconciled(ctx, now)
	if err != nil {
		return failureType, err
	}

	if failureType == model.FailureRateLimit && m.promoteToDailyLimit(now) {
		failureType = model.FailureDailyLimit
	}

	h.LastFailure = &now
	h.LastFailureType = string(failureType)
	h.ConsecutiveFailures++

	switch failureType {
	case model.FailureAuth:
		h.State = model.HealthAuthFailed
	case model.FailureDailyLimit:
		h.State = model.HealthDailyLimitHit
	case model.FailureRateLimit:
		if h.State == model.HealthHealthy {
			h.State = model.HealthDegraded
		}
	case model.FailureTimeout:
		if h.ConsecutiveFailures >= consecutiveThreshold {
			h.State = model.HealthUnavailable
		} else if h.State == model.HealthHealthy {
			h.State = model.HealthDegraded
		}
	default: // FailureError
		if h.ConsecutiveFailures >= consecutiveThreshold {
			h.State = model.HealthUnavailable
		} else if h.State == model.HealthHealthy {
			h.State = model.HealthDegraded
		}
	}

	if err := m.store.SaveHealth(ctx, h); err != nil {
		return failureType, err
	}
	return failureType, nil
}

// promoteToDailyLimit records a rate-limit occurrence and reports
// whether the rolling window now holds enough of them to promote the
// state to DAILY_LIMIT_HIT.
func (m *Monitor) promoteToDailyLimit(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rateLimitTs = append(m.rateLimitTs, now)
	cutoff := now.Add(-m.rateLimitWindow)
	kept := m.rateLimitTs[:0]
	for _, ts := range m.rateLimitTs {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.rateLimitTs = kept

	return len(m.rateLimitTs) >= m.consecutiveRateLimitsForDaily
}

// ManualReset forces HEALTHY and clears every counter — used after an
// operator re-authenticates the CLI out of band.
func (m *Monitor) ManualReset(ctx context.Context) error {
	h, err := m.store.GetHealth(ctx)
	if err != nil {
		return err
	}
	h.State = model.HealthHealthy
	h.ConsecutiveFailures = 0
	h.DailyInvocations = 0
	h.LastFailureType = ""

	m.mu.Lock()
	m.durations = nil
	m.rateLimitTs = nil
	m.mu.Unlock()

	return m.store.SaveHealth(ctx, h)
}
