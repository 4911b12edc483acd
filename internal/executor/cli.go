package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/health"
	"github.com/lothar100/forge/internal/model"
	"github.com/lothar100/forge/resilience"
)

var (
	authPattern       = regexp.MustCompile(`(?i)unauthorized|login|session.?expired|auth|token`)
	rateLimitPattern  = regexp.MustCompile(`(?i)rate.?limit|too many requests|throttled|capacity|try again later`)
	dailyLimitPattern = regexp.MustCompile(`(?i)daily.?limit|usage.?limit|limit.?reached|quota.?exceeded`)
)

// CLIAdapter spawns the premium-model CLI as a subprocess
// (`<bin> -p "<prompt>"`), classifies the result into a FailureType,
// and feeds a health.Monitor so the cross-process health state machine
// stays current.
type CLIAdapter struct {
	bin     string
	timeout time.Duration
	monitor *health.Monitor
	logger  core.Logger
	breaker *resilience.CircuitBreaker
}

// CLIOption configures a CLIAdapter at construction time.
type CLIOption func(*CLIAdapter)

// WithCLILogger injects a structured logger.
func WithCLILogger(logger core.Logger) CLIOption {
	return func(a *CLIAdapter) { a.logger = logger }
}

// WithCLITimeout overrides the subprocess timeout.
func WithCLITimeout(timeout time.Duration) CLIOption {
	return func(a *CLIAdapter) { a.timeout = timeout }
}

// WithCircuitBreaker fails invocations fast once the subprocess has
// been erroring consistently, rather than spawning (and waiting out
// the timeout for) a CLI process that is very likely to fail again.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) CLIOption {
	return func(a *CLIAdapter) { a.breaker = cb }
}

// NewCLIAdapter builds a CLIAdapter invoking bin (e.g. "claude"),
// reporting every classified outcome to monitor.
func NewCLIAdapter(bin string, monitor *health.Monitor, opts ...CLIOption) *CLIAdapter {
	a := &CLIAdapter{
		bin:     bin,
		timeout: 300 * time.Second,
		monitor: monitor,
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run invokes the CLI with prompt, classifies the outcome, and records
// it against the health monitor before returning.
func (a *CLIAdapter) Run(ctx context.Context, prompt, _ string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, a.bin, "-p", prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(runCtx, cmd.Run)
		if errors.Is(err, core.ErrCircuitBreakerOpen) {
			return Result{Success: false, Duration: time.Since(start), Err: err, FailureType: model.FailureError, Executor: "premium-cli"}, err
		}
	} else {
		err = cmd.Run()
	}
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		_, _ = a.monitor.RecordFailure(ctx, model.FailureTimeout)
		return Result{Success: false, Duration: elapsed, Err: context.DeadlineExceeded, FailureType: model.FailureTimeout, Executor: "premium-cli"}, context.DeadlineExceeded
	}
	if errors.Is(err, exec.ErrNotFound) {
		_, _ = a.monitor.RecordFailure(ctx, model.FailureError)
		return Result{Success: false, Duration: elapsed, Err: err, FailureType: model.FailureError, Executor: "premium-cli"}, err
	}

	out := stdout.String()
	combined := out + "\n" + stderr.String()

	if err != nil {
		ft, _ := a.monitor.RecordFailure(ctx, classifyFailureText(combined))
		return Result{Success: false, Output: out, Duration: elapsed, Err: errors.New(stderr.String()), FailureType: ft, Executor: "premium-cli"}, err
	}

	if strings.TrimSpace(out) == "" {
		if a.monitor.IsStealthRateLimit(elapsed) {
			ft, _ := a.monitor.RecordFailure(ctx, model.FailureRateLimit)
			return Result{Success: false, Duration: elapsed, FailureType: ft, Executor: "premium-cli"}, errors.New("empty output, suspected rate limit")
		}
		ft, _ := a.monitor.RecordFailure(ctx, model.FailureError)
		return Result{Success: false, Duration: elapsed, FailureType: ft, Executor: "premium-cli"}, errors.New("empty output")
	}

	if dailyLimitPattern.MatchString(combined) {
		ft, _ := a.monitor.RecordFailure(ctx, model.FailureDailyLimit)
		return Result{Success: false, Output: out, Duration: elapsed, FailureType: ft, Executor: "premium-cli"}, errors.New("daily limit signal in output")
	}
	if rateLimitPattern.MatchString(combined) {
		ft, _ := a.monitor.RecordFailure(ctx, model.FailureRateLimit)
		return Result{Success: false, Output: out, Duration: elapsed, FailureType: ft, Executor: "premium-cli"}, errors.New("rate limit signal in output")
	}

	_ = a.monitor.RecordSuccess(ctx, elapsed)
	return Result{Success: true, Output: out, Duration: elapsed, Executor: "premium-cli"}, nil
}

func classifyFailureText(combined string) model.FailureType {
	switch {
	case authPattern.MatchString(combined):
		return model.FailureAuth
	case dailyLimitPattern.MatchString(combined):
		return model.FailureDailyLimit
	case rateLimitPattern.MatchString(combined):
		return model.FailureRateLimit
	default:
		return model.FailureError
	}
}
