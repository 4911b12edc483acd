// Package config loads runtime configuration the way the teacher
// module's (now-deleted) core/config.go did: compiled defaults,
// overridden by environment variables, overridden last by functional
// options passed at construction time.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the external interfaces table.
type Config struct {
	PublicBaseURL    string
	ApproverEmail    string

	SchedulerTick      time.Duration
	OpenclawPoll       time.Duration
	RoutinesTick       time.Duration
	ScheduleApprovalLead time.Duration

	ClaudeCLITimeout              time.Duration
	ClaudeConsecutiveRateLimitsForDaily int
	ClaudeRateLimitWindow         time.Duration
	ClaudeUnavailableCooldown     time.Duration

	ApprovalTTL        time.Duration
	AutoCriticalKeywords []string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	StatusReportEmailTo string

	LogFormat string
	LogLevel  string

	DBPath string

	OpenclawEnabled bool

	MaxConcurrentRunners int

	TelemetryEnabled  bool
	TelemetryEndpoint string

	HTTPListenAddr string
}

// Option mutates a Config after defaults and environment variables
// have been applied, following the teacher's functional-option style.
type Option func(*Config)

// WithDBPath overrides the embedded database file path.
func WithDBPath(path string) Option {
	return func(c *Config) { c.DBPath = path }
}

// WithLogFormat overrides the log output format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) { c.LogFormat = format }
}

// WithPublicBaseURL overrides the base URL embedded in approval emails.
func WithPublicBaseURL(url string) Option {
	return func(c *Config) { c.PublicBaseURL = url }
}

func defaults() *Config {
	return &Config{
		SchedulerTick:        20 * time.Second,
		OpenclawPoll:         20 * time.Second,
		RoutinesTick:         10 * time.Second,
		ScheduleApprovalLead: 300 * time.Second,

		ClaudeCLITimeout:                    300 * time.Second,
		ClaudeConsecutiveRateLimitsForDaily: 3,
		ClaudeRateLimitWindow:               10 * time.Minute,
		ClaudeUnavailableCooldown:           30 * time.Minute,

		ApprovalTTL:          24 * time.Hour,
		AutoCriticalKeywords: []string{"critical", "important", "blocker", "security", "vulnerability", "risk", "exploit"},

		LogFormat: DetectEnvironment(),
		LogLevel:  "info",

		DBPath: "data/forge.db",

		OpenclawEnabled: true,

		MaxConcurrentRunners: 4,

		TelemetryEnabled:  false,
		TelemetryEndpoint: "localhost:4318",

		HTTPListenAddr: ":8080",
	}
}

func envString(name, current string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return current
}

func envInt(name string, current int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return current
}

func envBool(name string, current bool) bool {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return current
}

func envSeconds(name string, current time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return current
}

func envMinutes(name string, current time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Minute
		}
	}
	return current
}

func fromEnv(c *Config) {
	c.PublicBaseURL = envString("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.ApproverEmail = envString("APPROVER_EMAIL", c.ApproverEmail)

	c.SchedulerTick = envSeconds("SCHEDULER_TICK_SECONDS", c.SchedulerTick)
	c.OpenclawPoll = envSeconds("OPENCLAW_POLL_SECONDS", c.OpenclawPoll)
	c.RoutinesTick = envSeconds("ROUTINES_TICK_SECONDS", c.RoutinesTick)
	c.ScheduleApprovalLead = envSeconds("SCHEDULE_APPROVAL_LEAD_SECONDS", c.ScheduleApprovalLead)

	c.ClaudeCLITimeout = envSeconds("CLAUDE_CLI_TIMEOUT_SECONDS", c.ClaudeCLITimeout)
	c.ClaudeConsecutiveRateLimitsForDaily = envInt("CLAUDE_CONSECUTIVE_RATE_LIMITS_FOR_DAILY", c.ClaudeConsecutiveRateLimitsForDaily)
	c.ClaudeRateLimitWindow = envMinutes("CLAUDE_RATE_LIMIT_WINDOW_MINUTES", c.ClaudeRateLimitWindow)
	c.ClaudeUnavailableCooldown = envMinutes("CLAUDE_UNAVAILABLE_COOLDOWN_MINUTES", c.ClaudeUnavailableCooldown)

	if v := os.Getenv("APPROVAL_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ApprovalTTL = time.Duration(n) * time.Hour
		}
	}
	if v := os.Getenv("AUTO_CRITICAL_KEYWORDS"); v != "" {
		c.AutoCriticalKeywords = splitCSV(v)
	}

	c.SMTPHost = envString("SMTP_HOST", c.SMTPHost)
	c.SMTPPort = envInt("SMTP_PORT", c.SMTPPort)
	c.SMTPUser = envString("SMTP_USER", c.SMTPUser)
	c.SMTPPass = envString("SMTP_PASS", c.SMTPPass)
	c.SMTPFrom = envString("SMTP_FROM", c.SMTPFrom)

	c.StatusReportEmailTo = envString("STATUS_REPORT_EMAIL_TO", c.StatusReportEmailTo)

	c.LogFormat = envString("LOG_FORMAT", c.LogFormat)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)

	c.DBPath = envString("DB_PATH", c.DBPath)

	c.OpenclawEnabled = envBool("OPENCLAW_ENABLED", c.OpenclawEnabled)

	c.TelemetryEnabled = envBool("TELEMETRY_ENABLED", c.TelemetryEnabled)
	c.TelemetryEndpoint = envString("TELEMETRY_ENDPOINT", c.TelemetryEndpoint)

	c.HTTPListenAddr = envString("HTTP_LISTEN_ADDR", c.HTTPListenAddr)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, trim(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trim(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

// DetectEnvironment mirrors the teacher's K8s-vs-local detection,
// defaulting to structured JSON logging when running in a container
// (signaled by the presence of the Kubernetes service-account token
// mount) and to human-readable text on a local TTY otherwise.
func DetectEnvironment() string {
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount"); err == nil {
		return "json"
	}
	if fi, err := os.Stdout.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		return "text"
	}
	return "json"
}

// New builds a Config from compiled defaults, environment variables,
// then functional options, in that priority order.
func New(opts ...Option) *Config {
	c := defaults()
	fromEnv(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}
