package core

import "time"

// CircuitBreakerConfig defines circuit breaker pattern settings.
// The circuit breaker prevents cascading failures by failing fast when a
// threshold of errors is reached. After a timeout period, it allows limited
// requests to test if the service has recovered.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled"`
	Threshold        int           `json:"threshold"`
	Timeout          time.Duration `json:"timeout"`
	HalfOpenRequests int           `json:"half_open_requests"`
}

// RetryConfig defines retry pattern settings with exponential backoff.
// interval = min(InitialInterval * (Multiplier ^ attempt), MaxInterval)
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`
}

// TimeoutConfig defines timeout settings for various operations.
type TimeoutConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
}
