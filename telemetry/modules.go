package telemetry

// This file declares the metric shapes that forge's own domain packages
// emit through core.Telemetry/the package-level Counter/Histogram API.
// It lives in the telemetry package (rather than internal/pipeline or
// internal/executor) to avoid an import cycle with DeclareMetrics.

func init() {
	DeclareMetrics("pipeline", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:    "pipeline.block.duration_ms",
				Type:    "histogram",
				Help:    "Time spent executing a single pipeline block",
				Labels:  []string{"block_kind", "executor", "status"},
				Unit:    "ms",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000},
			},
			{
				Name:   "pipeline.block.count",
				Type:   "counter",
				Help:   "Pipeline blocks executed",
				Labels: []string{"block_kind", "executor", "status"},
			},
		},
	})

	DeclareMetrics("executor", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "executor.dispatch.count",
				Type:   "counter",
				Help:   "Executor adapter dispatches, by outcome",
				Labels: []string{"executor", "status", "failure_type"},
			},
		},
	})

	DeclareMetrics("circuit_breaker", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "circuit_breaker.calls",
				Type:   "counter",
				Help:   "Circuit breaker protected calls, by outcome",
				Labels: []string{"name", "state"},
			},
			{
				Name:   "circuit_breaker.state_changes",
				Type:   "counter",
				Help:   "Circuit breaker state transitions",
				Labels: []string{"name", "from_state", "to_state"},
			},
			{
				Name:   "circuit_breaker.current_state",
				Type:   "gauge",
				Help:   "Circuit breaker state (0=closed, 0.5=half-open, 1=open)",
				Labels: []string{"name"},
			},
			{
				Name:   "circuit_breaker.rejected",
				Type:   "counter",
				Help:   "Calls rejected by an open circuit breaker",
				Labels: []string{"name"},
			},
		},
	})
}
