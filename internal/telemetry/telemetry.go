// Package telemetry names the domain metrics that internal/pipeline
// emits through core.Telemetry, so every emission site agrees on
// the same metric names and label keys regardless of which concrete
// core.Telemetry (OTel-backed or no-op) is wired in.
package telemetry

// Metric names emitted by internal/pipeline, including the per-dispatch
// executor metrics.
const (
	MetricBlockDuration    = "pipeline.block.duration_ms"
	MetricBlockCount       = "pipeline.block.count"
	MetricExecutorDispatch = "executor.dispatch.count"
)

// LabelsForBlock builds the standard label set for a block-execution
// metric: which block kind ran, which executor it dispatched to (if
// any), and whether it succeeded.
func LabelsForBlock(blockKind, executorName string, success bool) map[string]string {
	labels := map[string]string{
		"block_kind": blockKind,
		"status":     statusLabel(success),
	}
	if executorName != "" {
		labels["executor"] = executorName
	}
	return labels
}

// LabelsForExecutor builds the standard label set for an executor
// dispatch metric, including the classified failure type on failure.
func LabelsForExecutor(executorName string, success bool, failureType string) map[string]string {
	labels := map[string]string{
		"executor": executorName,
		"status":   statusLabel(success),
	}
	if !success && failureType != "" {
		labels["failure_type"] = failureType
	}
	return labels
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
