package telemetry

import "testing"

func TestLabelsForBlock_IncludesExecutorOnlyWhenPresent(t *testing.T) {
	withExecutor := LabelsForBlock("executor", "remote-llm", true)
	if withExecutor["executor"] != "remote-llm" || withExecutor["status"] != "success" || withExecutor["block_kind"] != "executor" {
		t.Fatalf("unexpected labels: %#v", withExecutor)
	}

	withoutExecutor := LabelsForBlock("route", "", true)
	if _, ok := withoutExecutor["executor"]; ok {
		t.Fatalf("expected no executor label for a route block, got %#v", withoutExecutor)
	}
}

func TestLabelsForBlock_FailureStatus(t *testing.T) {
	labels := LabelsForBlock("review", "remote-llm", false)
	if labels["status"] != "failure" {
		t.Fatalf("expected failure status, got %q", labels["status"])
	}
}

func TestLabelsForExecutor_IncludesFailureTypeOnlyOnFailure(t *testing.T) {
	success := LabelsForExecutor("premium-cli", true, "")
	if _, ok := success["failure_type"]; ok {
		t.Fatalf("expected no failure_type label on success, got %#v", success)
	}

	failure := LabelsForExecutor("premium-cli", false, "FAIL_AUTH")
	if failure["failure_type"] != "FAIL_AUTH" {
		t.Fatalf("expected failure_type FAIL_AUTH, got %#v", failure)
	}
}
