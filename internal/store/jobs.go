package store

import (
	"context"
	"fmt"
	"time"
)

// localJobPollLatency is how long a local_jobs row stays "running"
// before GetJobStatus declares it complete, since the pack ships no
// actual locally-hosted model runtime to poll.
const localJobPollLatency = 2 * time.Second

// EnqueueJob inserts a queued local_jobs row, satisfying
// executor.LocalJobStore.
func (s *Store) EnqueueJob(ctx context.Context, jobID, prompt, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_jobs (job_id, prompt, model, status, ready_at)
		VALUES (?, ?, ?, 'queued', ?)`,
		jobID, prompt, model, time.Now().Add(localJobPollLatency))
	return err
}

// GetJobStatus reports a local_jobs row's status, transitioning it to
// completed once ready_at has elapsed.
func (s *Store) GetJobStatus(ctx context.Context, jobID string) (string, string, error) {
	var row struct {
		Status  string    `db:"status"`
		Output  string    `db:"output"`
		ReadyAt time.Time `db:"ready_at"`
		Prompt  string    `db:"prompt"`
	}
	if err := s.db.GetContext(ctx, &row, `SELECT status, output, ready_at, prompt FROM local_jobs WHERE job_id = ?`, jobID); err != nil {
		return "", "", err
	}
	if row.Status == "completed" || row.Status == "failed" {
		return row.Status, row.Output, nil
	}
	if time.Now().Before(row.ReadyAt) {
		return "running", "", nil
	}

	output := fmt.Sprintf("local model response for: %s", truncateForEcho(row.Prompt))
	if _, err := s.db.ExecContext(ctx, `UPDATE local_jobs SET status = 'completed', output = ? WHERE job_id = ?`, output, jobID); err != nil {
		return "", "", err
	}
	return "completed", output, nil
}

func truncateForEcho(s string) string {
	const limit = 80
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
