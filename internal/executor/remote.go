package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

// remoteJobRequest (with remoteTask/remoteAgent/remoteMeta) describes
// the POST /jobs request body.
type remoteJobRequest struct {
	Task     remoteTask  `json:"task"`
	Agent    remoteAgent `json:"agent"`
	APIKey   string      `json:"openrouter_api_key"`
	Metadata remoteMeta  `json:"metadata"`
}

type remoteTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type remoteAgent struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Model string `json:"model"`
}

type remoteMeta struct {
	Source   string `json:"source"`
	TaskID   int64  `json:"task_id"`
	Critical bool   `json:"critical"`
}

type remoteJobResponse struct {
	JobID string `json:"job_id"`
	ID    string `json:"id"`
	JobID2 string `json:"jobId"`
}

func (r remoteJobResponse) resolvedID() string {
	if r.JobID != "" {
		return r.JobID
	}
	if r.ID != "" {
		return r.ID
	}
	return r.JobID2
}

type remoteStatusResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Result    string `json:"result"`
	Output    string `json:"output"`
	Message   string `json:"message"`
	UsedModel string `json:"used_model"`
}

func (r remoteStatusResponse) resolvedStatus() string {
	if r.Status != "" {
		return r.Status
	}
	return r.State
}

func (r remoteStatusResponse) resolvedOutput() string {
	if r.Result != "" {
		return r.Result
	}
	if r.Output != "" {
		return r.Output
	}
	return r.Message
}

// NormalizeJobStatus maps a gateway-reported status string onto the
// fixed vocabulary queued/running/completed/failed.
func NormalizeJobStatus(raw string) string {
	switch strings.ToLower(raw) {
	case "queued", "pending":
		return "queued"
	case "running", "in_progress":
		return "running"
	case "completed", "complete", "succeeded", "success", "done":
		return "completed"
	case "failed", "error", "cancelled", "canceled":
		return "failed"
	default:
		return raw
	}
}

// RemoteAdapter dispatches work to an OpenAI-compatible job-submission
// gateway: POST /jobs to start, GET /status/{job_id} to poll, modeled
// on the teacher's (now-deleted) ai/providers/openai/client.go HTTP
// client construction adapted to this system's async job contract.
type RemoteAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     core.Logger
	pollEvery  time.Duration
	pollFor    time.Duration
}

// RemoteOption configures a RemoteAdapter at construction time.
type RemoteOption func(*RemoteAdapter)

// WithRemoteLogger injects a structured logger.
func WithRemoteLogger(logger core.Logger) RemoteOption {
	return func(a *RemoteAdapter) { a.logger = logger }
}

// WithPollInterval overrides the default job-status poll cadence.
func WithPollInterval(interval time.Duration) RemoteOption {
	return func(a *RemoteAdapter) { a.pollEvery = interval }
}

// NewRemoteAdapter builds a RemoteAdapter targeting baseURL, authorizing
// every call with apiKey.
func NewRemoteAdapter(baseURL, apiKey string, opts ...RemoteOption) *RemoteAdapter {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	a := &RemoteAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   120 * time.Second,
		},
		logger:    &core.NoOpLogger{},
		pollEvery: 2 * time.Second,
		pollFor:   300 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run submits a job and polls until it reaches a terminal state or the
// adapter's own poll budget is exhausted.
func (a *RemoteAdapter) Run(ctx context.Context, prompt, modelName string) (Result, error) {
	if a.baseURL == "" || a.apiKey == "" {
		return Result{Success: false, Err: core.ErrMissingConfiguration, FailureType: model.FailureError}, core.ErrMissingConfiguration
	}

	start := time.Now()
	jobID, err := a.submit(ctx, prompt, modelName)
	if err != nil {
		return a.classifyError(err, time.Since(start))
	}

	deadline := time.Now().Add(a.pollFor)
	for time.Now().Before(deadline) {
		status, output, err := a.poll(ctx, jobID)
		if err != nil {
			return a.classifyError(err, time.Since(start))
		}
		switch status {
		case "completed":
			return Result{Success: true, Output: output, Duration: time.Since(start), Executor: "remote-llm"}, nil
		case "failed":
			return Result{Success: false, Output: output, Duration: time.Since(start), FailureType: model.FailureError, Executor: "remote-llm"}, nil
		}

		select {
		case <-ctx.Done():
			return Result{Success: false, Duration: time.Since(start), Err: ctx.Err(), FailureType: model.FailureTimeout, Executor: "remote-llm"}, ctx.Err()
		case <-time.After(a.pollEvery):
		}
	}
	return Result{Success: false, Duration: time.Since(start), FailureType: model.FailureTimeout, Executor: "remote-llm"}, core.ErrTimeout
}

func (a *RemoteAdapter) submit(ctx context.Context, prompt, modelName string) (string, error) {
	body := remoteJobRequest{
		Task:   remoteTask{Title: "pipeline execution", Description: prompt},
		Agent:  remoteAgent{Model: modelName},
		APIKey: a.apiKey,
		Metadata: remoteMeta{
			Source: "forge",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal job request: %w", err)
	}

	var resp remoteJobResponse
	operation := func() (remoteJobResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/jobs", bytes.NewReader(payload))
		if err != nil {
			return remoteJobResponse{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.apiKey)

		httpResp, err := a.httpClient.Do(req)
		if err != nil {
			return remoteJobResponse{}, err // retryable: connection-level failure
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode >= 500 {
			return remoteJobResponse{}, fmt.Errorf("gateway %d", httpResp.StatusCode)
		}
		if httpResp.StatusCode == http.StatusUnauthorized {
			return remoteJobResponse{}, backoff.Permanent(&statusError{code: httpResp.StatusCode})
		}
		if httpResp.StatusCode == http.StatusTooManyRequests {
			return remoteJobResponse{}, backoff.Permanent(&statusError{code: httpResp.StatusCode})
		}
		if httpResp.StatusCode >= 400 {
			data, _ := io.ReadAll(httpResp.Body)
			return remoteJobResponse{}, backoff.Permanent(fmt.Errorf("gateway %d: %s", httpResp.StatusCode, string(data)))
		}

		var out remoteJobResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
			return remoteJobResponse{}, backoff.Permanent(err)
		}
		return out, nil
	}

	resp, err = backoff.Retry(ctx, operation, backoff.WithMaxTries(4))
	if err != nil {
		return "", err
	}
	return resp.resolvedID(), nil
}

func (a *RemoteAdapter) poll(ctx context.Context, jobID string) (status, output string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/status/"+jobID, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	httpResp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized {
		return "", "", &statusError{code: httpResp.StatusCode}
	}
	if httpResp.StatusCode == http.StatusTooManyRequests {
		return "", "", &statusError{code: httpResp.StatusCode}
	}
	if httpResp.StatusCode >= 400 {
		return "", "", fmt.Errorf("gateway status %d", httpResp.StatusCode)
	}

	var out remoteStatusResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	return NormalizeJobStatus(out.resolvedStatus()), out.resolvedOutput(), nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("http status %d", e.code) }

func (a *RemoteAdapter) classifyError(err error, elapsed time.Duration) (Result, error) {
	var se *statusError
	if errorsAs(err, &se) {
		switch se.code {
		case http.StatusUnauthorized:
			return Result{Success: false, Duration: elapsed, Err: err, FailureType: model.FailureAuth, Executor: "remote-llm"}, err
		case http.StatusTooManyRequests:
			return Result{Success: false, Duration: elapsed, Err: err, FailureType: model.FailureRateLimit, Executor: "remote-llm"}, err
		}
	}
	if ctxErr := err; ctxErr == context.DeadlineExceeded {
		return Result{Success: false, Duration: elapsed, Err: err, FailureType: model.FailureTimeout, Executor: "remote-llm"}, err
	}
	return Result{Success: false, Duration: elapsed, Err: err, FailureType: model.FailureError, Executor: "remote-llm"}, err
}

func errorsAs(err error, target **statusError) bool {
	for err != nil {
		if se, ok := err.(*statusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
