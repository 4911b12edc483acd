package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/internal/model"
)

func TestRemoteAdapter_RunSucceedsAfterPolling(t *testing.T) {
	var polls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			_ = json.NewEncoder(w).Encode(remoteJobResponse{JobID: "job-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/status/job-1":
			polls++
			if polls < 2 {
				_ = json.NewEncoder(w).Encode(remoteStatusResponse{Status: "running"})
				return
			}
			_ = json.NewEncoder(w).Encode(remoteStatusResponse{Status: "completed", Result: "final answer"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter := NewRemoteAdapter(server.URL, "test-key", WithPollInterval(5*time.Millisecond))

	result, err := adapter.Run(context.Background(), "prompt", "gpt")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "final answer", result.Output)
}

func TestRemoteAdapter_UnauthorizedClassifiesAsAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	adapter := NewRemoteAdapter(server.URL, "test-key")

	result, err := adapter.Run(context.Background(), "prompt", "gpt")
	require.Error(t, err)
	assert.Equal(t, model.FailureAuth, result.FailureType)
}

func TestRemoteAdapter_RateLimitedClassifiesAsRateLimitFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := NewRemoteAdapter(server.URL, "test-key")

	result, err := adapter.Run(context.Background(), "prompt", "gpt")
	require.Error(t, err)
	assert.Equal(t, model.FailureRateLimit, result.FailureType)
}

func TestRemoteAdapter_JobFailureReturnsUnsuccessfulResultWithoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(remoteJobResponse{JobID: "job-2"})
		default:
			_ = json.NewEncoder(w).Encode(remoteStatusResponse{Status: "failed", Message: "bad prompt"})
		}
	}))
	defer server.Close()

	adapter := NewRemoteAdapter(server.URL, "test-key", WithPollInterval(5*time.Millisecond))

	result, err := adapter.Run(context.Background(), "prompt", "gpt")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "bad prompt", result.Output)
}

func TestRemoteAdapter_MissingConfigurationFailsFast(t *testing.T) {
	adapter := NewRemoteAdapter("", "")

	_, err := adapter.Run(context.Background(), "prompt", "gpt")
	assert.Error(t, err)
}

func TestNormalizeJobStatus(t *testing.T) {
	cases := map[string]string{
		"queued":      "queued",
		"pending":     "queued",
		"running":     "running",
		"in_progress": "running",
		"completed":   "completed",
		"success":     "completed",
		"failed":      "failed",
		"cancelled":   "failed",
		"weird":       "weird",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeJobStatus(in), "input %q", in)
	}
}
