// Package executor implements the uniform ExecutorAdapter interface
// behind three concrete backends: a remote-LLM HTTP gateway, a local
// job queue reusing the store, and a premium-CLI subprocess.
package executor

import (
	"context"
	"time"

	"github.com/lothar100/forge/internal/model"
)

// Result is the outcome of one adapter call.
type Result struct {
	Success     bool
	Output      string
	Duration    time.Duration
	Err         error
	FailureType model.FailureType
	Executor    string
}

// Adapter is the uniform interface every executor backend satisfies.
type Adapter interface {
	Run(ctx context.Context, prompt, model string) (Result, error)
}

// Registry resolves a named adapter, mirroring the teacher's
// capability-lookup pattern generalized to a fixed, small set of
// executor kinds rather than a dynamic service mesh.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for a kind (e.g. "remote-llm",
// "local-job", "premium-cli").
func (r *Registry) Register(kind string, a Adapter) {
	r.adapters[kind] = a
}

// Get returns the adapter registered for kind, or false if none is.
func (r *Registry) Get(kind string) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}
