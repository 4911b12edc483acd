package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubAdapter struct{ kind string }

func (s *stubAdapter) Run(ctx context.Context, prompt, model string) (Result, error) {
	return Result{Success: true, Executor: s.kind}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("remote-llm", &stubAdapter{kind: "remote-llm"})

	adapter, ok := r.Get("remote-llm")
	assert.True(t, ok)
	assert.NotNil(t, adapter)

	_, ok = r.Get("premium-cli")
	assert.False(t, ok)
}

func TestRegistry_RegisterReplacesExistingKind(t *testing.T) {
	r := NewRegistry()
	r.Register("local-job", &stubAdapter{kind: "first"})
	r.Register("local-job", &stubAdapter{kind: "second"})

	adapter, ok := r.Get("local-job")
	assert.True(t, ok)
	result, _ := adapter.Run(context.Background(), "", "")
	assert.Equal(t, "second", result.Executor)
}
