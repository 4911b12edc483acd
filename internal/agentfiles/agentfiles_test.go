package agentfiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lothar100/forge/internal/model"
)

func TestEnsureAgentDir_CreatesStandardFilesWithRoleContent(t *testing.T) {
	s := New(t.TempDir())

	dir, err := s.EnsureAgentDir("Programmer", model.RoleProgramming)
	require.NoError(t, err)
	assert.NotEmpty(t, dir)

	files, err := s.List("Programmer")
	require.NoError(t, err)
	assert.Equal(t, []string{"CONTEXT.md", "INSTRUCTIONS.md", "SOUL.md"}, files)

	instructions, err := s.Read("Programmer", "INSTRUCTIONS.md")
	require.NoError(t, err)
	assert.Contains(t, instructions, "Write clean, well-structured code")
}

func TestEnsureAgentDir_IsIdempotentAndPreservesEdits(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.EnsureAgentDir("Architect", model.RoleArchitecture)
	require.NoError(t, err)

	require.NoError(t, s.Write("Architect", "SOUL.md", "custom soul content"))

	_, err = s.EnsureAgentDir("Architect", model.RoleArchitecture)
	require.NoError(t, err)

	content, err := s.Read("Architect", "SOUL.md")
	require.NoError(t, err)
	assert.Equal(t, "custom soul content", content)
}

func TestLoad_ConcatenatesInFixedOrderThenAlphabetical(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.EnsureAgentDir("Reviewer", model.RoleReviewing)
	require.NoError(t, err)
	require.NoError(t, s.Write("Reviewer", "SOUL.md", "soul"))
	require.NoError(t, s.Write("Reviewer", "INSTRUCTIONS.md", "instructions"))
	require.NoError(t, s.Write("Reviewer", "CONTEXT.md", "context"))
	require.NoError(t, s.Write("Reviewer", "EXTRA.md", "extra"))

	preamble, err := s.Load("Reviewer")
	require.NoError(t, err)
	assert.Equal(t, "soul\n\ninstructions\n\ncontext\n\nextra", preamble.Text)
}

func TestDelete_RefusesToRemoveStandardFiles(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.EnsureAgentDir("Reporter", model.RoleReporting)
	require.NoError(t, err)

	deleted, err := s.Delete("Reporter", "SOUL.md")
	require.NoError(t, err)
	assert.False(t, deleted)

	files, err := s.List("Reporter")
	require.NoError(t, err)
	assert.Contains(t, files, "SOUL.md")
}

func TestDelete_RemovesCustomFile(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.EnsureAgentDir("Reporter", model.RoleReporting)
	require.NoError(t, err)
	require.NoError(t, s.Write("Reporter", "NOTES.md", "notes"))

	deleted, err := s.Delete("Reporter", "NOTES.md")
	require.NoError(t, err)
	assert.True(t, deleted)

	files, err := s.List("Reporter")
	require.NoError(t, err)
	assert.NotContains(t, files, "NOTES.md")
}

func TestLoad_UnknownAgentReturnsEmptyPreamble(t *testing.T) {
	s := New(t.TempDir())

	preamble, err := s.Load("nobody")
	require.NoError(t, err)
	assert.Empty(t, preamble.Text)
}
