// Package agentfiles manages each agent's on-disk directory of
// markdown files (SOUL.md, INSTRUCTIONS.md, CONTEXT.md, plus
// user-added files) that together form the agent's system-prompt
// preamble, grounded on the original implementation's agent_files.py.
package agentfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/model"
)

// StandardFiles are created with default content for every new agent,
// in the fixed order they're concatenated into a Preamble.
var StandardFiles = []string{"SOUL.md", "INSTRUCTIONS.md", "CONTEXT.md"}

var roleInstructions = map[model.AgentRole]string{
	model.RoleProgramming: "- Write clean, well-structured code\n" +
		"- Include full file paths and complete code blocks\n" +
		"- Handle edge cases and error conditions\n" +
		"- Follow existing project patterns and conventions",
	model.RoleArchitecture: "- Make high-level design decisions\n" +
		"- Identify tradeoffs between approaches\n" +
		"- Create concrete implementation plans\n" +
		"- Consider scalability, maintainability, and security",
	model.RoleReviewing: "- Thoroughly review code and deliverables\n" +
		"- Identify bugs, issues, and risks\n" +
		"- Propose specific fixes and improvements\n" +
		"- Give a clear PASS or FAIL verdict",
	model.RoleReporting: "- Summarize work clearly and concisely\n" +
		"- Highlight key findings and next steps\n" +
		"- Use structured formatting for readability\n" +
		"- Include metrics where available",
}

// Store roots every agent directory under baseDir/agents/{name}/.
type Store struct {
	baseDir string
	logger  core.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger injects a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New builds a Store rooted at baseDir (typically "data").
func New(baseDir string, opts ...Option) *Store {
	s := &Store{baseDir: baseDir, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) agentDir(name string) string {
	return filepath.Join(s.baseDir, "agents", name)
}

// EnsureAgentDir creates an agent's directory and its standard files
// (if missing) with role-appropriate default content.
func (s *Store) EnsureAgentDir(name string, role model.AgentRole) (string, error) {
	dir := s.agentDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", core.NewFrameworkError("agentfiles.EnsureAgentDir", "agentfiles", err)
	}
	for _, fname := range StandardFiles {
		path := filepath.Join(dir, fname)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			content := defaultContent(fname, name, role)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", core.NewFrameworkError("agentfiles.EnsureAgentDir", "agentfiles", err)
			}
		}
	}
	return dir, nil
}

func defaultContent(filename, name string, role model.AgentRole) string {
	switch filename {
	case "SOUL.md":
		return fmt.Sprintf("# %s — Soul\n\nYou are **%s**, a %s agent in the autonomous task system.\n\n"+
			"## Personality\n- Professional and focused\n- Clear and concise in communication\n- Thorough in your work\n\n"+
			"## Values\n- Accuracy over speed\n- Completeness over brevity when it matters\n- Always explain your reasoning\n",
			name, name, role)
	case "INSTRUCTIONS.md":
		instr, ok := roleInstructions[role]
		if !ok {
			instr = "- Complete tasks as assigned\n- Be thorough and accurate"
		}
		return fmt.Sprintf("# %s — Instructions\n\n## Role\nYou are the **%s** agent. Your primary responsibilities:\n\n%s\n\n"+
			"## Output Format\n- Return your output in markdown\n- Include a short \"Result\" section first with a summary\n- Be specific and actionable\n",
			name, role, instr)
	case "CONTEXT.md":
		return fmt.Sprintf("# %s — Context\n\n## Project Context\nThis agent operates within the task management system.\n\n"+
			"## Conventions\n- Follow existing code patterns and project conventions\n- Use the tech stack already established in the project\n",
			name)
	default:
		return fmt.Sprintf("# %s — %s\n\n(Custom file)\n", name, filename)
	}
}

// List returns every markdown file in an agent's directory, sorted.
func (s *Store) List(name string) ([]string, error) {
	entries, err := os.ReadDir(s.agentDir(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewFrameworkError("agentfiles.List", "agentfiles", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Read returns the content of one of an agent's markdown files, or ""
// if it doesn't exist.
func (s *Store) Read(name, filename string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.agentDir(name), filename))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", core.NewFrameworkError("agentfiles.Read", "agentfiles", err)
	}
	return string(data), nil
}

// Write creates or updates an agent's markdown file.
func (s *Store) Write(name, filename, content string) error {
	dir := s.agentDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.NewFrameworkError("agentfiles.Write", "agentfiles", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
		return core.NewFrameworkError("agentfiles.Write", "agentfiles", err)
	}
	return nil
}

// Delete removes a custom agent file; it refuses to delete one of the
// standard files.
func (s *Store) Delete(name, filename string) (bool, error) {
	for _, std := range StandardFiles {
		if filename == std {
			return false, nil
		}
	}
	path := filepath.Join(s.agentDir(name), filename)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, core.NewFrameworkError("agentfiles.Delete", "agentfiles", err)
	}
	return true, nil
}

// Preamble is the concatenated system-prompt material for an agent:
// SOUL, INSTRUCTIONS, CONTEXT, then any remaining files alphabetically.
type Preamble struct {
	Text string
}

// Load builds a Preamble for an agent by concatenating its markdown
// files in the fixed order (SOUL, INSTRUCTIONS, CONTEXT, then the
// rest alphabetically).
func (s *Store) Load(name string) (Preamble, error) {
	files, err := s.List(name)
	if err != nil {
		return Preamble{}, err
	}
	ordered := orderFiles(files)

	var b strings.Builder
	for i, fname := range ordered {
		content, err := s.Read(name, fname)
		if err != nil {
			return Preamble{}, err
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	return Preamble{Text: b.String()}, nil
}

func orderFiles(files []string) []string {
	rank := func(f string) int {
		for i, std := range StandardFiles {
			if f == std {
				return i
			}
		}
		return len(StandardFiles)
	}
	ordered := append([]string(nil), files...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank(ordered[i]), rank(ordered[j])
		if ri != rj {
			return ri < rj
		}
		return ordered[i] < ordered[j]
	})
	return ordered
}
