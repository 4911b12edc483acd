// Package pipeline implements the PipelineEngine: a block-sequence
// interpreter that drives a task through route/executor/review/retry/
// escalate/done blocks, persisting resume pointers on suspension.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lothar100/forge/core"
	"github.com/lothar100/forge/internal/agentfiles"
	"github.com/lothar100/forge/internal/executor"
	"github.com/lothar100/forge/internal/model"
	domaintelemetry "github.com/lothar100/forge/internal/telemetry"
)

const outputPreviewLimit = 2000

// Store is the persistence seam the engine needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	GetAgent(ctx context.Context, id int64) (*model.Agent, error)
	GetPipeline(ctx context.Context, id int64) (*model.Pipeline, error)
	GetPipelineByTaskType(ctx context.Context, taskType string) (*model.Pipeline, error)
	GetDefaultPipeline(ctx context.Context) (*model.Pipeline, error)
	AppendExecutorLog(ctx context.Context, e *model.ExecutorLogEntry) (int64, error)
	LastReviewEntry(ctx context.Context, taskID int64) (*model.ExecutorLogEntry, error)
}

// AgentFiles is the preamble-loading seam (internal/agentfiles.Store).
type AgentFiles interface {
	Load(agentName string) (agentfiles.Preamble, error)
}

// Telemetry records block-level span events and counters; nil-safe via
// core.NoOpTelemetry when telemetry isn't wired.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, core.Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Engine is the PipelineEngine.
type Engine struct {
	store      Store
	agentFiles AgentFiles
	adapters   *executor.Registry
	logger     core.Logger
	telemetry  Telemetry
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger injects a structured logger.
func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTelemetry injects a telemetry sink.
func WithTelemetry(t Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

// New builds an Engine.
func New(store Store, agentFiles AgentFiles, adapters *executor.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		agentFiles: agentFiles,
		adapters:   adapters,
		logger:     &core.NoOpLogger{},
		telemetry:  &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run resolves the task's pipeline, walks its blocks from index 0 or
// the persisted resume_block_index, and drives the task to its next
// stable state (done, blocked, paused_limit, queued_for_claude, or
// simply awaiting the next scheduler tick).
func (e *Engine) Run(ctx context.Context, taskID int64) error {
	ctx, span := e.telemetry.StartSpan(ctx, "pipeline.run")
	defer span.End()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	pl, err := e.resolvePipeline(ctx, task)
	if err != nil {
		return err
	}

	def, err := ParseBlocksJSON(pl.BlocksJSON)
	if err != nil {
		return core.NewFrameworkErrorWithID("pipeline.Run", "pipeline", fmt.Sprint(pl.ID), err)
	}

	preamble, err := e.loadPreamble(ctx, task)
	if err != nil {
		e.logger.Warn("failed to load agent preamble", map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}

	// A non-empty resume pointer, not the task's current status, is the
	// resume signal: the scheduler already CAS'd status to running
	// before spawning this run, so status alone can't distinguish a
	// fresh dispatch from a resumed one.
	start := 0
	if task.ResumePipelineRef != "" {
		start = task.ResumeBlockIndex
		task.ResumePipelineRef = ""
		task.ResumeBlockIndex = 0
	}

	task.Status = model.TaskRunning
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	var lastOutput string
	var includeReviewNotes bool
	i := start
	for i < len(def.Blocks) {
		block := def.Blocks[i]
		suspended, next, err := e.runBlock(ctx, task, pl, i, block, preamble, &lastOutput, &includeReviewNotes)
		if err != nil {
			task.LastError = err.Error()
			if saveErr := e.store.UpdateTask(ctx, task); saveErr != nil {
				return saveErr
			}
		}
		if suspended {
			return nil
		}
		i = next
	}

	// Fell off the end without a done block: treat as complete.
	if task.Status == model.TaskRunning {
		task.Status = model.TaskDone
		return e.store.UpdateTask(ctx, task)
	}
	return nil
}

// runBlock executes one block and returns whether the run suspended
// (awaiting approval/resume) plus the index of the next block to run.
func (e *Engine) runBlock(ctx context.Context, task *model.Task, pl *model.Pipeline, index int, block Block, preamble string, lastOutput *string, includeReviewNotes *bool) (suspended bool, next int, err error) {
	started := time.Now()
	kind := BlockKind(block.Type)

	entry := &model.ExecutorLogEntry{
		TaskID:     task.ID,
		PipelineID: pl.ID,
		BlockIndex: index,
		BlockKind:  block.Type,
		StartedAt:  started,
	}
	defer func() {
		entry.Duration = time.Since(started)
		if _, logErr := e.store.AppendExecutorLog(ctx, entry); logErr != nil {
			e.logger.Error("failed to append executor log", map[string]interface{}{"task_id": task.ID, "error": logErr.Error()})
		}
		labels := domaintelemetry.LabelsForBlock(entry.BlockKind, entry.Executor, entry.Success)
		e.telemetry.RecordMetric(domaintelemetry.MetricBlockDuration, float64(entry.Duration.Milliseconds()), labels)
		e.telemetry.RecordMetric(domaintelemetry.MetricBlockCount, 1, labels)
	}()

	switch kind {
	case BlockRoute:
		entry.Success = true
		return false, index + 1, nil

	case BlockExecutor:
		return e.runExecutorBlock(ctx, task, block, preamble, entry, lastOutput, index, includeReviewNotes)

	case BlockReview:
		return e.runReviewBlock(ctx, task, pl, block, preamble, entry, lastOutput, index)

	case BlockRetry:
		return e.runRetryBlock(ctx, task, block, entry, index, includeReviewNotes)

	case BlockEscalate:
		return e.runEscalateBlock(ctx, task, pl, block, preamble, entry, lastOutput, index, includeReviewNotes)

	case BlockDone:
		task.Status = model.TaskDone
		task.ResumeBlockIndex = 0
		task.ResumePipelineRef = ""
		entry.Success = true
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return false, index + 1, err
		}
		return true, index + 1, nil

	default:
		e.logger.Warn("unknown pipeline block kind, treating as no-op", map[string]interface{}{
			"operation": "pipeline_block",
			"block_kind": block.Type,
			"task_id":   task.ID,
		})
		entry.Success = true
		return false, index + 1, nil
	}
}

func (e *Engine) runExecutorBlock(ctx context.Context, task *model.Task, block Block, preamble string, entry *model.ExecutorLogEntry, lastOutput *string, index int, includeReviewNotes *bool) (bool, int, error) {
	modelName := block.configString("model", task.Title)
	executorKind := block.configString("executor", "remote-llm")
	entry.Model = modelName
	entry.Executor = executorKind

	adapter, ok := e.adapters.Get(executorKind)
	if !ok {
		entry.Error = core.ErrNoAdapter.Error()
		return false, index + 1, core.ErrNoAdapter
	}

	prompt := buildPrompt(preamble, task, *lastOutput, e.consumeReviewNotes(ctx, task.ID, includeReviewNotes))
	result, runErr := adapter.Run(ctx, prompt, modelName)
	entry.Success = result.Success
	entry.FailureType = string(result.FailureType)
	entry.OutputPreview = truncate(result.Output, outputPreviewLimit)
	e.telemetry.RecordMetric(domaintelemetry.MetricExecutorDispatch, 1,
		domaintelemetry.LabelsForExecutor(executorKind, result.Success, string(result.FailureType)))
	if runErr != nil {
		entry.Error = runErr.Error()
	}

	if result.Success {
		*lastOutput = result.Output
		task.LastResult = result.Output
		task.LastError = ""
	} else {
		task.LastError = entry.Error
	}
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return false, index + 1, err
	}
	return false, index + 1, runErr
}

func (e *Engine) runReviewBlock(ctx context.Context, task *model.Task, pl *model.Pipeline, block Block, preamble string, entry *model.ExecutorLogEntry, lastOutput *string, index int) (bool, int, error) {
	modelName := block.configString("model", "")
	executorKind := block.configString("executor", "remote-llm")
	entry.Model = modelName
	entry.Executor = executorKind

	adapter, ok := e.adapters.Get(executorKind)
	if !ok {
		entry.Error = core.ErrNoAdapter.Error()
		return false, index + 1, core.ErrNoAdapter
	}

	prompt := buildReviewPrompt(preamble, task, *lastOutput)
	result, runErr := adapter.Run(ctx, prompt, modelName)
	entry.OutputPreview = truncate(result.Output, outputPreviewLimit)
	e.telemetry.RecordMetric(domaintelemetry.MetricExecutorDispatch, 1,
		domaintelemetry.LabelsForExecutor(executorKind, result.Success, string(result.FailureType)))
	if runErr != nil {
		entry.Error = runErr.Error()
		entry.Success = false
		return false, index + 1, runErr
	}

	verdict := ParseVerdict(result.Output)
	entry.Verdict = verdict
	entry.Success = verdict == "PASS"
	entry.ReviewNotes = result.Output
	task.ReviewSummary = result.Output

	if verdict == "PASS" {
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return false, index + 1, err
		}
		passAction := block.configString("pass_action", "skip_to_done")
		if passAction == "skip_to_done" {
			def, _ := ParseBlocksJSON(pl.BlocksJSON)
			return false, doneBlockIndex(def.Blocks, index), nil
		}
		return false, index + 1, nil
	}

	// FAIL preserves the prior output; continue to the next block
	// (typically a retry or escalate block).
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return false, index + 1, err
	}
	return false, index + 1, nil
}

// doneBlockIndex returns the index of the first done block after
// current, or len(blocks) when none follows, so pass_action=skip_to_done
// jumps past any retry/escalate blocks in between.
func doneBlockIndex(blocks []Block, current int) int {
	for i := current + 1; i < len(blocks); i++ {
		if BlockKind(blocks[i].Type) == BlockDone {
			return i
		}
	}
	return len(blocks)
}

func (e *Engine) runRetryBlock(ctx context.Context, task *model.Task, block Block, entry *model.ExecutorLogEntry, index int, includeReviewNotes *bool) (bool, int, error) {
	maxRetries := block.configInt("max_retries", 3)
	entry.Success = true

	if task.RetryCount >= maxRetries {
		// Retries exhausted: fall through to whatever follows (escalate).
		return false, index + 1, nil
	}

	task.RetryCount++
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return false, index + 1, err
	}

	*includeReviewNotes = block.configBool("include_review_notes", false)

	target := block.configInt("target_index", index-1)
	if target < 0 {
		target = 0
	}
	return false, target, nil
}

// consumeReviewNotes returns the most recent review block's notes for
// the task when a retry block upstream asked for them
// (config.include_review_notes), and clears the flag so only the
// block the retry rewound to picks them up.
func (e *Engine) consumeReviewNotes(ctx context.Context, taskID int64, includeReviewNotes *bool) string {
	if !*includeReviewNotes {
		return ""
	}
	*includeReviewNotes = false
	entry, err := e.store.LastReviewEntry(ctx, taskID)
	if err != nil || entry == nil {
		return ""
	}
	return entry.ReviewNotes
}

func (e *Engine) runEscalateBlock(ctx context.Context, task *model.Task, pl *model.Pipeline, block Block, preamble string, entry *model.ExecutorLogEntry, lastOutput *string, index int, includeReviewNotes *bool) (bool, int, error) {
	modelName := block.configString("model", "")
	executorKind := block.configString("executor", "premium-cli")
	onLimit := OnLimit(block.configString("on_limit", string(OnLimitQueue)))
	entry.Model = modelName
	entry.Executor = executorKind

	adapter, ok := e.adapters.Get(executorKind)
	if !ok {
		entry.Error = core.ErrNoAdapter.Error()
		return false, index + 1, core.ErrNoAdapter
	}

	prompt := buildPrompt(preamble, task, *lastOutput, e.consumeReviewNotes(ctx, task.ID, includeReviewNotes))
	result, runErr := adapter.Run(ctx, prompt, modelName)
	entry.Success = result.Success
	entry.FailureType = string(result.FailureType)
	entry.OutputPreview = truncate(result.Output, outputPreviewLimit)
	e.telemetry.RecordMetric(domaintelemetry.MetricExecutorDispatch, 1,
		domaintelemetry.LabelsForExecutor(executorKind, result.Success, string(result.FailureType)))
	if runErr != nil {
		entry.Error = runErr.Error()
	}

	if result.Success {
		*lastOutput = result.Output
		task.LastResult = result.Output
		task.LastError = ""
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return false, index + 1, err
		}
		return false, index + 1, nil
	}

	task.LastError = entry.Error
	switch result.FailureType {
	case model.FailureDailyLimit:
		if onLimit == OnLimitQueue {
			return e.suspend(ctx, task, pl, index, model.TaskQueuedForClaude)
		}
		return e.suspend(ctx, task, pl, index, model.TaskBlocked)
	case model.FailureAuth, model.FailureError:
		if onLimit == OnLimitQueue {
			return e.suspend(ctx, task, pl, index, model.TaskPausedLimit)
		}
		return e.suspend(ctx, task, pl, index, model.TaskBlocked)
	default:
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return false, index + 1, err
		}
		return false, index + 1, runErr
	}
}

func (e *Engine) suspend(ctx context.Context, task *model.Task, pl *model.Pipeline, index int, status model.TaskStatus) (bool, int, error) {
	task.Status = status
	task.ResumeBlockIndex = index
	task.ResumePipelineRef = fmt.Sprint(pl.ID)
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return false, index + 1, err
	}
	return true, index + 1, nil
}

// resolvePipeline picks the task's agent's pipeline, falling back to a
// pipeline whose task_type matches the task's derived type, else the
// pipeline tagged "default".
func (e *Engine) resolvePipeline(ctx context.Context, task *model.Task) (*model.Pipeline, error) {
	if task.AssignedAgentID != nil {
		agent, err := e.store.GetAgent(ctx, *task.AssignedAgentID)
		if err == nil && agent.PipelineID != nil {
			if pl, err := e.store.GetPipeline(ctx, *agent.PipelineID); err == nil {
				return pl, nil
			}
		}
	}

	taskType := deriveTaskType(task)
	if taskType != "" {
		if pl, err := e.store.GetPipelineByTaskType(ctx, taskType); err == nil {
			return pl, nil
		}
	}

	return e.store.GetDefaultPipeline(ctx)
}

// deriveTaskType resolves the Open Question on task-type derivation:
// an explicit task_type is not stored on Task itself, so this falls
// back to keyword matching the title/description against known types.
func deriveTaskType(task *model.Task) string {
	lower := strings.ToLower(task.Title + " " + task.Description)
	switch {
	case strings.Contains(lower, "review"):
		return "review"
	case strings.Contains(lower, "architecture"), strings.Contains(lower, "design"):
		return "architecture"
	case strings.Contains(lower, "report"):
		return "reporting"
	default:
		return ""
	}
}

func (e *Engine) loadPreamble(ctx context.Context, task *model.Task) (string, error) {
	if task.AssignedAgentID == nil {
		return "", nil
	}
	// agentFiles.Load is keyed by the agent's name (its on-disk
	// directory), not its numeric id, so the id must be resolved first.
	agent, err := e.store.GetAgent(ctx, *task.AssignedAgentID)
	if err != nil {
		return "", err
	}
	preamble, err := e.agentFiles.Load(agent.Name)
	if err != nil {
		return "", err
	}
	return preamble.Text, nil
}

func buildPrompt(preamble string, task *model.Task, priorOutput, reviewNotes string) string {
	var b strings.Builder
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n\n")
	}
	b.WriteString("# Task: " + task.Title + "\n\n")
	b.WriteString(task.Description)
	if reviewNotes != "" {
		b.WriteString("\n\n## Review notes\n" + reviewNotes)
	}
	if priorOutput != "" {
		b.WriteString("\n\n## Prior output\n" + priorOutput)
	}
	return b.String()
}

func buildReviewPrompt(preamble string, task *model.Task, output string) string {
	var b strings.Builder
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n\n")
	}
	b.WriteString("# Review: " + task.Title + "\n\n")
	b.WriteString("Review the following output and respond with a verdict of PASS or FAIL on the first line.\n\n")
	b.WriteString(output)
	return b.String()
}

// ParseVerdict classifies a reviewer's output as PASS or FAIL:
// case-insensitive, FAIL if the output contains a JSON "verdict" field
// whose value contains "fail", or the trimmed output begins with
// "fail", or contains a line starting with "fail"; otherwise PASS.
func ParseVerdict(output string) string {
	lower := strings.ToLower(strings.TrimSpace(output))
	if strings.Contains(lower, `"verdict"`) && strings.Contains(extractVerdictField(lower), "fail") {
		return "FAIL"
	}
	if strings.HasPrefix(lower, "fail") {
		return "FAIL"
	}
	if strings.Contains(lower, "\nfail") {
		return "FAIL"
	}
	return "PASS"
}

// extractVerdictField returns the string value of the first "verdict"
// key in lower, or "" when that key has no quoted string value.
func extractVerdictField(lower string) string {
	idx := strings.Index(lower, `"verdict"`)
	if idx == -1 {
		return ""
	}
	rest := strings.TrimLeft(lower[idx+len(`"verdict"`):], " \t\r\n")
	if !strings.HasPrefix(rest, ":") {
		return ""
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")
	if !strings.HasPrefix(rest, `"`) {
		return ""
	}
	rest = rest[1:]
	if end := strings.Index(rest, `"`); end != -1 {
		return rest[:end]
	}
	return rest
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
