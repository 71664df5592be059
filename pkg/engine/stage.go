package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/autoforge/autoforge/pkg/harness"
	"github.com/autoforge/autoforge/pkg/oracle"
	"github.com/autoforge/autoforge/pkg/telemetry"
	"github.com/autoforge/autoforge/pkg/workspace"
)

// Stage identifies one synthesis or verification stage.
type Stage string

const (
	// StageDiscovery expands a project description into a plan document.
	StageDiscovery Stage = "discovery"

	// StageArchitect designs the system architecture from the plan.
	StageArchitect Stage = "architect"

	// StageResearch gathers domain notes before generation. Optional.
	StageResearch Stage = "research"

	// StageGenerate scaffolds the initial project skeleton.
	StageGenerate Stage = "generate"

	// StageImplement produces or modifies files for one task.
	StageImplement Stage = "implement"

	// StageTest runs the test harness; it never calls the oracle.
	StageTest Stage = "test"

	// StageDebug diagnoses failing checks and produces a patch.
	StageDebug Stage = "debug"

	// StageOptimize performs a single improvement pass over the project.
	StageOptimize Stage = "optimize"

	// StageDocument generates project documentation.
	StageDocument Stage = "document"
)

// Validate checks that the stage is a known value.
func (s Stage) Validate() error {
	switch s {
	case StageDiscovery, StageArchitect, StageResearch, StageGenerate,
		StageImplement, StageTest, StageDebug, StageOptimize, StageDocument:
		return nil
	default:
		return fmt.Errorf("invalid stage: %s", s)
	}
}

// StageRequest carries everything one stage invocation needs.
type StageRequest struct {
	// Project is the project this stage serves.
	Project *Project

	// Stage selects the prompt and outcome handling.
	Stage Stage

	// Task is the task being worked, nil for phase-level stages.
	Task *Task

	// Plan is the discovery plan document, if one exists yet.
	Plan json.RawMessage

	// Architecture is the architecture document, if one exists yet.
	Architecture json.RawMessage

	// Excerpts maps workspace paths to (possibly truncated) contents
	// included as context.
	Excerpts map[string]string

	// Diagnostics carries failing-check summaries and prior attempt
	// errors for the debug stage.
	Diagnostics []string

	// Attempts carries the task's recent attempt records, giving the
	// debug stage the history of what already failed and how.
	Attempts []*AttemptRecord
}

// contextBytes estimates the assembled request size for the ceiling
// check. Excerpts dominate, so the estimate only has to be close.
func (r *StageRequest) contextBytes() int {
	n := len(r.Project.Description) + len(r.Plan) + len(r.Architecture)
	if r.Task != nil {
		n += len(r.Task.Description)
	}
	for path, content := range r.Excerpts {
		n += len(path) + len(content)
	}
	for _, d := range r.Diagnostics {
		n += len(d)
	}
	for _, a := range r.Attempts {
		n += len(a.Diagnostic)
	}
	return n
}

// StageOutcome is the structured result of one stage invocation.
type StageOutcome struct {
	// Stage echoes the request stage.
	Stage Stage `json:"stage"`

	// Success reports whether the stage achieved its goal. For the test
	// stage this is the suite passing; for synthesis stages it means the
	// oracle produced a usable result and all writes landed.
	Success bool `json:"success"`

	// Inconclusive is set when the test stage could not run at all.
	// An inconclusive outcome is never a semantic failure.
	Inconclusive bool `json:"inconclusive,omitempty"`

	// Content is the raw structured payload the oracle returned,
	// preserved for the orchestrator (plan and architecture documents).
	Content json.RawMessage `json:"content,omitempty"`

	// Notes is the oracle's free-form commentary, if any.
	Notes string `json:"notes,omitempty"`

	// Writes lists workspace paths written by this stage, in order.
	Writes []string `json:"writes,omitempty"`

	// FailingChecks carries the failed tests from the test stage.
	FailingChecks []harness.FailingCheck `json:"failing_checks,omitempty"`

	// FollowUps are corrective tasks requested by a debug outcome.
	FollowUps []Task `json:"follow_ups,omitempty"`

	// Duration is the wall-clock stage time.
	Duration time.Duration `json:"duration"`
}

// StageRunner executes stages against the oracle, the test harness, and
// the workspace. It performs no retries; retry policy lives in the
// development loop.
type StageRunner struct {
	oracle  oracle.Oracle
	harness harness.Harness
	ws      *workspace.Workspace
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	maxContextBytes int
	timeout         time.Duration
}

// NewStageRunner wires a stage runner.
func NewStageRunner(o oracle.Oracle, h harness.Harness, ws *workspace.Workspace, opts Options, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *StageRunner {
	return &StageRunner{
		oracle:          o,
		harness:         h,
		ws:              ws,
		logger:          logger.NewComponentLogger("stage-runner"),
		metrics:         metrics,
		tracer:          tracer,
		maxContextBytes: opts.MaxContextBytes,
		timeout:         opts.StageTimeout,
	}
}

// Run implements StageExecutor. Oversized requests are rejected
// synchronously with a structural CONTEXT_TOO_LARGE error before
// anything leaves the process.
func (r *StageRunner) Run(ctx context.Context, req *StageRequest) (*StageOutcome, error) {
	if err := req.Stage.Validate(); err != nil {
		return nil, NewStructuralError("invalid stage request", err).WithCode(ErrCodeValidation)
	}

	taskID := ""
	if req.Task != nil {
		taskID = req.Task.ID
	}

	ctx, span := r.tracer.StartStageSpan(ctx, string(req.Stage), taskID)
	defer span.End()

	if size := req.contextBytes(); r.maxContextBytes > 0 && size > r.maxContextBytes {
		err := NewStructuralError(
			fmt.Sprintf("stage context %d bytes exceeds ceiling %d", size, r.maxContextBytes), nil).
			WithCode(ErrCodeContextTooLarge).
			WithStage(req.Stage).
			WithTask(taskID).
			WithDetail("context_bytes", size)
		telemetry.RecordError(span, err)
		r.metrics.RecordError(string(ErrorClassStructural), ErrCodeContextTooLarge)
		return nil, err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	var outcome *StageOutcome
	var err error
	if req.Stage == StageTest {
		outcome, err = r.runTest(ctx, req)
	} else {
		outcome, err = r.runSynthesis(ctx, req)
	}
	duration := time.Since(start)

	if err != nil {
		telemetry.RecordError(span, err)
		var be *BuildError
		if errors.As(err, &be) {
			r.metrics.RecordError(string(be.Class), be.Code)
		}
		r.metrics.RecordStageRun(string(req.Stage), "error", duration)
		return nil, err
	}

	outcome.Duration = duration
	status := "success"
	if !outcome.Success {
		status = "failure"
	}
	r.metrics.RecordStageRun(string(req.Stage), status, duration)
	telemetry.RecordSuccess(span)
	r.logger.WithStage(string(req.Stage)).WithTaskID(taskID).
		Debugf("stage finished: success=%v writes=%d duration=%s",
			outcome.Success, len(outcome.Writes), duration.Round(time.Millisecond))
	return outcome, nil
}

// runTest invokes the test harness. A harness that cannot run at all is
// an infrastructure condition and yields an inconclusive outcome error.
func (r *StageRunner) runTest(ctx context.Context, req *StageRequest) (*StageOutcome, error) {
	result, err := r.harness.Run(ctx, r.ws.Root())
	if err != nil {
		return nil, NewInfraError("test harness unavailable", err).
			WithCode(ErrCodeHarnessDown).
			WithStage(StageTest)
	}
	return &StageOutcome{
		Stage:         StageTest,
		Success:       result.Passed,
		FailingChecks: result.FailingChecks,
	}, nil
}

// runSynthesis invokes the oracle and applies the resulting file writes
// to the workspace.
func (r *StageRunner) runSynthesis(ctx context.Context, req *StageRequest) (*StageOutcome, error) {
	taskID := ""
	if req.Task != nil {
		taskID = req.Task.ID
	}

	oracleReq := &oracle.Request{
		Stage:  string(req.Stage),
		System: systemPrompt(req.Stage),
		Prompt: assemblePrompt(req),
	}

	resp, err := r.oracle.Invoke(ctx, oracleReq)
	if err != nil {
		r.metrics.RecordOracleError(string(req.Stage), string(oracle.KindOf(err)))
		return nil, classifyOracleError(err, req.Stage, taskID)
	}
	r.metrics.RecordOracleCall(string(req.Stage), resp.InputTokens, resp.OutputTokens)

	payload, err := decodePayload(resp.Content)
	if err != nil {
		// Malformed output is transient oracle behavior, not a semantic
		// verdict on the task.
		return nil, NewInfraError("oracle returned malformed payload", err).
			WithCode(ErrCodeInvalidResponse).
			WithStage(req.Stage).
			WithTask(taskID)
	}

	outcome := &StageOutcome{
		Stage:     req.Stage,
		Success:   true,
		Content:   payload.raw,
		Notes:     payload.Notes,
		FollowUps: payload.followUpTasks(),
	}

	for _, fw := range payload.orderedFiles() {
		if err := r.ws.WriteFile(fw.path, []byte(fw.content)); err != nil {
			return outcome, NewFatalError(
				fmt.Sprintf("writing %s", fw.path), err).
				WithCode(ErrCodeIO).
				WithStage(req.Stage).
				WithTask(taskID)
		}
		outcome.Writes = append(outcome.Writes, fw.path)
	}

	return outcome, nil
}

// classifyOracleError maps oracle failure kinds onto the engine's error
// taxonomy. Auth failures will not heal with retries.
func classifyOracleError(err error, stage Stage, taskID string) error {
	switch oracle.KindOf(err) {
	case oracle.KindUnauthorized:
		return NewFatalError("oracle rejected credentials", err).
			WithCode(ErrCodeUnauthorized).WithStage(stage).WithTask(taskID)
	case oracle.KindContextTooLarge:
		return NewStructuralError("oracle rejected oversized context", err).
			WithCode(ErrCodeContextTooLarge).WithStage(stage).WithTask(taskID)
	case oracle.KindRateLimited:
		return NewInfraError("oracle rate limited", err).
			WithCode(ErrCodeRateLimited).WithStage(stage).WithTask(taskID)
	case oracle.KindInvalidResponse:
		return NewInfraError("oracle returned an invalid response", err).
			WithCode(ErrCodeInvalidResponse).WithStage(stage).WithTask(taskID)
	default:
		return NewInfraError("oracle unreachable", err).
			WithCode(ErrCodeTimeout).WithStage(stage).WithTask(taskID)
	}
}

// stagePayload is the structured shape every synthesis stage returns.
type stagePayload struct {
	Files     map[string]string `json:"files,omitempty"`
	FollowUps []followUpSpec    `json:"follow_ups,omitempty"`
	Notes     string            `json:"notes,omitempty"`

	raw json.RawMessage
}

// followUpSpec is a corrective task requested by a debug outcome.
type followUpSpec struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	Files       []string `json:"files,omitempty"`
}

func (p *stagePayload) followUpTasks() []Task {
	if len(p.FollowUps) == 0 {
		return nil
	}
	tasks := make([]Task, 0, len(p.FollowUps))
	for _, f := range p.FollowUps {
		kind := TaskKind(f.Kind)
		if kind.Validate() != nil {
			kind = TaskKindImplement
		}
		tasks = append(tasks, Task{
			ID:          f.ID,
			Kind:        kind,
			Description: f.Description,
			Priority:    f.Priority,
			Files:       f.Files,
		})
	}
	return tasks
}

type fileWrite struct {
	path    string
	content string
}

// orderedFiles returns the payload's file writes in deterministic
// path order so repeated runs apply identically.
func (p *stagePayload) orderedFiles() []fileWrite {
	if len(p.Files) == 0 {
		return nil
	}
	paths := make([]string, 0, len(p.Files))
	for path := range p.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	writes := make([]fileWrite, 0, len(paths))
	for _, path := range paths {
		writes = append(writes, fileWrite{path: path, content: p.Files[path]})
	}
	return writes
}

// decodePayload parses the oracle's content into a stage payload,
// tolerating a fenced code block around the JSON.
func decodePayload(content string) (*stagePayload, error) {
	trimmed := stripFences(content)
	if trimmed == "" {
		return nil, fmt.Errorf("empty oracle content")
	}
	var payload stagePayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, fmt.Errorf("decoding oracle payload: %w", err)
	}
	payload.raw = json.RawMessage(trimmed)
	return &payload, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// PlanDocument is the structured output of the discovery stage.
type PlanDocument struct {
	Summary string        `json:"summary"`
	Tasks   []PlannedTask `json:"tasks"`
}

// PlannedTask is one task the discovery plan proposes.
type PlannedTask struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// ParsePlan decodes a discovery stage payload into a plan document.
func ParsePlan(content json.RawMessage) (*PlanDocument, error) {
	var plan PlanDocument
	if err := json.Unmarshal(content, &plan); err != nil {
		return nil, NewInfraError("decoding plan document", err).
			WithCode(ErrCodeInvalidResponse).
			WithStage(StageDiscovery)
	}
	if len(plan.Tasks) == 0 {
		return nil, NewInfraError("plan document proposes no tasks", nil).
			WithCode(ErrCodeInvalidResponse).
			WithStage(StageDiscovery)
	}
	return &plan, nil
}

// BacklogTasks converts the plan's proposed tasks into backlog tasks.
// Unknown kinds degrade to implement rather than failing the plan.
func (p *PlanDocument) BacklogTasks(now time.Time) []Task {
	tasks := make([]Task, 0, len(p.Tasks))
	for _, pt := range p.Tasks {
		kind := TaskKind(pt.Kind)
		if kind.Validate() != nil {
			kind = TaskKindImplement
		}
		tasks = append(tasks, Task{
			ID:          pt.ID,
			Kind:        kind,
			Description: pt.Description,
			Status:      TaskStatusPending,
			Priority:    pt.Priority,
			DependsOn:   pt.DependsOn,
			Files:       pt.Files,
			CreatedAt:   now,
		})
	}
	return tasks
}

// systemPrompt returns the stage's role instruction. Every stage
// demands a single JSON object so outcomes stay machine-readable.
func systemPrompt(stage Stage) string {
	const layout = `Respond with exactly one JSON object and nothing else. ` +
		`Recognized keys: "files" (object mapping relative paths to full file contents), ` +
		`"follow_ups" (array of {id, kind, description, priority, files}), ` +
		`"notes" (string), plus any stage-specific keys named below.`

	switch stage {
	case StageDiscovery:
		return "You are a software project planner. Produce a build plan as JSON with " +
			`"summary" and "tasks" (array of {id, kind, description, priority, depends_on, files}). ` +
			`Task kinds: implement, test, document. Dependencies must form a DAG. ` + layout
	case StageArchitect:
		return "You are a software architect. Produce the system architecture as JSON with " +
			`"components", "interfaces", and "files" describing the intended layout. ` + layout
	case StageResearch:
		return "You are a domain researcher. Summarize the libraries, formats, and pitfalls " +
			`relevant to the project in "notes". Do not produce files. ` + layout
	case StageGenerate:
		return "You are a software engineer scaffolding a new project. Produce the initial " +
			`project skeleton in "files". ` + layout
	case StageImplement:
		return "You are a software engineer. Implement the given task completely, returning " +
			`every touched file in full under "files". ` + layout
	case StageDebug:
		return "You are a debugging engineer. Diagnose the failing checks, then either patch " +
			`the code under "files" or request corrective tasks under "follow_ups". ` + layout
	case StageOptimize:
		return "You are a performance engineer. Improve the project without changing behavior, " +
			`returning modified files in full under "files". ` + layout
	case StageDocument:
		return "You are a technical writer. Produce project documentation under \"files\". " + layout
	default:
		return layout
	}
}

// assemblePrompt builds the stage's context payload in a fixed section
// order so prompts stay cache-friendly across retries.
func assemblePrompt(req *StageRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Project: %s\n\n%s\n", req.Project.Name, req.Project.Description)

	if len(req.Plan) > 0 {
		b.WriteString("\n# Plan\n\n")
		b.Write(req.Plan)
		b.WriteByte('\n')
	}
	if len(req.Architecture) > 0 {
		b.WriteString("\n# Architecture\n\n")
		b.Write(req.Architecture)
		b.WriteByte('\n')
	}
	if req.Task != nil {
		fmt.Fprintf(&b, "\n# Task %s (%s)\n\n%s\n", req.Task.ID, req.Task.Kind, req.Task.Description)
		if req.Task.LastError != "" {
			fmt.Fprintf(&b, "\nPrevious attempt failed: %s\n", req.Task.LastError)
		}
	}
	if len(req.Diagnostics) > 0 {
		b.WriteString("\n# Diagnostics\n\n")
		for _, d := range req.Diagnostics {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(req.Attempts) > 0 {
		b.WriteString("\n# Attempt history\n\n")
		for _, a := range req.Attempts {
			fmt.Fprintf(&b, "- [%s] %s\n", a.Outcome, a.Diagnostic)
		}
	}
	if len(req.Excerpts) > 0 {
		b.WriteString("\n# Current files\n")
		paths := make([]string, 0, len(req.Excerpts))
		for path := range req.Excerpts {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			fmt.Fprintf(&b, "\n## %s\n\n```\n%s\n```\n", path, req.Excerpts[path])
		}
	}

	return b.String()
}
