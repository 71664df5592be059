package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase represents the build lifecycle phase of a project.
type Phase string

const (
	// PhaseDiscovery expands the project description into a plan and
	// an initial task set.
	PhaseDiscovery Phase = "discovery"

	// PhaseArchitecture designs the system architecture from the plan.
	PhaseArchitecture Phase = "architecture"

	// PhaseGeneration seeds the task backlog (and runs the optional
	// research stage) before iterative development begins.
	PhaseGeneration Phase = "generation"

	// PhaseIterating runs the iterative development loop.
	PhaseIterating Phase = "iterating"

	// PhaseOptimizing runs the single-shot optimization stage.
	PhaseOptimizing Phase = "optimizing"

	// PhaseFinalizing generates documentation and wraps up the build.
	PhaseFinalizing Phase = "finalizing"

	// PhaseComplete indicates the build finished successfully.
	PhaseComplete Phase = "complete"

	// PhaseFailed indicates an unrecoverable error or a stalled backlog.
	// The project remains inspectable and resumable.
	PhaseFailed Phase = "failed"

	// PhasePaused indicates a cooperative cancellation between iterations.
	PhasePaused Phase = "paused"
)

// IsTerminal returns true if no further work happens without a resume.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhasePaused
}

// Validate checks that the phase is a known value.
func (p Phase) Validate() error {
	switch p {
	case PhaseDiscovery, PhaseArchitecture, PhaseGeneration, PhaseIterating,
		PhaseOptimizing, PhaseFinalizing, PhaseComplete, PhaseFailed, PhasePaused:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// TaskKind is the kind of work a task represents.
type TaskKind string

const (
	TaskKindImplement TaskKind = "implement"
	TaskKindTest      TaskKind = "test"
	TaskKindDebug     TaskKind = "debug"
	TaskKindOptimize  TaskKind = "optimize"
	TaskKindDocument  TaskKind = "document"
)

// Validate checks that the task kind is a known value.
func (k TaskKind) Validate() error {
	switch k {
	case TaskKindImplement, TaskKindTest, TaskKindDebug, TaskKindOptimize, TaskKindDocument:
		return nil
	default:
		return fmt.Errorf("invalid task kind: %s", k)
	}
}

// TaskStatus is the scheduling status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal returns true for statuses that end a task's lifecycle.
// Failed is terminal unless explicitly reset for retry.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// Task is the atomic unit of schedulable work.
type Task struct {
	// ID is the unique identifier within a project.
	ID string `json:"id"`

	// Kind is the kind of work this task represents.
	Kind TaskKind `json:"kind"`

	// Description is the natural-language statement of the work.
	Description string `json:"description"`

	// Status is the current scheduling status.
	Status TaskStatus `json:"status"`

	// Priority is the explicit priority score. The backlog adds the
	// number of direct dependents when ranking, so tasks blocking the
	// most work are promoted first.
	Priority int `json:"priority"`

	// DependsOn lists task IDs that must all be done before this task
	// becomes eligible.
	DependsOn []string `json:"depends_on,omitempty"`

	// ParentID is the task that spawned this one, if any (debug path).
	ParentID string `json:"parent_id,omitempty"`

	// Attempts counts semantic attempts consumed. Never exceeds the
	// configured max iterations.
	Attempts int `json:"attempts"`

	// LastError is a summary of the most recent failure.
	LastError string `json:"last_error,omitempty"`

	// Files lists workspace paths this task is expected to touch, used
	// to build oracle context excerpts.
	Files []string `json:"files,omitempty"`

	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`
}

// AttemptOutcome is the result of a single task execution attempt.
type AttemptOutcome string

const (
	// AttemptSuccess means the attempt completed and its tests passed.
	AttemptSuccess AttemptOutcome = "success"

	// AttemptFailure means a semantic failure (tests failed, patch
	// rejected); it consumed one unit of the task's attempt budget.
	AttemptFailure AttemptOutcome = "failure"

	// AttemptError means infrastructure retries were exhausted for the
	// attempt.
	AttemptError AttemptOutcome = "error"
)

// AttemptRecord is an immutable log entry per task execution attempt.
// Records are append-only and ordered by execution; they feed the debug
// stage's context and the history surface, never control decisions.
type AttemptRecord struct {
	ID         int64          `json:"id"`
	ProjectID  string         `json:"project_id"`
	TaskID     string         `json:"task_id"`
	Outcome    AttemptOutcome `json:"outcome"`
	Diagnostic string         `json:"diagnostic,omitempty"`
	Duration   time.Duration  `json:"duration"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Snapshot is the durable, versioned serialization of a project's
// progress. A snapshot persisted after step n allows exact resumption
// at step n+1 without repeating step n's side effects.
type Snapshot struct {
	ProjectID    string          `json:"project_id"`
	Version      int64           `json:"version"`
	Phase        Phase           `json:"phase"`
	Tasks        []Task          `json:"tasks"`
	Plan         json.RawMessage `json:"plan,omitempty"`
	Architecture json.RawMessage `json:"architecture,omitempty"`
	TakenAt      time.Time       `json:"taken_at"`
}

// Project is the root aggregate. It owns its plan, architecture,
// backlog, and history; it is destroyed only by explicit deletion.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Phase       Phase     `json:"phase"`
	Diagnostic  string    `json:"diagnostic,omitempty"`
	Options     Options   `json:"options"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Options are the recognized build configuration options.
type Options struct {
	// MaxIterations is the debug sub-loop ceiling per task.
	MaxIterations int `json:"max_iterations"`

	// AutoFixErrors enables the DIAGNOSE/PATCH path.
	AutoFixErrors bool `json:"auto_fix_errors"`

	// AutoTest enables the TEST step after each execution.
	AutoTest bool `json:"auto_test"`

	// AutoOptimize enables the optimization phase.
	AutoOptimize bool `json:"auto_optimize"`

	// ResearchEnabled enables the pre-generation research stage.
	ResearchEnabled bool `json:"research_enabled"`

	// MaxContextBytes is the stage request size ceiling.
	MaxContextBytes int `json:"max_context_bytes"`

	// StageTimeout bounds each stage runner invocation.
	StageTimeout time.Duration `json:"stage_timeout"`

	// Backoff is the infrastructure retry policy.
	Backoff BackoffPolicy `json:"backoff"`
}

// DefaultOptions returns the default build options.
func DefaultOptions() Options {
	return Options{
		MaxIterations:   5,
		AutoFixErrors:   true,
		AutoTest:        true,
		AutoOptimize:    true,
		ResearchEnabled: true,
		MaxContextBytes: 128 * 1024,
		StageTimeout:    5 * time.Minute,
		Backoff:         DefaultBackoffPolicy(),
	}
}

// StatusSummary is the caller-facing view of a project's progress.
// It always reflects the last successfully persisted snapshot.
type StatusSummary struct {
	ProjectID       string             `json:"project_id"`
	Name            string             `json:"name"`
	Phase           Phase              `json:"phase"`
	Diagnostic      string             `json:"diagnostic,omitempty"`
	SnapshotVersion int64              `json:"snapshot_version"`
	TaskCounts      map[TaskStatus]int `json:"task_counts"`
	InFlightTask    string             `json:"in_flight_task,omitempty"`

	// LastAttempt is the in-flight task's most recent attempt record,
	// nil when nothing is in flight or the task has not attempted yet.
	LastAttempt *AttemptRecord `json:"last_attempt,omitempty"`
}
