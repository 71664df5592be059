package engine

import (
	"context"
)

// ProgressStore is the durable persistence boundary for projects,
// snapshots, and attempt records. Implementations must isolate
// projects from each other and make SaveSnapshot atomic per call.
type ProgressStore interface {
	// CreateProject persists a new project record.
	CreateProject(ctx context.Context, p *Project) error

	// GetProject loads a project record, failing with a NOT_FOUND
	// BuildError if it does not exist.
	GetProject(ctx context.Context, id string) (*Project, error)

	// ListProjects returns all project records, newest first.
	ListProjects(ctx context.Context) ([]*Project, error)

	// UpdateProjectPhase records a phase transition with an optional
	// diagnostic (set on failure, cleared otherwise).
	UpdateProjectPhase(ctx context.Context, id string, phase Phase, diagnostic string) error

	// SaveSnapshot durably writes a snapshot in a single transaction and
	// returns its monotonically increasing per-project version. A newer
	// snapshot fully supersedes older ones.
	SaveSnapshot(ctx context.Context, snap *Snapshot) (int64, error)

	// LoadSnapshot returns the latest committed snapshot for a project,
	// failing with NOT_FOUND if none exists.
	LoadSnapshot(ctx context.Context, projectID string) (*Snapshot, error)

	// AppendAttempt appends one attempt record to the project's
	// append-only history.
	AppendAttempt(ctx context.Context, rec *AttemptRecord) error

	// History returns a lazy, restartable iterator over the project's
	// attempt records ordered by execution. Used for diagnostics only;
	// control decisions use the latest snapshot.
	History(ctx context.Context, projectID string) (AttemptIterator, error)

	// LatestAttempt returns the most recent attempt record for a task,
	// or nil if the task has none.
	LatestAttempt(ctx context.Context, projectID, taskID string) (*AttemptRecord, error)

	// RequestCancel marks a project for cooperative cancellation. The
	// development loop honors it at the top of SELECT.
	RequestCancel(ctx context.Context, projectID string) error

	// CancelRequested reports (and clears, once honored) the pending
	// cancellation flag.
	CancelRequested(ctx context.Context, projectID string) (bool, error)

	// ClearCancel clears the cancellation flag after it is honored.
	ClearCancel(ctx context.Context, projectID string) error
}

// AttemptIterator walks attempt records in ascending execution order.
type AttemptIterator interface {
	// Next returns the next record, or (nil, nil) at the end.
	Next(ctx context.Context) (*AttemptRecord, error)

	// Reset restarts the iterator from the beginning.
	Reset()

	// Close releases the iterator's resources.
	Close() error
}

// StageExecutor runs exactly one stage and reports a structured
// outcome. The development loop and the orchestrator depend on this
// interface; *StageRunner is the production implementation.
type StageExecutor interface {
	Run(ctx context.Context, req *StageRequest) (*StageOutcome, error)
}
