package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/autoforge/autoforge/pkg/telemetry"
	"github.com/autoforge/autoforge/pkg/workspace"
)

// LoopResult is how a development loop run ended.
type LoopResult string

const (
	// LoopComplete means every backlog task finished successfully.
	LoopComplete LoopResult = "complete"

	// LoopStalled means unfinished tasks remain but none can proceed:
	// nothing is eligible, and no further failures can cascade.
	LoopStalled LoopResult = "stalled"
)

// DevLoop drives one project's backlog through the iterative
// select/execute/test/debug cycle until the backlog completes, stalls,
// is cancelled, or a fatal error aborts the phase.
type DevLoop struct {
	project *Project
	backlog *Backlog
	store   ProgressStore
	runner  StageExecutor
	ws      *workspace.Workspace
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	plan         json.RawMessage
	architecture json.RawMessage
	opts         Options
}

// NewDevLoop wires a development loop over an existing backlog.
func NewDevLoop(project *Project, backlog *Backlog, store ProgressStore, runner StageExecutor, ws *workspace.Workspace, plan, architecture json.RawMessage, logger *telemetry.Logger, metrics *telemetry.Metrics) *DevLoop {
	return &DevLoop{
		project:      project,
		backlog:      backlog,
		store:        store,
		runner:       runner,
		ws:           ws,
		logger:       logger.NewComponentLogger("dev-loop").WithProjectID(project.ID),
		metrics:      metrics,
		plan:         plan,
		architecture: architecture,
		opts:         project.Options,
	}
}

// Run executes the loop. It returns ErrCancelled when a cancellation
// request is honored at the top of SELECT, and a fatal error when the
// store or workspace fails. In both cases the last committed snapshot
// remains the durable truth.
func (l *DevLoop) Run(ctx context.Context) (LoopResult, error) {
	watcher, err := l.ws.Watch()
	if err != nil {
		l.logger.WithError(err).Warn("workspace watcher unavailable; external edits will go unnoticed")
	} else {
		defer watcher.Close()
	}

	for {
		// SELECT
		if err := l.checkCancel(ctx); err != nil {
			return "", err
		}

		if l.backlog.AllDone() {
			if err := l.snapshot(ctx, PhaseIterating); err != nil {
				return "", err
			}
			return LoopComplete, nil
		}

		task := l.backlog.NextEligible()
		if task == nil {
			if cascaded := l.backlog.CascadeFailures(); len(cascaded) > 0 {
				l.logger.Warnf("cascaded %d unsatisfiable tasks to failed", len(cascaded))
				if err := l.snapshot(ctx, PhaseIterating); err != nil {
					return "", err
				}
				continue
			}
			return LoopStalled, nil
		}

		if err := l.processTask(ctx, task); err != nil {
			return "", err
		}

		// ADVANCE
		if err := l.snapshot(ctx, PhaseIterating); err != nil {
			return "", err
		}
		l.publishBacklogDepth()
		if watcher != nil {
			if touched := watcher.ExternalWrites(); len(touched) > 0 {
				l.logger.Warnf("workspace edited externally during iteration: %s",
					strings.Join(touched, ", "))
			}
		}
	}
}

// checkCancel honors the process context and the cross-process cancel
// flag in the store. Cancellation between iterations is cooperative and
// loses no committed work.
func (l *DevLoop) checkCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	requested, err := l.store.CancelRequested(ctx, l.project.ID)
	if err != nil {
		return NewFatalError("checking cancellation flag", err).WithCode(ErrCodeStoreFailure)
	}
	if !requested {
		return nil
	}
	if err := l.store.ClearCancel(ctx, l.project.ID); err != nil {
		return NewFatalError("clearing cancellation flag", err).WithCode(ErrCodeStoreFailure)
	}
	return ErrCancelled
}

// processTask runs one task to a terminal status. Only fatal errors and
// cancellation propagate; semantic and infrastructure failures resolve
// into the task's own status. A task that loses an attempt to
// infrastructure restarts the cycle from EXECUTE, so later semantic
// failures keep their normal diagnose/patch handling.
func (l *DevLoop) processTask(ctx context.Context, task *Task) error {
	log := l.logger.WithTaskID(task.ID)
	if err := l.backlog.MarkInProgress(task.ID); err != nil {
		return err
	}
	log.Infof("task selected: %s", task.Description)

cycle:
	for {
		// EXECUTE
		outcome, err := l.executeStage(ctx, task, stageForKind(task.Kind), nil)
		if err != nil {
			retry, rerr := l.resolveStageError(ctx, task, err)
			if retry {
				continue cycle
			}
			return rerr
		}

		if !l.opts.AutoTest {
			// Optimistic mode: synthesis success is task success.
			return l.finishDone(ctx, task, outcome)
		}

		for {
			// TEST
			testOutcome, err := l.executeStage(ctx, task, StageTest, nil)
			if err != nil {
				retry, rerr := l.resolveStageError(ctx, task, err)
				if retry {
					continue cycle
				}
				return rerr
			}
			if testOutcome.Success {
				return l.finishDone(ctx, task, testOutcome)
			}

			// Semantic failure: tests rejected the work.
			diagnostics := describeFailures(testOutcome)
			attempts, attErr := l.backlog.IncrementAttempts(task.ID, l.opts.MaxIterations)
			if attErr != nil {
				return l.finishFailed(ctx, task, "attempt budget exhausted")
			}
			l.backlog.SetLastError(task.ID, diagnostics[0])
			if err := l.recordAttempt(ctx, task.ID, AttemptFailure, strings.Join(diagnostics, "; "), testOutcome.Duration); err != nil {
				return err
			}
			l.metrics.RecordTaskAttempt(string(task.Kind), string(AttemptFailure))
			log.Warnf("attempt %d/%d failed: %s", attempts, l.opts.MaxIterations, diagnostics[0])

			if attempts >= l.opts.MaxIterations {
				return l.finishFailed(ctx, task,
					fmt.Sprintf("tests still failing after %d attempts: %s", attempts, diagnostics[0]))
			}
			if !l.opts.AutoFixErrors {
				return l.finishFailed(ctx, task, diagnostics[0])
			}

			// DIAGNOSE / PATCH
			debugOutcome, err := l.executeStage(ctx, task, StageDebug, diagnostics)
			if err != nil {
				retry, rerr := l.resolveStageError(ctx, task, err)
				if retry {
					continue cycle
				}
				return rerr
			}
			for i := range debugOutcome.FollowUps {
				if err := l.backlog.SpawnFollowUp(task.ID, debugOutcome.FollowUps[i]); err != nil {
					log.WithError(err).Warn("dropping follow-up task from debug outcome")
				}
			}
		}
	}
}

// resolveStageError folds a stage error into the task's status.
// Infrastructure exhaustion consumes one attempt and, with budget left,
// asks the caller to restart the cycle; an unshrinkable context parks
// the task as blocked; fatal errors and cancellation propagate to the
// orchestrator.
func (l *DevLoop) resolveStageError(ctx context.Context, task *Task, stageErr error) (retry bool, err error) {
	switch {
	case IsInfra(stageErr):
		if err := l.recordAttempt(ctx, task.ID, AttemptError, stageErr.Error(), 0); err != nil {
			return false, err
		}
		l.metrics.RecordTaskAttempt(string(task.Kind), string(AttemptError))
		attempts, attErr := l.backlog.IncrementAttempts(task.ID, l.opts.MaxIterations)
		if attErr != nil || attempts >= l.opts.MaxIterations {
			return false, l.finishFailed(ctx, task,
				fmt.Sprintf("infrastructure retries exhausted: %v", stageErr))
		}
		l.backlog.SetLastError(task.ID, stageErr.Error())
		// The task stays in progress; the caller restarts from EXECUTE.
		return true, nil

	case CodeOf(stageErr) == ErrCodeContextTooLarge:
		if err := l.backlog.MarkBlocked(task.ID, stageErr.Error()); err != nil {
			return false, err
		}
		l.logger.WithTaskID(task.ID).Warn("task blocked: context cannot fit under the ceiling")
		return false, nil

	default:
		return false, stageErr
	}
}

func (l *DevLoop) finishDone(ctx context.Context, task *Task, outcome *StageOutcome) error {
	if err := l.backlog.MarkDone(task.ID); err != nil {
		return err
	}
	duration := time.Duration(0)
	if outcome != nil {
		duration = outcome.Duration
	}
	if err := l.recordAttempt(ctx, task.ID, AttemptSuccess, "", duration); err != nil {
		return err
	}
	done, _ := l.backlog.Get(task.ID)
	l.metrics.RecordTaskAttempt(string(task.Kind), string(AttemptSuccess))
	l.metrics.RecordTaskFinished(string(task.Kind), done.Attempts+1)
	l.logger.WithTaskID(task.ID).Info("task done")
	return nil
}

func (l *DevLoop) finishFailed(ctx context.Context, task *Task, reason string) error {
	if err := l.backlog.MarkFailed(task.ID, reason); err != nil {
		return err
	}
	l.logger.WithTaskID(task.ID).Errorf("task failed: %s", reason)
	return nil
}

// executeStage builds the stage request for a task and runs it with
// infrastructure retries. The debug stage additionally carries the
// task's recent attempt records. When the assembled context exceeds
// the ceiling the excerpts are shrunk and the stage retried once
// before the structural error is surfaced.
func (l *DevLoop) executeStage(ctx context.Context, task *Task, stage Stage, diagnostics []string) (*StageOutcome, error) {
	var attempts []*AttemptRecord
	if stage == StageDebug {
		attempts = l.priorAttempts(ctx, task.ID)
	}
	limit := l.opts.MaxContextBytes / 4
	for shrink := 0; ; shrink++ {
		excerpts, err := l.ws.Excerpts(task.Files, limit)
		if err != nil {
			return nil, NewFatalError("reading task context", err).
				WithCode(ErrCodeIO).WithTask(task.ID)
		}
		req := &StageRequest{
			Project:      l.project,
			Stage:        stage,
			Task:         task,
			Plan:         l.plan,
			Architecture: l.architecture,
			Excerpts:     excerpts,
			Diagnostics:  diagnostics,
			Attempts:     attempts,
		}
		outcome, err := runStageWithRetry(ctx, l.runner, req, l.opts.Backoff, l.logger)
		if err != nil && CodeOf(err) == ErrCodeContextTooLarge && shrink == 0 {
			limit /= 4
			l.logger.WithTaskID(task.ID).Debug("shrinking stage context excerpts")
			continue
		}
		return outcome, err
	}
}

// debugHistoryLimit bounds how many prior attempt records the debug
// stage sees per task.
const debugHistoryLimit = 5

// priorAttempts collects the task's most recent attempt records as
// context for diagnosis. A history read failure degrades to an empty
// history rather than blocking the debug stage.
func (l *DevLoop) priorAttempts(ctx context.Context, taskID string) []*AttemptRecord {
	it, err := l.store.History(ctx, l.project.ID)
	if err != nil {
		l.logger.WithTaskID(taskID).WithError(err).Warn("attempt history unavailable for diagnosis")
		return nil
	}
	defer it.Close()

	var recent []*AttemptRecord
	for {
		rec, err := it.Next(ctx)
		if err != nil {
			l.logger.WithTaskID(taskID).WithError(err).Warn("attempt history unavailable for diagnosis")
			return nil
		}
		if rec == nil {
			return recent
		}
		if rec.TaskID != taskID {
			continue
		}
		recent = append(recent, rec)
		if len(recent) > debugHistoryLimit {
			recent = recent[1:]
		}
	}
}

// recordAttempt appends one attempt record. History is append-only and
// a store failure here is fatal: losing the record would silently skew
// the debug stage's context after a resume.
func (l *DevLoop) recordAttempt(ctx context.Context, taskID string, outcome AttemptOutcome, diagnostic string, duration time.Duration) error {
	rec := &AttemptRecord{
		ProjectID:  l.project.ID,
		TaskID:     taskID,
		Outcome:    outcome,
		Diagnostic: diagnostic,
		Duration:   duration,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.store.AppendAttempt(ctx, rec); err != nil {
		return NewFatalError("appending attempt record", err).
			WithCode(ErrCodeStoreFailure).WithTask(taskID)
	}
	return nil
}

// snapshot persists the current backlog state. Snapshot failures are
// fatal: continuing past one would let in-memory progress diverge from
// what a resume could recover.
func (l *DevLoop) snapshot(ctx context.Context, phase Phase) error {
	snap := &Snapshot{
		ProjectID:    l.project.ID,
		Phase:        phase,
		Tasks:        l.backlog.Tasks(),
		Plan:         l.plan,
		Architecture: l.architecture,
		TakenAt:      time.Now().UTC(),
	}
	if _, err := l.store.SaveSnapshot(ctx, snap); err != nil {
		return NewFatalError("saving progress snapshot", err).WithCode(ErrCodeStoreFailure)
	}
	return nil
}

func (l *DevLoop) publishBacklogDepth() {
	for status, count := range l.backlog.Counts() {
		l.metrics.SetBacklogDepth(string(status), float64(count))
	}
}

// stageForKind maps a task kind to the synthesis stage that executes it.
func stageForKind(kind TaskKind) Stage {
	switch kind {
	case TaskKindDebug:
		return StageDebug
	case TaskKindOptimize:
		return StageOptimize
	case TaskKindDocument:
		return StageDocument
	default:
		// implement and test tasks both synthesize files
		return StageImplement
	}
}

// describeFailures renders a test outcome's failing checks as
// diagnostics for the debug stage. Never empty.
func describeFailures(outcome *StageOutcome) []string {
	if len(outcome.FailingChecks) == 0 {
		return []string{"tests failed with no parseable checks"}
	}
	out := make([]string, 0, len(outcome.FailingChecks))
	for _, check := range outcome.FailingChecks {
		out = append(out, fmt.Sprintf("%s: %s", check.Name, check.Message))
	}
	return out
}

// runStageWithRetry runs one stage, retrying infrastructure errors with
// bounded exponential backoff. Exhausting the retries surfaces the last
// infrastructure error; the caller converts it into one attempt failure.
func runStageWithRetry(ctx context.Context, runner StageExecutor, req *StageRequest, policy BackoffPolicy, logger *telemetry.Logger) (*StageOutcome, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		outcome, err := runner.Run(ctx, req)
		if err == nil {
			return outcome, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt >= policy.MaxRetries {
			return nil, lastErr
		}
		delay := policy.Delay(attempt, err)
		logger.WithStage(string(req.Stage)).WithError(err).
			Warnf("infrastructure error, retrying in %s (%d/%d)",
				delay.Round(time.Millisecond), attempt+1, policy.MaxRetries)
		if err := sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
}
