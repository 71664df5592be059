package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autoforge/autoforge/pkg/telemetry"
	"github.com/autoforge/autoforge/pkg/workspace"
)

// stateDir is the workspace directory holding engine artifacts.
const stateDir = ".autoforge"

// Orchestrator owns the build lifecycle: it advances projects through
// the phase machine, persisting a snapshot at every transition so any
// abort resumes from the last committed step.
type Orchestrator struct {
	store   ProgressStore
	runner  StageExecutor
	ws      *workspace.Workspace
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(store ProgressStore, runner StageExecutor, ws *workspace.Workspace, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Orchestrator {
	return &Orchestrator{
		store:   store,
		runner:  runner,
		ws:      ws,
		logger:  logger.NewComponentLogger("orchestrator"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// buildState is the in-memory working set for one build run.
type buildState struct {
	project      *Project
	backlog      *Backlog
	plan         json.RawMessage
	architecture json.RawMessage
}

// StartBuild creates a project and drives it from discovery until a
// terminal phase. The returned project reflects the final phase.
func (o *Orchestrator) StartBuild(ctx context.Context, name, description string, opts Options) (*Project, error) {
	now := time.Now().UTC()
	project := &Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Phase:       PhaseDiscovery,
		Options:     opts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateProject(ctx, project); err != nil {
		return nil, NewFatalError("creating project", err).WithCode(ErrCodeStoreFailure)
	}

	o.metrics.RecordBuildStarted("start")
	state := &buildState{project: project, backlog: NewBacklog()}
	return o.run(ctx, state, PhaseDiscovery)
}

// ResumeBuild reloads a project from its latest snapshot and continues
// from the phase that snapshot recorded. In-flight work from the
// aborted run is re-executed; committed work is not repeated.
func (o *Orchestrator) ResumeBuild(ctx context.Context, projectID string) (*Project, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Phase == PhaseComplete {
		return project, nil
	}

	state := &buildState{project: project, backlog: NewBacklog()}
	from := PhaseDiscovery

	snap, err := o.store.LoadSnapshot(ctx, projectID)
	switch {
	case err == nil:
		backlog, restoreErr := RestoreBacklog(snap.Tasks)
		if restoreErr != nil {
			return nil, restoreErr
		}
		state.backlog = backlog
		state.plan = snap.Plan
		state.architecture = snap.Architecture
		from = snap.Phase
		if from.IsTerminal() {
			// A snapshot taken at failure or pause resumes where that
			// run left off.
			from = PhaseIterating
		}
	case CodeOf(err) == ErrCodeNotFound:
		// No committed progress yet; start over from discovery.
	default:
		return nil, err
	}

	o.metrics.RecordBuildStarted("resume")
	o.logger.WithProjectID(projectID).Infof("resuming from phase %s at snapshot", from)
	return o.run(ctx, state, from)
}

// run drives the phase machine from the given phase to a terminal one.
func (o *Orchestrator) run(ctx context.Context, state *buildState, from Phase) (*Project, error) {
	ctx, span := o.tracer.StartBuildSpan(ctx, state.project.ID)
	defer span.End()

	start := time.Now()
	phase := from
	for !phase.IsTerminal() {
		next, err := o.runPhase(ctx, state, phase)
		if err != nil {
			switch {
			case errors.Is(err, ErrCancelled):
				o.finishTerminal(ctx, state, PhasePaused, phase, "cancelled between iterations", start)
				return state.project, nil
			default:
				telemetry.RecordError(span, err)
				o.finishTerminal(ctx, state, PhaseFailed, phase, err.Error(), start)
				return state.project, err
			}
		}
		phase = next
	}

	diagnostic := ""
	resumeAt := phase
	if phase == PhaseFailed {
		diagnostic = o.stallDiagnostic(state)
		resumeAt = PhaseIterating
	}
	o.finishTerminal(ctx, state, phase, resumeAt, diagnostic, start)
	if phase == PhaseFailed {
		telemetry.RecordError(span, errors.New(diagnostic))
	} else {
		telemetry.RecordSuccess(span)
	}
	return state.project, nil
}

// runPhase executes one phase and returns the next. Fatal errors and
// cancellation surface; everything else is resolved into the phase
// result.
func (o *Orchestrator) runPhase(ctx context.Context, state *buildState, phase Phase) (Phase, error) {
	log := o.logger.WithProjectID(state.project.ID).WithPhase(string(phase))
	log.Info("phase started")

	switch phase {
	case PhaseDiscovery:
		return o.runDiscovery(ctx, state)
	case PhaseArchitecture:
		return o.runArchitecture(ctx, state)
	case PhaseGeneration:
		return o.runGeneration(ctx, state)
	case PhaseIterating:
		return o.runIterating(ctx, state)
	case PhaseOptimizing:
		return o.runOptimizing(ctx, state)
	case PhaseFinalizing:
		return o.runFinalizing(ctx, state)
	default:
		return "", NewStructuralError(fmt.Sprintf("phase %s is not runnable", phase), nil).
			WithCode(ErrCodeInvalidTransition)
	}
}

func (o *Orchestrator) runDiscovery(ctx context.Context, state *buildState) (Phase, error) {
	outcome, err := o.runPhaseStage(ctx, state, StageDiscovery)
	if err != nil {
		return "", err
	}
	plan, err := ParsePlan(outcome.Content)
	if err != nil {
		return "", err
	}
	state.plan = outcome.Content
	o.logger.WithProjectID(state.project.ID).
		Infof("plan discovered: %d tasks, %s", len(plan.Tasks), plan.Summary)
	return o.transition(ctx, state, PhaseArchitecture)
}

func (o *Orchestrator) runArchitecture(ctx context.Context, state *buildState) (Phase, error) {
	outcome, err := o.runPhaseStage(ctx, state, StageArchitect)
	if err != nil {
		return "", err
	}
	state.architecture = outcome.Content
	if err := o.ws.WriteFile(stateDir+"/architecture.json", outcome.Content); err != nil {
		return "", NewFatalError("persisting architecture document", err).WithCode(ErrCodeIO)
	}
	return o.transition(ctx, state, PhaseGeneration)
}

func (o *Orchestrator) runGeneration(ctx context.Context, state *buildState) (Phase, error) {
	if state.project.Options.ResearchEnabled {
		outcome, err := o.runPhaseStage(ctx, state, StageResearch)
		if err != nil {
			return "", err
		}
		if outcome.Notes != "" {
			if err := o.ws.WriteFile(stateDir+"/research.md", []byte(outcome.Notes)); err != nil {
				return "", NewFatalError("persisting research notes", err).WithCode(ErrCodeIO)
			}
		}
	}

	if _, err := o.runPhaseStage(ctx, state, StageGenerate); err != nil {
		return "", err
	}

	// Seed the backlog from the discovery plan. A plan the backlog
	// rejects (duplicate IDs, cycles) is unusable output.
	if state.backlog.Len() == 0 {
		plan, err := ParsePlan(state.plan)
		if err != nil {
			return "", err
		}
		if err := state.backlog.EnqueueSet(plan.BacklogTasks(time.Now().UTC())); err != nil {
			return "", NewFatalError("discovery plan rejected by backlog", err)
		}
	}
	return o.transition(ctx, state, PhaseIterating)
}

func (o *Orchestrator) runIterating(ctx context.Context, state *buildState) (Phase, error) {
	loop := NewDevLoop(state.project, state.backlog, o.store, o.runner, o.ws,
		state.plan, state.architecture, o.logger, o.metrics)
	result, err := loop.Run(ctx)
	if err != nil {
		return "", err
	}
	switch result {
	case LoopComplete:
		if state.project.Options.AutoOptimize {
			return o.transition(ctx, state, PhaseOptimizing)
		}
		return o.transition(ctx, state, PhaseFinalizing)
	default:
		// Stalled: unfinished tasks remain and none can proceed. The
		// project fails but stays inspectable and resumable.
		return PhaseFailed, nil
	}
}

func (o *Orchestrator) runOptimizing(ctx context.Context, state *buildState) (Phase, error) {
	if _, err := o.runPhaseStage(ctx, state, StageOptimize); err != nil {
		if IsFatal(err) || errors.Is(err, ErrCancelled) {
			return "", err
		}
		// Optimization is best effort; a build that works is worth
		// keeping even if this pass cannot run.
		o.logger.WithProjectID(state.project.ID).WithError(err).
			Warn("skipping optimization pass")
	}
	return o.transition(ctx, state, PhaseFinalizing)
}

func (o *Orchestrator) runFinalizing(ctx context.Context, state *buildState) (Phase, error) {
	if _, err := o.runPhaseStage(ctx, state, StageDocument); err != nil {
		if IsFatal(err) || errors.Is(err, ErrCancelled) {
			return "", err
		}
		o.logger.WithProjectID(state.project.ID).WithError(err).
			Warn("skipping documentation generation")
	}
	return o.transition(ctx, state, PhaseComplete)
}

// runPhaseStage executes a phase-level stage (no task) with
// infrastructure retries, honoring cancellation first.
func (o *Orchestrator) runPhaseStage(ctx context.Context, state *buildState, stage Stage) (*StageOutcome, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	req := &StageRequest{
		Project:      state.project,
		Stage:        stage,
		Plan:         state.plan,
		Architecture: state.architecture,
	}
	return runStageWithRetry(ctx, o.runner, req, state.project.Options.Backoff, o.logger)
}

// transition commits a phase change: project record first, then a
// snapshot carrying the full working set.
func (o *Orchestrator) transition(ctx context.Context, state *buildState, next Phase) (Phase, error) {
	if err := o.store.UpdateProjectPhase(ctx, state.project.ID, next, ""); err != nil {
		return "", NewFatalError("recording phase transition", err).WithCode(ErrCodeStoreFailure)
	}
	state.project.Phase = next
	state.project.Diagnostic = ""

	snap := &Snapshot{
		ProjectID:    state.project.ID,
		Phase:        next,
		Tasks:        state.backlog.Tasks(),
		Plan:         state.plan,
		Architecture: state.architecture,
		TakenAt:      time.Now().UTC(),
	}
	if _, err := o.store.SaveSnapshot(ctx, snap); err != nil {
		return "", NewFatalError("saving transition snapshot", err).WithCode(ErrCodeStoreFailure)
	}
	return next, nil
}

// finishTerminal records the terminal phase. The snapshot carries
// resumeAt, the phase a resumed run should continue from. Best effort:
// the build is already over, and the last committed snapshot stays
// authoritative.
func (o *Orchestrator) finishTerminal(ctx context.Context, state *buildState, phase, resumeAt Phase, diagnostic string, start time.Time) {
	state.project.Phase = phase
	state.project.Diagnostic = diagnostic
	if err := o.store.UpdateProjectPhase(ctx, state.project.ID, phase, diagnostic); err != nil {
		o.logger.WithProjectID(state.project.ID).WithError(err).
			Error("recording terminal phase failed")
	}
	snap := &Snapshot{
		ProjectID:    state.project.ID,
		Phase:        resumeAt,
		Tasks:        state.backlog.Tasks(),
		Plan:         state.plan,
		Architecture: state.architecture,
		TakenAt:      time.Now().UTC(),
	}
	if _, err := o.store.SaveSnapshot(ctx, snap); err != nil {
		o.logger.WithProjectID(state.project.ID).WithError(err).
			Error("saving terminal snapshot failed")
	}
	o.metrics.RecordBuildCompleted(string(phase), time.Since(start))
	o.logger.WithProjectID(state.project.ID).WithPhase(string(phase)).
		Infof("build finished: %s", diagnostic)
}

// stallDiagnostic names the unresolved tasks that stalled the backlog.
func (o *Orchestrator) stallDiagnostic(state *buildState) string {
	unfinished := state.backlog.Unfinished()
	const max = 5
	shown := unfinished
	if len(shown) > max {
		shown = shown[:max]
	}
	return fmt.Sprintf("backlog stalled with %d unresolved tasks: %s",
		len(unfinished), strings.Join(shown, ", "))
}

// Cancel requests cooperative cancellation of a running build. The
// development loop honors it at the next task selection.
func (o *Orchestrator) Cancel(ctx context.Context, projectID string) error {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	return o.store.RequestCancel(ctx, projectID)
}
