package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autoforge/autoforge/pkg/harness"
	"github.com/autoforge/autoforge/pkg/workspace"
)

const testPlanJSON = `{
	"summary": "single-module build",
	"tasks": [
		{"id": "t-1", "kind": "implement", "description": "core module", "priority": 1},
		{"id": "t-2", "kind": "test", "description": "core tests", "priority": 1, "depends_on": ["t-1"]}
	]
}`

// scriptPhases installs the phase-level handlers a full build needs:
// discovery returns the plan, architect returns a design document.
func scriptPhases(runner *fakeLoopRunner, planJSON string) {
	runner.handle(StageDiscovery, "", func(int, *StageRequest) (*StageOutcome, error) {
		return &StageOutcome{Stage: StageDiscovery, Success: true, Content: json.RawMessage(planJSON)}, nil
	})
	runner.handle(StageArchitect, "", func(int, *StageRequest) (*StageOutcome, error) {
		return &StageOutcome{Stage: StageArchitect, Success: true, Content: json.RawMessage(`{"components": ["core"]}`)}, nil
	})
}

func testOrchestrator(t *testing.T, store ProgressStore, runner StageExecutor) (*Orchestrator, *workspace.Workspace) {
	t.Helper()
	logger, metrics, tracer := testTelemetry(t)
	ws := testWorkspace(t)
	return NewOrchestrator(store, runner, ws, logger, metrics, tracer), ws
}

func TestOrchestrator_StartBuild_CompletesAllPhases(t *testing.T) {
	store := newFakeStore()
	runner := newFakeLoopRunner()
	scriptPhases(runner, testPlanJSON)
	orch, ws := testOrchestrator(t, store, runner)

	project, err := orch.StartBuild(context.Background(), "demo", "a demo project", fastOptions())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if project.Phase != PhaseComplete {
		t.Fatalf("Expected %s, got %s (%s)", PhaseComplete, project.Phase, project.Diagnostic)
	}

	stored, err := store.GetProject(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Expected project persisted: %v", err)
	}
	if stored.Phase != PhaseComplete {
		t.Errorf("Expected stored phase %s, got %s", PhaseComplete, stored.Phase)
	}

	// Every phase-level stage ran exactly once.
	for _, stage := range []Stage{StageDiscovery, StageArchitect, StageResearch, StageGenerate, StageOptimize, StageDocument} {
		if n := runner.callCount(stage, ""); n != 1 {
			t.Errorf("Expected 1 %s call, got %d", stage, n)
		}
	}
	for _, id := range []string{"t-1", "t-2"} {
		if n := runner.callCount(StageImplement, id); n != 1 {
			t.Errorf("Expected 1 implement call for %s, got %d", id, n)
		}
	}

	if _, err := os.Stat(filepath.Join(ws.Root(), ".autoforge", "architecture.json")); err != nil {
		t.Errorf("Expected architecture document persisted: %v", err)
	}

	snap, err := store.LoadSnapshot(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Expected a final snapshot: %v", err)
	}
	if snap.Phase != PhaseComplete {
		t.Errorf("Expected final snapshot at %s, got %s", PhaseComplete, snap.Phase)
	}
}

func TestOrchestrator_StartBuild_SkipsOptimizeWhenDisabled(t *testing.T) {
	opts := fastOptions()
	opts.AutoOptimize = false
	store := newFakeStore()
	runner := newFakeLoopRunner()
	scriptPhases(runner, testPlanJSON)
	orch, _ := testOrchestrator(t, store, runner)

	project, err := orch.StartBuild(context.Background(), "demo", "a demo project", opts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if project.Phase != PhaseComplete {
		t.Fatalf("Expected %s, got %s", PhaseComplete, project.Phase)
	}
	if n := runner.callCount(StageOptimize, ""); n != 0 {
		t.Errorf("Expected no optimize calls, got %d", n)
	}
}

func TestOrchestrator_StartBuild_StalledBacklogFailsWithDiagnostic(t *testing.T) {
	opts := fastOptions()
	opts.MaxIterations = 1
	store := newFakeStore()
	runner := newFakeLoopRunner()
	scriptPhases(runner, testPlanJSON)
	runner.handle(StageTest, "t-1", func(int, *StageRequest) (*StageOutcome, error) {
		return &StageOutcome{Stage: StageTest, Success: false,
			FailingChecks: []harness.FailingCheck{{Name: "TestCore", Message: "broken"}}}, nil
	})
	orch, _ := testOrchestrator(t, store, runner)

	project, err := orch.StartBuild(context.Background(), "demo", "a demo project", opts)
	if err != nil {
		t.Fatalf("Expected a recorded failure, not an error: %v", err)
	}
	if project.Phase != PhaseFailed {
		t.Fatalf("Expected %s, got %s", PhaseFailed, project.Phase)
	}
	if !strings.Contains(project.Diagnostic, "stalled") || !strings.Contains(project.Diagnostic, "t-1") {
		t.Errorf("Expected the diagnostic to name the stalled task, got %q", project.Diagnostic)
	}

	// Failure preserves a resumable snapshot pointing back at iteration.
	snap, err := store.LoadSnapshot(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Expected a terminal snapshot: %v", err)
	}
	if snap.Phase != PhaseIterating {
		t.Errorf("Expected snapshot at %s for resume, got %s", PhaseIterating, snap.Phase)
	}
}

func TestOrchestrator_Run_PausesOnCancelRequestAndResumes(t *testing.T) {
	store := newFakeStore()
	runner := newFakeLoopRunner()
	scriptPhases(runner, testPlanJSON)
	orch, _ := testOrchestrator(t, store, runner)

	// Flag the project as soon as it exists so the iterating phase's
	// first SELECT honors it.
	runner.handle(StageGenerate, "", func(_ int, req *StageRequest) (*StageOutcome, error) {
		if err := store.RequestCancel(context.Background(), req.Project.ID); err != nil {
			t.Fatalf("Requesting cancel: %v", err)
		}
		return &StageOutcome{Stage: StageGenerate, Success: true}, nil
	})

	project, err := orch.StartBuild(context.Background(), "demo", "a demo project", fastOptions())
	if err != nil {
		t.Fatalf("Expected a clean pause, got: %v", err)
	}
	if project.Phase != PhasePaused {
		t.Fatalf("Expected %s, got %s", PhasePaused, project.Phase)
	}
	// No task ever started.
	if n := runner.callCount(StageImplement, "t-1"); n != 0 {
		t.Errorf("Expected no implement calls after pause, got %d", n)
	}

	// The pause snapshot resumes the iterating phase, not discovery.
	resumed, err := orch.ResumeBuild(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Expected resume to succeed, got: %v", err)
	}
	if resumed.Phase != PhaseComplete {
		t.Fatalf("Expected %s after resume, got %s", PhaseComplete, resumed.Phase)
	}
	if n := runner.callCount(StageDiscovery, ""); n != 1 {
		t.Errorf("Expected discovery to run once across both runs, got %d", n)
	}
	if n := runner.callCount(StageImplement, "t-1"); n != 1 {
		t.Errorf("Expected t-1 implemented once after resume, got %d", n)
	}
}

func TestOrchestrator_ResumeBuild_CompletedProjectIsNoop(t *testing.T) {
	store := newFakeStore()
	runner := newFakeLoopRunner()
	project := testProject()
	project.Phase = PhaseComplete
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("Seeding project: %v", err)
	}
	orch, _ := testOrchestrator(t, store, runner)

	resumed, err := orch.ResumeBuild(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resumed.Phase != PhaseComplete {
		t.Errorf("Expected %s, got %s", PhaseComplete, resumed.Phase)
	}
	if n := runner.callCount(StageDiscovery, ""); n != 0 {
		t.Errorf("Expected no stages run, got %d discovery calls", n)
	}
}

func TestOrchestrator_ResumeBuild_NoSnapshotRestartsDiscovery(t *testing.T) {
	store := newFakeStore()
	runner := newFakeLoopRunner()
	scriptPhases(runner, testPlanJSON)
	project := testProject()
	project.Phase = PhaseDiscovery
	project.Options = fastOptions()
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("Seeding project: %v", err)
	}
	orch, _ := testOrchestrator(t, store, runner)

	resumed, err := orch.ResumeBuild(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resumed.Phase != PhaseComplete {
		t.Fatalf("Expected %s, got %s", PhaseComplete, resumed.Phase)
	}
	if n := runner.callCount(StageDiscovery, ""); n != 1 {
		t.Errorf("Expected discovery re-run, got %d calls", n)
	}
}

func TestOrchestrator_ResumeBuild_UnknownProject(t *testing.T) {
	orch, _ := testOrchestrator(t, newFakeStore(), newFakeLoopRunner())

	_, err := orch.ResumeBuild(context.Background(), "nope")
	if CodeOf(err) != ErrCodeNotFound {
		t.Errorf("Expected code %s, got %s", ErrCodeNotFound, CodeOf(err))
	}
}

func TestOrchestrator_StartBuild_StoreFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.failSnapshots = true
	runner := newFakeLoopRunner()
	scriptPhases(runner, testPlanJSON)
	orch, _ := testOrchestrator(t, store, runner)

	project, err := orch.StartBuild(context.Background(), "demo", "a demo project", fastOptions())
	if !IsFatal(err) {
		t.Fatalf("Expected a fatal error, got: %v", err)
	}
	if CodeOf(err) != ErrCodeStoreFailure {
		t.Errorf("Expected code %s, got %s", ErrCodeStoreFailure, CodeOf(err))
	}
	if project.Phase != PhaseFailed {
		t.Errorf("Expected %s, got %s", PhaseFailed, project.Phase)
	}
}

func TestOrchestrator_Cancel_UnknownProject(t *testing.T) {
	orch, _ := testOrchestrator(t, newFakeStore(), newFakeLoopRunner())

	err := orch.Cancel(context.Background(), "nope")
	if CodeOf(err) != ErrCodeNotFound {
		t.Errorf("Expected code %s, got %s", ErrCodeNotFound, CodeOf(err))
	}
}

func TestOrchestrator_Cancel_SetsStoreFlag(t *testing.T) {
	store := newFakeStore()
	project := testProject()
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("Seeding project: %v", err)
	}
	orch, _ := testOrchestrator(t, store, newFakeLoopRunner())

	if err := orch.Cancel(context.Background(), project.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	requested, err := store.CancelRequested(context.Background(), project.ID)
	if err != nil || !requested {
		t.Errorf("Expected the cancel flag set, got %v, %v", requested, err)
	}
}
