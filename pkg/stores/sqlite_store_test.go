package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/autoforge/autoforge/pkg/engine"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "progress.db")})
	if err != nil {
		t.Fatalf("Creating store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Initializing store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrating store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedProject(t *testing.T, store *SQLiteStore, id string) *engine.Project {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	p := &engine.Project{
		ID:          id,
		Name:        "demo",
		Description: "a demo project",
		Phase:       engine.PhaseDiscovery,
		Options:     engine.DefaultOptions(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("Creating project: %v", err)
	}
	return p
}

func TestSQLiteStore_NewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("Expected an error for an empty path")
	}
}

func TestSQLiteStore_Migrate_Idempotent(t *testing.T) {
	store := testStore(t)
	// Re-running with no pending migrations is not an error.
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("Expected healthy store, got: %v", err)
	}
}

func TestSQLiteStore_GetProject_RoundTrip(t *testing.T) {
	store := testStore(t)
	seeded := seedProject(t, store, "p-1")

	got, err := store.GetProject(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.Name != seeded.Name || got.Description != seeded.Description {
		t.Errorf("Project fields lost: %+v", got)
	}
	if got.Phase != engine.PhaseDiscovery {
		t.Errorf("Expected phase %s, got %s", engine.PhaseDiscovery, got.Phase)
	}
	if got.Options.MaxIterations != seeded.Options.MaxIterations {
		t.Errorf("Options lost: %+v", got.Options)
	}
}

func TestSQLiteStore_GetProject_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetProject(context.Background(), "nope")
	if engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeNotFound, engine.CodeOf(err))
	}
	if !engine.IsStructural(err) {
		t.Error("Expected a structural error")
	}
}

func TestSQLiteStore_ListProjects_NewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p := seedProject(t, store, fmt.Sprintf("p-%d", i))
		p.CreatedAt = p.CreatedAt.Add(time.Duration(i) * time.Second)
		// Recreate with the staggered timestamp.
		if err := store.DeleteProject(ctx, p.ID); err != nil {
			t.Fatalf("Resetting project: %v", err)
		}
		if err := store.CreateProject(ctx, p); err != nil {
			t.Fatalf("Recreating project: %v", err)
		}
	}

	projects, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(projects) != 3 {
		t.Fatalf("Expected 3 projects, got %d", len(projects))
	}
	if projects[0].ID != "p-2" || projects[2].ID != "p-0" {
		t.Errorf("Expected newest first, got %s...%s", projects[0].ID, projects[2].ID)
	}
}

func TestSQLiteStore_UpdateProjectPhase(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	ctx := context.Background()

	if err := store.UpdateProjectPhase(ctx, "p-1", engine.PhaseFailed, "backlog stalled"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	got, err := store.GetProject(ctx, "p-1")
	if err != nil {
		t.Fatalf("Loading project: %v", err)
	}
	if got.Phase != engine.PhaseFailed {
		t.Errorf("Expected phase %s, got %s", engine.PhaseFailed, got.Phase)
	}
	if got.Diagnostic != "backlog stalled" {
		t.Errorf("Expected diagnostic persisted, got %q", got.Diagnostic)
	}

	if err := store.UpdateProjectPhase(ctx, "nope", engine.PhaseComplete, ""); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for unknown project, got: %v", err)
	}
}

func TestSQLiteStore_SaveSnapshot_VersionsAreMonotonic(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		snap := &engine.Snapshot{
			ProjectID: "p-1",
			Phase:     engine.PhaseIterating,
			Tasks: []engine.Task{
				{ID: "t-1", Kind: engine.TaskKindImplement, Status: engine.TaskStatusPending, Attempts: int(want)},
			},
			TakenAt: time.Now().UTC(),
		}
		version, err := store.SaveSnapshot(ctx, snap)
		if err != nil {
			t.Fatalf("Saving snapshot %d: %v", want, err)
		}
		if version != want {
			t.Errorf("Expected version %d, got %d", want, version)
		}
		if snap.Version != want {
			t.Errorf("Expected version written back, got %d", snap.Version)
		}
	}

	// The latest snapshot fully supersedes the older ones.
	got, err := store.LoadSnapshot(ctx, "p-1")
	if err != nil {
		t.Fatalf("Loading snapshot: %v", err)
	}
	if got.Version != 3 {
		t.Errorf("Expected latest version 3, got %d", got.Version)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Attempts != 3 {
		t.Errorf("Expected the latest task state, got %+v", got.Tasks)
	}
}

func TestSQLiteStore_SaveSnapshot_FailedWriteKeepsPriorSnapshot(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	ctx := context.Background()

	committed := &engine.Snapshot{
		ProjectID: "p-1",
		Phase:     engine.PhaseIterating,
		Tasks: []engine.Task{
			{ID: "t-1", Kind: engine.TaskKindImplement, Status: engine.TaskStatusDone},
		},
		TakenAt: time.Now().UTC(),
	}
	if _, err := store.SaveSnapshot(ctx, committed); err != nil {
		t.Fatalf("Saving snapshot: %v", err)
	}

	// A save aborted mid-transaction must roll back completely.
	aborted, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.SaveSnapshot(aborted, &engine.Snapshot{
		ProjectID: "p-1",
		Phase:     engine.PhaseOptimizing,
		Tasks: []engine.Task{
			{ID: "t-1", Kind: engine.TaskKindImplement, Status: engine.TaskStatusFailed},
		},
		TakenAt: time.Now().UTC(),
	}); err == nil {
		t.Fatal("Expected the aborted save to fail")
	}

	got, err := store.LoadSnapshot(ctx, "p-1")
	if err != nil {
		t.Fatalf("Loading snapshot: %v", err)
	}
	if got.Version != 1 || got.Phase != engine.PhaseIterating {
		t.Errorf("Expected the committed snapshot to survive, got version %d phase %s", got.Version, got.Phase)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Status != engine.TaskStatusDone {
		t.Errorf("Expected the committed task state, got %+v", got.Tasks)
	}

	// The next successful save picks up where the committed history ends.
	version, err := store.SaveSnapshot(ctx, &engine.Snapshot{
		ProjectID: "p-1",
		Phase:     engine.PhaseIterating,
		Tasks:     committed.Tasks,
		TakenAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Saving follow-up snapshot: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2 after the rollback, got %d", version)
	}
}

func TestSQLiteStore_SaveSnapshot_VersionsArePerProject(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	seedProject(t, store, "p-2")
	ctx := context.Background()

	for _, id := range []string{"p-1", "p-1", "p-2"} {
		if _, err := store.SaveSnapshot(ctx, &engine.Snapshot{ProjectID: id, Phase: engine.PhaseIterating, TakenAt: time.Now().UTC()}); err != nil {
			t.Fatalf("Saving snapshot for %s: %v", id, err)
		}
	}
	snap, err := store.LoadSnapshot(ctx, "p-2")
	if err != nil {
		t.Fatalf("Loading snapshot: %v", err)
	}
	if snap.Version != 1 {
		t.Errorf("Expected p-2 at version 1, got %d", snap.Version)
	}
}

func TestSQLiteStore_LoadSnapshot_PreservesDocuments(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	ctx := context.Background()

	plan := json.RawMessage(`{"summary": "one task", "tasks": []}`)
	if _, err := store.SaveSnapshot(ctx, &engine.Snapshot{
		ProjectID: "p-1",
		Phase:     engine.PhaseArchitecture,
		Plan:      plan,
		TakenAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Saving snapshot: %v", err)
	}

	got, err := store.LoadSnapshot(ctx, "p-1")
	if err != nil {
		t.Fatalf("Loading snapshot: %v", err)
	}
	if string(got.Plan) != string(plan) {
		t.Errorf("Expected plan preserved, got %s", got.Plan)
	}
	if got.Architecture != nil {
		t.Errorf("Expected absent architecture to stay nil, got %s", got.Architecture)
	}
}

func TestSQLiteStore_LoadSnapshot_NotFound(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")

	_, err := store.LoadSnapshot(context.Background(), "p-1")
	if engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected code %s, got %s", engine.ErrCodeNotFound, engine.CodeOf(err))
	}
}

func TestSQLiteStore_History_OrderAndPaging(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	ctx := context.Background()

	const total = 250 // spans three iterator pages
	for i := 0; i < total; i++ {
		rec := &engine.AttemptRecord{
			ProjectID:  "p-1",
			TaskID:     fmt.Sprintf("t-%d", i%7),
			Outcome:    engine.AttemptFailure,
			Diagnostic: fmt.Sprintf("attempt %d", i),
			Duration:   time.Duration(i) * time.Millisecond,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.AppendAttempt(ctx, rec); err != nil {
			t.Fatalf("Appending attempt %d: %v", i, err)
		}
		if rec.ID == 0 {
			t.Fatalf("Expected assigned record ID at attempt %d", i)
		}
	}

	it, err := store.History(ctx, "p-1")
	if err != nil {
		t.Fatalf("Opening history: %v", err)
	}
	defer it.Close()

	count := 0
	var lastID int64
	for {
		rec, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Iterating at %d: %v", count, err)
		}
		if rec == nil {
			break
		}
		if rec.ID <= lastID {
			t.Fatalf("Expected ascending IDs, got %d after %d", rec.ID, lastID)
		}
		lastID = rec.ID
		count++
	}
	if count != total {
		t.Errorf("Expected %d records, got %d", total, count)
	}

	// Reset rewinds to the first record.
	it.Reset()
	first, err := it.Next(ctx)
	if err != nil || first == nil {
		t.Fatalf("Expected a record after Reset, got %v, %v", first, err)
	}
	if first.Diagnostic != "attempt 0" {
		t.Errorf("Expected the first record after Reset, got %q", first.Diagnostic)
	}
}

func TestSQLiteStore_History_EmptyProject(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")

	it, err := store.History(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("Opening history: %v", err)
	}
	defer it.Close()
	rec, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected (nil, nil) at the end, got %+v", rec)
	}
}

func TestSQLiteStore_LatestAttempt(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	ctx := context.Background()

	got, err := store.LatestAttempt(ctx, "p-1", "t-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for a task with no attempts, got %+v", got)
	}

	for _, outcome := range []engine.AttemptOutcome{engine.AttemptFailure, engine.AttemptSuccess} {
		if err := store.AppendAttempt(ctx, &engine.AttemptRecord{
			ProjectID: "p-1", TaskID: "t-1", Outcome: outcome, CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("Appending attempt: %v", err)
		}
	}

	got, err = store.LatestAttempt(ctx, "p-1", "t-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got == nil || got.Outcome != engine.AttemptSuccess {
		t.Errorf("Expected the most recent attempt, got %+v", got)
	}
}

func TestSQLiteStore_CancelFlag_SetAndClear(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	ctx := context.Background()

	requested, err := store.CancelRequested(ctx, "p-1")
	if err != nil || requested {
		t.Fatalf("Expected no pending cancel, got %v, %v", requested, err)
	}

	if err := store.RequestCancel(ctx, "p-1"); err != nil {
		t.Fatalf("Requesting cancel: %v", err)
	}
	requested, err = store.CancelRequested(ctx, "p-1")
	if err != nil || !requested {
		t.Fatalf("Expected pending cancel, got %v, %v", requested, err)
	}

	if err := store.ClearCancel(ctx, "p-1"); err != nil {
		t.Fatalf("Clearing cancel: %v", err)
	}
	requested, err = store.CancelRequested(ctx, "p-1")
	if err != nil || requested {
		t.Fatalf("Expected flag cleared, got %v, %v", requested, err)
	}

	if err := store.RequestCancel(ctx, "nope"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for unknown project, got: %v", err)
	}
}

func TestSQLiteStore_DeleteProject_CascadesHistory(t *testing.T) {
	store := testStore(t)
	seedProject(t, store, "p-1")
	ctx := context.Background()

	if _, err := store.SaveSnapshot(ctx, &engine.Snapshot{ProjectID: "p-1", Phase: engine.PhaseIterating, TakenAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Saving snapshot: %v", err)
	}
	if err := store.AppendAttempt(ctx, &engine.AttemptRecord{ProjectID: "p-1", TaskID: "t-1", Outcome: engine.AttemptSuccess, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Appending attempt: %v", err)
	}

	if err := store.DeleteProject(ctx, "p-1"); err != nil {
		t.Fatalf("Deleting project: %v", err)
	}
	if _, err := store.LoadSnapshot(ctx, "p-1"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected snapshots gone, got: %v", err)
	}
	it, err := store.History(ctx, "p-1")
	if err != nil {
		t.Fatalf("Opening history: %v", err)
	}
	defer it.Close()
	if rec, _ := it.Next(ctx); rec != nil {
		t.Errorf("Expected history gone, got %+v", rec)
	}
}
