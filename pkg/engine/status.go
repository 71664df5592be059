package engine

import (
	"context"
)

// Status reports the caller-facing view of a project's progress, built
// from the latest committed snapshot. A build step that has not been
// snapshotted yet is invisible here by design of the persistence model.
func (o *Orchestrator) Status(ctx context.Context, projectID string) (*StatusSummary, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{
		ProjectID:  project.ID,
		Name:       project.Name,
		Phase:      project.Phase,
		Diagnostic: project.Diagnostic,
		TaskCounts: make(map[TaskStatus]int),
	}

	snap, err := o.store.LoadSnapshot(ctx, projectID)
	switch {
	case err == nil:
		summary.SnapshotVersion = snap.Version
		for _, t := range snap.Tasks {
			summary.TaskCounts[t.Status]++
			if t.Status == TaskStatusInProgress {
				summary.InFlightTask = t.ID
			}
		}
	case CodeOf(err) == ErrCodeNotFound:
		// Nothing committed yet; counts stay empty.
	default:
		return nil, err
	}

	if summary.InFlightTask != "" {
		last, err := o.store.LatestAttempt(ctx, projectID, summary.InFlightTask)
		if err != nil {
			return nil, err
		}
		summary.LastAttempt = last
	}

	return summary, nil
}

// Projects lists all known projects, newest first.
func (o *Orchestrator) Projects(ctx context.Context) ([]*Project, error) {
	return o.store.ListProjects(ctx)
}

// History returns a project's full attempt history in execution order.
func (o *Orchestrator) History(ctx context.Context, projectID string) ([]*AttemptRecord, error) {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	it, err := o.store.History(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var records []*AttemptRecord
	for {
		rec, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return records, nil
		}
		records = append(records, rec)
	}
}
