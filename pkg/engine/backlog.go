package engine

import (
	"fmt"
	"strings"
	"time"
)

// Backlog is the ordered, prioritized collection of tasks with
// dependency edges. The dependency graph is kept acyclic: an enqueue
// that would introduce a cycle is rejected and leaves the backlog
// unchanged. Tasks are never deleted; failed tasks remain for audit.
//
// Eligibility ranking: effective priority is the explicit priority
// score plus the number of direct dependents, so tasks blocking the
// most remaining work are promoted first. Ties break by insertion
// order (FIFO).
type Backlog struct {
	tasks map[string]*Task

	// order preserves insertion order for FIFO tie-breaking.
	order []string

	// dependents maps a task ID to the IDs that depend on it.
	dependents map[string][]string

	inProgress string
}

// NewBacklog creates an empty backlog.
func NewBacklog() *Backlog {
	return &Backlog{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// RestoreBacklog rebuilds a backlog from snapshot tasks, preserving
// their order. A task persisted as in_progress was interrupted before
// its completion was recorded and is normalized back to pending so the
// loop re-selects it.
func RestoreBacklog(tasks []Task) (*Backlog, error) {
	b := NewBacklog()
	for i := range tasks {
		t := tasks[i]
		if t.Status == TaskStatusInProgress {
			t.Status = TaskStatusPending
		}
		if err := b.Enqueue(t); err != nil {
			return nil, err
		}
		// Enqueue admits only schedulable statuses; restore the rest.
		b.tasks[t.ID].Status = t.Status
		b.tasks[t.ID].Attempts = t.Attempts
		b.tasks[t.ID].LastError = t.LastError
	}
	return b, nil
}

// Enqueue inserts a task. It fails with DUPLICATE_ID if the identifier
// already exists, VALIDATION_ERROR if a dependency is unknown, and
// CYCLE_DETECTED if the task's dependency edges would create a cycle;
// on any failure the backlog is unchanged.
func (b *Backlog) Enqueue(task Task) error {
	if task.ID == "" {
		return NewStructuralError("task has empty ID", nil).WithCode(ErrCodeValidation)
	}
	if err := task.Kind.Validate(); err != nil {
		return NewStructuralError("invalid task", err).WithCode(ErrCodeValidation).WithTask(task.ID)
	}
	if _, exists := b.tasks[task.ID]; exists {
		return NewStructuralError(fmt.Sprintf("duplicate task ID: %s", task.ID), nil).
			WithCode(ErrCodeDuplicateID).WithTask(task.ID)
	}
	for _, dep := range task.DependsOn {
		if dep == task.ID {
			return NewStructuralError(fmt.Sprintf("task %s depends on itself", task.ID), nil).
				WithCode(ErrCodeCycleDetected).WithTask(task.ID)
		}
		if _, exists := b.tasks[dep]; !exists {
			return NewStructuralError(
				fmt.Sprintf("task %s depends on unknown task %s", task.ID, dep), nil).
				WithCode(ErrCodeValidation).WithTask(task.ID)
		}
	}

	// Tentatively insert, then verify acyclicity over the whole graph.
	t := task
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	b.tasks[t.ID] = &t
	b.order = append(b.order, t.ID)
	for _, dep := range t.DependsOn {
		b.dependents[dep] = append(b.dependents[dep], t.ID)
	}

	if cycle := b.findCycle(); cycle != nil {
		b.removeLast(t.ID)
		return NewStructuralError(
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeCycleDetected).WithTask(task.ID)
	}
	return nil
}

// EnqueueSet inserts a batch of tasks that may depend on each other.
// Insertion order within the batch is topological-insensitive: the set
// is admitted as a whole or rejected as a whole.
func (b *Backlog) EnqueueSet(tasks []Task) error {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
	}
	inserted := make([]string, 0, len(tasks))
	rollback := func() {
		for i := len(inserted) - 1; i >= 0; i-- {
			b.removeLast(inserted[i])
		}
	}
	for _, t := range tasks {
		if err := b.enqueueUnchecked(t, ids); err != nil {
			rollback()
			return err
		}
		inserted = append(inserted, t.ID)
	}
	if cycle := b.findCycle(); cycle != nil {
		rollback()
		return NewStructuralError(
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeCycleDetected)
	}
	return nil
}

// enqueueUnchecked inserts without the final cycle check; deps may be
// members of the same batch.
func (b *Backlog) enqueueUnchecked(task Task, batch map[string]bool) error {
	if task.ID == "" {
		return NewStructuralError("task has empty ID", nil).WithCode(ErrCodeValidation)
	}
	if err := task.Kind.Validate(); err != nil {
		return NewStructuralError("invalid task", err).WithCode(ErrCodeValidation).WithTask(task.ID)
	}
	if _, exists := b.tasks[task.ID]; exists {
		return NewStructuralError(fmt.Sprintf("duplicate task ID: %s", task.ID), nil).
			WithCode(ErrCodeDuplicateID).WithTask(task.ID)
	}
	for _, dep := range task.DependsOn {
		if _, exists := b.tasks[dep]; !exists && !batch[dep] {
			return NewStructuralError(
				fmt.Sprintf("task %s depends on unknown task %s", task.ID, dep), nil).
				WithCode(ErrCodeValidation).WithTask(task.ID)
		}
	}
	t := task
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	b.tasks[t.ID] = &t
	b.order = append(b.order, t.ID)
	for _, dep := range t.DependsOn {
		b.dependents[dep] = append(b.dependents[dep], t.ID)
	}
	return nil
}

// removeLast undoes a tentative insertion.
func (b *Backlog) removeLast(id string) {
	t, ok := b.tasks[id]
	if !ok {
		return
	}
	delete(b.tasks, id)
	for i := len(b.order) - 1; i >= 0; i-- {
		if b.order[i] == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	for _, dep := range t.DependsOn {
		deps := b.dependents[dep]
		for i := len(deps) - 1; i >= 0; i-- {
			if deps[i] == id {
				b.dependents[dep] = append(deps[:i], deps[i+1:]...)
				break
			}
		}
	}
}

// findCycle runs a DFS over the dependency edges and returns the cycle
// path if one exists, nil otherwise.
func (b *Backlog) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(b.tasks))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		path = append(path, id)
		for _, dep := range b.tasks[id].DependsOn {
			switch state[dep] {
			case visiting:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		state[id] = done
		path = path[:len(path)-1]
		return false
	}

	for _, id := range b.order {
		if state[id] == unvisited {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// NextEligible returns the pending task with the highest effective
// priority whose dependencies are all done, or nil if nothing is
// eligible. A nil result with unfinished tasks means the caller must
// treat the backlog as stalled (after cascading unsatisfiable tasks).
func (b *Backlog) NextEligible() *Task {
	var best *Task
	bestScore := 0
	for _, id := range b.order {
		t := b.tasks[id]
		if t.Status != TaskStatusPending || !b.depsDone(t) {
			continue
		}
		score := t.Priority + len(b.dependents[t.ID])
		if best == nil || score > bestScore {
			best = t
			bestScore = score
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

func (b *Backlog) depsDone(t *Task) bool {
	for _, dep := range t.DependsOn {
		if b.tasks[dep].Status != TaskStatusDone {
			return false
		}
	}
	return true
}

// MarkInProgress transitions a task from pending to in_progress. At
// most one task may be in progress at a time.
func (b *Backlog) MarkInProgress(id string) error {
	t, err := b.get(id)
	if err != nil {
		return err
	}
	if t.Status != TaskStatusPending {
		return b.transitionErr(t, TaskStatusInProgress)
	}
	if b.inProgress != "" && b.inProgress != id {
		return NewStructuralError(
			fmt.Sprintf("task %s is already in progress", b.inProgress), nil).
			WithCode(ErrCodeInvalidTransition).WithTask(id)
	}
	t.Status = TaskStatusInProgress
	b.inProgress = id
	return nil
}

// MarkDone transitions a task from in_progress to done.
func (b *Backlog) MarkDone(id string) error {
	t, err := b.get(id)
	if err != nil {
		return err
	}
	if t.Status != TaskStatusInProgress {
		return b.transitionErr(t, TaskStatusDone)
	}
	t.Status = TaskStatusDone
	b.clearInProgress(id)
	return nil
}

// MarkFailed transitions a task from in_progress to failed with a
// reason. Failed is terminal unless explicitly reset for retry.
func (b *Backlog) MarkFailed(id, reason string) error {
	t, err := b.get(id)
	if err != nil {
		return err
	}
	if t.Status != TaskStatusInProgress {
		return b.transitionErr(t, TaskStatusFailed)
	}
	t.Status = TaskStatusFailed
	t.LastError = reason
	b.clearInProgress(id)
	return nil
}

// MarkBlocked parks an in_progress or pending task that cannot proceed
// (for example, its stage context cannot be shrunk under the ceiling).
func (b *Backlog) MarkBlocked(id, reason string) error {
	t, err := b.get(id)
	if err != nil {
		return err
	}
	if t.Status != TaskStatusInProgress && t.Status != TaskStatusPending {
		return b.transitionErr(t, TaskStatusBlocked)
	}
	t.Status = TaskStatusBlocked
	t.LastError = reason
	b.clearInProgress(id)
	return nil
}

// ResetForRetry explicitly returns a failed or blocked task to pending,
// clearing its attempt budget. This is the only way out of failed.
func (b *Backlog) ResetForRetry(id string) error {
	t, err := b.get(id)
	if err != nil {
		return err
	}
	if t.Status != TaskStatusFailed && t.Status != TaskStatusBlocked {
		return b.transitionErr(t, TaskStatusPending)
	}
	t.Status = TaskStatusPending
	t.Attempts = 0
	t.LastError = ""
	return nil
}

// SpawnFollowUp inserts a corrective task produced by the debug path.
// The follow-up is dependency-free and gets a priority boost above its
// siblings so it is selected next.
func (b *Backlog) SpawnFollowUp(parentID string, task Task) error {
	parent, err := b.get(parentID)
	if err != nil {
		return err
	}
	maxPriority := parent.Priority
	for _, id := range b.order {
		if t := b.tasks[id]; !t.Status.IsTerminal() && t.Priority > maxPriority {
			maxPriority = t.Priority
		}
	}
	task.ParentID = parentID
	task.DependsOn = nil
	task.Priority = maxPriority + 1
	return b.Enqueue(task)
}

// IncrementAttempts consumes one unit of a task's attempt budget and
// returns the new count. The count never exceeds maxIterations; at the
// ceiling the caller must mark the task failed.
func (b *Backlog) IncrementAttempts(id string, maxIterations int) (int, error) {
	t, err := b.get(id)
	if err != nil {
		return 0, err
	}
	if t.Attempts >= maxIterations {
		return t.Attempts, NewStructuralError(
			fmt.Sprintf("task %s exhausted its attempt budget (%d)", id, maxIterations), nil).
			WithCode(ErrCodeInvalidTransition).WithTask(id)
	}
	t.Attempts++
	return t.Attempts, nil
}

// SetLastError records the most recent failure summary for a task.
func (b *Backlog) SetLastError(id, msg string) {
	if t, ok := b.tasks[id]; ok {
		t.LastError = msg
	}
}

// CascadeFailures marks every pending or blocked task whose dependency
// chain contains a permanently failed task as failed, repeating until a
// fixpoint. Returns the IDs cascaded, in insertion order.
func (b *Backlog) CascadeFailures() []string {
	var cascaded []string
	for {
		progressed := false
		for _, id := range b.order {
			t := b.tasks[id]
			if t.Status != TaskStatusPending && t.Status != TaskStatusBlocked {
				continue
			}
			for _, dep := range t.DependsOn {
				if b.tasks[dep].Status == TaskStatusFailed {
					t.Status = TaskStatusFailed
					t.LastError = fmt.Sprintf("dependency %s failed", dep)
					cascaded = append(cascaded, id)
					progressed = true
					break
				}
			}
		}
		if !progressed {
			return cascaded
		}
	}
}

// AllDone reports whether every task in the backlog is done.
func (b *Backlog) AllDone() bool {
	if len(b.tasks) == 0 {
		return true
	}
	for _, t := range b.tasks {
		if t.Status != TaskStatusDone {
			return false
		}
	}
	return true
}

// Settled reports whether every task has reached a terminal status.
func (b *Backlog) Settled() bool {
	for _, t := range b.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of tasks per status.
func (b *Backlog) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range b.tasks {
		counts[t.Status]++
	}
	return counts
}

// InProgress returns the ID of the task currently in progress, if any.
func (b *Backlog) InProgress() string {
	return b.inProgress
}

// Get returns a copy of a task.
func (b *Backlog) Get(id string) (Task, error) {
	t, err := b.get(id)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

// Tasks returns copies of all tasks in insertion order, for snapshots
// and status summaries.
func (b *Backlog) Tasks() []Task {
	out := make([]Task, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.tasks[id])
	}
	return out
}

// Len returns the number of tasks in the backlog.
func (b *Backlog) Len() int {
	return len(b.tasks)
}

// Unfinished returns the IDs of tasks not yet done, in insertion order.
func (b *Backlog) Unfinished() []string {
	var out []string
	for _, id := range b.order {
		if b.tasks[id].Status != TaskStatusDone {
			out = append(out, id)
		}
	}
	return out
}

func (b *Backlog) get(id string) (*Task, error) {
	t, ok := b.tasks[id]
	if !ok {
		return nil, NewStructuralError(fmt.Sprintf("task not found: %s", id), nil).
			WithCode(ErrCodeNotFound).WithTask(id)
	}
	return t, nil
}

func (b *Backlog) clearInProgress(id string) {
	if b.inProgress == id {
		b.inProgress = ""
	}
}

func (b *Backlog) transitionErr(t *Task, to TaskStatus) error {
	return NewStructuralError(
		fmt.Sprintf("illegal transition for task %s: %s -> %s", t.ID, t.Status, to), nil).
		WithCode(ErrCodeInvalidTransition).WithTask(t.ID)
}
