package runstate

import (
	"sync"
	"time"

	"arena/internal/domain"
)

type ChangeKind string

const (
	RunStarted    ChangeKind = "run.started"
	RunTerminated ChangeKind = "run.terminated"
	TaskPrepared  ChangeKind = "task.prepared"
	TaskStarted   ChangeKind = "task.started"
	TaskEnded     ChangeKind = "task.ended"
)

// Change is emitted for every lifecycle transition.
type Change struct {
	RunID     string
	TaskRunID string
	Kind      ChangeKind
	At        time.Time
}

// Listener receives changes while the transitioning entity is still locked,
// so the order listeners observe is the order transitions happened. It must
// not block.
type Listener func(Change)

// TaskRun is the in-memory state of one timed task instance.
type TaskRun struct {
	mu       sync.RWMutex
	id       string
	runID    string
	task     string
	teams    []string
	duration time.Duration
	started  *time.Time
	ended    *time.Time
	notify   Listener
}

func NewTaskRun(id, runID, task string, teams []string, duration time.Duration, notify Listener) *TaskRun {
	return &TaskRun{
		id:       id,
		runID:    runID,
		task:     task,
		teams:    append([]string(nil), teams...),
		duration: duration,
		notify:   notify,
	}
}

// Restore rebuilds a task run from persisted timestamps without emitting changes.
func Restore(id, runID, task string, teams []string, duration time.Duration, started, ended *time.Time, notify Listener) *TaskRun {
	t := NewTaskRun(id, runID, task, teams, duration, notify)
	t.started = copyTime(started)
	t.ended = copyTime(ended)
	return t
}

func (t *TaskRun) ID() string              { return t.id }
func (t *TaskRun) RunID() string           { return t.runID }
func (t *TaskRun) TaskID() string          { return t.task }
func (t *TaskRun) Duration() time.Duration { return t.duration }

func (t *TaskRun) Teams() []string {
	return append([]string(nil), t.teams...)
}

func (t *TaskRun) HasTeam(team string) bool {
	for _, id := range t.teams {
		if id == team {
			return true
		}
	}
	return false
}

func (t *TaskRun) Started() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyTime(t.started)
}

func (t *TaskRun) Ended() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyTime(t.ended)
}

func (t *TaskRun) Phase() domain.Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phaseLocked()
}

func (t *TaskRun) phaseLocked() domain.Phase {
	switch {
	case t.ended != nil:
		return domain.PhaseEnded
	case t.started != nil:
		return domain.PhaseRunning
	default:
		return domain.PhasePreparing
	}
}

// Start moves PREPARING -> RUNNING.
func (t *TaskRun) Start(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ensureTaskTransition(t.id, t.phaseLocked(), domain.PhaseRunning); err != nil {
		return err
	}
	ts := now.UTC()
	t.started = &ts
	t.emit(TaskStarted, ts)
	return nil
}

// End moves RUNNING -> ENDED.
func (t *TaskRun) End(now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ensureTaskTransition(t.id, t.phaseLocked(), domain.PhaseEnded); err != nil {
		return err
	}
	ts := now.UTC()
	if ts.Before(*t.started) {
		ts = *t.started
	}
	t.ended = &ts
	t.emit(TaskEnded, ts)
	return nil
}

// TimeLeft is the remaining duration clamped at zero, or the full duration
// while the task has not started.
func (t *TaskRun) TimeLeft(now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.started == nil {
		return t.duration
	}
	if t.ended != nil {
		return 0
	}
	left := t.duration - now.Sub(*t.started)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether a running task has used up its duration.
func (t *TaskRun) Expired(now time.Time) bool {
	return t.Phase() == domain.PhaseRunning && t.TimeLeft(now) == 0
}

// WhileRunning calls fn with the phase held stable. fn only runs when the
// task is RUNNING; otherwise the current phase is returned with ok=false.
func (t *TaskRun) WhileRunning(fn func() error) (domain.Phase, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	phase := t.phaseLocked()
	if phase != domain.PhaseRunning {
		return phase, false, nil
	}
	return phase, true, fn()
}

// Context returns the immutable snapshot handed to scorers.
func (t *TaskRun) Context() domain.TaskContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctx := domain.TaskContext{
		TaskID:   t.task,
		Teams:    t.Teams(),
		Duration: t.duration,
		End:      copyTime(t.ended),
	}
	if t.started != nil {
		ctx.Start = *t.started
	}
	return ctx
}

func (t *TaskRun) Snapshot() domain.TaskRun {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return domain.TaskRun{
		ID:       t.id,
		RunID:    t.runID,
		Task:     t.task,
		Teams:    t.Teams(),
		Duration: t.duration,
		Phase:    t.phaseLocked(),
		Started:  copyTime(t.started),
		Ended:    copyTime(t.ended),
	}
}

func (t *TaskRun) emit(kind ChangeKind, at time.Time) {
	if t.notify != nil {
		t.notify(Change{RunID: t.runID, TaskRunID: t.id, Kind: kind, At: at})
	}
}

func ensureTaskTransition(id string, from, to domain.Phase) error {
	if from == domain.PhasePreparing && to == domain.PhaseRunning {
		return nil
	}
	if from == domain.PhaseRunning && to == domain.PhaseEnded {
		return nil
	}
	return domain.InvalidStateTransitionError{Entity: "task run", ID: id, From: string(from), To: string(to)}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
