package runstate

import (
	"sync"
	"time"

	"arena/internal/domain"
)

// Run owns an ordered list of task runs. Lock order is Run before TaskRun.
type Run struct {
	mu         sync.RWMutex
	id         string
	name       string
	templateID string
	status     domain.RunStatus
	createdAt  time.Time
	started    *time.Time
	terminated *time.Time
	tasks      []*TaskRun
	byID       map[string]*TaskRun
	notify     Listener
}

func NewRun(id, name, templateID string, createdAt time.Time, notify Listener) *Run {
	return &Run{
		id:         id,
		name:       name,
		templateID: templateID,
		status:     domain.RunCreated,
		createdAt:  createdAt.UTC(),
		byID:       map[string]*TaskRun{},
		notify:     notify,
	}
}

// RestoreRun rebuilds a run from its persisted row. Task runs are attached
// with Attach in their original order.
func RestoreRun(r domain.Run, notify Listener) *Run {
	run := NewRun(r.ID, r.Name, r.TemplateID, r.CreatedAt, notify)
	run.status = r.Status
	run.started = copyTime(r.StartedAt)
	run.terminated = copyTime(r.TerminatedAt)
	return run
}

func (r *Run) ID() string { return r.id }

// Listener returns the function task runs of this run should notify.
func (r *Run) Listener() Listener { return r.notify }

func (r *Run) Status() domain.RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Run) Start(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != domain.RunCreated {
		return domain.InvalidStateTransitionError{Entity: "run", ID: r.id, From: string(r.status), To: string(domain.RunActive)}
	}
	ts := now.UTC()
	r.status = domain.RunActive
	r.started = &ts
	r.emit(Change{RunID: r.id, Kind: RunStarted, At: ts})
	return nil
}

// Terminate ends a running task first, then closes the run. It returns the
// task run it ended, if any.
func (r *Run) Terminate(now time.Time) (*TaskRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == domain.RunTerminated {
		return nil, domain.InvalidStateTransitionError{Entity: "run", ID: r.id, From: string(r.status), To: string(domain.RunTerminated)}
	}
	ts := now.UTC()
	var ended *TaskRun
	if cur := r.currentLocked(); cur != nil && cur.Phase() == domain.PhaseRunning {
		if err := cur.End(ts); err != nil {
			return nil, err
		}
		ended = cur
	}
	r.status = domain.RunTerminated
	r.terminated = &ts
	r.emit(Change{RunID: r.id, Kind: RunTerminated, At: ts})
	return ended, nil
}

// AddTask appends a new PREPARING task run. The run must be active and the
// previous task must have ended.
func (r *Run) AddTask(id, task string, teams []string, duration time.Duration, now time.Time) (*TaskRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != domain.RunActive {
		return nil, domain.InvalidStateTransitionError{Entity: "run", ID: r.id, From: string(r.status), To: "prepare task"}
	}
	if cur := r.currentLocked(); cur != nil {
		if phase := cur.Phase(); phase != domain.PhaseEnded {
			return nil, domain.InvalidStateTransitionError{Entity: "task run", ID: cur.ID(), From: string(phase), To: "superseded"}
		}
	}
	tr := NewTaskRun(id, r.id, task, teams, duration, r.notify)
	r.attachLocked(tr)
	r.emit(Change{RunID: r.id, TaskRunID: id, Kind: TaskPrepared, At: now.UTC()})
	return tr, nil
}

// Attach adds an already built task run without emitting a change.
func (r *Run) Attach(tr *TaskRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachLocked(tr)
}

func (r *Run) attachLocked(tr *TaskRun) {
	r.tasks = append(r.tasks, tr)
	r.byID[tr.ID()] = tr
}

func (r *Run) TaskRun(id string) (*TaskRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.byID[id]
	return tr, ok
}

func (r *Run) TaskRuns() []*TaskRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*TaskRun(nil), r.tasks...)
}

// Current is the most recently prepared task run, or nil.
func (r *Run) Current() *TaskRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentLocked()
}

func (r *Run) currentLocked() *TaskRun {
	if len(r.tasks) == 0 {
		return nil
	}
	return r.tasks[len(r.tasks)-1]
}

func (r *Run) Snapshot() domain.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.Run{
		ID:           r.id,
		Name:         r.name,
		TemplateID:   r.templateID,
		Status:       r.status,
		CreatedAt:    r.createdAt,
		StartedAt:    copyTime(r.started),
		TerminatedAt: copyTime(r.terminated),
	}
}

func (r *Run) emit(c Change) {
	if r.notify != nil {
		r.notify(c)
	}
}
