package runstate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"arena/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTaskRunTransitions(t *testing.T) {
	var changes []ChangeKind
	tr := NewTaskRun("tr1", "run1", "kis-1", []string{"a", "b"}, time.Minute, func(c Change) {
		changes = append(changes, c.Kind)
	})
	if tr.Phase() != domain.PhasePreparing {
		t.Fatalf("expected PREPARING, got %s", tr.Phase())
	}
	var ist domain.InvalidStateTransitionError
	if err := tr.End(t0); !errors.As(err, &ist) {
		t.Fatalf("expected InvalidStateTransition for PREPARING->ENDED, got %v", err)
	}
	if err := tr.Start(t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Start(t0.Add(time.Second)); !errors.As(err, &ist) {
		t.Fatalf("expected second start to fail, got %v", err)
	}
	if err := tr.End(t0.Add(30 * time.Second)); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := tr.End(t0.Add(40 * time.Second)); !errors.As(err, &ist) {
		t.Fatalf("expected end after ENDED to fail, got %v", err)
	}
	if got := tr.Ended(); got == nil || !got.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("ended timestamp changed: %v", got)
	}
	if len(changes) != 2 || changes[0] != TaskStarted || changes[1] != TaskEnded {
		t.Fatalf("unexpected changes %v", changes)
	}
}

func TestTimeLeft(t *testing.T) {
	tr := NewTaskRun("tr1", "run1", "kis-1", nil, time.Minute, nil)
	if got := tr.TimeLeft(t0); got != time.Minute {
		t.Fatalf("not started: got %s", got)
	}
	_ = tr.Start(t0)
	if got := tr.TimeLeft(t0.Add(15 * time.Second)); got != 45*time.Second {
		t.Fatalf("running: got %s", got)
	}
	if got := tr.TimeLeft(t0.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("overdue should clamp to 0, got %s", got)
	}
	if !tr.Expired(t0.Add(time.Minute)) {
		t.Fatalf("expected expired at duration")
	}
}

func TestConcurrentStartOnlyOneWins(t *testing.T) {
	tr := NewTaskRun("tr1", "run1", "kis-1", nil, time.Minute, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Start(t0); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected exactly one successful start, got %d", ok)
	}
}

func TestRunLifecycle(t *testing.T) {
	var changes []Change
	run := NewRun("run1", "demo", "tpl", t0, func(c Change) { changes = append(changes, c) })
	if _, err := run.AddTask("tr1", "kis-1", nil, time.Minute, t0); err == nil {
		t.Fatalf("expected add task on created run to fail")
	}
	if err := run.Start(t0); err != nil {
		t.Fatalf("start run: %v", err)
	}
	tr, err := run.AddTask("tr1", "kis-1", []string{"a"}, time.Minute, t0)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := run.AddTask("tr2", "kis-2", nil, time.Minute, t0); err == nil {
		t.Fatalf("expected second prepare while first is PREPARING to fail")
	}
	if err := tr.Start(t0); err != nil {
		t.Fatalf("start task: %v", err)
	}
	ended, err := run.Terminate(t0.Add(10 * time.Second))
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if ended == nil || ended.ID() != "tr1" || tr.Phase() != domain.PhaseEnded {
		t.Fatalf("expected running task to be ended by terminate")
	}
	if run.Status() != domain.RunTerminated {
		t.Fatalf("expected terminated, got %s", run.Status())
	}
	if _, err := run.Terminate(t0); err == nil {
		t.Fatalf("expected second terminate to fail")
	}
	kinds := []ChangeKind{RunStarted, TaskPrepared, TaskStarted, TaskEnded, RunTerminated}
	if len(changes) != len(kinds) {
		t.Fatalf("expected %d changes, got %d", len(kinds), len(changes))
	}
	for i, k := range kinds {
		if changes[i].Kind != k {
			t.Fatalf("change %d: expected %s, got %s", i, k, changes[i].Kind)
		}
	}
}

func TestWhileRunning(t *testing.T) {
	tr := NewTaskRun("tr1", "run1", "kis-1", nil, time.Minute, nil)
	called := false
	phase, ok, _ := tr.WhileRunning(func() error { called = true; return nil })
	if ok || called || phase != domain.PhasePreparing {
		t.Fatalf("fn must not run while PREPARING")
	}
	_ = tr.Start(t0)
	if _, ok, _ := tr.WhileRunning(func() error { called = true; return nil }); !ok || !called {
		t.Fatalf("fn should run while RUNNING")
	}
}
