package engine

import (
	"context"
	"fmt"

	"arena/internal/domain"
	"arena/internal/judging"
	"arena/internal/runstate"
)

// Load rebuilds runs, task runs, submissions and scoreboards from storage.
// Undecided deferred submissions of live runs are queued again under new
// tokens. A log that cannot be replayed fails with ErrCorruptLog.
func (e *Engine) Load(ctx context.Context) error {
	runs, err := e.Repo.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, r := range runs {
		if err := e.loadRun(ctx, r); err != nil {
			return err
		}
	}
	e.Log.Info("state loaded", "runs", len(runs), "open_judgements", e.Pipeline.Queue().Len())
	return nil
}

func (e *Engine) loadRun(ctx context.Context, r domain.Run) error {
	cfg, err := e.template(ctx, r.TemplateID)
	if err != nil {
		return fmt.Errorf("run %s: %w", r.ID, err)
	}
	run := runstate.RestoreRun(r, e.onChange)
	taskRuns, err := e.Repo.ListTaskRuns(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("run %s task runs: %w: %v", r.ID, ErrCorruptLog, err)
	}
	subs, err := e.Repo.ListSubmissions(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("run %s submissions: %w: %v", r.ID, ErrCorruptLog, err)
	}
	verdicts, err := e.Repo.ListVerdicts(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("run %s verdicts: %w: %v", r.ID, ErrCorruptLog, err)
	}

	byID := make(map[int64]*domain.Submission, len(subs))
	for i := range subs {
		byID[subs[i].ID] = &subs[i]
	}
	for _, v := range verdicts {
		s, ok := byID[v.SubmissionID]
		if !ok {
			return fmt.Errorf("%w: verdict %d references unknown submission %d", ErrCorruptLog, v.ID, v.SubmissionID)
		}
		s.Verdict = v.Verdict
		if v.Kind != domain.VerdictByValidator {
			s.ValidatorID = v.ValidatorID
		}
	}

	tasks := map[string]*judging.Task{}
	for _, tr := range taskRuns {
		def, ok := cfg.Task(tr.Task)
		if !ok {
			return fmt.Errorf("%w: task run %s uses task %s missing from template %s", ErrCorruptLog, tr.ID, tr.Task, cfg.Competition.ID)
		}
		validator, scorer, err := buildTask(def)
		if err != nil {
			return err
		}
		state := runstate.Restore(tr.ID, r.ID, tr.Task, tr.Teams, tr.Duration, tr.Started, tr.Ended, run.Listener())
		run.Attach(state)
		tasks[tr.ID] = e.newPipelineTask(r.ID, state, def, validator, scorer)
	}

	grouped := map[string][]domain.Submission{}
	for _, s := range subs {
		if _, ok := tasks[s.TaskRunID]; !ok {
			return fmt.Errorf("%w: submission %d references unknown task run %s", ErrCorruptLog, s.ID, s.TaskRunID)
		}
		grouped[s.TaskRunID] = append(grouped[s.TaskRunID], s)
	}
	for _, tr := range taskRuns {
		e.Pipeline.Restore(tasks[tr.ID], grouped[tr.ID])
	}
	if r.Status == domain.RunTerminated {
		e.Pipeline.CloseRun(r.ID)
	}

	e.mu.Lock()
	e.runs[r.ID] = &runEntry{run: run, cfg: cfg}
	e.mu.Unlock()
	return nil
}
