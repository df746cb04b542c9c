package judging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"arena/internal/domain"
	"arena/internal/journal"
	"arena/internal/runstate"
	"arena/internal/scoring"
)

// Store appends submissions and verdict records. AppendSubmission persists
// the submission together with its initial verdict record. AppendVerdict
// receives the submission as it stands after rec.
type Store interface {
	AppendSubmission(ctx context.Context, sub domain.Submission) (int64, error)
	AppendVerdict(ctx context.Context, sub domain.Submission, rec domain.VerdictRecord) (int64, error)
}

type verdictEntry struct {
	sub domain.Submission
	rec domain.VerdictRecord
}

// Authorizer answers "may member submit on behalf of team".
type Authorizer interface {
	CanSubmit(ctx context.Context, teamID, memberID string) (bool, error)
}

// Task binds a task run to its validator and scoreboard.
type Task struct {
	Run       *runstate.TaskRun
	Validator Validator
	Board     *scoring.Board
	// LockOut rejects further submissions from a team once it has a
	// correct one.
	LockOut bool

	mu     sync.RWMutex
	subs   map[int64]*domain.Submission
	byTeam map[string][]int64
	seen   map[string]map[string]struct{}
	// inflight counts accepted correct answers still being stored.
	inflight map[string]int
	locks    map[string]*sync.Mutex
}

func NewTask(run *runstate.TaskRun, v Validator, board *scoring.Board, lockOut bool) *Task {
	return &Task{
		Run:       run,
		Validator: v,
		Board:     board,
		LockOut:   lockOut,
		subs:      map[int64]*domain.Submission{},
		byTeam:    map[string][]int64{},
		seen:      map[string]map[string]struct{}{},
		inflight:  map[string]int{},
		locks:     map[string]*sync.Mutex{},
	}
}

func (t *Task) teamLock(team string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[team]
	if !ok {
		l = &sync.Mutex{}
		t.locks[team] = l
	}
	return l
}

func (t *Task) register(sub domain.Submission) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := sub
	t.subs[sub.ID] = &s
	t.byTeam[sub.TeamID] = append(t.byTeam[sub.TeamID], sub.ID)
	t.markSeenLocked(sub.TeamID, sub.Answer.Key())
}

func (t *Task) markSeenLocked(team, key string) {
	keys, ok := t.seen[team]
	if !ok {
		keys = map[string]struct{}{}
		t.seen[team] = keys
	}
	keys[key] = struct{}{}
}

// reserve holds an answer key while its submission is being stored so a
// concurrent duplicate or a post-solve answer is still rejected.
func (t *Task) reserve(team, key string, v domain.Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markSeenLocked(team, key)
	if v == domain.VerdictCorrect {
		t.inflight[team]++
	}
}

// settle ends a reservation. A failed store frees the key again.
func (t *Task) settle(team, key string, v domain.Verdict, stored bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v == domain.VerdictCorrect {
		t.inflight[team]--
	}
	if !stored {
		delete(t.seen[team], key)
	}
}

func (t *Task) isDuplicate(team, key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.seen[team][key]
	return ok
}

func (t *Task) solved(team string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.inflight[team] > 0 {
		return true
	}
	for _, id := range t.byTeam[team] {
		if t.subs[id].Verdict == domain.VerdictCorrect {
			return true
		}
	}
	return false
}

func (t *Task) setVerdict(id int64, v domain.Verdict, validatorID string) domain.Submission {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.subs[id]
	s.Verdict = v
	if validatorID != "" {
		s.ValidatorID = validatorID
	}
	return *s
}

func (t *Task) submission(id int64) (domain.Submission, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[id]
	if !ok {
		return domain.Submission{}, false
	}
	return *s, true
}

// TeamSubmissions is the source of truth for one team's scoring input.
func (t *Task) TeamSubmissions(team string) []domain.Submission {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.byTeam[team]
	out := make([]domain.Submission, 0, len(ids))
	for _, id := range ids {
		out = append(out, *t.subs[id])
	}
	return out
}

func (t *Task) Submissions() []domain.Submission {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Submission, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pipeline accepts submissions, routes undecided ones to judges and keeps
// the scoreboards current.
type Pipeline struct {
	store Store
	auth  Authorizer
	queue *Queue
	now   func() time.Time
	log   *slog.Logger

	verdicts *journal.Journal[verdictEntry]

	mu    sync.RWMutex
	tasks map[string]*Task
	order []*Task
	bySub map[int64]*Task
}

func NewPipeline(store Store, auth Authorizer, queue *Queue, now func() time.Time, log *slog.Logger) *Pipeline {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		store: store,
		auth:  auth,
		queue: queue,
		now:   now,
		log:   log,
		tasks: map[string]*Task{},
		bySub: map[int64]*Task{},
	}
	p.verdicts = journal.New(func(ctx context.Context, e verdictEntry) error {
		if _, err := p.store.AppendVerdict(ctx, e.sub, e.rec); err != nil {
			return fmt.Errorf("append %s verdict for submission %d: %w", e.rec.Kind, e.rec.SubmissionID, err)
		}
		return nil
	})
	return p
}

func (p *Pipeline) Queue() *Queue { return p.queue }

func (p *Pipeline) AddTask(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[t.Run.ID()] = t
	p.order = append(p.order, t)
}

// Restore registers a task rebuilt from storage. Submissions carry their
// latest verdict; undecided deferred ones are queued again under fresh
// tokens. No score points are recorded.
func (p *Pipeline) Restore(t *Task, subs []domain.Submission) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	for _, s := range subs {
		t.register(s)
		if s.Verdict == domain.VerdictIndeterminate {
			p.queue.Enqueue(p.request(t, s))
		}
	}
	p.mu.Lock()
	p.tasks[t.Run.ID()] = t
	p.order = append(p.order, t)
	for _, s := range subs {
		p.bySub[s.ID] = t
	}
	p.mu.Unlock()
	t.Board.Cache.Invalidate(t.TeamSubmissions)
}

func (p *Pipeline) Task(taskRunID string) (*Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[taskRunID]
	return t, ok
}

// Tasks returns the tasks of runID in preparation order.
func (p *Pipeline) Tasks(runID string) []*Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Task
	for _, t := range p.order {
		if t.Run.RunID() == runID {
			out = append(out, t)
		}
	}
	return out
}

func (p *Pipeline) taskOf(submissionID int64) (*Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.bySub[submissionID]
	return t, ok
}

func reject(format string, args ...any) error {
	return domain.SubmissionRejectedError{Reason: fmt.Sprintf(format, args...)}
}

// Accept validates and stores one submission against a running task. The
// phase and duplicate checks run under the team lock; the store write and
// score point recording happen after it is released.
func (p *Pipeline) Accept(ctx context.Context, taskRunID, teamID, memberID string, answer domain.Answer) (domain.Submission, error) {
	t, ok := p.Task(taskRunID)
	if !ok {
		return domain.Submission{}, domain.ErrTaskRunNotFound
	}
	if !t.Run.HasTeam(teamID) {
		return domain.Submission{}, reject("team %s does not take part in this task", teamID)
	}
	if p.auth != nil {
		allowed, err := p.auth.CanSubmit(ctx, teamID, memberID)
		if err != nil {
			return domain.Submission{}, err
		}
		if !allowed {
			return domain.Submission{}, reject("member %s may not submit for team %s", memberID, teamID)
		}
	}
	key := answer.Key()
	if key == "" {
		return domain.Submission{}, reject("empty answer")
	}

	lk := t.teamLock(teamID)
	lk.Lock()
	var sub domain.Submission
	phase, running, err := t.Run.WhileRunning(func() error {
		if t.LockOut && t.solved(teamID) {
			return reject("team %s already solved this task", teamID)
		}
		if t.isDuplicate(teamID, key) {
			return reject("duplicate answer")
		}
		sub = domain.Submission{
			RunID:       t.Run.RunID(),
			TaskRunID:   t.Run.ID(),
			TeamID:      teamID,
			MemberID:    memberID,
			Timestamp:   p.now().UTC(),
			Answer:      answer,
			Verdict:     t.Validator.Validate(answer),
			ValidatorID: t.Validator.ID(),
		}
		t.reserve(teamID, key, sub.Verdict)
		return nil
	})
	lk.Unlock()
	if err != nil {
		return domain.Submission{}, err
	}
	if !running {
		return domain.Submission{}, reject("task run is %s", phase)
	}

	id, err := p.store.AppendSubmission(ctx, sub)
	if err != nil {
		lk.Lock()
		t.settle(teamID, key, sub.Verdict, false)
		lk.Unlock()
		return domain.Submission{}, fmt.Errorf("append submission: %w", err)
	}
	sub.ID = id

	lk.Lock()
	t.register(sub)
	t.settle(teamID, key, sub.Verdict, true)
	p.mu.Lock()
	p.bySub[id] = t
	p.mu.Unlock()
	if sub.Verdict == domain.VerdictIndeterminate {
		p.queue.Enqueue(p.request(t, sub))
	}
	if sub.Verdict.Decided() {
		t.Board.Apply(sub)
	}
	lk.Unlock()

	return sub, t.Board.Flush(ctx)
}

func (p *Pipeline) request(t *Task, sub domain.Submission) domain.JudgementRequest {
	return domain.JudgementRequest{
		SubmissionID: sub.ID,
		RunID:        sub.RunID,
		TaskRunID:    sub.TaskRunID,
		Task:         t.Run.TaskID(),
		Answer:       sub.Answer,
		CreatedAt:    sub.Timestamp,
	}
}

func (p *Pipeline) Claim(judgeID string) (domain.JudgementRequest, bool) {
	return p.queue.Claim(judgeID)
}

// flush writes queued verdict records and score points. It runs after every
// team lock is released.
func (p *Pipeline) flush(ctx context.Context, t *Task) error {
	if err := p.verdicts.Flush(ctx); err != nil {
		p.log.Error("verdict record not stored", "err", err, "queued", p.verdicts.Len())
		return err
	}
	if err := t.Board.Flush(ctx); err != nil {
		p.log.Error("score point not stored", "board", t.Board.Name, "err", err, "queued", t.Board.Pending())
		return err
	}
	return nil
}

// Judge resolves a claimed token with a verdict and rescores the
// submitting team. The token is resolved under the team lock, so an
// override that got there first leaves it unknown.
func (p *Pipeline) Judge(ctx context.Context, judgeID string, j domain.Judgement) (domain.Submission, error) {
	if !j.Verdict.Valid() || j.Verdict == domain.VerdictIndeterminate {
		return domain.Submission{}, fmt.Errorf("invalid judgement verdict %q", j.Verdict)
	}
	pending, ok := p.queue.Lookup(j.Token)
	if !ok {
		return domain.Submission{}, domain.ErrUnknownToken
	}
	t, ok := p.taskOf(pending.SubmissionID)
	if !ok {
		return domain.Submission{}, domain.ErrSubmissionNotFound
	}
	cur, _ := t.submission(pending.SubmissionID)
	lk := t.teamLock(cur.TeamID)
	lk.Lock()
	req, err := p.queue.Resolve(j.Token, judgeID)
	if err != nil {
		lk.Unlock()
		return domain.Submission{}, err
	}
	cur, _ = t.submission(req.SubmissionID)
	if cur.Verdict != domain.VerdictIndeterminate {
		lk.Unlock()
		return domain.Submission{}, domain.ErrUnknownToken
	}
	validatorID := j.ValidatorID
	if validatorID == "" {
		validatorID = judgeID
	}
	sub := t.setVerdict(req.SubmissionID, j.Verdict, validatorID)
	t.Board.Apply(sub)
	p.verdicts.Push(verdictEntry{sub: sub, rec: domain.VerdictRecord{
		SubmissionID: req.SubmissionID,
		Kind:         domain.VerdictByJudge,
		Verdict:      j.Verdict,
		Previous:     cur.Verdict,
		ValidatorID:  validatorID,
		Token:        req.Token,
		CreatedAt:    p.now().UTC(),
	}})
	lk.Unlock()

	return sub, p.flush(ctx, t)
}

// Override replaces a submission's verdict without any token and forces a
// full recompute of the task's board. The previous verdict stays on record.
func (p *Pipeline) Override(ctx context.Context, submissionID int64, verdict domain.Verdict, actorID string) (domain.Submission, domain.Verdict, error) {
	if !verdict.Valid() {
		return domain.Submission{}, "", fmt.Errorf("invalid verdict %q", verdict)
	}
	t, ok := p.taskOf(submissionID)
	if !ok {
		return domain.Submission{}, "", domain.ErrSubmissionNotFound
	}
	cur, _ := t.submission(submissionID)
	lk := t.teamLock(cur.TeamID)
	lk.Lock()
	cur, _ = t.submission(submissionID)
	old := cur.Verdict
	if old == verdict {
		lk.Unlock()
		return cur, old, nil
	}
	p.queue.CancelSubmission(submissionID)
	sub := t.setVerdict(submissionID, verdict, actorID)
	if verdict == domain.VerdictIndeterminate {
		p.queue.Enqueue(p.request(t, sub))
	}
	t.Board.Rebuild(t.TeamSubmissions)
	p.verdicts.Push(verdictEntry{sub: sub, rec: domain.VerdictRecord{
		SubmissionID: submissionID,
		Kind:         domain.VerdictByOverride,
		Verdict:      verdict,
		Previous:     old,
		ValidatorID:  actorID,
		CreatedAt:    p.now().UTC(),
	}})
	lk.Unlock()

	p.log.Info("verdict override",
		"submission_id", submissionID,
		"task_run_id", sub.TaskRunID,
		"team_id", sub.TeamID,
		"old_verdict", old,
		"new_verdict", verdict,
		"actor", actorID,
	)
	return sub, old, p.flush(ctx, t)
}

// CloseRun drops the outstanding judgement requests of a torn down run.
func (p *Pipeline) CloseRun(runID string) int {
	return p.queue.CancelRun(runID)
}

func (p *Pipeline) CurrentScores(taskRunID string) ([]domain.Score, error) {
	t, ok := p.Task(taskRunID)
	if !ok {
		return nil, domain.ErrTaskRunNotFound
	}
	return t.Board.Scores(), nil
}

func (p *Pipeline) Overall(runID string) []domain.Score {
	tasks := p.Tasks(runID)
	boards := make([]*scoring.Board, 0, len(tasks))
	for _, t := range tasks {
		boards = append(boards, t.Board)
	}
	return scoring.Overall(boards)
}

func (p *Pipeline) Submission(id int64) (domain.Submission, error) {
	t, ok := p.taskOf(id)
	if !ok {
		return domain.Submission{}, domain.ErrSubmissionNotFound
	}
	s, _ := t.submission(id)
	return s, nil
}
