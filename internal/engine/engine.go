package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"arena/internal/app"
	"arena/internal/config"
	"arena/internal/db"
	"arena/internal/domain"
	"arena/internal/engine/auth"
	"arena/internal/events"
	"arena/internal/judging"
	"arena/internal/live"
	"arena/internal/repo"
	"arena/internal/runstate"
	"arena/internal/scoring"
)

// ErrCorruptLog is returned by Load when the persisted log cannot be replayed.
var ErrCorruptLog = errors.New("corrupted submission log")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Hub      *live.Hub
	Pipeline *judging.Pipeline
	Log      *slog.Logger
	Now      func() time.Time

	mu        sync.RWMutex
	runs      map[string]*runEntry
	templates map[string]*config.Config
}

type runEntry struct {
	// ops serializes administrative operations on one run.
	ops sync.Mutex
	run *runstate.Run
	cfg *config.Config
}

// New wires an engine over an opened and migrated database. cfg is the
// template new runs are created from and may be nil for read-only use.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) *Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	e := &Engine{
		DB:        conn,
		Repo:      r,
		Events:    events.Writer{DB: conn, Dialect: dialect},
		Auth:      auth.Service{Repo: r},
		Config:    cfg,
		Log:       slog.Default(),
		Now:       time.Now,
		runs:      map[string]*runEntry{},
		templates: map[string]*config.Config{},
	}
	e.Events.Now = e.now
	hubOpts := live.Options{Now: e.now, Logger: e.Log}
	var claimTimeout time.Duration
	if cfg != nil {
		e.templates[cfg.Competition.ID] = cfg
		hubOpts.PingInterval = cfg.Sync.PingInterval
		hubOpts.MaxMissedPings = cfg.Sync.MaxMissedPings
		hubOpts.OutboxSize = cfg.Sync.OutboxSize
		claimTimeout = cfg.Judging.ClaimTimeout
	}
	e.Hub = live.NewHub(hubOpts)
	e.Pipeline = judging.NewPipeline(ledger{repo: r, events: e.Events}, e.Auth, judging.NewQueue(claimTimeout, e.now), e.now, e.Log)
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var liveTypes = map[runstate.ChangeKind]live.ServerType{
	runstate.RunStarted:    live.CompetitionStart,
	runstate.RunTerminated: live.CompetitionEnd,
	runstate.TaskPrepared:  live.TaskPrepare,
	runstate.TaskStarted:   live.TaskStart,
	runstate.TaskEnded:     live.TaskEnd,
}

// onChange runs under the state machine locks and must not block.
func (e *Engine) onChange(c runstate.Change) {
	if typ, ok := liveTypes[c.Kind]; ok {
		e.Hub.Broadcast(c.RunID, typ, c.At)
	}
}

func (e *Engine) entry(runID string) (*runEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	re, ok := e.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return re, nil
}

func (e *Engine) taskRun(runID, taskRunID string) (*runEntry, *runstate.TaskRun, error) {
	re, err := e.entry(runID)
	if err != nil {
		return nil, nil, err
	}
	if taskRunID == "" {
		if cur := re.run.Current(); cur != nil {
			return re, cur, nil
		}
		return nil, nil, domain.ErrTaskRunNotFound
	}
	tr, ok := re.run.TaskRun(taskRunID)
	if !ok {
		return nil, nil, domain.ErrTaskRunNotFound
	}
	return re, tr, nil
}

func (e *Engine) template(ctx context.Context, id string) (*config.Config, error) {
	e.mu.RLock()
	cfg, ok := e.templates[id]
	e.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	_, cfg, err := app.ResolveTemplate(ctx, id, e.Repo)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.templates[id] = cfg
	e.mu.Unlock()
	return cfg, nil
}

// persist runs fn in a transaction after an in-memory transition already
// happened. Failures are logged; memory stays authoritative until restart.
func (e *Engine) persist(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.Error("persist failed", "op", what, "err", err)
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		e.Log.Error("persist failed", "op", what, "err", err)
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := tx.Commit(); err != nil {
		e.Log.Error("persist failed", "op", what, "err", err)
		return err
	}
	return nil
}

func (e *Engine) CreateRun(ctx context.Context, name, actorID string) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("template not loaded")
	}
	id := uuid.NewString()
	if name == "" {
		name = e.Config.Competition.Name
	}
	run := runstate.NewRun(id, name, e.Config.Competition.ID, e.now(), e.onChange)
	snap := run.Snapshot()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, snap); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RunCreated, id, "run", id, actorID, events.EventPayload{"template_id": snap.TemplateID, "name": name}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	e.mu.Lock()
	e.runs[id] = &runEntry{run: run, cfg: e.Config}
	e.mu.Unlock()
	e.Log.Info("run created", "run_id", id, "template_id", snap.TemplateID, "actor", actorID)
	return snap, nil
}

func (e *Engine) StartRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	re, err := e.entry(runID)
	if err != nil {
		return domain.Run{}, err
	}
	re.ops.Lock()
	defer re.ops.Unlock()
	now := e.now()
	if err := re.run.Start(now); err != nil {
		return domain.Run{}, err
	}
	err = e.persist(ctx, "start run", func(tx *sql.Tx) error {
		if err := e.Repo.SetRunStatus(ctx, tx, runID, domain.RunActive, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.RunStarted, runID, "run", runID, actorID, nil)
	})
	return re.run.Snapshot(), err
}

// TerminateRun ends a running task, closes the run and cancels its
// outstanding judgement requests.
func (e *Engine) TerminateRun(ctx context.Context, runID, actorID string) (domain.Run, error) {
	re, err := e.entry(runID)
	if err != nil {
		return domain.Run{}, err
	}
	re.ops.Lock()
	defer re.ops.Unlock()
	now := e.now()
	ended, err := re.run.Terminate(now)
	if err != nil {
		return domain.Run{}, err
	}
	cancelled := e.Pipeline.CloseRun(runID)
	e.Hub.DropRun(runID)
	err = e.persist(ctx, "terminate run", func(tx *sql.Tx) error {
		if ended != nil {
			if err := e.Repo.MarkTaskRunEnded(ctx, tx, ended.ID(), *ended.Ended()); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.TaskEnded, runID, "task_run", ended.ID(), actorID, nil); err != nil {
				return err
			}
		}
		if err := e.Repo.SetRunStatus(ctx, tx, runID, domain.RunTerminated, now); err != nil {
			return err
		}
		if cancelled > 0 {
			if err := e.Events.Append(ctx, tx, events.JudgementsCancelled, runID, "run", runID, actorID, events.EventPayload{"count": cancelled}); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, events.RunTerminated, runID, "run", runID, actorID, nil)
	})
	e.Log.Info("run terminated", "run_id", runID, "cancelled_judgements", cancelled, "actor", actorID)
	return re.run.Snapshot(), err
}

// PrepareTask appends a new task run in PREPARING for the named template task.
func (e *Engine) PrepareTask(ctx context.Context, runID, taskName, actorID string) (domain.TaskRun, error) {
	re, err := e.entry(runID)
	if err != nil {
		return domain.TaskRun{}, err
	}
	def, ok := re.cfg.Task(taskName)
	if !ok {
		return domain.TaskRun{}, fmt.Errorf("task %s not in template %s", taskName, re.cfg.Competition.ID)
	}
	validator, scorer, err := buildTask(def)
	if err != nil {
		return domain.TaskRun{}, err
	}
	re.ops.Lock()
	defer re.ops.Unlock()
	position := len(re.run.TaskRuns())
	now := e.now()
	tr, err := re.run.AddTask(uuid.NewString(), def.Name, re.cfg.TaskTeams(def), def.Duration, now)
	if err != nil {
		return domain.TaskRun{}, err
	}
	e.Pipeline.AddTask(e.newPipelineTask(runID, tr, def, validator, scorer))
	snap := tr.Snapshot()
	snap.Position = position
	snap.CreatedAt = now.UTC()
	err = e.persist(ctx, "prepare task", func(tx *sql.Tx) error {
		if err := e.Repo.InsertTaskRun(ctx, tx, snap); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskPrepared, runID, "task_run", snap.ID, actorID, events.EventPayload{"task": def.Name})
	})
	return snap, err
}

func buildTask(def config.Task) (judging.Validator, scoring.Scorer, error) {
	spec := judging.ValidatorSpec{Kind: def.Validator.Kind, Answers: def.Validator.Answers, Items: def.Validator.Items}
	for _, s := range def.Validator.Segments {
		spec.Segments = append(spec.Segments, judging.Segment{Item: s.Item, StartMS: s.StartMS, EndMS: s.EndMS})
	}
	validator, err := judging.NewValidator(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("task %s: %w", def.Name, err)
	}
	scorer, err := scoring.NewScorer(def.Scorer.Kind, scoring.Options{
		MaxPoints:        def.Scorer.MaxPoints,
		MinPoints:        def.Scorer.MinPoints,
		PenaltyPerWrong:  def.Scorer.PenaltyPerWrong,
		PointsPerCorrect: def.Scorer.PointsPerCorrect,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("task %s: %w", def.Name, err)
	}
	return validator, scorer, nil
}

func (e *Engine) newPipelineTask(runID string, tr *runstate.TaskRun, def config.Task, v judging.Validator, s scoring.Scorer) *judging.Task {
	cache := scoring.NewCache(s, tr.Context)
	board := scoring.NewBoard(runID, tr.ID(), cache, e.Repo, e.now)
	return judging.NewTask(tr, v, board, def.LockOutAfterCorrect)
}

func (e *Engine) StartTask(ctx context.Context, runID, taskRunID, actorID string) (domain.TaskRun, error) {
	re, tr, err := e.taskRun(runID, taskRunID)
	if err != nil {
		return domain.TaskRun{}, err
	}
	re.ops.Lock()
	defer re.ops.Unlock()
	if status := re.run.Status(); status != domain.RunActive {
		return domain.TaskRun{}, domain.InvalidStateTransitionError{Entity: "run", ID: runID, From: string(status), To: "start task"}
	}
	if err := tr.Start(e.now()); err != nil {
		return domain.TaskRun{}, err
	}
	started := *tr.Started()
	err = e.persist(ctx, "start task", func(tx *sql.Tx) error {
		if err := e.Repo.MarkTaskRunStarted(ctx, tx, tr.ID(), started); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskStarted, runID, "task_run", tr.ID(), actorID, events.EventPayload{"duration_ms": tr.Duration().Milliseconds()})
	})
	return tr.Snapshot(), err
}

func (e *Engine) EndTask(ctx context.Context, runID, taskRunID, actorID string) (domain.TaskRun, error) {
	re, tr, err := e.taskRun(runID, taskRunID)
	if err != nil {
		return domain.TaskRun{}, err
	}
	re.ops.Lock()
	defer re.ops.Unlock()
	if err := tr.End(e.now()); err != nil {
		return domain.TaskRun{}, err
	}
	ended := *tr.Ended()
	err = e.persist(ctx, "end task", func(tx *sql.Tx) error {
		if err := e.Repo.MarkTaskRunEnded(ctx, tx, tr.ID(), ended); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskEnded, runID, "task_run", tr.ID(), actorID, nil)
	})
	return tr.Snapshot(), err
}

func (e *Engine) TimeLeft(runID, taskRunID string) (time.Duration, domain.TaskRun, error) {
	_, tr, err := e.taskRun(runID, taskRunID)
	if err != nil {
		return 0, domain.TaskRun{}, err
	}
	return tr.TimeLeft(e.now()), tr.Snapshot(), nil
}

// Tick ends every running task whose duration has elapsed.
func (e *Engine) Tick(ctx context.Context) int {
	now := e.now()
	e.mu.RLock()
	var due [][2]string
	for id, re := range e.runs {
		if cur := re.run.Current(); cur != nil && cur.Expired(now) {
			due = append(due, [2]string{id, cur.ID()})
		}
	}
	e.mu.RUnlock()
	ended := 0
	for _, d := range due {
		_, err := e.EndTask(ctx, d[0], d[1], "system")
		var ist domain.InvalidStateTransitionError
		switch {
		case err == nil:
			ended++
		case errors.As(err, &ist):
		default:
			e.Log.Warn("auto end task failed", "run_id", d[0], "task_run_id", d[1], "err", err)
		}
	}
	return ended
}

// RunTimer calls Tick on every interval until ctx is done.
func (e *Engine) RunTimer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Submit hands one answer to the pipeline. Rejections are logged as events
// and returned as SubmissionRejectedError.
func (e *Engine) Submit(ctx context.Context, runID, taskRunID, teamID, memberID string, answer domain.Answer) (domain.Submission, error) {
	_, tr, err := e.taskRun(runID, taskRunID)
	if err != nil {
		return domain.Submission{}, err
	}
	sub, err := e.Pipeline.Accept(ctx, tr.ID(), teamID, memberID, answer)
	var rejected domain.SubmissionRejectedError
	if errors.As(err, &rejected) {
		if evErr := e.Events.AppendNow(ctx, events.SubmissionRejected, runID, "task_run", tr.ID(), memberID, events.EventPayload{
			"team_id": teamID,
			"reason":  rejected.Reason,
		}); evErr != nil {
			e.Log.Warn("record rejection failed", "err", evErr)
		}
		return domain.Submission{}, err
	}
	if sub.ID == 0 {
		return domain.Submission{}, err
	}
	e.Hub.Broadcast(runID, live.TaskUpdated, time.Time{})
	return sub, err
}

func (e *Engine) Claim(judgeID string) (domain.JudgementRequest, bool) {
	return e.Pipeline.Claim(judgeID)
}

func (e *Engine) OpenJudgements() []domain.JudgementRequest {
	return e.Pipeline.Queue().Open()
}

func (e *Engine) Judge(ctx context.Context, judgeID string, j domain.Judgement) (domain.Submission, error) {
	sub, err := e.Pipeline.Judge(ctx, judgeID, j)
	if sub.ID == 0 {
		return sub, err
	}
	e.Hub.Broadcast(sub.RunID, live.TaskUpdated, time.Time{})
	return sub, err
}

// Override changes a verdict regardless of tokens or task phase while the
// submission's run exists.
func (e *Engine) Override(ctx context.Context, submissionID int64, verdict domain.Verdict, actorID string) (domain.Submission, domain.Verdict, error) {
	cur, err := e.Pipeline.Submission(submissionID)
	if err != nil {
		return domain.Submission{}, "", err
	}
	if _, err := e.entry(cur.RunID); err != nil {
		return domain.Submission{}, "", err
	}
	sub, old, err := e.Pipeline.Override(ctx, submissionID, verdict, actorID)
	if sub.ID == 0 || old == verdict {
		return sub, old, err
	}
	e.Hub.Broadcast(sub.RunID, live.CompetitionUpdate, time.Time{})
	return sub, old, err
}

func (e *Engine) CurrentScores(runID, taskRunID string) ([]domain.Score, error) {
	_, tr, err := e.taskRun(runID, taskRunID)
	if err != nil {
		return nil, err
	}
	return e.Pipeline.CurrentScores(tr.ID())
}

// Overall sums every task run's scores per team.
func (e *Engine) Overall(runID string) ([]domain.Score, error) {
	if _, err := e.entry(runID); err != nil {
		return nil, err
	}
	return e.Pipeline.Overall(runID), nil
}

func (e *Engine) ScoreSeries(ctx context.Context, runID, taskRunID string) ([]domain.ScoreTimePoint, error) {
	if _, err := e.entry(runID); err != nil {
		return nil, err
	}
	return e.Repo.ListScorePoints(ctx, runID, taskRunID)
}

func (e *Engine) Run(runID string) (domain.Run, error) {
	re, err := e.entry(runID)
	if err != nil {
		return domain.Run{}, err
	}
	return re.run.Snapshot(), nil
}

func (e *Engine) ListRuns() []domain.Run {
	e.mu.RLock()
	out := make([]domain.Run, 0, len(e.runs))
	for _, re := range e.runs {
		out = append(out, re.run.Snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) TaskRuns(runID string) ([]domain.TaskRun, error) {
	re, err := e.entry(runID)
	if err != nil {
		return nil, err
	}
	trs := re.run.TaskRuns()
	out := make([]domain.TaskRun, 0, len(trs))
	for i, tr := range trs {
		snap := tr.Snapshot()
		snap.Position = i
		out = append(out, snap)
	}
	return out, nil
}

func (e *Engine) Submissions(runID, taskRunID string) ([]domain.Submission, error) {
	_, tr, err := e.taskRun(runID, taskRunID)
	if err != nil {
		return nil, err
	}
	t, ok := e.Pipeline.Task(tr.ID())
	if !ok {
		return nil, domain.ErrTaskRunNotFound
	}
	return t.Submissions(), nil
}

// AddMember puts an actor on a team so it may submit on the team's behalf.
func (e *Engine) AddMember(ctx context.Context, teamID, memberID, actorID string) error {
	if teamID == "" || memberID == "" {
		return errors.New("team and member are required")
	}
	if e.Config != nil {
		known := false
		for _, t := range e.Config.Teams {
			known = known || t.ID == teamID
		}
		if !known {
			return fmt.Errorf("team %s not in template %s", teamID, e.Config.Competition.ID)
		}
	}
	now := e.now().UTC().Format(time.RFC3339Nano)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, memberID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, memberID, auth.RoleParticipant); err != nil {
		return err
	}
	if err := e.Repo.AddTeamMember(ctx, tx, teamID, memberID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TeamMemberAdded, "", "team", teamID, actorID, events.EventPayload{"member_id": memberID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveMember takes an actor off a team. Submissions it already made stay
// on the log; later ones are rejected.
func (e *Engine) RemoveMember(ctx context.Context, teamID, memberID, actorID string) error {
	if teamID == "" || memberID == "" {
		return errors.New("team and member are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveTeamMember(ctx, tx, teamID, memberID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%s is not a member of team %s: %w", memberID, teamID, err)
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TeamMemberRemoved, "", "team", teamID, actorID, events.EventPayload{"member_id": memberID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) Members(ctx context.Context, teamID string) ([]string, error) {
	if teamID == "" {
		return nil, errors.New("team is required")
	}
	members, err := e.Repo.ListTeamMembers(ctx, teamID)
	if members == nil {
		members = []string{}
	}
	return members, err
}

// GrantRole assigns role to target. Only admins may grant roles.
func (e *Engine) GrantRole(ctx context.Context, actorID, target, role string) error {
	return e.changeRole(ctx, actorID, target, role, true)
}

func (e *Engine) RevokeRole(ctx context.Context, actorID, target, role string) error {
	return e.changeRole(ctx, actorID, target, role, false)
}

func (e *Engine) changeRole(ctx context.Context, actorID, target, role string, grant bool) error {
	if target == "" || role == "" {
		return errors.New("actor and role are required")
	}
	if !auth.KnownRole(role) {
		return fmt.Errorf("invalid role %q", role)
	}
	if err := e.Auth.Require(ctx, actorID, auth.RoleAdmin); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	evt := events.RoleGranted
	if grant {
		if err := e.Repo.EnsureActor(ctx, tx, target, e.now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		err = e.Repo.AssignRole(ctx, tx, target, role)
	} else {
		evt = events.RoleRevoked
		err = e.Repo.RevokeRole(ctx, tx, target, role)
	}
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evt, "", "actor", target, actorID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a key for target and stores only its hash. The plain
// key is returned once.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, target, name string) (string, domain.APIKey, error) {
	if target == "" {
		return "", domain.APIKey{}, errors.New("actor is required")
	}
	if actorID != target {
		if err := e.Auth.Require(ctx, actorID, auth.RoleAdmin); err != nil {
			return "", domain.APIKey{}, err
		}
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "ak_" + hex.EncodeToString(raw)
	now := e.now().UTC().Format(time.RFC3339Nano)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   target,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, target, now); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", "actor", target, actorID, events.EventPayload{"key_id": key.ID}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// APIKeys lists target's keys. Actors may list their own; listing anyone
// else's, or every key with an empty target, needs admin.
func (e *Engine) APIKeys(ctx context.Context, actorID, target string) ([]domain.APIKey, error) {
	if target != actorID || target == "" {
		if err := e.Auth.Require(ctx, actorID, auth.RoleAdmin); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListAPIKeys(ctx, target)
}

// RevokeAPIKey deletes a key. Owners may revoke their own keys; admins any.
func (e *Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) (domain.APIKey, error) {
	key, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.ActorID != actorID {
		if err := e.Auth.Require(ctx, actorID, auth.RoleAdmin); err != nil {
			return domain.APIKey{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, key.ID); err != nil {
		return domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyRevoked, "", "actor", key.ActorID, actorID, events.EventPayload{"key_id": key.ID}); err != nil {
		return domain.APIKey{}, err
	}
	return key, tx.Commit()
}

// TaskRun returns one task run; an empty id selects the run's current task.
func (e *Engine) TaskRun(runID, taskRunID string) (domain.TaskRun, error) {
	re, tr, err := e.taskRun(runID, taskRunID)
	if err != nil {
		return domain.TaskRun{}, err
	}
	snap := tr.Snapshot()
	for i, other := range re.run.TaskRuns() {
		if other.ID() == snap.ID {
			snap.Position = i
		}
	}
	return snap, nil
}
