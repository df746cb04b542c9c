package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"arena/internal/app"
	"arena/internal/config"
	"arena/internal/db"
	"arena/internal/domain"
	"arena/internal/engine"
	"arena/internal/events"
	"arena/internal/live"
	"arena/internal/migrate"
	"arena/internal/repo"
)

const testTemplate = `competition:
  id: cup
  name: "Test cup"
teams:
  - id: red
    members: [r1]
  - id: blue
    members: [b1]
staff:
  - actor: boss
    roles: [admin]
  - actor: j1
    roles: [judge]
tasks:
  - name: qa
    duration: 60s
    validator:
      kind: exact
      answers: ["42"]
    lock_out_after_correct: true
  - name: open
    duration: 60s
    validator:
      kind: judge
judging:
  claim_timeout: 1m
`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine *engine.Engine
	Clock  *fakeClock
	Ctx    context.Context
	Dir    string
}

func openEngine(t *testing.T, dir string, clock *fakeClock) *engine.Engine {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	if _, err := app.ImportTemplate(context.Background(), r, events.Writer{DB: conn, Dialect: dialect}, []byte(testTemplate), "boss"); err != nil {
		t.Fatalf("import template: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testTemplate))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	eng := engine.New(conn, dialect, cfg)
	eng.Now = clock.Now
	return eng
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return testEnv{Engine: openEngine(t, dir, clock), Clock: clock, Ctx: context.Background(), Dir: dir}
}

func (env testEnv) startTask(t *testing.T, task string) (domain.Run, domain.TaskRun) {
	t.Helper()
	run, err := env.Engine.CreateRun(env.Ctx, "final", "boss")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := env.Engine.StartRun(env.Ctx, run.ID, "boss"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	tr, err := env.Engine.PrepareTask(env.Ctx, run.ID, task, "boss")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if tr, err = env.Engine.StartTask(env.Ctx, run.ID, tr.ID, "boss"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	return run, tr
}

func TestEarlierCorrectScoresHigher(t *testing.T) {
	env := newTestEnv(t)
	run, tr := env.startTask(t, "qa")

	env.Clock.Advance(10 * time.Second)
	if _, err := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "red", "r1", domain.Answer{Text: "42"}); err != nil {
		t.Fatalf("submit red: %v", err)
	}
	env.Clock.Advance(40 * time.Second)
	if _, err := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "blue", "b1", domain.Answer{Text: "42"}); err != nil {
		t.Fatalf("submit blue: %v", err)
	}
	scores, err := env.Engine.CurrentScores(run.ID, tr.ID)
	if err != nil {
		t.Fatalf("scores: %v", err)
	}
	got := map[string]float64{}
	for _, s := range scores {
		got[s.TeamID] = s.Score
	}
	if got["red"] <= got["blue"] || got["blue"] <= 0 {
		t.Fatalf("expected red > blue > 0, got %v", got)
	}
	series, err := env.Engine.ScoreSeries(env.Ctx, run.ID, tr.ID)
	if err != nil || len(series) != 2 {
		t.Fatalf("expected 2 score points, got %d (%v)", len(series), err)
	}
	overall, _ := env.Engine.Overall(run.ID)
	if len(overall) != 2 {
		t.Fatalf("expected overall for 2 teams, got %+v", overall)
	}
}

func TestSubmitRejections(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "", "boss")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := env.Engine.PrepareTask(env.Ctx, run.ID, "qa", "boss"); err == nil {
		t.Fatalf("prepare before run start should fail")
	}
	_, _ = env.Engine.StartRun(env.Ctx, run.ID, "boss")
	tr, err := env.Engine.PrepareTask(env.Ctx, run.ID, "qa", "boss")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var rejected domain.SubmissionRejectedError
	if _, err := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "red", "r1", domain.Answer{Text: "42"}); !errors.As(err, &rejected) {
		t.Fatalf("expected rejection while preparing, got %v", err)
	}
	_, _ = env.Engine.StartTask(env.Ctx, run.ID, tr.ID, "boss")
	if _, err := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "red", "b1", domain.Answer{Text: "1"}); !errors.As(err, &rejected) {
		t.Fatalf("expected rejection for member of another team, got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "nope", tr.ID, "red", "r1", domain.Answer{Text: "1"}); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected run not found, got %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, run.ID, events.SubmissionRejected)
	if err != nil || len(evts) != 2 {
		t.Fatalf("expected 2 rejection events, got %d (%v)", len(evts), err)
	}
	scores, _ := env.Engine.CurrentScores(run.ID, tr.ID)
	for _, s := range scores {
		if s.Score != 0 {
			t.Fatalf("rejected submission scored: %+v", scores)
		}
	}
}

func TestTaskTransitionsPersistAndTick(t *testing.T) {
	env := newTestEnv(t)
	run, tr := env.startTask(t, "qa")
	var ist domain.InvalidStateTransitionError
	if _, err := env.Engine.StartTask(env.Ctx, run.ID, tr.ID, "boss"); !errors.As(err, &ist) {
		t.Fatalf("expected invalid transition on restart, got %v", err)
	}
	left, _, _ := env.Engine.TimeLeft(run.ID, tr.ID)
	if left != time.Minute {
		t.Fatalf("expected full minute left, got %s", left)
	}
	env.Clock.Advance(61 * time.Second)
	if n := env.Engine.Tick(env.Ctx); n != 1 {
		t.Fatalf("expected tick to end 1 task, got %d", n)
	}
	stored, err := env.Engine.Repo.GetTaskRun(env.Ctx, tr.ID)
	if err != nil || stored.Phase != domain.PhaseEnded || stored.Started == nil || stored.Ended == nil {
		t.Fatalf("expected ended task run in storage, got %+v (%v)", stored, err)
	}
	if _, err := env.Engine.EndTask(env.Ctx, run.ID, tr.ID, "boss"); !errors.As(err, &ist) {
		t.Fatalf("expected invalid transition after end, got %v", err)
	}
	if n := env.Engine.Tick(env.Ctx); n != 0 {
		t.Fatalf("nothing left to end, got %d", n)
	}
}

func TestJudgeAndOverride(t *testing.T) {
	env := newTestEnv(t)
	run, tr := env.startTask(t, "open")
	env.Clock.Advance(5 * time.Second)
	sub, err := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "blue", "b1", domain.Answer{Text: "a red car"})
	if err != nil || sub.Verdict != domain.VerdictIndeterminate {
		t.Fatalf("submit: %+v %v", sub, err)
	}
	req, ok := env.Engine.Claim("j1")
	if !ok {
		t.Fatalf("expected a judgement request")
	}
	if _, ok := env.Engine.Claim("j2"); ok {
		t.Fatalf("claimed request handed out twice")
	}
	judged, err := env.Engine.Judge(env.Ctx, "j1", domain.Judgement{Token: req.Token, Verdict: domain.VerdictCorrect})
	if err != nil || judged.Verdict != domain.VerdictCorrect {
		t.Fatalf("judge: %+v %v", judged, err)
	}
	before, _ := env.Engine.CurrentScores(run.ID, tr.ID)

	_, old, err := env.Engine.Override(env.Ctx, sub.ID, domain.VerdictWrong, "boss")
	if err != nil || old != domain.VerdictCorrect {
		t.Fatalf("override: %s %v", old, err)
	}
	after, _ := env.Engine.CurrentScores(run.ID, tr.ID)
	if after[0].Score >= before[0].Score {
		t.Fatalf("override should reduce blue's score: %+v -> %+v", before, after)
	}
	history, err := env.Engine.Repo.ListSubmissionVerdicts(env.Ctx, sub.ID)
	if err != nil || len(history) != 3 {
		t.Fatalf("expected 3 verdict records, got %d (%v)", len(history), err)
	}
	if history[2].Kind != domain.VerdictByOverride || history[2].Previous != domain.VerdictCorrect {
		t.Fatalf("unexpected override record %+v", history[2])
	}
	series, _ := env.Engine.ScoreSeries(env.Ctx, run.ID, tr.ID)
	if len(series) != 2 || series[1].Score != 0 {
		t.Fatalf("expected appended zero point, got %+v", series)
	}

	subID := fmt.Sprint(sub.ID)
	for _, typ := range []string{events.SubmissionAccepted, events.SubmissionJudged, events.VerdictOverridden} {
		evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, run.ID, typ)
		if err != nil || len(evts) != 1 || evts[0].EntityID != subID {
			t.Fatalf("expected one %s event for submission %s, got %+v (%v)", typ, subID, evts, err)
		}
	}
	judgedEvt, _ := env.Engine.Repo.LatestEvents(env.Ctx, 1, 0, run.ID, events.SubmissionJudged)
	if judgedEvt[0].ActorID != "j1" {
		t.Fatalf("judgement event should name the judge, got %+v", judgedEvt[0])
	}
}

func TestTerminateCancelsJudgements(t *testing.T) {
	env := newTestEnv(t)
	run, tr := env.startTask(t, "open")
	if _, err := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "red", "r1", domain.Answer{Text: "x"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.EndTask(env.Ctx, run.ID, tr.ID, "boss"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(env.Engine.OpenJudgements()) != 1 {
		t.Fatalf("ending a task must keep requests open")
	}
	if _, err := env.Engine.TerminateRun(env.Ctx, run.ID, "boss"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(env.Engine.OpenJudgements()) != 0 {
		t.Fatalf("terminate should cancel open requests")
	}
	stored, _ := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if stored.Status != domain.RunTerminated || stored.TerminatedAt == nil {
		t.Fatalf("run not persisted as terminated: %+v", stored)
	}
}

func TestLoadRebuildsState(t *testing.T) {
	env := newTestEnv(t)
	run, tr := env.startTask(t, "open")
	env.Clock.Advance(3 * time.Second)
	first, _ := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "red", "r1", domain.Answer{Text: "one"})
	_, _ = env.Engine.Submit(env.Ctx, run.ID, tr.ID, "blue", "b1", domain.Answer{Text: "two"})
	req, _ := env.Engine.Claim("j1")
	if req.SubmissionID != first.ID {
		t.Fatalf("expected oldest request first")
	}
	if _, err := env.Engine.Judge(env.Ctx, "j1", domain.Judgement{Token: req.Token, Verdict: domain.VerdictCorrect}); err != nil {
		t.Fatalf("judge: %v", err)
	}
	want, _ := env.Engine.CurrentScores(run.ID, tr.ID)

	reloaded := openEngine(t, env.Dir, env.Clock)
	if err := reloaded.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := reloaded.CurrentScores(run.ID, tr.ID)
	if err != nil {
		t.Fatalf("scores after load: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("score mismatch after load: %+v vs %+v", got, want)
		}
	}
	trs, _ := reloaded.TaskRuns(run.ID)
	if len(trs) != 1 || trs[0].Phase != domain.PhaseRunning {
		t.Fatalf("unexpected task runs after load: %+v", trs)
	}
	open := reloaded.OpenJudgements()
	if len(open) != 1 || open[0].Token == "" {
		t.Fatalf("expected one re-queued request, got %+v", open)
	}
	series, _ := reloaded.ScoreSeries(env.Ctx, run.ID, tr.ID)
	if len(series) != 1 {
		t.Fatalf("load must not append score points, got %d", len(series))
	}
}

func TestLoadFailsOnCorruptLog(t *testing.T) {
	env := newTestEnv(t)
	run, tr := env.startTask(t, "qa")
	if _, err := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "red", "r1", domain.Answer{Text: "41"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE submissions SET answer_json='{broken'`); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	reloaded := openEngine(t, env.Dir, env.Clock)
	if err := reloaded.Load(env.Ctx); !errors.Is(err, engine.ErrCorruptLog) {
		t.Fatalf("expected ErrCorruptLog, got %v", err)
	}
}

func TestLoadFailsOnOrphanVerdict(t *testing.T) {
	env := newTestEnv(t)
	run, tr := env.startTask(t, "qa")
	if _, err := env.Engine.Submit(env.Ctx, run.ID, tr.ID, "red", "r1", domain.Answer{Text: "41"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `INSERT INTO verdicts(submission_id,kind,verdict,validator_id,created_at) VALUES (999,'judgement','CORRECT','j1','2026-03-01T12:00:00Z')`); err != nil {
		t.Fatalf("insert orphan: %v", err)
	}
	reloaded := openEngine(t, env.Dir, env.Clock)
	err := reloaded.Load(env.Ctx)
	if !errors.Is(err, engine.ErrCorruptLog) || !strings.Contains(err.Error(), "unknown submission 999") {
		t.Fatalf("expected ErrCorruptLog for orphan verdict, got %v", err)
	}
}

type recordingConn struct {
	mu   sync.Mutex
	msgs []live.ServerMessage
	got  chan struct{}
}

func (c *recordingConn) WriteMessage(m live.ServerMessage) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *recordingConn) Close() error { return nil }

func TestLifecycleBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "live", "boss")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := &recordingConn{got: make(chan struct{}, 32)}
	s := env.Engine.Hub.Attach(conn)
	defer s.Close()
	_ = s.Handle(live.ClientMessage{RunID: run.ID, Type: live.Register})

	_, _ = env.Engine.StartRun(env.Ctx, run.ID, "boss")
	tr, _ := env.Engine.PrepareTask(env.Ctx, run.ID, "qa", "boss")
	_, _ = env.Engine.StartTask(env.Ctx, run.ID, tr.ID, "boss")
	_, _ = env.Engine.Submit(env.Ctx, run.ID, tr.ID, "red", "r1", domain.Answer{Text: "42"})
	_, _ = env.Engine.TerminateRun(env.Ctx, run.ID, "boss")

	want := []live.ServerType{live.CompetitionStart, live.TaskPrepare, live.TaskStart, live.TaskUpdated, live.TaskEnd, live.CompetitionEnd}
	for range want {
		select {
		case <-conn.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for broadcasts, got %+v", conn.msgs)
		}
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i, typ := range want {
		if conn.msgs[i].Type != typ || conn.msgs[i].RunID != run.ID {
			t.Fatalf("message %d: expected %s, got %+v", i, typ, conn.msgs[i])
		}
	}
}
