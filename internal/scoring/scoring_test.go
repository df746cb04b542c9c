package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"arena/internal/domain"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memRecorder struct {
	mu     sync.Mutex
	points []domain.ScoreTimePoint
}

func (m *memRecorder) AppendScorePoint(_ context.Context, p domain.ScoreTimePoint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = int64(len(m.points) + 1)
	m.points = append(m.points, p)
	return p.ID, nil
}

func taskCtx(teams ...string) domain.TaskContext {
	return domain.TaskContext{TaskID: "kis-1", Teams: teams, Start: start, Duration: time.Minute}
}

func sub(id int64, team string, at time.Duration, v domain.Verdict) domain.Submission {
	return domain.Submission{ID: id, TeamID: team, Timestamp: start.Add(at), Verdict: v, Answer: domain.Answer{Text: "x"}}
}

func TestKISEarlierCorrectScoresHigher(t *testing.T) {
	ctx := taskCtx("a", "b")
	scores := Compute(DefaultKIS(), ctx, []domain.Submission{
		sub(1, "a", 10*time.Second, domain.VerdictCorrect),
		sub(2, "b", 50*time.Second, domain.VerdictCorrect),
	})
	if scores["a"] <= scores["b"] {
		t.Fatalf("expected a > b, got a=%.2f b=%.2f", scores["a"], scores["b"])
	}
	if math.Abs(scores["a"]-91.6667) > 0.01 {
		t.Fatalf("unexpected score for a: %.4f", scores["a"])
	}
}

func TestKISPenaltyAndFirstCorrectOnly(t *testing.T) {
	ctx := taskCtx("a")
	got := DefaultKIS().TeamScore(ctx, []domain.Submission{
		sub(1, "a", 0, domain.VerdictWrong),
		sub(2, "a", 0, domain.VerdictIndeterminate),
		sub(3, "a", 0, domain.VerdictCorrect),
		sub(4, "a", 0, domain.VerdictWrong),
	})
	if got != 90 {
		t.Fatalf("expected 90, got %v", got)
	}
}

func TestAVSDistinctCorrect(t *testing.T) {
	a := DefaultAVS()
	subs := []domain.Submission{
		{ID: 1, TeamID: "a", Verdict: domain.VerdictCorrect, Answer: domain.Answer{Item: "v1"}},
		{ID: 2, TeamID: "a", Verdict: domain.VerdictCorrect, Answer: domain.Answer{Item: "v1"}},
		{ID: 3, TeamID: "a", Verdict: domain.VerdictCorrect, Answer: domain.Answer{Item: "v2"}},
		{ID: 4, TeamID: "a", Verdict: domain.VerdictWrong, Answer: domain.Answer{Item: "v3"}},
	}
	if got := a.TeamScore(taskCtx("a"), subs); got != 190 {
		t.Fatalf("expected 190, got %v", got)
	}
}

func TestCacheMatchesFullRecompute(t *testing.T) {
	teams := []string{"a", "b", "c"}
	verdicts := []domain.Verdict{domain.VerdictCorrect, domain.VerdictWrong, domain.VerdictIndeterminate, domain.VerdictUndecidable}
	for _, scorer := range []Scorer{DefaultKIS(), DefaultAVS()} {
		rng := rand.New(rand.NewSource(7))
		ctx := taskCtx(teams...)
		cache := NewCache(scorer, func() domain.TaskContext { return ctx })
		truth := map[int64]domain.Submission{}
		var nextID int64
		for step := 0; step < 400; step++ {
			switch {
			case len(truth) == 0 || rng.Intn(3) > 0:
				nextID++
				s := sub(nextID, teams[rng.Intn(len(teams))], time.Duration(rng.Intn(60))*time.Second, verdicts[rng.Intn(len(verdicts))])
				s.Answer = domain.Answer{Item: string(rune('a' + rng.Intn(5)))}
				truth[s.ID] = s
				cache.Update(s)
			case rng.Intn(4) == 0:
				id := int64(rng.Intn(int(nextID))) + 1
				s, ok := truth[id]
				if !ok {
					continue
				}
				s.Verdict = verdicts[rng.Intn(len(verdicts))]
				truth[id] = s
				cache.Invalidate(func(team string) []domain.Submission {
					var out []domain.Submission
					for _, x := range truth {
						if x.TeamID == team {
							out = append(out, x)
						}
					}
					return out
				})
			default:
				id := int64(rng.Intn(int(nextID))) + 1
				s, ok := truth[id]
				if !ok {
					continue
				}
				s.Verdict = verdicts[rng.Intn(len(verdicts))]
				truth[id] = s
				cache.Update(s)
			}
			all := make([]domain.Submission, 0, len(truth))
			for _, s := range truth {
				all = append(all, s)
			}
			want := Compute(scorer, ctx, all)
			for _, team := range teams {
				if got := cache.Score(team); got != want[team] {
					t.Fatalf("%s step %d team %s: cache %.4f != full %.4f", scorer.Name(), step, team, got, want[team])
				}
			}
		}
	}
}

func TestCacheConcurrentTeams(t *testing.T) {
	teams := []string{"a", "b", "c", "d"}
	ctx := taskCtx(teams...)
	cache := NewCache(DefaultAVS(), func() domain.TaskContext { return ctx })
	var wg sync.WaitGroup
	for i, team := range teams {
		wg.Add(1)
		go func(base int64, team string) {
			defer wg.Done()
			for j := int64(0); j < 50; j++ {
				s := sub(base*1000+j, team, time.Duration(j)*time.Second, domain.VerdictCorrect)
				s.Answer = domain.Answer{Item: team + string(rune('0'+j%10))}
				cache.Update(s)
			}
		}(int64(i), team)
	}
	wg.Wait()
	for _, s := range cache.Scores() {
		if s.Score != 1000 {
			t.Fatalf("team %s: expected 1000, got %v", s.TeamID, s.Score)
		}
	}
}

func TestOverrideAppendsTimePoint(t *testing.T) {
	ctx := taskCtx("a")
	rec := &memRecorder{}
	cache := NewCache(DefaultKIS(), func() domain.TaskContext { return ctx })
	now := start.Add(20 * time.Second)
	board := NewBoard("run1", "kis-1", cache, rec, func() time.Time { return now })

	s := sub(1, "a", 10*time.Second, domain.VerdictCorrect)
	if _, changed := board.Apply(s); !changed {
		t.Fatalf("expected apply to change the score")
	}
	before := cache.Score("a")

	s.Verdict = domain.VerdictWrong
	now = now.Add(time.Second)
	changed := board.Rebuild(func(team string) []domain.Submission {
		return []domain.Submission{s}
	})
	if len(changed) != 1 || cache.Score("a") >= before {
		t.Fatalf("expected score to drop from %.2f, got %.2f", before, cache.Score("a"))
	}
	if len(rec.points) != 0 || board.Pending() != 2 {
		t.Fatalf("points must wait for Flush, recorded=%d pending=%d", len(rec.points), board.Pending())
	}
	if err := board.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(rec.points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(rec.points))
	}
	if rec.points[0].Score != before || rec.points[1].Score != 0 {
		t.Fatalf("first point rewritten or second wrong: %+v", rec.points)
	}
	if !rec.points[1].Timestamp.After(rec.points[0].Timestamp) {
		t.Fatalf("points must carry the time the score changed: %+v", rec.points)
	}
}

type failingRecorder struct {
	memRecorder
	fail bool
}

func (f *failingRecorder) AppendScorePoint(ctx context.Context, p domain.ScoreTimePoint) (int64, error) {
	if f.fail {
		return 0, errors.New("connection reset")
	}
	return f.memRecorder.AppendScorePoint(ctx, p)
}

func TestFailedPointStaysQueued(t *testing.T) {
	ctx := taskCtx("a", "b")
	rec := &failingRecorder{fail: true}
	cache := NewCache(DefaultKIS(), func() domain.TaskContext { return ctx })
	board := NewBoard("run1", "kis-1", cache, rec, func() time.Time { return start })

	board.Apply(sub(1, "a", 5*time.Second, domain.VerdictCorrect))
	board.Apply(sub(2, "b", 9*time.Second, domain.VerdictCorrect))
	if err := board.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if board.Pending() != 2 {
		t.Fatalf("expected both points queued, got %d", board.Pending())
	}
	rec.fail = false
	if err := board.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(rec.points) != 2 || rec.points[0].TeamID != "a" || rec.points[1].TeamID != "b" {
		t.Fatalf("unexpected points %+v", rec.points)
	}
}

func TestOverallSumsBoards(t *testing.T) {
	ctx := taskCtx("a", "b")
	c1 := NewCache(DefaultAVS(), func() domain.TaskContext { return ctx })
	c2 := NewCache(DefaultAVS(), func() domain.TaskContext { return ctx })
	c1.Update(domain.Submission{ID: 1, TeamID: "a", Verdict: domain.VerdictCorrect, Answer: domain.Answer{Item: "x"}})
	c2.Update(domain.Submission{ID: 2, TeamID: "a", Verdict: domain.VerdictCorrect, Answer: domain.Answer{Item: "y"}})
	c2.Update(domain.Submission{ID: 3, TeamID: "b", Verdict: domain.VerdictCorrect, Answer: domain.Answer{Item: "y"}})
	got := Overall([]*Board{NewBoard("r", "t1", c1, nil, nil), NewBoard("r", "t2", c2, nil, nil)})
	if len(got) != 2 || got[0].Score != 200 || got[1].Score != 100 {
		t.Fatalf("unexpected overall %+v", got)
	}
}
