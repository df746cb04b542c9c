package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"arena/internal/domain"
	"arena/internal/journal"
)

// Recorder persists score time points. Points are only ever appended.
type Recorder interface {
	AppendScorePoint(ctx context.Context, p domain.ScoreTimePoint) (int64, error)
}

// Board is a named scoreboard over one task run. Callers serialize updates
// per team; distinct teams may be applied concurrently. Apply and Rebuild
// only touch memory and queue time points; Flush writes them.
type Board struct {
	RunID string
	Name  string
	Cache *Cache
	Rec   Recorder
	Now   func() time.Time

	points *journal.Journal[domain.ScoreTimePoint]
}

func NewBoard(runID, name string, cache *Cache, rec Recorder, now func() time.Time) *Board {
	if now == nil {
		now = time.Now
	}
	b := &Board{RunID: runID, Name: name, Cache: cache, Rec: rec, Now: now}
	b.points = journal.New(func(ctx context.Context, p domain.ScoreTimePoint) error {
		if b.Rec == nil {
			return nil
		}
		if _, err := b.Rec.AppendScorePoint(ctx, p); err != nil {
			return fmt.Errorf("record score point for %s: %w", p.TeamID, err)
		}
		return nil
	})
	return b
}

// Apply feeds one judged submission into the cache and queues a time point
// when the team's score changed.
func (b *Board) Apply(sub domain.Submission) (domain.Score, bool) {
	score, changed := b.Cache.Update(sub)
	s := domain.Score{TeamID: sub.TeamID, Score: score}
	if changed {
		b.queue(s)
	}
	return s, changed
}

// Rebuild recomputes every team from source and queues points for the teams
// whose score moved.
func (b *Board) Rebuild(source func(team string) []domain.Submission) []domain.Score {
	changed := b.Cache.Invalidate(source)
	for _, s := range changed {
		b.queue(s)
	}
	return changed
}

func (b *Board) queue(s domain.Score) {
	b.points.Push(domain.ScoreTimePoint{
		RunID:     b.RunID,
		Board:     b.Name,
		TeamID:    s.TeamID,
		Score:     s.Score,
		Timestamp: b.Now().UTC(),
	})
}

// Flush appends the queued time points in the order the scores changed.
// Call it without holding any scoring lock.
func (b *Board) Flush(ctx context.Context) error {
	return b.points.Flush(ctx)
}

// Pending reports how many time points are not yet recorded.
func (b *Board) Pending() int { return b.points.Len() }

func (b *Board) Scores() []domain.Score { return b.Cache.Scores() }

// Overall sums the per-team scores of every board.
func Overall(boards []*Board) []domain.Score {
	sum := map[string]float64{}
	for _, b := range boards {
		for _, s := range b.Scores() {
			sum[s.TeamID] += s.Score
		}
	}
	out := make([]domain.Score, 0, len(sum))
	for team, score := range sum {
		out = append(out, domain.Score{TeamID: team, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out
}
