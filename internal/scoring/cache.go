package scoring

import (
	"sort"
	"sync"

	"arena/internal/domain"
)

// Cache keeps one independently locked shard per team so ingestion for one
// team never waits on another team's recompute.
type Cache struct {
	scorer  Scorer
	context func() domain.TaskContext

	mu     sync.RWMutex
	shards map[string]*shard
}

type shard struct {
	mu    sync.Mutex
	subs  []domain.Submission
	score float64
}

func NewCache(scorer Scorer, context func() domain.TaskContext) *Cache {
	c := &Cache{scorer: scorer, context: context, shards: map[string]*shard{}}
	for _, team := range context().Teams {
		c.shards[team] = &shard{}
	}
	return c
}

func (c *Cache) Scorer() Scorer { return c.scorer }

func (c *Cache) shard(team string) *shard {
	c.mu.RLock()
	s, ok := c.shards[team]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.shards[team]; !ok {
		s = &shard{}
		c.shards[team] = s
	}
	return s
}

// Update inserts or replaces sub in its team's timeline and recomputes that
// team only. It reports the new score and whether it changed.
func (c *Cache) Update(sub domain.Submission) (float64, bool) {
	s := c.shard(sub.TeamID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(sub)
	prev := s.score
	s.score = c.scorer.TeamScore(c.context(), s.subs)
	return s.score, s.score != prev
}

func (s *shard) upsert(sub domain.Submission) {
	for i := range s.subs {
		if s.subs[i].ID == sub.ID {
			s.subs[i] = sub
			return
		}
	}
	i := sort.Search(len(s.subs), func(i int) bool {
		x := s.subs[i]
		if !x.Timestamp.Equal(sub.Timestamp) {
			return x.Timestamp.After(sub.Timestamp)
		}
		return x.ID > sub.ID
	})
	s.subs = append(s.subs, domain.Submission{})
	copy(s.subs[i+1:], s.subs[i:])
	s.subs[i] = sub
}

// Invalidate drops every shard's state and rebuilds it from source, the
// source of truth for a team's judged submissions. It returns the teams
// whose score changed.
func (c *Cache) Invalidate(source func(team string) []domain.Submission) []domain.Score {
	ctx := c.context()
	teams := map[string]struct{}{}
	for _, team := range ctx.Teams {
		teams[team] = struct{}{}
	}
	c.mu.RLock()
	for team := range c.shards {
		teams[team] = struct{}{}
	}
	c.mu.RUnlock()

	var changed []domain.Score
	for _, team := range sortedKeys(teams) {
		s := c.shard(team)
		s.mu.Lock()
		subs := append([]domain.Submission(nil), source(team)...)
		sortTimeline(subs)
		s.subs = subs
		prev := s.score
		s.score = c.scorer.TeamScore(ctx, s.subs)
		if s.score != prev {
			changed = append(changed, domain.Score{TeamID: team, Score: s.score})
		}
		s.mu.Unlock()
	}
	return changed
}

func (c *Cache) Score(team string) float64 {
	s := c.shard(team)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// Scores returns every team's current score ordered by team id.
func (c *Cache) Scores() []domain.Score {
	c.mu.RLock()
	teams := make(map[string]struct{}, len(c.shards))
	for team := range c.shards {
		teams[team] = struct{}{}
	}
	c.mu.RUnlock()
	out := make([]domain.Score, 0, len(teams))
	for _, team := range sortedKeys(teams) {
		out = append(out, domain.Score{TeamID: team, Score: c.Score(team)})
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
