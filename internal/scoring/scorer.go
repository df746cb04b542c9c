package scoring

import (
	"fmt"
	"sort"
	"time"

	"arena/internal/domain"
)

// Scoreable is what a scorer may know about a task run.
type Scoreable interface {
	TaskID() string
	Teams() []string
	Duration() time.Duration
	Started() *time.Time
	Ended() *time.Time
}

func ContextOf(s Scoreable) domain.TaskContext {
	ctx := domain.TaskContext{
		TaskID:   s.TaskID(),
		Teams:    s.Teams(),
		Duration: s.Duration(),
		End:      s.Ended(),
	}
	if st := s.Started(); st != nil {
		ctx.Start = *st
	}
	return ctx
}

// Scorer computes one team's score from that team's submissions, which are
// given in timeline order. Implementations must be pure.
type Scorer interface {
	Name() string
	TeamScore(ctx domain.TaskContext, subs []domain.Submission) float64
}

// Compute scores every team of the context from scratch.
func Compute(s Scorer, ctx domain.TaskContext, subs []domain.Submission) map[string]float64 {
	byTeam := map[string][]domain.Submission{}
	for _, sub := range subs {
		byTeam[sub.TeamID] = append(byTeam[sub.TeamID], sub)
	}
	out := make(map[string]float64, len(ctx.Teams))
	for _, team := range ctx.Teams {
		timeline := byTeam[team]
		sortTimeline(timeline)
		out[team] = s.TeamScore(ctx, timeline)
	}
	return out
}

func sortTimeline(subs []domain.Submission) {
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].Timestamp.Equal(subs[j].Timestamp) {
			return subs[i].Timestamp.Before(subs[j].Timestamp)
		}
		return subs[i].ID < subs[j].ID
	})
}

// KIS rewards the first correct submission with points decaying linearly
// from MaxPoints at task start to MinPoints at the end of the duration,
// minus a penalty for every wrong submission before it.
type KIS struct {
	MaxPoints       float64
	MinPoints       float64
	PenaltyPerWrong float64
}

func DefaultKIS() KIS {
	return KIS{MaxPoints: 100, MinPoints: 50, PenaltyPerWrong: 10}
}

func (KIS) Name() string { return "kis" }

func (k KIS) TeamScore(ctx domain.TaskContext, subs []domain.Submission) float64 {
	wrong := 0
	for _, sub := range subs {
		switch sub.Verdict {
		case domain.VerdictWrong:
			wrong++
		case domain.VerdictCorrect:
			frac := 1.0
			if ctx.Duration > 0 {
				elapsed := sub.Timestamp.Sub(ctx.Start)
				frac = 1 - float64(elapsed)/float64(ctx.Duration)
				if frac < 0 {
					frac = 0
				}
				if frac > 1 {
					frac = 1
				}
			}
			score := k.MinPoints + (k.MaxPoints-k.MinPoints)*frac - k.PenaltyPerWrong*float64(wrong)
			if score < 0 {
				return 0
			}
			return score
		}
	}
	return 0
}

// AVS awards points per distinct correct answer and deducts a penalty per
// wrong one, never going below zero.
type AVS struct {
	PointsPerCorrect float64
	PenaltyPerWrong  float64
}

func DefaultAVS() AVS {
	return AVS{PointsPerCorrect: 100, PenaltyPerWrong: 10}
}

func (AVS) Name() string { return "avs" }

func (a AVS) TeamScore(_ domain.TaskContext, subs []domain.Submission) float64 {
	correct := map[string]struct{}{}
	wrong := 0
	for _, sub := range subs {
		switch sub.Verdict {
		case domain.VerdictCorrect:
			correct[sub.Answer.Key()] = struct{}{}
		case domain.VerdictWrong:
			wrong++
		}
	}
	score := a.PointsPerCorrect*float64(len(correct)) - a.PenaltyPerWrong*float64(wrong)
	if score < 0 {
		return 0
	}
	return score
}

// Options configure NewScorer. Zero values fall back to the scorer defaults.
type Options struct {
	MaxPoints        float64
	MinPoints        float64
	PenaltyPerWrong  *float64
	PointsPerCorrect float64
}

func NewScorer(kind string, opts Options) (Scorer, error) {
	switch kind {
	case "", "kis":
		k := DefaultKIS()
		if opts.MaxPoints > 0 {
			k.MaxPoints = opts.MaxPoints
		}
		if opts.MinPoints > 0 {
			k.MinPoints = opts.MinPoints
		}
		if opts.PenaltyPerWrong != nil {
			k.PenaltyPerWrong = *opts.PenaltyPerWrong
		}
		return k, nil
	case "avs":
		a := DefaultAVS()
		if opts.PointsPerCorrect > 0 {
			a.PointsPerCorrect = opts.PointsPerCorrect
		}
		if opts.PenaltyPerWrong != nil {
			a.PenaltyPerWrong = *opts.PenaltyPerWrong
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown scorer %q", kind)
	}
}
