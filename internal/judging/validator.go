package judging

import (
	"fmt"
	"strings"

	"arena/internal/domain"
)

// Validator assigns an initial verdict to a submission. Deferring
// validators return INDETERMINATE and the submission goes to human judges.
type Validator interface {
	ID() string
	Validate(answer domain.Answer) domain.Verdict
}

// Segment is a ground-truth item with an optional temporal range in ms.
type Segment struct {
	Item    string
	StartMS int64
	EndMS   int64
}

type ExactMatch struct {
	accepted map[string]struct{}
}

func NewExactMatch(answers []string) *ExactMatch {
	v := &ExactMatch{accepted: map[string]struct{}{}}
	for _, a := range answers {
		v.accepted[normalize(a)] = struct{}{}
	}
	return v
}

func (*ExactMatch) ID() string { return "exact" }

func (v *ExactMatch) Validate(a domain.Answer) domain.Verdict {
	text := normalize(a.Text)
	if text == "" {
		return domain.VerdictUndecidable
	}
	if _, ok := v.accepted[text]; ok {
		return domain.VerdictCorrect
	}
	return domain.VerdictWrong
}

type SetMembership struct {
	items map[string]struct{}
}

func NewSetMembership(items []string) *SetMembership {
	v := &SetMembership{items: map[string]struct{}{}}
	for _, it := range items {
		v.items[strings.TrimSpace(it)] = struct{}{}
	}
	return v
}

func (*SetMembership) ID() string { return "set" }

func (v *SetMembership) Validate(a domain.Answer) domain.Verdict {
	item := strings.TrimSpace(a.Item)
	if item == "" {
		return domain.VerdictUndecidable
	}
	if _, ok := v.items[item]; ok {
		return domain.VerdictCorrect
	}
	return domain.VerdictWrong
}

// TemporalOverlap accepts an item answer whose range overlaps a ground
// truth segment of the same item.
type TemporalOverlap struct {
	segments []Segment
}

func NewTemporalOverlap(segments []Segment) *TemporalOverlap {
	return &TemporalOverlap{segments: append([]Segment(nil), segments...)}
}

func (*TemporalOverlap) ID() string { return "temporal" }

func (v *TemporalOverlap) Validate(a domain.Answer) domain.Verdict {
	item := strings.TrimSpace(a.Item)
	if item == "" || a.StartMS == nil || a.EndMS == nil || *a.EndMS < *a.StartMS {
		return domain.VerdictUndecidable
	}
	for _, s := range v.segments {
		if s.Item == item && *a.StartMS <= s.EndMS && s.StartMS <= *a.EndMS {
			return domain.VerdictCorrect
		}
	}
	return domain.VerdictWrong
}

type Deferred struct{}

func (Deferred) ID() string { return "judge" }

func (Deferred) Validate(domain.Answer) domain.Verdict { return domain.VerdictIndeterminate }

// ValidatorSpec is the template-level description of a validator.
type ValidatorSpec struct {
	Kind     string
	Answers  []string
	Items    []string
	Segments []Segment
}

func NewValidator(spec ValidatorSpec) (Validator, error) {
	switch spec.Kind {
	case "exact":
		return NewExactMatch(spec.Answers), nil
	case "set":
		return NewSetMembership(spec.Items), nil
	case "temporal":
		return NewTemporalOverlap(spec.Segments), nil
	case "", "judge":
		return Deferred{}, nil
	default:
		return nil, fmt.Errorf("unknown validator %q", spec.Kind)
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
