package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type RunStatus string

const (
	RunCreated    RunStatus = "created"
	RunActive     RunStatus = "active"
	RunTerminated RunStatus = "terminated"
)

// Phase is the lifecycle position of a single task run.
type Phase string

const (
	PhasePreparing Phase = "PREPARING"
	PhaseRunning   Phase = "RUNNING"
	PhaseEnded     Phase = "ENDED"
)

// Verdict classifies the outcome of a submission.
type Verdict string

const (
	VerdictUndecidable   Verdict = "UNDECIDABLE"
	VerdictIndeterminate Verdict = "INDETERMINATE"
	VerdictWrong         Verdict = "WRONG"
	VerdictCorrect       Verdict = "CORRECT"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictUndecidable, VerdictIndeterminate, VerdictWrong, VerdictCorrect:
		return true
	}
	return false
}

// Decided reports whether the verdict can contribute to a score.
func (v Verdict) Decided() bool {
	return v == VerdictWrong || v == VerdictCorrect
}

func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToUpper(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("invalid verdict %q", s)
	}
	return v, nil
}

type Run struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	TemplateID   string     `json:"template_id"`
	Status       RunStatus  `json:"status" enum:"created,active,terminated"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// TaskRun is the persisted view of one timed task instance.
type TaskRun struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id"`
	Task      string        `json:"task"`
	Position  int           `json:"position"`
	Teams     []string      `json:"teams"`
	Duration  time.Duration `json:"duration"`
	Phase     Phase         `json:"phase" enum:"PREPARING,RUNNING,ENDED"`
	CreatedAt time.Time     `json:"created_at"`
	Started   *time.Time    `json:"started,omitempty"`
	Ended     *time.Time    `json:"ended,omitempty"`
}

// Answer is the payload a team submits. Text answers are matched
// literally; item answers may carry a temporal segment in milliseconds.
type Answer struct {
	Text    string `json:"text,omitempty"`
	Item    string `json:"item,omitempty"`
	StartMS *int64 `json:"start_ms,omitempty"`
	EndMS   *int64 `json:"end_ms,omitempty"`
}

// Key normalizes the answer for duplicate detection.
func (a Answer) Key() string {
	var b strings.Builder
	if t := strings.ToLower(strings.TrimSpace(a.Text)); t != "" {
		b.WriteString("t:")
		b.WriteString(t)
	}
	if item := strings.TrimSpace(a.Item); item != "" {
		b.WriteString("|i:")
		b.WriteString(item)
		if a.StartMS != nil {
			b.WriteString("@" + strconv.FormatInt(*a.StartMS, 10))
		}
		if a.EndMS != nil {
			b.WriteString("-" + strconv.FormatInt(*a.EndMS, 10))
		}
	}
	return b.String()
}

type Submission struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	TaskRunID   string    `json:"task_run_id"`
	TeamID      string    `json:"team_id"`
	MemberID    string    `json:"member_id"`
	Timestamp   time.Time `json:"timestamp"`
	Answer      Answer    `json:"answer"`
	Verdict     Verdict   `json:"verdict" enum:"UNDECIDABLE,INDETERMINATE,WRONG,CORRECT"`
	ValidatorID string    `json:"validator_id"`
}

type VerdictKind string

const (
	VerdictByValidator VerdictKind = "validation"
	VerdictByJudge     VerdictKind = "judgement"
	VerdictByOverride  VerdictKind = "override"
)

// VerdictRecord is one append-only verdict assignment. Overrides are new
// records referencing the previous verdict, never rewrites.
type VerdictRecord struct {
	ID           int64       `json:"id"`
	SubmissionID int64       `json:"submission_id"`
	Kind         VerdictKind `json:"kind" enum:"validation,judgement,override"`
	Verdict      Verdict     `json:"verdict"`
	Previous     Verdict     `json:"previous,omitempty"`
	ValidatorID  string      `json:"validator_id"`
	Token        string      `json:"token,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

type JudgementRequest struct {
	Token        string     `json:"token"`
	SubmissionID int64      `json:"submission_id"`
	RunID        string     `json:"run_id"`
	TaskRunID    string     `json:"task_run_id"`
	Task         string     `json:"task"`
	Answer       Answer     `json:"answer"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
}

type Judgement struct {
	Token       string  `json:"token"`
	Verdict     Verdict `json:"verdict"`
	ValidatorID string  `json:"validator_id"`
}

type Score struct {
	TeamID string  `json:"team_id"`
	Score  float64 `json:"score"`
}

// ScoreTimePoint is one immutable entry of a scoreboard history.
type ScoreTimePoint struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Board     string    `json:"board"`
	TeamID    string    `json:"team_id"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskContext is the snapshot of a task run handed to scorers.
type TaskContext struct {
	TaskID   string
	Teams    []string
	Start    time.Time
	Duration time.Duration
	End      *time.Time
}

type Template struct {
	ID        string `json:"id"`
	YAML      string `json:"yaml"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TeamMember struct {
	TeamID  string `json:"team_id"`
	ActorID string `json:"actor_id"`
}
