package judging

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"arena/internal/domain"
)

// Queue holds open judgement requests. Its mutex is the single point where
// claims are serialized; a token is held by at most one judge at a time.
type Queue struct {
	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time
	pending []string
	reqs    map[string]*entry
	bySub   map[int64]string
}

type entry struct {
	req       domain.JudgementRequest
	claimedBy string
	claimedAt time.Time
}

// NewQueue builds a queue. A claim older than timeout returns to the head of
// the queue on the next Claim; timeout <= 0 keeps claims forever.
func NewQueue(timeout time.Duration, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		timeout: timeout,
		now:     now,
		reqs:    map[string]*entry{},
		bySub:   map[int64]string{},
	}
}

// Enqueue issues a fresh token for req and makes it claimable.
func (q *Queue) Enqueue(req domain.JudgementRequest) domain.JudgementRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	req.Token = uuid.NewString()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.now().UTC()
	}
	req.ClaimedBy, req.ClaimedAt = "", nil
	q.reqs[req.Token] = &entry{req: req}
	q.bySub[req.SubmissionID] = req.Token
	q.pending = append(q.pending, req.Token)
	return req
}

// Claim hands the oldest unclaimed request to judgeID.
func (q *Queue) Claim(judgeID string) (domain.JudgementRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked()
	for len(q.pending) > 0 {
		token := q.pending[0]
		q.pending = q.pending[1:]
		e, ok := q.reqs[token]
		if !ok || e.claimedBy != "" {
			continue
		}
		e.claimedBy = judgeID
		e.claimedAt = q.now().UTC()
		return e.view(), true
	}
	return domain.JudgementRequest{}, false
}

func (q *Queue) expireLocked() {
	if q.timeout <= 0 {
		return
	}
	now := q.now()
	var expired []*entry
	for _, e := range q.reqs {
		if e.claimedBy != "" && now.Sub(e.claimedAt) >= q.timeout {
			expired = append(expired, e)
		}
	}
	if len(expired) == 0 {
		return
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].req.CreatedAt.Before(expired[j].req.CreatedAt)
	})
	tokens := make([]string, 0, len(expired)+len(q.pending))
	for _, e := range expired {
		e.claimedBy = ""
		e.claimedAt = time.Time{}
		tokens = append(tokens, e.req.Token)
	}
	q.pending = append(tokens, q.pending...)
}

// Resolve closes a request. Only the judge currently holding the claim may
// resolve it; anything else is ErrUnknownToken.
func (q *Queue) Resolve(token, judgeID string) (domain.JudgementRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.reqs[token]
	if !ok || e.claimedBy == "" || e.claimedBy != judgeID {
		return domain.JudgementRequest{}, domain.ErrUnknownToken
	}
	q.removeLocked(token)
	return e.view(), nil
}

// Lookup returns the open request behind token without touching its claim.
func (q *Queue) Lookup(token string) (domain.JudgementRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.reqs[token]
	if !ok {
		return domain.JudgementRequest{}, false
	}
	return e.view(), true
}

func (q *Queue) CancelSubmission(submissionID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	token, ok := q.bySub[submissionID]
	if !ok {
		return false
	}
	q.removeLocked(token)
	return true
}

// CancelRun drops every request belonging to runID.
func (q *Queue) CancelRun(runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for token, e := range q.reqs {
		if e.req.RunID == runID {
			q.removeLocked(token)
			n++
		}
	}
	return n
}

func (q *Queue) removeLocked(token string) {
	e, ok := q.reqs[token]
	if !ok {
		return
	}
	delete(q.reqs, token)
	if q.bySub[e.req.SubmissionID] == token {
		delete(q.bySub, e.req.SubmissionID)
	}
	for i, t := range q.pending {
		if t == token {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reqs)
}

// Open lists all open requests, claimed or not, oldest first.
func (q *Queue) Open() []domain.JudgementRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.JudgementRequest, 0, len(q.reqs))
	for _, e := range q.reqs {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SubmissionID < out[j].SubmissionID
	})
	return out
}

func (e *entry) view() domain.JudgementRequest {
	req := e.req
	if e.claimedBy != "" {
		at := e.claimedAt
		req.ClaimedBy = e.claimedBy
		req.ClaimedAt = &at
	}
	return req
}
