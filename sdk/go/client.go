package arenasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal arena HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Answer is a team's answer. Item answers may carry a segment in milliseconds.
type Answer struct {
	Text    string `json:"text,omitempty"`
	Item    string `json:"item,omitempty"`
	StartMS *int64 `json:"start_ms,omitempty"`
	EndMS   *int64 `json:"end_ms,omitempty"`
}

type Submission struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	TaskRunID   string    `json:"task_run_id"`
	TeamID      string    `json:"team_id"`
	MemberID    string    `json:"member_id"`
	Timestamp   time.Time `json:"timestamp"`
	Answer      Answer    `json:"answer"`
	Verdict     string    `json:"verdict"`
	ValidatorID string    `json:"validator_id"`
}

type JudgementRequest struct {
	Token        string    `json:"token"`
	SubmissionID int64     `json:"submission_id"`
	RunID        string    `json:"run_id"`
	TaskRunID    string    `json:"task_run_id"`
	Task         string    `json:"task"`
	Answer       Answer    `json:"answer"`
	CreatedAt    time.Time `json:"created_at"`
}

type Score struct {
	TeamID string  `json:"team_id"`
	Score  float64 `json:"score"`
}

type Scores struct {
	RunID     string  `json:"run_id"`
	TaskRunID string  `json:"task_run_id,omitempty"`
	Scores    []Score `json:"scores"`
}

type TaskState struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Task       string     `json:"task"`
	Phase      string     `json:"phase"`
	DurationMS int64      `json:"duration_ms"`
	Started    *time.Time `json:"started,omitempty"`
	Ended      *time.Time `json:"ended,omitempty"`
	TimeLeftMS int64      `json:"time_left_ms"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit sends an answer for team to a task run. An empty taskRunID
// targets the run's current task.
func (c *Client) Submit(ctx context.Context, runID, taskRunID, teamID string, answer Answer) (Submission, error) {
	body := map[string]any{
		"team_id": teamID,
		"answer":  answer,
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, c.taskPath(runID, taskRunID, "submissions"), body, &resp)
	return resp, err
}

// ClaimNext claims the oldest open judgement request. ok is false when the
// queue is empty.
func (c *Client) ClaimNext(ctx context.Context) (JudgementRequest, bool, error) {
	var resp struct {
		Available bool              `json:"available"`
		Request   *JudgementRequest `json:"request"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/judgements/next", nil, &resp); err != nil {
		return JudgementRequest{}, false, err
	}
	if !resp.Available || resp.Request == nil {
		return JudgementRequest{}, false, nil
	}
	return *resp.Request, true, nil
}

// Judge resolves a claimed token.
func (c *Client) Judge(ctx context.Context, token, verdict string) (Submission, error) {
	var resp Submission
	endpoint := fmt.Sprintf("v1/judgements/%s", url.PathEscape(token))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"verdict": verdict}, &resp)
	return resp, err
}

// Override replaces a submission's verdict and returns the previous one.
func (c *Client) Override(ctx context.Context, submissionID int64, verdict string) (Submission, string, error) {
	var resp struct {
		Submission Submission `json:"submission"`
		Previous   string     `json:"previous"`
	}
	endpoint := fmt.Sprintf("v1/submissions/%d/override", submissionID)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"verdict": verdict}, &resp)
	return resp.Submission, resp.Previous, err
}

func (c *Client) TaskScores(ctx context.Context, runID, taskRunID string) (Scores, error) {
	var resp Scores
	err := c.do(ctx, http.MethodGet, c.taskPath(runID, taskRunID, "scores"), nil, &resp)
	return resp, err
}

func (c *Client) OverallScores(ctx context.Context, runID string) (Scores, error) {
	var resp Scores
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/runs/%s/scores", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

func (c *Client) TaskState(ctx context.Context, runID, taskRunID string) (TaskState, error) {
	var resp TaskState
	err := c.do(ctx, http.MethodGet, c.taskPath(runID, taskRunID, ""), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, optionally for one run.
func (c *Client) EventsPage(ctx context.Context, runID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// LiveMessage is a server notification. Clients pull state after each one.
type LiveMessage struct {
	RunID     string `json:"runId"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Live is a connected synchronization channel.
type Live struct {
	ws *websocket.Conn
}

// Connect opens the synchronization channel.
func (c *Client) Connect(ctx context.Context) (*Live, error) {
	u := "ws" + strings.TrimPrefix(c.base(), "http") + "/v1/live"
	header := http.Header{}
	switch {
	case c.BearerToken != "":
		header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		header.Set("X-Api-Key", c.APIKey)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, err
	}
	return &Live{ws: ws}, nil
}

func (l *Live) send(runID, typ string) error {
	return l.ws.WriteJSON(map[string]string{"runId": runID, "type": typ})
}

func (l *Live) Register(runID string) error   { return l.send(runID, "REGISTER") }
func (l *Live) Unregister(runID string) error { return l.send(runID, "UNREGISTER") }

// Next blocks for the next notification and answers PING with ACK.
func (l *Live) Next() (LiveMessage, error) {
	for {
		var msg LiveMessage
		if err := l.ws.ReadJSON(&msg); err != nil {
			return LiveMessage{}, err
		}
		if msg.Type == "PING" {
			if err := l.send("", "ACK"); err != nil {
				return LiveMessage{}, err
			}
			continue
		}
		return msg, nil
	}
}

func (l *Live) Close() error { return l.ws.Close() }

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) taskPath(runID, taskRunID, p string) string {
	if taskRunID == "" {
		taskRunID = "current"
	}
	endpoint := fmt.Sprintf("v1/runs/%s/tasks/%s", url.PathEscape(runID), url.PathEscape(taskRunID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
