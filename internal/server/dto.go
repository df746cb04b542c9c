package server

import (
	"encoding/json"
	"time"

	"arena/internal/domain"
)

// Request payloads

type CreateRunRequest struct {
	Name string `json:"name"`
}

type PrepareTaskRequest struct {
	Task string `json:"task" doc:"task name from the competition template"`
}

type SubmitRequest struct {
	TeamID string        `json:"team_id"`
	Answer domain.Answer `json:"answer"`
}

type JudgeRequest struct {
	Verdict string `json:"verdict" enum:"CORRECT,WRONG,UNDECIDABLE"`
}

type OverrideRequest struct {
	Verdict string `json:"verdict" enum:"CORRECT,WRONG,UNDECIDABLE,INDETERMINATE"`
}

type AddMemberRequest struct {
	MemberID string `json:"member_id"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"admin,judge,viewer,participant"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type RunResponse struct {
	domain.Run
	Tasks []TaskRunResponse `json:"tasks"`
}

type TaskRunResponse struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	Task       string       `json:"task"`
	Position   int          `json:"position"`
	Teams      []string     `json:"teams"`
	DurationMS int64        `json:"duration_ms"`
	Phase      domain.Phase `json:"phase" enum:"PREPARING,RUNNING,ENDED"`
	CreatedAt  time.Time    `json:"created_at"`
	Started    *time.Time   `json:"started,omitempty"`
	Ended      *time.Time   `json:"ended,omitempty"`
}

type TaskStateResponse struct {
	TaskRunResponse
	TimeLeftMS int64 `json:"time_left_ms"`
}

type ClaimResponse struct {
	Available bool                     `json:"available"`
	Request   *domain.JudgementRequest `json:"request,omitempty"`
}

type OverrideResponse struct {
	Submission domain.Submission `json:"submission"`
	Previous   domain.Verdict    `json:"previous"`
}

type ScoresResponse struct {
	RunID     string         `json:"run_id"`
	TaskRunID string         `json:"task_run_id,omitempty"`
	Scores    []domain.Score `json:"scores"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Key     string `json:"key" doc:"shown once"`
}

// APIKeyInfo describes a stored key without its digest.
type APIKeyInfo struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MembersResponse struct {
	TeamID  string   `json:"team_id"`
	Members []string `json:"members"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Teams   []string `json:"teams"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskRunResponse(tr domain.TaskRun) TaskRunResponse {
	return TaskRunResponse{
		ID:         tr.ID,
		RunID:      tr.RunID,
		Task:       tr.Task,
		Position:   tr.Position,
		Teams:      nonNilSlice(tr.Teams),
		DurationMS: tr.Duration.Milliseconds(),
		Phase:      tr.Phase,
		CreatedAt:  tr.CreatedAt,
		Started:    tr.Started,
		Ended:      tr.Ended,
	}
}

func runResponse(r domain.Run, tasks []domain.TaskRun) RunResponse {
	res := RunResponse{Run: r, Tasks: []TaskRunResponse{}}
	for _, tr := range tasks {
		res.Tasks = append(res.Tasks, taskRunResponse(tr))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
