package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"arena/internal/db"
)

const (
	RunCreated          = "run.created"
	RunStarted          = "run.started"
	RunTerminated       = "run.terminated"
	TaskPrepared        = "task.prepared"
	TaskStarted         = "task.started"
	TaskEnded           = "task.ended"
	SubmissionAccepted  = "submission.accepted"
	SubmissionRejected  = "submission.rejected"
	SubmissionJudged    = "submission.judged"
	VerdictOverridden   = "verdict.overridden"
	TemplateImported    = "template.imported"
	TeamMemberAdded     = "team.member_added"
	TeamMemberRemoved   = "team.member_removed"
	JudgementsCancelled = "judgements.cancelled"
	RoleGranted         = "rbac.role_granted"
	RoleRevoked         = "rbac.role_revoked"
	APIKeyCreated       = "rbac.api_key_created"
	APIKeyRevoked       = "rbac.api_key_revoked"
)

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(runID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendNow writes one event in its own transaction.
func (w Writer) AppendNow(ctx context.Context, evtType, runID, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, runID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
