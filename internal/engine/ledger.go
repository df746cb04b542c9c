package engine

import (
	"context"
	"database/sql"
	"fmt"

	"arena/internal/domain"
	"arena/internal/events"
	"arena/internal/repo"
)

// ledger is the pipeline's store. Every submission and verdict record is
// committed together with its event.
type ledger struct {
	repo   repo.Repo
	events events.Writer
}

func (l ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (l ledger) AppendSubmission(ctx context.Context, sub domain.Submission) (int64, error) {
	var id int64
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = l.repo.AppendSubmissionTx(ctx, tx, sub); err != nil {
			return err
		}
		return l.events.Append(ctx, tx, events.SubmissionAccepted, sub.RunID, "submission", fmt.Sprint(id), sub.MemberID, events.EventPayload{
			"team_id":     sub.TeamID,
			"task_run_id": sub.TaskRunID,
			"verdict":     sub.Verdict,
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (l ledger) AppendVerdict(ctx context.Context, sub domain.Submission, rec domain.VerdictRecord) (int64, error) {
	evtType := events.SubmissionJudged
	payload := events.EventPayload{"verdict": rec.Verdict, "validator_id": rec.ValidatorID}
	if rec.Kind == domain.VerdictByOverride {
		evtType = events.VerdictOverridden
		payload = events.EventPayload{"old_verdict": rec.Previous, "new_verdict": rec.Verdict}
	}
	var id int64
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = l.repo.AppendVerdictTx(ctx, tx, rec); err != nil {
			return err
		}
		return l.events.Append(ctx, tx, evtType, sub.RunID, "submission", fmt.Sprint(rec.SubmissionID), rec.ValidatorID, payload)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}
