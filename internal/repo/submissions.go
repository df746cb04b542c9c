package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"arena/internal/domain"
)

// AppendSubmission stores a submission with its initial validation verdict
// record in one transaction.
func (r Repo) AppendSubmission(ctx context.Context, sub domain.Submission) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := r.AppendSubmissionTx(ctx, tx, sub)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) AppendSubmissionTx(ctx context.Context, tx *sql.Tx, sub domain.Submission) (int64, error) {
	answer, err := json.Marshal(sub.Answer)
	if err != nil {
		return 0, err
	}
	id, err := r.insertID(ctx, tx, `INSERT INTO submissions(run_id,task_run_id,team_id,member_id,ts,answer_json,verdict,validator_id) VALUES (?,?,?,?,?,?,?,?)`,
		sub.RunID, sub.TaskRunID, sub.TeamID, sub.MemberID, formatTime(sub.Timestamp), string(answer), sub.Verdict, sub.ValidatorID)
	if err != nil {
		return 0, fmt.Errorf("insert submission: %w", err)
	}
	_, err = r.appendVerdict(ctx, tx, domain.VerdictRecord{
		SubmissionID: id,
		Kind:         domain.VerdictByValidator,
		Verdict:      sub.Verdict,
		ValidatorID:  sub.ValidatorID,
		CreatedAt:    sub.Timestamp,
	})
	if err != nil {
		return 0, fmt.Errorf("insert validation verdict: %w", err)
	}
	return id, nil
}

const submissionColumns = `id,run_id,task_run_id,team_id,member_id,ts,answer_json,verdict,validator_id`

func scanSubmission(s scanner) (domain.Submission, error) {
	var sub domain.Submission
	var ts, answer string
	if err := s.Scan(&sub.ID, &sub.RunID, &sub.TaskRunID, &sub.TeamID, &sub.MemberID, &ts, &answer, &sub.Verdict, &sub.ValidatorID); err != nil {
		return sub, err
	}
	var err error
	if sub.Timestamp, err = parseTime(ts); err != nil {
		return sub, err
	}
	if err := json.Unmarshal([]byte(answer), &sub.Answer); err != nil {
		return sub, fmt.Errorf("submission %d answer: %w", sub.ID, err)
	}
	if !sub.Verdict.Valid() {
		return sub, fmt.Errorf("submission %d: invalid verdict %q", sub.ID, sub.Verdict)
	}
	return sub, nil
}

// GetSubmission returns the stored submission with its initial verdict.
func (r Repo) GetSubmission(ctx context.Context, id int64) (domain.Submission, error) {
	sub, err := scanSubmission(r.DB.QueryRowContext(ctx, r.q(`SELECT `+submissionColumns+` FROM submissions WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return sub, ErrNotFound
	}
	return sub, err
}

// ListSubmissions returns the submission log of a run in append order.
func (r Repo) ListSubmissions(ctx context.Context, runID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+submissionColumns+` FROM submissions WHERE run_id=? ORDER BY id`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sub)
	}
	return res, rows.Err()
}

func (r Repo) AppendVerdict(ctx context.Context, rec domain.VerdictRecord) (int64, error) {
	return r.appendVerdict(ctx, nil, rec)
}

func (r Repo) AppendVerdictTx(ctx context.Context, tx *sql.Tx, rec domain.VerdictRecord) (int64, error) {
	return r.appendVerdict(ctx, tx, rec)
}

func (r Repo) appendVerdict(ctx context.Context, tx *sql.Tx, rec domain.VerdictRecord) (int64, error) {
	if !rec.Verdict.Valid() {
		return 0, fmt.Errorf("invalid verdict %q", rec.Verdict)
	}
	return r.insertID(ctx, tx, `INSERT INTO verdicts(submission_id,kind,verdict,previous,validator_id,token,created_at) VALUES (?,?,?,?,?,?,?)`,
		rec.SubmissionID, rec.Kind, rec.Verdict, nullable(string(rec.Previous)), rec.ValidatorID, nullable(rec.Token), formatTime(rec.CreatedAt))
}

const verdictColumns = `v.id,v.submission_id,v.kind,v.verdict,COALESCE(v.previous,''),v.validator_id,COALESCE(v.token,''),v.created_at`

// ListVerdicts returns every verdict record of a run in append order,
// together with any record whose submission does not exist.
func (r Repo) ListVerdicts(ctx context.Context, runID string) ([]domain.VerdictRecord, error) {
	return r.queryVerdicts(ctx, `SELECT `+verdictColumns+` FROM verdicts v LEFT JOIN submissions s ON s.id=v.submission_id WHERE s.run_id=? OR s.id IS NULL ORDER BY v.id`, runID)
}

// ListSubmissionVerdicts returns the verdict history of one submission.
func (r Repo) ListSubmissionVerdicts(ctx context.Context, submissionID int64) ([]domain.VerdictRecord, error) {
	return r.queryVerdicts(ctx, `SELECT `+verdictColumns+` FROM verdicts v WHERE v.submission_id=? ORDER BY v.id`, submissionID)
}

func (r Repo) queryVerdicts(ctx context.Context, query string, args ...any) ([]domain.VerdictRecord, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerdictRecord
	for rows.Next() {
		var rec domain.VerdictRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.SubmissionID, &rec.Kind, &rec.Verdict, &rec.Previous, &rec.ValidatorID, &rec.Token, &created); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if !rec.Verdict.Valid() {
			return nil, fmt.Errorf("verdict %d: invalid verdict %q", rec.ID, rec.Verdict)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
