package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"arena/internal/db"
	"arena/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

// insertID runs an INSERT ... RETURNING id statement.
func (r Repo) insertID(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	var id int64
	if err := r.conn(tx).QueryRowContext(ctx, r.q(query+` RETURNING id`), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (r Repo) UpsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	if t.ID == "" {
		return errors.New("template id required")
	}
	now := formatTime(time.Now())
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO templates(id,yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`), t.ID, t.YAML, now, now)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var t domain.Template
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,yaml,created_at,updated_at FROM templates WHERE id=?`), id).
		Scan(&t.ID, &t.YAML, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,yaml,created_at,updated_at FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.YAML, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO runs(id,name,template_id,status,created_at,started_at,terminated_at) VALUES (?,?,?,?,?,?,?)`),
		run.ID, run.Name, run.TemplateID, run.Status, formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTimePtr(run.TerminatedAt))
	return err
}

const runColumns = `id,name,template_id,status,created_at,started_at,terminated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (domain.Run, error) {
	var run domain.Run
	var created string
	var started, terminated sql.NullString
	if err := s.Scan(&run.ID, &run.Name, &run.TemplateID, &run.Status, &created, &started, &terminated); err != nil {
		return run, err
	}
	var err error
	if run.CreatedAt, err = parseTime(created); err != nil {
		return run, err
	}
	if run.StartedAt, err = parseNullTime(started); err != nil {
		return run, err
	}
	if run.TerminatedAt, err = parseNullTime(terminated); err != nil {
		return run, err
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, r.q(`SELECT `+runColumns+` FROM runs WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// SetRunStatus records a lifecycle change. Transition timestamps are only
// written once.
func (r Repo) SetRunStatus(ctx context.Context, tx *sql.Tx, id string, status domain.RunStatus, at time.Time) error {
	var query string
	switch status {
	case domain.RunActive:
		query = `UPDATE runs SET status=?, started_at=COALESCE(started_at, ?) WHERE id=?`
	case domain.RunTerminated:
		query = `UPDATE runs SET status=?, terminated_at=COALESCE(terminated_at, ?) WHERE id=?`
	default:
		return fmt.Errorf("cannot set run status %q", status)
	}
	res, err := r.conn(tx).ExecContext(ctx, r.q(query), status, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTaskRun(ctx context.Context, tx *sql.Tx, tr domain.TaskRun) error {
	teams, err := json.Marshal(tr.Teams)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO task_runs(id,run_id,position,task,teams_json,duration_ms,created_at,started_at,ended_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		tr.ID, tr.RunID, tr.Position, tr.Task, string(teams), tr.Duration.Milliseconds(), formatTime(tr.CreatedAt), formatTimePtr(tr.Started), formatTimePtr(tr.Ended))
	return err
}

func (r Repo) MarkTaskRunStarted(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	return r.markTaskRun(ctx, tx, `UPDATE task_runs SET started_at=? WHERE id=? AND started_at IS NULL`, id, at)
}

func (r Repo) MarkTaskRunEnded(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	return r.markTaskRun(ctx, tx, `UPDATE task_runs SET ended_at=? WHERE id=? AND started_at IS NOT NULL AND ended_at IS NULL`, id, at)
}

func (r Repo) markTaskRun(ctx context.Context, tx *sql.Tx, query, id string, at time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, r.q(query), formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task run %s: timestamp already recorded or run missing", id)
	}
	return nil
}

const taskRunColumns = `id,run_id,position,task,teams_json,duration_ms,created_at,started_at,ended_at`

func scanTaskRun(s scanner) (domain.TaskRun, error) {
	var tr domain.TaskRun
	var teams, created string
	var durationMS int64
	var started, ended sql.NullString
	if err := s.Scan(&tr.ID, &tr.RunID, &tr.Position, &tr.Task, &teams, &durationMS, &created, &started, &ended); err != nil {
		return tr, err
	}
	if err := json.Unmarshal([]byte(teams), &tr.Teams); err != nil {
		return tr, fmt.Errorf("task run %s teams: %w", tr.ID, err)
	}
	tr.Duration = time.Duration(durationMS) * time.Millisecond
	var err error
	if tr.CreatedAt, err = parseTime(created); err != nil {
		return tr, err
	}
	if tr.Started, err = parseNullTime(started); err != nil {
		return tr, err
	}
	if tr.Ended, err = parseNullTime(ended); err != nil {
		return tr, err
	}
	switch {
	case tr.Ended != nil:
		tr.Phase = domain.PhaseEnded
	case tr.Started != nil:
		tr.Phase = domain.PhaseRunning
	default:
		tr.Phase = domain.PhasePreparing
	}
	return tr, nil
}

func (r Repo) GetTaskRun(ctx context.Context, id string) (domain.TaskRun, error) {
	tr, err := scanTaskRun(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskRunColumns+` FROM task_runs WHERE id=?`), id))
	if err == sql.ErrNoRows {
		return tr, ErrNotFound
	}
	return tr, err
}

func (r Repo) ListTaskRuns(ctx context.Context, runID string) ([]domain.TaskRun, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+taskRunColumns+` FROM task_runs WHERE run_id=? ORDER BY position`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskRun
	for rows.Next() {
		tr, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, runID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id ASC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

const eventColumns = `id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, runID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, r.q(query), args...).Scan(&id)
	return id, err
}
