package repo

import (
	"context"

	"arena/internal/domain"
)

func (r Repo) AppendScorePoint(ctx context.Context, p domain.ScoreTimePoint) (int64, error) {
	return r.insertID(ctx, nil, `INSERT INTO score_points(run_id,board,team_id,score,ts) VALUES (?,?,?,?,?)`,
		p.RunID, p.Board, p.TeamID, p.Score, formatTime(p.Timestamp))
}

// ListScorePoints returns a run's score series in append order, optionally
// restricted to one board.
func (r Repo) ListScorePoints(ctx context.Context, runID, board string) ([]domain.ScoreTimePoint, error) {
	query := `SELECT id,run_id,board,team_id,score,ts FROM score_points WHERE run_id=?`
	args := []any{runID}
	if board != "" {
		query += ` AND board=?`
		args = append(args, board)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScoreTimePoint
	for rows.Next() {
		var p domain.ScoreTimePoint
		var ts string
		if err := rows.Scan(&p.ID, &p.RunID, &p.Board, &p.TeamID, &p.Score, &ts); err != nil {
			return nil, err
		}
		if p.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
