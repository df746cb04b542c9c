package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT DO NOTHING`), actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO actor_roles(actor_id, role) VALUES (?,?) ON CONFLICT DO NOTHING`), actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`DELETE FROM actor_roles WHERE actor_id=? AND role=?`), actorID, role)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	return r.strings(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
}

func (r Repo) AddTeamMember(ctx context.Context, tx *sql.Tx, teamID, actorID string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO team_members(team_id, actor_id) VALUES (?,?) ON CONFLICT DO NOTHING`), teamID, actorID)
	return err
}

// RemoveTeamMember returns ErrNotFound when actorID was not on the team.
func (r Repo) RemoveTeamMember(ctx context.Context, tx *sql.Tx, teamID, actorID string) error {
	return r.deleteOne(ctx, tx, `DELETE FROM team_members WHERE team_id=? AND actor_id=?`, teamID, actorID)
}

func (r Repo) deleteOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := r.conn(tx).ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IsTeamMember(ctx context.Context, teamID, actorID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(1) FROM team_members WHERE team_id=? AND actor_id=?`), teamID, actorID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListTeamMembers(ctx context.Context, teamID string) ([]string, error) {
	return r.strings(ctx, `SELECT actor_id FROM team_members WHERE team_id=? ORDER BY actor_id`, teamID)
}

// ActorTeams lists the teams an actor belongs to.
func (r Repo) ActorTeams(ctx context.Context, actorID string) ([]string, error) {
	return r.strings(ctx, `SELECT team_id FROM team_members WHERE actor_id=? ORDER BY team_id`, actorID)
}

func (r Repo) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
