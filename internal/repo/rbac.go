package repo

import (
	"context"
	"database/sql"

	"stakeline/internal/domain"
)

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role, grantedBy, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO roles(actor_id, role, granted_by, granted_at) VALUES (?,?,?,?)`,
		actorID, string(role), nullable(grantedBy), now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM roles WHERE actor_id=? AND role=?`, actorID, string(role))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) HasRole(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM roles WHERE actor_id=? AND role=? LIMIT 1`, actorID, string(role)).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) CountRole(ctx context.Context, tx *sql.Tx, role domain.Role) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM roles WHERE role=?`, string(role)).Scan(&n)
	return n, err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role FROM roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
