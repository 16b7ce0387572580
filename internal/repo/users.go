package repo

import (
	"context"
	"database/sql"

	"stakeline/internal/domain"
)

const userColumns = `id,name,age,reputation,tasks_created,tasks_completed,tasks_failed,registered_at`

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.Name, u.Age, u.Reputation, u.TasksCreated, u.TasksCompleted, u.TasksFailed, u.RegisteredAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Age, &u.Reputation, &u.TasksCreated, &u.TasksCompleted, &u.TasksFailed, &u.RegisteredAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY reputation DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Age, &u.Reputation, &u.TasksCreated, &u.TasksCompleted, &u.TasksFailed, &u.RegisteredAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Reputation returns the score for id, 0 when unregistered.
func (r Repo) Reputation(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var rep int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT reputation FROM users WHERE id=?`, id).Scan(&rep)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return rep, err
}

// AdjustReputation adds delta, saturating at zero. Unregistered ids are ignored.
func (r Repo) AdjustReputation(ctx context.Context, tx *sql.Tx, id string, delta int64) error {
	if delta == 0 || id == "" {
		return nil
	}
	_, err := r.q(tx).ExecContext(ctx, `UPDATE users SET reputation=MAX(reputation+?,0) WHERE id=?`, delta, id)
	return err
}

type Counter string

const (
	CounterCreated   Counter = "tasks_created"
	CounterCompleted Counter = "tasks_completed"
	CounterFailed    Counter = "tasks_failed"
)

func (r Repo) IncrementCounter(ctx context.Context, tx *sql.Tx, id string, c Counter) error {
	if id == "" {
		return nil
	}
	var query string
	switch c {
	case CounterCreated:
		query = `UPDATE users SET tasks_created=tasks_created+1 WHERE id=?`
	case CounterCompleted:
		query = `UPDATE users SET tasks_completed=tasks_completed+1 WHERE id=?`
	case CounterFailed:
		query = `UPDATE users SET tasks_failed=tasks_failed+1 WHERE id=?`
	default:
		return nil
	}
	_, err := r.q(tx).ExecContext(ctx, query, id)
	return err
}

// HasOpenInvolvement reports whether id created or works on an unresolved
// task, or holds a pending join request.
func (r Repo) HasOpenInvolvement(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM tasks WHERE (creator_id=? OR member_id=?) AND status NOT IN ('completed','cancelled')) +
  (SELECT COUNT(*) FROM join_requests WHERE applicant_id=? AND pending=1)`, id, id, id).Scan(&n)
	return n > 0, err
}
