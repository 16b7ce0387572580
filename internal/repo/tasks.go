package repo

import (
	"context"
	"database/sql"
	"strings"

	"stakeline/internal/domain"
)

const taskColumns = `id,status,creator_id,member_id,title,url,reward,deadline_hours,deadline_at,creator_stake,member_stake,fee,max_revisions,creator_stake_locked,member_stake_locked,reward_claimed,config_version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                        domain.Task
		status                                   string
		memberID                                 sql.NullString
		memberStake                              int64
		creatorLocked, memberLocked, rewardClaim int
	)
	err := row.Scan(&t.ID, &status, &t.CreatorID, &memberID, &t.Title, &t.URL, &t.Reward, &t.DeadlineHours, &t.DeadlineAt,
		&t.CreatorStake, &memberStake, &t.Fee, &t.MaxRevisions, &creatorLocked, &memberLocked, &rewardClaim,
		&t.ConfigVersion, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	if memberID.Valid {
		t.Member = &domain.Assignment{ID: memberID.String, Stake: memberStake}
	}
	t.CreatorStakeLocked = creatorLocked == 1
	t.MemberStakeLocked = memberLocked == 1
	t.RewardClaimed = rewardClaim == 1
	return t, nil
}

// InsertTask stores t and returns the assigned id.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(status,creator_id,member_id,title,url,reward,deadline_hours,deadline_at,creator_stake,member_stake,fee,max_revisions,creator_stake_locked,member_stake_locked,reward_claimed,config_version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(t.Status), t.CreatorID, nullable(t.MemberID()), t.Title, t.URL, t.Reward, t.DeadlineHours, t.DeadlineAt,
		t.CreatorStake, t.MemberStake(), t.Fee, t.MaxRevisions, boolInt(t.CreatorStakeLocked), boolInt(t.MemberStakeLocked),
		boolInt(t.RewardClaimed), t.ConfigVersion, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, member_id=?, member_stake=?, deadline_at=?, creator_stake_locked=?, member_stake_locked=?, reward_claimed=?, updated_at=? WHERE id=?`,
		string(t.Status), nullable(t.MemberID()), t.MemberStake(), t.DeadlineAt, boolInt(t.CreatorStakeLocked),
		boolInt(t.MemberStakeLocked), boolInt(t.RewardClaimed), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status    string
	CreatorID string
	MemberID  string
	Limit     int
	Cursor    int64
}

// ListTasks returns tasks newest first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.MemberID != "" {
		clauses = append(clauses, "member_id=?")
		args = append(args, f.MemberID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LockedTotals sums the collateral and rewards still held by unresolved tasks.
func (r Repo) LockedTotals(ctx context.Context, tx *sql.Tx) (int64, error) {
	var total int64
	err := r.q(tx).QueryRowContext(ctx, `
SELECT COALESCE(SUM(
  CASE WHEN creator_stake_locked=1 THEN creator_stake ELSE 0 END +
  CASE WHEN member_stake_locked=1 THEN member_stake ELSE 0 END +
  CASE WHEN status NOT IN ('completed','cancelled') THEN reward ELSE 0 END
),0) FROM tasks`).Scan(&total)
	return total, err
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
