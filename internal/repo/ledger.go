package repo

import (
	"context"
	"database/sql"
	"fmt"

	"stakeline/internal/domain"
)

// Credit adds amount to the withdrawable balance of id.
func (r Repo) Credit(ctx context.Context, tx *sql.Tx, id string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative credit %d", amount)
	}
	if amount == 0 {
		return nil
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO balances(actor_id, amount) VALUES (?,?)
ON CONFLICT(actor_id) DO UPDATE SET amount=amount+excluded.amount`, id, amount)
	return err
}

func (r Repo) Balance(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	var amount int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT amount FROM balances WHERE actor_id=?`, id).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

// ZeroBalance clears the balance of id and returns what it held.
func (r Repo) ZeroBalance(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	amount, err := r.Balance(ctx, tx, id)
	if err != nil || amount == 0 {
		return 0, err
	}
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE balances SET amount=0 WHERE actor_id=?`, id); err != nil {
		return 0, err
	}
	return amount, nil
}

// BalanceTotal sums every withdrawable balance.
func (r Repo) BalanceTotal(ctx context.Context, tx *sql.Tx) (int64, error) {
	var total int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM balances`).Scan(&total)
	return total, err
}

func (r Repo) CreditFee(ctx context.Context, tx *sql.Tx, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative fee %d", amount)
	}
	if amount == 0 {
		return nil
	}
	_, err := r.q(tx).ExecContext(ctx, `UPDATE fee_pool SET amount=amount+? WHERE id=1`, amount)
	return err
}

func (r Repo) FeePool(ctx context.Context, tx *sql.Tx) (amount, sweptTotal int64, err error) {
	err = r.q(tx).QueryRowContext(ctx, `SELECT amount, swept_total FROM fee_pool WHERE id=1`).Scan(&amount, &sweptTotal)
	return amount, sweptTotal, err
}

// DrainFeePool zeroes the pool, adds it to swept_total and returns it.
func (r Repo) DrainFeePool(ctx context.Context, tx *sql.Tx) (int64, error) {
	amount, _, err := r.FeePool(ctx, tx)
	if err != nil || amount == 0 {
		return 0, err
	}
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE fee_pool SET amount=0, swept_total=swept_total+? WHERE id=1`, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

func (r Repo) InsertPayout(ctx context.Context, tx *sql.Tx, p domain.Payout) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO payouts(id,recipient,amount,reason,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Recipient, p.Amount, p.Reason, p.CreatedAt)
	return err
}

// ListPayouts returns payouts newest first, optionally for one recipient.
func (r Repo) ListPayouts(ctx context.Context, recipient string, limit int) ([]domain.Payout, error) {
	query := `SELECT id,recipient,amount,reason,created_at FROM payouts`
	var args []any
	if recipient != "" {
		query += ` WHERE recipient=?`
		args = append(args, recipient)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payout
	for rows.Next() {
		var p domain.Payout
		if err := rows.Scan(&p.ID, &p.Recipient, &p.Amount, &p.Reason, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// Deposits sums every value ever conveyed into the protocol: task funding
// and join stakes.
func (r Repo) Deposits(ctx context.Context, tx *sql.Tx) (int64, error) {
	var tasks, joins int64
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(reward+creator_stake+fee),0) FROM tasks`).Scan(&tasks); err != nil {
		return 0, err
	}
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(stake),0) FROM join_requests`).Scan(&joins); err != nil {
		return 0, err
	}
	return tasks + joins, nil
}

func (r Repo) PayoutTotal(ctx context.Context, tx *sql.Tx) (int64, error) {
	var total int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM payouts`).Scan(&total)
	return total, err
}
