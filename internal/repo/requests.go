package repo

import (
	"context"
	"database/sql"

	"stakeline/internal/domain"
)

const joinColumns = `id,task_id,applicant_id,stake,status,pending,withdrawn,created_at,updated_at`

func scanJoin(row rowScanner) (domain.JoinRequest, error) {
	var (
		jr                 domain.JoinRequest
		status             string
		pending, withdrawn int
	)
	err := row.Scan(&jr.ID, &jr.TaskID, &jr.ApplicantID, &jr.Stake, &status, &pending, &withdrawn, &jr.CreatedAt, &jr.UpdatedAt)
	if err == sql.ErrNoRows {
		return jr, ErrNotFound
	}
	jr.Status = domain.JoinStatus(status)
	jr.Pending = pending == 1
	jr.Withdrawn = withdrawn == 1
	return jr, err
}

func (r Repo) InsertJoinRequest(ctx context.Context, tx *sql.Tx, jr domain.JoinRequest) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO join_requests(task_id,applicant_id,stake,status,pending,withdrawn,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		jr.TaskID, jr.ApplicantID, jr.Stake, string(jr.Status), boolInt(jr.Pending), boolInt(jr.Withdrawn), jr.CreatedAt, jr.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingJoinRequest returns the applicant's pending request for a task.
func (r Repo) PendingJoinRequest(ctx context.Context, tx *sql.Tx, taskID int64, applicantID string) (domain.JoinRequest, error) {
	return scanJoin(r.q(tx).QueryRowContext(ctx, `SELECT `+joinColumns+` FROM join_requests WHERE task_id=? AND applicant_id=? AND pending=1 ORDER BY id ASC LIMIT 1`, taskID, applicantID))
}

// CloseJoinRequest records the final status and clears the pending flag.
func (r Repo) CloseJoinRequest(ctx context.Context, tx *sql.Tx, id int64, status domain.JoinStatus, withdrawn bool, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE join_requests SET status=?, pending=0, withdrawn=?, updated_at=? WHERE id=? AND pending=1`,
		string(status), boolInt(withdrawn), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListJoinRequests(ctx context.Context, tx *sql.Tx, taskID int64, pendingOnly bool) ([]domain.JoinRequest, error) {
	query := `SELECT ` + joinColumns + ` FROM join_requests WHERE task_id=?`
	if pendingOnly {
		query += ` AND pending=1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JoinRequest
	for rows.Next() {
		jr, err := scanJoin(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, jr)
	}
	return res, rows.Err()
}

// PendingJoinTotal sums stakes of pending requests, which the protocol holds.
func (r Repo) PendingJoinTotal(ctx context.Context, tx *sql.Tx) (int64, error) {
	var total int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(stake),0) FROM join_requests WHERE pending=1`).Scan(&total)
	return total, err
}

func (r Repo) PutCancelRequest(ctx context.Context, tx *sql.Tx, cr domain.CancelRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO cancel_requests(task_id,requester_id,counterparty_id,reason,expires_at,created_at) VALUES (?,?,?,?,?,?)`,
		cr.TaskID, cr.RequesterID, cr.CounterpartyID, cr.Reason, cr.ExpiresAt, cr.CreatedAt)
	return err
}

func (r Repo) GetCancelRequest(ctx context.Context, tx *sql.Tx, taskID int64) (domain.CancelRequest, error) {
	var cr domain.CancelRequest
	err := r.q(tx).QueryRowContext(ctx, `SELECT task_id,requester_id,counterparty_id,reason,expires_at,created_at FROM cancel_requests WHERE task_id=?`, taskID).
		Scan(&cr.TaskID, &cr.RequesterID, &cr.CounterpartyID, &cr.Reason, &cr.ExpiresAt, &cr.CreatedAt)
	if err == sql.ErrNoRows {
		return cr, ErrNotFound
	}
	return cr, err
}

func (r Repo) ClearCancelRequest(ctx context.Context, tx *sql.Tx, taskID int64) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM cancel_requests WHERE task_id=?`, taskID)
	return err
}

func (r Repo) PutSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO submissions(task_id,url,submitter_id,note,status,revisions,deadline_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET url=excluded.url, submitter_id=excluded.submitter_id, note=excluded.note, status=excluded.status,
  revisions=excluded.revisions, deadline_at=excluded.deadline_at, updated_at=excluded.updated_at`,
		s.TaskID, s.URL, s.SubmitterID, nullable(s.Note), string(s.Status), s.Revisions, s.DeadlineAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSubmission(ctx context.Context, tx *sql.Tx, taskID int64) (domain.Submission, error) {
	var (
		s      domain.Submission
		status string
		note   sql.NullString
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT task_id,url,submitter_id,note,status,revisions,deadline_at,updated_at FROM submissions WHERE task_id=?`, taskID).
		Scan(&s.TaskID, &s.URL, &s.SubmitterID, &note, &status, &s.Revisions, &s.DeadlineAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.Status = domain.SubmissionStatus(status)
	if note.Valid {
		s.Note = note.String
	}
	return s, err
}

func (r Repo) ClearSubmission(ctx context.Context, tx *sql.Tx, taskID int64) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM submissions WHERE task_id=?`, taskID)
	return err
}
