// Package payout moves value out of the protocol ledgers to a recipient.
package payout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"stakeline/internal/domain"
	"stakeline/internal/repo"
)

const (
	ReasonWithdraw = "withdraw"
	ReasonSweep    = "fee_sweep"
)

// Transferer sends amount to a recipient as part of tx. A returned error
// aborts the surrounding operation.
type Transferer interface {
	Transfer(ctx context.Context, tx *sql.Tx, to string, amount int64, reason string) (domain.Payout, error)
}

// Outbox records each transfer in the payouts table of the same transaction,
// so a rolled back operation leaves no payout behind.
type Outbox struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (o Outbox) Transfer(ctx context.Context, tx *sql.Tx, to string, amount int64, reason string) (domain.Payout, error) {
	if to == "" {
		return domain.Payout{}, errors.New("recipient required")
	}
	if amount <= 0 {
		return domain.Payout{}, errors.New("amount must be positive")
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	p := domain.Payout{
		ID:        uuid.NewString(),
		Recipient: to,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	if err := o.Repo.InsertPayout(ctx, tx, p); err != nil {
		return domain.Payout{}, err
	}
	return p, nil
}

// Func adapts a function to Transferer.
type Func func(ctx context.Context, tx *sql.Tx, to string, amount int64, reason string) (domain.Payout, error)

func (f Func) Transfer(ctx context.Context, tx *sql.Tx, to string, amount int64, reason string) (domain.Payout, error) {
	return f(ctx, tx, to, amount, reason)
}
