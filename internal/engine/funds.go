package engine

import (
	"context"
	"fmt"

	"stakeline/internal/domain"
	"stakeline/internal/events"
	"stakeline/internal/payout"
)

type FeePool struct {
	Amount     int64  `json:"amount"`
	SweptTotal int64  `json:"swept_total"`
	Treasury   string `json:"treasury"`
}

// Balance returns the withdrawable balance of id.
func (e Engine) Balance(ctx context.Context, id string) (int64, error) {
	return e.Repo.Balance(ctx, nil, id)
}

func (e Engine) FeePool(ctx context.Context) (FeePool, error) {
	amount, swept, err := e.Repo.FeePool(ctx, nil)
	if err != nil {
		return FeePool{}, err
	}
	cfg, _, err := e.Repo.CurrentConfig(ctx, nil)
	if err != nil {
		return FeePool{}, err
	}
	return FeePool{Amount: amount, SweptTotal: swept, Treasury: cfg.Treasury}, nil
}

// Withdraw zeroes the caller's balance and transfers it out. A failed
// transfer rolls the zeroing back.
func (e Engine) Withdraw(ctx context.Context, actorID string) (domain.Payout, error) {
	var p domain.Payout
	err := e.mutate(ctx, "balance.withdraw", actorID, 0, func(t *txn) error {
		amount, err := t.e.Repo.ZeroBalance(t.ctx, t.tx, t.actor)
		if err != nil {
			return err
		}
		if amount == 0 {
			return fmt.Errorf("%w: nothing to withdraw", ErrStateConflict)
		}
		p, err = t.transfer(t.actor, amount, payout.ReasonWithdraw)
		if err != nil {
			return err
		}
		return t.emit(events.BalanceWithdrawn, 0, events.EventPayload{"amount": amount, "payout_id": p.ID})
	})
	return p, err
}

// SweepFees drains the fee pool to the configured treasury.
func (e Engine) SweepFees(ctx context.Context, actorID string) (domain.Payout, error) {
	var p domain.Payout
	err := e.mutate(ctx, "fee.sweep", actorID, 0, func(t *txn) error {
		if err := t.requirePrivileged(); err != nil {
			return err
		}
		amount, err := t.e.Repo.DrainFeePool(t.ctx, t.tx)
		if err != nil {
			return err
		}
		if amount == 0 {
			return fmt.Errorf("%w: fee pool empty", ErrStateConflict)
		}
		p, err = t.transfer(t.cfg.Treasury, amount, payout.ReasonSweep)
		if err != nil {
			return err
		}
		return t.emit(events.FeesSwept, 0, events.EventPayload{"amount": amount, "treasury": t.cfg.Treasury, "payout_id": p.ID})
	})
	return p, err
}

func (e Engine) ListPayouts(ctx context.Context, recipient string, limit int) ([]domain.Payout, error) {
	return e.Repo.ListPayouts(ctx, recipient, limit)
}

// Solvency is a snapshot of where every deposited unit sits.
type Solvency struct {
	Deposits     int64 `json:"deposits"`
	Locked       int64 `json:"locked"`
	PendingJoins int64 `json:"pending_joins"`
	Balances     int64 `json:"balances"`
	FeePool      int64 `json:"fee_pool"`
	PaidOut      int64 `json:"paid_out"`
}

// Balanced reports whether every deposit is accounted for exactly once.
func (s Solvency) Balanced() bool {
	return s.Deposits == s.Locked+s.PendingJoins+s.Balances+s.FeePool+s.PaidOut
}

// Solvency reads all ledgers in one read transaction.
func (e Engine) Solvency(ctx context.Context) (Solvency, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Solvency{}, err
	}
	defer tx.Rollback()
	var s Solvency
	if s.Deposits, err = e.Repo.Deposits(ctx, tx); err != nil {
		return s, err
	}
	if s.Locked, err = e.Repo.LockedTotals(ctx, tx); err != nil {
		return s, err
	}
	if s.PendingJoins, err = e.Repo.PendingJoinTotal(ctx, tx); err != nil {
		return s, err
	}
	if s.Balances, err = e.Repo.BalanceTotal(ctx, tx); err != nil {
		return s, err
	}
	if s.FeePool, _, err = e.Repo.FeePool(ctx, tx); err != nil {
		return s, err
	}
	if s.PaidOut, err = e.Repo.PayoutTotal(ctx, tx); err != nil {
		return s, err
	}
	return s, nil
}
