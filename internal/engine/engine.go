package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stakeline/internal/config"
	"stakeline/internal/domain"
	"stakeline/internal/engine/auth"
	"stakeline/internal/events"
	"stakeline/internal/payout"
	"stakeline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Capabilities
	Payouts payout.Transferer
	Log     zerolog.Logger
	Now     func() time.Time

	guard *guard
}

// guard serializes mutating operations. Calls made from inside a value
// transfer carry transferKey on their context and are rejected instead of
// waiting on mu.
type guard struct {
	mu sync.Mutex
}

type transferKey struct{}

func inTransfer(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(transferKey{}).(string)
	return op, ok
}

func New(db *sql.DB, log zerolog.Logger) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Auth:    auth.Service{Repo: r},
		Payouts: payout.Outbox{Repo: r},
		Log:     log,
		Now:     time.Now,
		guard:   &guard{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// txn is the state shared by the steps of one mutating operation.
type txn struct {
	e       Engine
	ctx     context.Context
	tx      *sql.Tx
	cfg     *config.Config
	version int64
	now     time.Time
	actor   string
	op      string
}

func (t *txn) stamp() string {
	return t.now.UTC().Format(time.RFC3339)
}

// mutate runs fn inside one transaction holding the current config. Any
// error rolls back every write fn made, events included.
func (e Engine) mutate(ctx context.Context, op, actorID string, taskID int64, fn func(t *txn) error) error {
	if outer, ok := inTransfer(ctx); ok {
		return fmt.Errorf("%w: %s during %s transfer", ErrReentrant, op, outer)
	}
	if e.guard != nil {
		e.guard.mu.Lock()
		defer e.guard.mu.Unlock()
	}
	err := e.runTx(ctx, op, actorID, fn)
	var logEvt *zerolog.Event
	if err != nil {
		logEvt = e.Log.Debug().Err(err)
	} else {
		logEvt = e.Log.Info()
	}
	logEvt = logEvt.Str("op", op).Str("actor", actorID)
	if taskID > 0 {
		logEvt = logEvt.Int64("task_id", taskID)
	}
	if err != nil {
		logEvt.Msg("operation rejected")
	} else {
		logEvt.Msg("operation committed")
	}
	return err
}

func (e Engine) runTx(ctx context.Context, op, actorID string, fn func(t *txn) error) error {
	if actorID == "" {
		return fmt.Errorf("%w: actor required", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cfg, version, err := e.Repo.CurrentConfig(ctx, tx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errors.New("protocol config not initialized")
		}
		return err
	}
	t := &txn{e: e, ctx: ctx, tx: tx, cfg: cfg, version: version, now: e.now(), actor: actorID, op: op}
	if err := fn(t); err != nil {
		return err
	}
	return tx.Commit()
}

// transfer calls the payout collaborator with a context marked as inside
// the transfer, so any mutation it makes back into the engine is rejected.
func (t *txn) transfer(to string, amount int64, reason string) (domain.Payout, error) {
	ctx := context.WithValue(t.ctx, transferKey{}, t.op)
	p, err := t.e.Payouts.Transfer(ctx, t.tx, to, amount, reason)
	if err != nil {
		return domain.Payout{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return p, nil
}

func (t *txn) emit(evtType string, taskID int64, payload events.EventPayload) error {
	return t.e.Events.Append(t.ctx, t.tx, evtType, taskID, t.actor, payload)
}

func (t *txn) loadTask(id int64) (domain.Task, error) {
	task, err := t.e.Repo.GetTask(t.ctx, t.tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return task, fmt.Errorf("task %d: %w", id, repo.ErrNotFound)
		}
		return task, err
	}
	return task, nil
}

// saveTask checks the status/field invariants before writing.
func (t *txn) saveTask(task *domain.Task) error {
	task.UpdatedAt = t.stamp()
	if err := task.Check(); err != nil {
		return err
	}
	return t.e.Repo.UpdateTask(t.ctx, t.tx, *task)
}

func (t *txn) credit(to string, amount, taskID int64, reason string) error {
	if amount == 0 {
		return nil
	}
	if err := t.e.Repo.Credit(t.ctx, t.tx, to, amount); err != nil {
		return err
	}
	return t.emit(events.BalanceCredited, taskID, events.EventPayload{"to": to, "amount": amount, "reason": reason})
}

func (t *txn) fee(amount, taskID int64, reason string) error {
	if amount == 0 {
		return nil
	}
	if err := t.e.Repo.CreditFee(t.ctx, t.tx, amount); err != nil {
		return err
	}
	return t.emit(events.FeeCredited, taskID, events.EventPayload{"amount": amount, "reason": reason})
}

// penalize lowers reputation, saturating at zero.
func (t *txn) penalize(id string, points, taskID int64, reason string) error {
	return t.adjustReputation(id, -points, taskID, reason)
}

func (t *txn) reward(id string, points, taskID int64, reason string) error {
	return t.adjustReputation(id, points, taskID, reason)
}

func (t *txn) adjustReputation(id string, delta, taskID int64, reason string) error {
	if delta == 0 || id == "" {
		return nil
	}
	if err := t.e.Repo.AdjustReputation(t.ctx, t.tx, id, delta); err != nil {
		return err
	}
	return t.emit(events.ReputationChanged, taskID, events.EventPayload{"user": id, "delta": delta, "reason": reason})
}

func (t *txn) count(id string, c repo.Counter) error {
	return t.e.Repo.IncrementCounter(t.ctx, t.tx, id, c)
}

func (t *txn) requireRegistered() error {
	ok, err := t.e.Auth.IsRegisteredUser(t.ctx, t.tx, t.actor)
	return auth.Require(ok, err, auth.CapRegistered)
}

func (t *txn) requireOwner() error {
	ok, err := t.e.Auth.IsOwner(t.ctx, t.tx, t.actor)
	return auth.Require(ok, err, auth.CapOwner)
}

func (t *txn) requirePrivileged() error {
	ok, err := auth.IsPrivileged(t.ctx, t.e.Auth, t.tx, t.actor)
	return auth.Require(ok, err, auth.CapEmployee)
}

func requireCreator(task domain.Task, actorID string) error {
	if task.CreatorID != actorID {
		return auth.ForbiddenError{Capability: auth.CapCreator}
	}
	return nil
}

func requireMember(task domain.Task, actorID string) error {
	if task.Member == nil || task.Member.ID != actorID {
		return auth.ForbiddenError{Capability: auth.CapMember}
	}
	return nil
}

func requireParty(task domain.Task, actorID string) error {
	if actorID == task.CreatorID || (task.Member != nil && task.Member.ID == actorID) {
		return nil
	}
	return auth.ForbiddenError{Capability: auth.CapParty}
}

func requireStatus(task domain.Task, allowed ...domain.TaskStatus) error {
	for _, s := range allowed {
		if task.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: task %d is %s", ErrStateConflict, task.ID, task.Status)
}

// deadlineAfter returns the unix deadline hours from now.
func (t *txn) deadlineAfter(hours int64) int64 {
	return t.now.Unix() + hours*3600
}
