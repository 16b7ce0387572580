package engine

import (
	"context"
	"fmt"
	"strings"

	"stakeline/internal/config"
	"stakeline/internal/domain"
	"stakeline/internal/engine/auth"
	"stakeline/internal/events"
	"stakeline/internal/repo"
	"stakeline/internal/stake"
)

// TaskCreateOptions are parameters for creating a task. Value is the amount
// the creator conveys with the call.
type TaskCreateOptions struct {
	Title         string
	URL           string
	DeadlineHours int64
	MaxRevisions  int64
	Reward        int64
	Value         int64
	ActorID       string
}

// Quote is the funding a creator must convey for a task.
type Quote struct {
	Stake int64  `json:"stake"`
	Fee   int64  `json:"fee"`
	Total int64  `json:"total"`
	Tier  string `json:"tier,omitempty"`
}

func quote(cfg *config.Config, p stake.Params) Quote {
	strategy := stake.FromConfig(cfg)
	q := Quote{Stake: strategy.CreatorStake(p)}
	if tiered, ok := strategy.(stake.Tiered); ok {
		q.Tier = tiered.Classify(tiered.Score(p)).String()
	}
	q.Fee = stake.Fee(q.Stake, cfg.Limits.FeePercent)
	q.Total = p.Reward + q.Stake + q.Fee
	return q
}

// QuoteCreatorStake computes the creator stake for the given parameters
// against the current config. It never mutates state.
func (e Engine) QuoteCreatorStake(ctx context.Context, deadlineHours, maxRevisions, reward int64, creatorID string) (Quote, error) {
	cfg, _, err := e.Repo.CurrentConfig(ctx, nil)
	if err != nil {
		return Quote{}, err
	}
	rep, err := e.Repo.Reputation(ctx, nil, creatorID)
	if err != nil {
		return Quote{}, err
	}
	return quote(cfg, stake.Params{DeadlineHours: deadlineHours, MaxRevisions: maxRevisions, Reward: reward, Reputation: rep}), nil
}

func validateTaskParams(cfg *config.Config, opts TaskCreateOptions) error {
	if strings.TrimSpace(opts.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidInput)
	}
	if strings.TrimSpace(opts.URL) == "" {
		return fmt.Errorf("%w: url required", ErrInvalidInput)
	}
	if opts.Reward <= 0 {
		return fmt.Errorf("%w: reward must be positive", ErrInvalidInput)
	}
	if opts.Reward > cfg.Limits.MaxReward {
		return fmt.Errorf("%w: reward %d exceeds max %d", ErrLimit, opts.Reward, cfg.Limits.MaxReward)
	}
	if opts.DeadlineHours < cfg.Limits.MinRevisionHours {
		return fmt.Errorf("%w: deadline %dh below minimum %dh", ErrLimit, opts.DeadlineHours, cfg.Limits.MinRevisionHours)
	}
	if opts.MaxRevisions < 0 || opts.MaxRevisions > cfg.Limits.MaxRevisions {
		return fmt.Errorf("%w: max revisions %d outside [0,%d]", ErrLimit, opts.MaxRevisions, cfg.Limits.MaxRevisions)
	}
	return nil
}

// CreateTask posts a task funded with exactly reward + creator stake + fee.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	var task domain.Task
	err := e.mutate(ctx, "task.create", opts.ActorID, 0, func(t *txn) error {
		if err := t.requireRegistered(); err != nil {
			return err
		}
		privileged, err := auth.IsPrivileged(t.ctx, t.e.Auth, t.tx, t.actor)
		if err != nil {
			return err
		}
		if privileged {
			return auth.ForbiddenError{Capability: auth.CapUser}
		}
		if err := validateTaskParams(t.cfg, opts); err != nil {
			return err
		}
		rep, err := t.e.Repo.Reputation(t.ctx, t.tx, t.actor)
		if err != nil {
			return err
		}
		q := quote(t.cfg, stake.Params{
			DeadlineHours: opts.DeadlineHours,
			MaxRevisions:  opts.MaxRevisions,
			Reward:        opts.Reward,
			Reputation:    rep,
		})
		if q.Stake < 0 || q.Stake > t.cfg.Limits.MaxStake {
			return fmt.Errorf("%w: stake %d exceeds max %d", ErrLimit, q.Stake, t.cfg.Limits.MaxStake)
		}
		if opts.Value != q.Total {
			return fmt.Errorf("%w: conveyed %d, required %d (reward %d + stake %d + fee %d)",
				ErrValueMismatch, opts.Value, q.Total, opts.Reward, q.Stake, q.Fee)
		}
		now := t.stamp()
		task = domain.Task{
			Status:             domain.TaskActive,
			CreatorID:          t.actor,
			Title:              strings.TrimSpace(opts.Title),
			URL:                strings.TrimSpace(opts.URL),
			Reward:             opts.Reward,
			DeadlineHours:      opts.DeadlineHours,
			CreatorStake:       q.Stake,
			Fee:                q.Fee,
			MaxRevisions:       opts.MaxRevisions,
			CreatorStakeLocked: true,
			ConfigVersion:      t.version,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := task.Check(); err != nil {
			return err
		}
		id, err := t.e.Repo.InsertTask(t.ctx, t.tx, task)
		if err != nil {
			return err
		}
		task.ID = id
		if err := t.count(t.actor, repo.CounterCreated); err != nil {
			return err
		}
		if err := t.fee(q.Fee, id, "task.create"); err != nil {
			return err
		}
		return t.emit(events.TaskCreated, id, events.EventPayload{
			"title":         task.Title,
			"reward":        task.Reward,
			"creator_stake": task.CreatorStake,
			"fee":           task.Fee,
			"tier":          q.Tier,
		})
	})
	return task, err
}

// OpenRegistration lets members request to join.
func (e Engine) OpenRegistration(ctx context.Context, taskID int64, actorID string) (domain.Task, error) {
	return e.toggleRegistration(ctx, taskID, actorID, domain.TaskActive, domain.TaskOpenRegistration, events.RegistrationOpened)
}

// CloseRegistration stops new join requests. Pending requests stay approvable.
func (e Engine) CloseRegistration(ctx context.Context, taskID int64, actorID string) (domain.Task, error) {
	return e.toggleRegistration(ctx, taskID, actorID, domain.TaskOpenRegistration, domain.TaskActive, events.RegistrationClosed)
}

func (e Engine) toggleRegistration(ctx context.Context, taskID int64, actorID string, from, to domain.TaskStatus, evt string) (domain.Task, error) {
	var task domain.Task
	err := e.mutate(ctx, evt, actorID, taskID, func(t *txn) error {
		var err error
		task, err = t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireCreator(task, t.actor); err != nil {
			return err
		}
		if err := requireStatus(task, from); err != nil {
			return err
		}
		task.Status = to
		if err := t.saveTask(&task); err != nil {
			return err
		}
		return t.emit(evt, taskID, events.EventPayload{"from": from, "to": to})
	})
	return task, err
}
