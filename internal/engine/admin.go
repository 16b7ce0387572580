package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stakeline/internal/config"
	"stakeline/internal/domain"
	"stakeline/internal/events"
	"stakeline/internal/repo"
)

// EnsureConfig stores cfg as version 1 when no config exists yet.
func (e Engine) EnsureConfig(ctx context.Context, cfg *config.Config, actorID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	_, version, err := e.Repo.CurrentConfig(ctx, tx)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	version, err = e.Repo.InsertConfig(ctx, tx, cfg, actorID, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("seed config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ConfigUpdated, 0, actorID, events.EventPayload{"version": version, "seed": true}); err != nil {
		return 0, err
	}
	return version, tx.Commit()
}

// Config returns the current config and its version.
func (e Engine) Config(ctx context.Context) (*config.Config, int64, error) {
	return e.Repo.CurrentConfig(ctx, nil)
}

func (e Engine) ConfigVersions(ctx context.Context) ([]domain.ConfigVersion, error) {
	return e.Repo.ListConfigVersions(ctx)
}

// UpdateConfig applies change to a copy of the current config and stores it
// as a new version. Owner only; an invalid result stores nothing.
func (e Engine) UpdateConfig(ctx context.Context, actorID, field string, change func(*config.Config) error) (int64, error) {
	var version int64
	err := e.mutate(ctx, "config.update", actorID, 0, func(t *txn) error {
		if err := t.requireOwner(); err != nil {
			return err
		}
		next := t.cfg.Clone()
		if err := change(next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrLimit, err)
		}
		var err error
		version, err = t.e.Repo.InsertConfig(t.ctx, t.tx, next, t.actor, t.stamp())
		if err != nil {
			return err
		}
		return t.emit(events.ConfigUpdated, 0, events.EventPayload{"version": version, "field": field, "previous": t.version})
	})
	return version, err
}

func (e Engine) SetWeights(ctx context.Context, actorID string, w config.Weights) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "weights", func(c *config.Config) error {
		c.Weights = w
		return nil
	})
}

func (e Engine) SetTierThresholds(ctx context.Context, actorID string, thresholds []int64) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "tiers", func(c *config.Config) error {
		c.Tiers = append([]int64(nil), thresholds...)
		return nil
	})
}

func (e Engine) SetCategories(ctx context.Context, actorID string, categories []int64) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "categories", func(c *config.Config) error {
		c.Categories = append([]int64(nil), categories...)
		return nil
	})
}

func (e Engine) SetReputationPoints(ctx context.Context, actorID string, p config.ReputationPoints) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "reputation", func(c *config.Config) error {
		c.Reputation = p
		return nil
	})
}

func (e Engine) SetLimits(ctx context.Context, actorID string, l config.Limits) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "limits", func(c *config.Config) error {
		c.Limits = l
		return nil
	})
}

// SetMaxStake must not exceed the top stake category.
func (e Engine) SetMaxStake(ctx context.Context, actorID string, v int64) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "limits.max_stake", func(c *config.Config) error {
		c.Limits.MaxStake = v
		return nil
	})
}

func (e Engine) SetNegPenalty(ctx context.Context, actorID string, percent int64) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "limits.neg_penalty_percent", func(c *config.Config) error {
		c.Limits.NegPenaltyPercent = percent
		return nil
	})
}

func (e Engine) SetFeePercent(ctx context.Context, actorID string, percent int64) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "limits.fee_percent", func(c *config.Config) error {
		c.Limits.FeePercent = percent
		return nil
	})
}

func (e Engine) SetTreasury(ctx context.Context, actorID, treasury string) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "treasury", func(c *config.Config) error {
		c.Treasury = strings.TrimSpace(treasury)
		return nil
	})
}

func (e Engine) SetStrategy(ctx context.Context, actorID, strategy string) (int64, error) {
	return e.UpdateConfig(ctx, actorID, "stake.strategy", func(c *config.Config) error {
		c.Stake.Strategy = strategy
		return nil
	})
}

// ImportConfig replaces the whole config with cfg.
func (e Engine) ImportConfig(ctx context.Context, actorID string, cfg *config.Config) (int64, error) {
	if cfg == nil {
		return 0, fmt.Errorf("%w: config required", ErrInvalidInput)
	}
	return e.UpdateConfig(ctx, actorID, "*", func(c *config.Config) error {
		*c = *cfg.Clone()
		return nil
	})
}

// BootstrapOwner makes actorID the owner when no owner exists yet.
func (e Engine) BootstrapOwner(ctx context.Context, actorID string) error {
	return e.mutate(ctx, "role.bootstrap", actorID, 0, func(t *txn) error {
		n, err := t.e.Repo.CountRole(t.ctx, t.tx, domain.RoleOwner)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: owner already set", ErrStateConflict)
		}
		if err := t.e.Repo.GrantRole(t.ctx, t.tx, t.actor, domain.RoleOwner, "", t.stamp()); err != nil {
			return err
		}
		return t.emit(events.RoleGranted, 0, events.EventPayload{"actor": t.actor, "role": domain.RoleOwner})
	})
}

func (e Engine) GrantEmployee(ctx context.Context, actorID, target string) error {
	return e.mutate(ctx, "role.grant", actorID, 0, func(t *txn) error {
		if err := t.requireOwner(); err != nil {
			return err
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("%w: target required", ErrInvalidInput)
		}
		if err := t.e.Repo.GrantRole(t.ctx, t.tx, target, domain.RoleEmployee, t.actor, t.stamp()); err != nil {
			return err
		}
		return t.emit(events.RoleGranted, 0, events.EventPayload{"actor": target, "role": domain.RoleEmployee})
	})
}

func (e Engine) RevokeEmployee(ctx context.Context, actorID, target string) error {
	return e.mutate(ctx, "role.revoke", actorID, 0, func(t *txn) error {
		if err := t.requireOwner(); err != nil {
			return err
		}
		if err := t.e.Repo.RevokeRole(t.ctx, t.tx, target, domain.RoleEmployee); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("employee %s: %w", target, repo.ErrNotFound)
			}
			return err
		}
		return t.emit(events.RoleRevoked, 0, events.EventPayload{"actor": target, "role": domain.RoleEmployee})
	})
}
