package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stakeline/internal/domain"
	"stakeline/internal/engine/auth"
	"stakeline/internal/events"
	"stakeline/internal/repo"
)

// Register creates the caller's profile with zero reputation.
func (e Engine) Register(ctx context.Context, actorID, name string, age int64) (domain.User, error) {
	var u domain.User
	err := e.mutate(ctx, "user.register", actorID, 0, func(t *txn) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("%w: name required", ErrInvalidInput)
		}
		if age <= 0 {
			return fmt.Errorf("%w: age must be positive", ErrInvalidInput)
		}
		ok, err := t.e.Auth.IsRegisteredUser(t.ctx, t.tx, actorID)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s already registered", ErrStateConflict, actorID)
		}
		u = domain.User{ID: actorID, Name: name, Age: age, RegisteredAt: t.stamp()}
		if err := t.e.Repo.InsertUser(t.ctx, t.tx, u); err != nil {
			return err
		}
		return t.emit(events.UserRegistered, 0, events.EventPayload{"name": name})
	})
	return u, err
}

// Unregister deletes the caller's profile. Counters and reputation are lost;
// the withdrawable balance is kept.
func (e Engine) Unregister(ctx context.Context, actorID string) error {
	return e.mutate(ctx, "user.unregister", actorID, 0, func(t *txn) error {
		if err := t.requireRegistered(); err != nil {
			return err
		}
		open, err := t.e.Repo.HasOpenInvolvement(t.ctx, t.tx, actorID)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: %s has unresolved tasks or join requests", ErrStateConflict, actorID)
		}
		if err := t.e.Repo.DeleteUser(t.ctx, t.tx, actorID); err != nil {
			return err
		}
		return t.emit(events.UserUnregistered, 0, nil)
	})
}

func (e Engine) Profile(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return u, fmt.Errorf("user %s: %w", id, repo.ErrNotFound)
	}
	return u, err
}

// Reputation returns the score of id, 0 when unregistered.
func (e Engine) Reputation(ctx context.Context, id string) (int64, error) {
	return e.Repo.Reputation(ctx, nil, id)
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

// Roles returns the privileged roles id holds.
func (e Engine) Roles(ctx context.Context, id string) ([]string, error) {
	return e.Repo.ActorRoles(ctx, nil, id)
}

// Capabilities summarizes what id is allowed to do.
func (e Engine) Capabilities(ctx context.Context, id string) (map[string]bool, error) {
	registered, err := e.Auth.IsRegisteredUser(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	employee, err := e.Auth.IsEmployee(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	owner, err := e.Auth.IsOwner(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	return map[string]bool{
		auth.CapRegistered: registered,
		auth.CapEmployee:   employee,
		auth.CapOwner:      owner,
	}, nil
}
