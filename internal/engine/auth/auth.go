package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stakeline/internal/domain"
	"stakeline/internal/repo"
)

const (
	CapRegistered = "registered_user"
	CapEmployee   = "employee"
	CapOwner      = "owner"
	CapCreator    = "task_creator"
	CapMember     = "task_member"
	CapParty      = "task_party"
	CapApplicant  = "applicant"
	CapResponder  = "cancel_counterparty"
	CapUser       = "non_privileged_user"
)

// ForbiddenError indicates the caller lacks a capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// Capabilities answers who may call what. Lookups run inside the caller's tx.
type Capabilities interface {
	IsRegisteredUser(ctx context.Context, tx *sql.Tx, actorID string) (bool, error)
	IsEmployee(ctx context.Context, tx *sql.Tx, actorID string) (bool, error)
	IsOwner(ctx context.Context, tx *sql.Tx, actorID string) (bool, error)
}

// Service provides capability checks backed by SQL.
type Service struct {
	Repo repo.Repo
}

func (s Service) IsRegisteredUser(ctx context.Context, tx *sql.Tx, actorID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	_, err := s.Repo.GetUser(ctx, tx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s Service) IsEmployee(ctx context.Context, tx *sql.Tx, actorID string) (bool, error) {
	return s.Repo.HasRole(ctx, tx, actorID, domain.RoleEmployee)
}

func (s Service) IsOwner(ctx context.Context, tx *sql.Tx, actorID string) (bool, error) {
	return s.Repo.HasRole(ctx, tx, actorID, domain.RoleOwner)
}

// Require returns ForbiddenError{capability} unless check reports true.
func Require(ok bool, err error, capability string) error {
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Capability: capability}
	}
	return nil
}

// IsPrivileged reports owner or employee.
func IsPrivileged(ctx context.Context, caps Capabilities, tx *sql.Tx, actorID string) (bool, error) {
	owner, err := caps.IsOwner(ctx, tx, actorID)
	if err != nil || owner {
		return owner, err
	}
	return caps.IsEmployee(ctx, tx, actorID)
}
