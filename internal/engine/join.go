package engine

import (
	"context"
	"errors"
	"fmt"

	"stakeline/internal/domain"
	"stakeline/internal/engine/auth"
	"stakeline/internal/events"
	"stakeline/internal/repo"
	"stakeline/internal/stake"
)

// QuoteMemberStake returns the collateral a member must lock to join taskID.
func (e Engine) QuoteMemberStake(ctx context.Context, taskID int64) (int64, error) {
	task, err := e.Task(ctx, taskID)
	if err != nil {
		return 0, err
	}
	cfg, _, err := e.Repo.CurrentConfig(ctx, nil)
	if err != nil {
		return 0, err
	}
	return stake.MemberStake(task.Reward, cfg.Limits.MemberStakePercent), nil
}

// RequestJoin appends a pending join request staking exactly the member stake.
func (e Engine) RequestJoin(ctx context.Context, taskID int64, actorID string, value int64) (domain.JoinRequest, error) {
	var jr domain.JoinRequest
	err := e.mutate(ctx, "join.request", actorID, taskID, func(t *txn) error {
		if err := t.requireRegistered(); err != nil {
			return err
		}
		task, err := t.loadTask(taskID)
		if err != nil {
			return err
		}
		if task.CreatorID == t.actor {
			return auth.ForbiddenError{Capability: auth.CapApplicant}
		}
		if err := requireStatus(task, domain.TaskOpenRegistration); err != nil {
			return err
		}
		if _, err := t.e.Repo.PendingJoinRequest(t.ctx, t.tx, taskID, t.actor); err == nil {
			return fmt.Errorf("%w: %s already has a pending request for task %d", ErrStateConflict, t.actor, taskID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		required := stake.MemberStake(task.Reward, t.cfg.Limits.MemberStakePercent)
		if required > t.cfg.Limits.MaxStake {
			return fmt.Errorf("%w: member stake %d exceeds max %d", ErrLimit, required, t.cfg.Limits.MaxStake)
		}
		if value != required {
			return fmt.Errorf("%w: conveyed %d, required %d", ErrValueMismatch, value, required)
		}
		now := t.stamp()
		jr = domain.JoinRequest{
			TaskID:      taskID,
			ApplicantID: t.actor,
			Stake:       value,
			Status:      domain.JoinPending,
			Pending:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		id, err := t.e.Repo.InsertJoinRequest(t.ctx, t.tx, jr)
		if err != nil {
			return err
		}
		jr.ID = id
		return t.emit(events.JoinRequested, taskID, events.EventPayload{"applicant": t.actor, "stake": value})
	})
	return jr, err
}

// WithdrawJoinRequest cancels the caller's pending request with a full refund.
func (e Engine) WithdrawJoinRequest(ctx context.Context, taskID int64, actorID string) (domain.JoinRequest, error) {
	var jr domain.JoinRequest
	err := e.mutate(ctx, "join.withdraw", actorID, taskID, func(t *txn) error {
		if _, err := t.loadTask(taskID); err != nil {
			return err
		}
		var err error
		jr, err = t.pendingRequest(taskID, t.actor)
		if err != nil {
			return err
		}
		if err := t.closeRequest(&jr, domain.JoinWithdrawn); err != nil {
			return err
		}
		return t.emit(events.JoinWithdrawn, taskID, events.EventPayload{"applicant": t.actor, "refund": jr.Stake})
	})
	return jr, err
}

// ApproveJoin assigns applicant as member, starts the deadline clock and
// refunds every other pending applicant.
func (e Engine) ApproveJoin(ctx context.Context, taskID int64, actorID, applicant string) (domain.Task, error) {
	var task domain.Task
	err := e.mutate(ctx, "join.approve", actorID, taskID, func(t *txn) error {
		var err error
		task, err = t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireCreator(task, t.actor); err != nil {
			return err
		}
		if err := requireStatus(task, domain.TaskActive, domain.TaskOpenRegistration); err != nil {
			return err
		}
		jr, err := t.pendingRequest(taskID, applicant)
		if err != nil {
			return err
		}
		now := t.stamp()
		if err := t.e.Repo.CloseJoinRequest(t.ctx, t.tx, jr.ID, domain.JoinAccepted, false, now); err != nil {
			return err
		}
		others, err := t.e.Repo.ListJoinRequests(t.ctx, t.tx, taskID, true)
		if err != nil {
			return err
		}
		for i := range others {
			if err := t.closeRequest(&others[i], domain.JoinRejected); err != nil {
				return err
			}
		}
		task.Member = &domain.Assignment{ID: applicant, Stake: jr.Stake}
		task.MemberStakeLocked = true
		task.DeadlineAt = t.deadlineAfter(task.DeadlineHours)
		task.Status = domain.TaskInProgress
		if err := t.saveTask(&task); err != nil {
			return err
		}
		return t.emit(events.JoinApproved, taskID, events.EventPayload{
			"member":       applicant,
			"member_stake": jr.Stake,
			"deadline_at":  task.DeadlineAt,
			"refunded":     len(others),
		})
	})
	return task, err
}

// RejectJoin refunds the applicant's pending stake in full.
func (e Engine) RejectJoin(ctx context.Context, taskID int64, actorID, applicant string) (domain.JoinRequest, error) {
	var jr domain.JoinRequest
	err := e.mutate(ctx, "join.reject", actorID, taskID, func(t *txn) error {
		task, err := t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireCreator(task, t.actor); err != nil {
			return err
		}
		jr, err = t.pendingRequest(taskID, applicant)
		if err != nil {
			return err
		}
		if err := t.closeRequest(&jr, domain.JoinRejected); err != nil {
			return err
		}
		return t.emit(events.JoinRejected, taskID, events.EventPayload{"applicant": applicant, "refund": jr.Stake})
	})
	return jr, err
}

func (t *txn) pendingRequest(taskID int64, applicant string) (domain.JoinRequest, error) {
	jr, err := t.e.Repo.PendingJoinRequest(t.ctx, t.tx, taskID, applicant)
	if errors.Is(err, repo.ErrNotFound) {
		return jr, fmt.Errorf("pending join request for %s on task %d: %w", applicant, taskID, repo.ErrNotFound)
	}
	return jr, err
}

// closeRequest ends a pending request and refunds its stake to the applicant.
func (t *txn) closeRequest(jr *domain.JoinRequest, status domain.JoinStatus) error {
	now := t.stamp()
	if err := t.e.Repo.CloseJoinRequest(t.ctx, t.tx, jr.ID, status, true, now); err != nil {
		return err
	}
	jr.Status = status
	jr.Pending = false
	jr.Withdrawn = true
	jr.UpdatedAt = now
	return t.credit(jr.ApplicantID, jr.Stake, jr.TaskID, "join."+string(status))
}
