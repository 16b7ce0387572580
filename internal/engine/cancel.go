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
	"stakeline/internal/stake"
)

type CancelOutcome string

const (
	CancelOutcomeApproved CancelOutcome = "approved"
	CancelOutcomeRejected CancelOutcome = "rejected"
	CancelOutcomeExpired  CancelOutcome = "expired"
)

// RequestCancel opens a mutual-cancel negotiation with the other party.
func (e Engine) RequestCancel(ctx context.Context, taskID int64, actorID, reason string) (domain.CancelRequest, error) {
	var cr domain.CancelRequest
	err := e.mutate(ctx, "cancel.request", actorID, taskID, func(t *txn) error {
		task, err := t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireParty(task, t.actor); err != nil {
			return err
		}
		if task.Status == domain.TaskCancelRequested {
			return fmt.Errorf("%w: cancel already pending on task %d", ErrStateConflict, taskID)
		}
		if err := requireStatus(task, domain.TaskInProgress); err != nil {
			return err
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return fmt.Errorf("%w: reason required", ErrInvalidInput)
		}
		cr = domain.CancelRequest{
			TaskID:         taskID,
			RequesterID:    t.actor,
			CounterpartyID: task.Counterparty(t.actor),
			Reason:         reason,
			ExpiresAt:      t.deadlineAfter(t.cfg.Limits.CancelCooldownHours),
			CreatedAt:      t.stamp(),
		}
		if err := t.e.Repo.PutCancelRequest(t.ctx, t.tx, cr); err != nil {
			return err
		}
		task.Status = domain.TaskCancelRequested
		if err := t.saveTask(&task); err != nil {
			return err
		}
		if err := t.penalize(t.actor, t.cfg.Reputation.RequestCancelPenalty, taskID, "cancel.request"); err != nil {
			return err
		}
		return t.emit(events.CancelRequested, taskID, events.EventPayload{
			"counterparty": cr.CounterpartyID,
			"reason":       reason,
			"expires_at":   cr.ExpiresAt,
		})
	})
	return cr, err
}

// RespondCancel answers a pending negotiation. An expired negotiation is
// treated as rejected whatever approve says.
func (e Engine) RespondCancel(ctx context.Context, taskID int64, actorID string, approve bool) (CancelOutcome, error) {
	var outcome CancelOutcome
	err := e.mutate(ctx, "cancel.respond", actorID, taskID, func(t *txn) error {
		task, err := t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireStatus(task, domain.TaskCancelRequested); err != nil {
			return err
		}
		cr, err := t.cancelRequest(taskID)
		if err != nil {
			return err
		}
		if cr.CounterpartyID != t.actor {
			return auth.ForbiddenError{Capability: auth.CapResponder}
		}
		switch {
		case t.now.Unix() > cr.ExpiresAt:
			outcome = CancelOutcomeExpired
			return t.resumeTask(&task, events.CancelExpired)
		case !approve:
			outcome = CancelOutcomeRejected
			return t.resumeTask(&task, events.CancelRejected)
		}
		outcome = CancelOutcomeApproved
		if err := t.credit(task.CreatorID, task.CreatorStake+task.Reward, taskID, "cancel.approve"); err != nil {
			return err
		}
		if err := t.credit(task.MemberID(), task.MemberStake(), taskID, "cancel.approve"); err != nil {
			return err
		}
		if err := t.terminate(&task); err != nil {
			return err
		}
		if err := t.penalize(t.actor, t.cfg.Reputation.RespondCancelPenalty, taskID, "cancel.approve"); err != nil {
			return err
		}
		if err := t.count(task.CreatorID, repo.CounterFailed); err != nil {
			return err
		}
		if err := t.count(task.MemberID(), repo.CounterFailed); err != nil {
			return err
		}
		return t.emit(events.CancelApproved, taskID, events.EventPayload{"requester": cr.RequesterID})
	})
	return outcome, err
}

// ExpireCancel resets a negotiation whose cooldown has passed. Anyone may call it.
func (e Engine) ExpireCancel(ctx context.Context, taskID int64, actorID string) (domain.Task, error) {
	var task domain.Task
	err := e.mutate(ctx, "cancel.expire", actorID, taskID, func(t *txn) error {
		var err error
		task, err = t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireStatus(task, domain.TaskCancelRequested); err != nil {
			return err
		}
		cr, err := t.cancelRequest(taskID)
		if err != nil {
			return err
		}
		if t.now.Unix() <= cr.ExpiresAt {
			return fmt.Errorf("%w: cancel request on task %d expires at %d", ErrStateConflict, taskID, cr.ExpiresAt)
		}
		return t.resumeTask(&task, events.CancelExpired)
	})
	return task, err
}

// CancelByMe cancels unilaterally. The canceller forfeits the configured
// penalty share of their own stake to the counterparty.
func (e Engine) CancelByMe(ctx context.Context, taskID int64, actorID string) (domain.Task, error) {
	var task domain.Task
	err := e.mutate(ctx, "cancel.self", actorID, taskID, func(t *txn) error {
		var err error
		task, err = t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireParty(task, t.actor); err != nil {
			return err
		}
		if err := requireStatus(task, domain.TaskInProgress); err != nil {
			return err
		}
		np := t.cfg.Limits.NegPenaltyPercent
		creatorID, memberID := task.CreatorID, task.MemberID()
		cs, ms := task.CreatorStake, task.MemberStake()
		var creatorGets, memberGets, dust int64
		if t.actor == memberID {
			forfeit, kept, d := stake.Split(ms, np)
			creatorGets = cs + task.Reward + forfeit
			memberGets = kept
			dust = d
		} else {
			forfeit, kept, d := stake.Split(cs, np)
			memberGets = ms + forfeit
			creatorGets = kept + task.Reward
			dust = d
		}
		if err := t.credit(creatorID, creatorGets, taskID, "cancel.self"); err != nil {
			return err
		}
		if err := t.credit(memberID, memberGets, taskID, "cancel.self"); err != nil {
			return err
		}
		if err := t.fee(dust, taskID, "split.dust"); err != nil {
			return err
		}
		if err := t.terminate(&task); err != nil {
			return err
		}
		if err := t.penalize(t.actor, t.cfg.Reputation.SelfCancelPenalty, taskID, "cancel.self"); err != nil {
			return err
		}
		if err := t.count(t.actor, repo.CounterFailed); err != nil {
			return err
		}
		return t.emit(events.TaskSelfCancelled, taskID, events.EventPayload{
			"creator_credit": creatorGets,
			"member_credit":  memberGets,
			"dust":           dust,
		})
	})
	return task, err
}

// TriggerDeadline cancels an in-progress task whose deadline has passed.
// It reports false and changes nothing when the deadline does not apply.
func (e Engine) TriggerDeadline(ctx context.Context, taskID int64, actorID string) (bool, domain.Task, error) {
	var (
		task      domain.Task
		triggered bool
	)
	err := e.mutate(ctx, "task.deadline", actorID, taskID, func(t *txn) error {
		var err error
		task, err = t.loadTask(taskID)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskInProgress || !task.DeadlineReached(t.now.Unix()) {
			return nil
		}
		triggered = true
		creatorID, memberID := task.CreatorID, task.MemberID()
		creatorGets := task.CreatorStake + task.Reward
		var memberGets, dust int64
		if ms := task.MemberStake(); memberID != "" && ms > 0 {
			// the member keeps the penalty share, the creator takes the complement
			memberShare, creatorShare, d := stake.Split(ms, t.cfg.Limits.NegPenaltyPercent)
			memberGets = memberShare
			creatorGets += creatorShare
			dust = d
		}
		if err := t.credit(creatorID, creatorGets, taskID, "task.deadline"); err != nil {
			return err
		}
		if err := t.credit(memberID, memberGets, taskID, "task.deadline"); err != nil {
			return err
		}
		if err := t.fee(dust, taskID, "split.dust"); err != nil {
			return err
		}
		if err := t.terminate(&task); err != nil {
			return err
		}
		pen := t.cfg.Reputation.DeadlinePenalty
		for _, id := range []string{creatorID, memberID} {
			if err := t.penalize(id, pen, taskID, "task.deadline"); err != nil {
				return err
			}
			if err := t.count(id, repo.CounterFailed); err != nil {
				return err
			}
		}
		return t.emit(events.DeadlineTriggered, taskID, events.EventPayload{
			"creator_credit": creatorGets,
			"member_credit":  memberGets,
			"dust":           dust,
		})
	})
	return triggered, task, err
}

func (t *txn) cancelRequest(taskID int64) (domain.CancelRequest, error) {
	cr, err := t.e.Repo.GetCancelRequest(t.ctx, t.tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return cr, fmt.Errorf("cancel request for task %d: %w", taskID, repo.ErrNotFound)
	}
	return cr, err
}

// resumeTask clears the negotiation slot and returns the task to in_progress.
func (t *txn) resumeTask(task *domain.Task, evt string) error {
	if err := t.e.Repo.ClearCancelRequest(t.ctx, t.tx, task.ID); err != nil {
		return err
	}
	task.Status = domain.TaskInProgress
	if err := t.saveTask(task); err != nil {
		return err
	}
	return t.emit(evt, task.ID, nil)
}

// terminate marks the task cancelled with every lock released.
func (t *txn) terminate(task *domain.Task) error {
	task.Status = domain.TaskCancelled
	task.CreatorStakeLocked = false
	task.MemberStakeLocked = false
	task.DeadlineAt = 0
	if err := t.saveTask(task); err != nil {
		return err
	}
	if err := t.e.Repo.ClearCancelRequest(t.ctx, t.tx, task.ID); err != nil {
		return err
	}
	return t.e.Repo.ClearSubmission(t.ctx, t.tx, task.ID)
}
