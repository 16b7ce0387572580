package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stakeline/internal/domain"
	"stakeline/internal/events"
	"stakeline/internal/repo"
)

// Submit records the member's work as pending review.
func (e Engine) Submit(ctx context.Context, taskID int64, actorID, url, note string) (domain.Submission, error) {
	var sub domain.Submission
	err := e.mutate(ctx, "task.submit", actorID, taskID, func(t *txn) error {
		task, err := t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireMember(task, t.actor); err != nil {
			return err
		}
		if err := requireStatus(task, domain.TaskInProgress); err != nil {
			return err
		}
		if err := t.beforeDeadline(task); err != nil {
			return err
		}
		url = strings.TrimSpace(url)
		if url == "" {
			return fmt.Errorf("%w: url required", ErrInvalidInput)
		}
		prev, err := t.e.Repo.GetSubmission(t.ctx, t.tx, taskID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return err
		case prev.Status == domain.SubmissionRevisionNeeded:
			return fmt.Errorf("%w: revision requested; resubmit instead", ErrStateConflict)
		}
		sub = domain.Submission{
			TaskID:      taskID,
			URL:         url,
			SubmitterID: t.actor,
			Note:        note,
			Status:      domain.SubmissionPending,
			Revisions:   prev.Revisions,
			DeadlineAt:  task.DeadlineAt,
			UpdatedAt:   t.stamp(),
		}
		if err := t.e.Repo.PutSubmission(t.ctx, t.tx, sub); err != nil {
			return err
		}
		return t.emit(events.TaskSubmitted, taskID, events.EventPayload{"url": url})
	})
	return sub, err
}

// ApproveTask accepts the pending submission and releases all funds.
func (e Engine) ApproveTask(ctx context.Context, taskID int64, actorID string) (domain.Task, error) {
	var task domain.Task
	err := e.mutate(ctx, "task.approve", actorID, taskID, func(t *txn) error {
		var err error
		task, err = t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireCreator(task, t.actor); err != nil {
			return err
		}
		if err := requireStatus(task, domain.TaskInProgress); err != nil {
			return err
		}
		sub, err := t.submission(taskID)
		if err != nil {
			return err
		}
		if sub.Status != domain.SubmissionPending {
			return fmt.Errorf("%w: submission is %s", ErrStateConflict, sub.Status)
		}
		return t.approve(&task, false)
	})
	return task, err
}

// approve pays the member reward plus stake, returns the creator stake and
// completes the task. Revision exhaustion routes here too.
func (t *txn) approve(task *domain.Task, auto bool) error {
	if task.RewardClaimed {
		return fmt.Errorf("%w: reward already claimed", ErrStateConflict)
	}
	memberID, ms := task.MemberID(), task.MemberStake()
	if err := t.credit(memberID, task.Reward+ms, task.ID, "task.approve"); err != nil {
		return err
	}
	if err := t.credit(task.CreatorID, task.CreatorStake, task.ID, "task.approve"); err != nil {
		return err
	}
	task.CreatorStakeLocked = false
	task.MemberStakeLocked = false
	task.RewardClaimed = true
	task.DeadlineAt = 0
	task.Status = domain.TaskCompleted
	if err := t.saveTask(task); err != nil {
		return err
	}
	if err := t.e.Repo.ClearSubmission(t.ctx, t.tx, task.ID); err != nil {
		return err
	}
	pts := t.cfg.Reputation
	if err := t.reward(task.CreatorID, pts.CreatorAcceptBonus, task.ID, "task.approve"); err != nil {
		return err
	}
	if err := t.reward(memberID, pts.MemberAcceptBonus, task.ID, "task.approve"); err != nil {
		return err
	}
	if err := t.count(task.CreatorID, repo.CounterCompleted); err != nil {
		return err
	}
	if err := t.count(memberID, repo.CounterCompleted); err != nil {
		return err
	}
	return t.emit(events.TaskApproved, task.ID, events.EventPayload{
		"member":      memberID,
		"member_paid": task.Reward + ms,
		"auto":        auto,
	})
}

// RequestRevision sends the submission back with a new deadline. Once the
// revision count exceeds the task's maximum the task is approved instead.
func (e Engine) RequestRevision(ctx context.Context, taskID int64, actorID, note string, extraHours int64) (domain.Task, error) {
	var task domain.Task
	err := e.mutate(ctx, "task.revision", actorID, taskID, func(t *txn) error {
		var err error
		task, err = t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireCreator(task, t.actor); err != nil {
			return err
		}
		if err := requireStatus(task, domain.TaskInProgress); err != nil {
			return err
		}
		sub, err := t.submission(taskID)
		if err != nil {
			return err
		}
		if sub.Status != domain.SubmissionPending {
			return fmt.Errorf("%w: submission is %s", ErrStateConflict, sub.Status)
		}
		if extraHours < t.cfg.Limits.MinRevisionHours {
			return fmt.Errorf("%w: revision window %dh below minimum %dh", ErrLimit, extraHours, t.cfg.Limits.MinRevisionHours)
		}
		sub.Revisions++
		if sub.Revisions > task.MaxRevisions {
			return t.approve(&task, true)
		}
		task.DeadlineAt = t.deadlineAfter(extraHours)
		sub.Status = domain.SubmissionRevisionNeeded
		sub.Note = note
		sub.DeadlineAt = task.DeadlineAt
		sub.UpdatedAt = t.stamp()
		if err := t.e.Repo.PutSubmission(t.ctx, t.tx, sub); err != nil {
			return err
		}
		if err := t.saveTask(&task); err != nil {
			return err
		}
		pen := t.cfg.Reputation.RevisionPenalty
		if err := t.penalize(task.CreatorID, pen, taskID, "task.revision"); err != nil {
			return err
		}
		if err := t.penalize(task.MemberID(), pen, taskID, "task.revision"); err != nil {
			return err
		}
		return t.emit(events.RevisionRequested, taskID, events.EventPayload{
			"revision":    sub.Revisions,
			"note":        note,
			"deadline_at": task.DeadlineAt,
		})
	})
	return task, err
}

// Resubmit answers a revision request with new content.
func (e Engine) Resubmit(ctx context.Context, taskID int64, actorID, note, url string) (domain.Task, error) {
	var task domain.Task
	err := e.mutate(ctx, "task.resubmit", actorID, taskID, func(t *txn) error {
		var err error
		task, err = t.loadTask(taskID)
		if err != nil {
			return err
		}
		if err := requireMember(task, t.actor); err != nil {
			return err
		}
		if err := requireStatus(task, domain.TaskInProgress); err != nil {
			return err
		}
		sub, err := t.submission(taskID)
		if err != nil {
			return err
		}
		if sub.Status != domain.SubmissionRevisionNeeded {
			return fmt.Errorf("%w: submission is %s", ErrStateConflict, sub.Status)
		}
		if sub.Revisions > task.MaxRevisions {
			return t.approve(&task, true)
		}
		if err := t.beforeDeadline(task); err != nil {
			return err
		}
		if url = strings.TrimSpace(url); url != "" {
			sub.URL = url
		}
		sub.Note = note
		sub.Status = domain.SubmissionPending
		sub.UpdatedAt = t.stamp()
		if err := t.e.Repo.PutSubmission(t.ctx, t.tx, sub); err != nil {
			return err
		}
		return t.emit(events.TaskResubmitted, taskID, events.EventPayload{"url": sub.URL, "revision": sub.Revisions})
	})
	return task, err
}

func (t *txn) submission(taskID int64) (domain.Submission, error) {
	sub, err := t.e.Repo.GetSubmission(t.ctx, t.tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return sub, fmt.Errorf("%w: task %d has no submission", ErrStateConflict, taskID)
	}
	return sub, err
}

func (t *txn) beforeDeadline(task domain.Task) error {
	if task.DeadlineReached(t.now.Unix()) {
		return fmt.Errorf("%w: task %d deadline passed", ErrStateConflict, task.ID)
	}
	return nil
}
