package engine

import (
	"context"
	"errors"
	"fmt"

	"stakeline/internal/domain"
	"stakeline/internal/repo"
)

func (e Engine) Task(ctx context.Context, id int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fmt.Errorf("task %d: %w", id, repo.ErrNotFound)
	}
	return t, err
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// JoinRequests returns the full request history of a task, oldest first.
func (e Engine) JoinRequests(ctx context.Context, taskID int64) ([]domain.JoinRequest, error) {
	if _, err := e.Task(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListJoinRequests(ctx, nil, taskID, false)
}

// Submission returns the active submission slot of a task.
func (e Engine) Submission(ctx context.Context, taskID int64) (domain.Submission, error) {
	if _, err := e.Task(ctx, taskID); err != nil {
		return domain.Submission{}, err
	}
	s, err := e.Repo.GetSubmission(ctx, nil, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("submission for task %d: %w", taskID, repo.ErrNotFound)
	}
	return s, err
}

// CancelRequest returns the pending negotiation of a task.
func (e Engine) CancelRequest(ctx context.Context, taskID int64) (domain.CancelRequest, error) {
	if _, err := e.Task(ctx, taskID); err != nil {
		return domain.CancelRequest{}, err
	}
	cr, err := e.Repo.GetCancelRequest(ctx, nil, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return cr, fmt.Errorf("cancel request for task %d: %w", taskID, repo.ErrNotFound)
	}
	return cr, err
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
