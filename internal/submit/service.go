package submit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"dealflow/internal/dispatch"
	"dealflow/internal/domain"
	"dealflow/internal/store"
)

const queuedMessage = "Task queued for processing"

// Result is returned to the submission caller so it can poll.
type Result struct {
	TaskID       string
	TaskStatusID string
}

// Service guards deal submission: it stamps the deal, records the attempt
// and dispatches the work in one pass, compensating if the queue is down.
type Service struct {
	repo       store.Repository
	dispatcher dispatch.Dispatcher
}

func NewService(repo store.Repository, dispatcher dispatch.Dispatcher) *Service {
	return &Service{repo: repo, dispatcher: dispatcher}
}

// Submit accepts a deal in draft or cancelled status for processing.
// Returns domain.ErrNotFound, domain.ErrStateConflict or
// domain.ErrDispatchFailure; any mutation is rolled back on the latter, so a
// submitted deal always has dispatched work behind it.
func (s *Service) Submit(ctx context.Context, dealID string) (Result, error) {
	task, prior, err := s.repo.BeginSubmission(ctx, dealID, queuedMessage)
	if err != nil {
		return Result{}, err
	}

	handle, err := s.dispatcher.DispatchProcessDeal(ctx, dealID, task.ID)
	if err != nil {
		log.Error().Err(err).Str("deal_id", dealID).Str("task_status_id", task.ID).Msg("dispatch failed, reverting submission")
		msg := fmt.Sprintf("Dispatch failed: %v", err)
		if rerr := s.repo.RevertSubmission(ctx, dealID, prior, task.ID, msg); rerr != nil {
			log.Error().Err(rerr).Str("deal_id", dealID).Msg("failed to revert submission")
		}
		return Result{}, fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}

	if err := s.repo.SetTaskDispatchID(ctx, task.ID, handle); err != nil {
		// The work is already queued; the worker will still proceed. Only the
		// handle on the tracking row is missing.
		log.Error().Err(err).Str("task_status_id", task.ID).Msg("failed to store dispatch handle")
	}

	log.Info().Str("deal_id", dealID).Str("task_id", handle).Str("task_status_id", task.ID).Msg("deal submitted for processing")
	return Result{TaskID: handle, TaskStatusID: task.ID}, nil
}
