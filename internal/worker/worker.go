package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"dealflow/internal/dispatch"
	"dealflow/internal/processor"
	"dealflow/internal/store"
)

const (
	processingMessage = "Processing deal..."
	completedMessage  = "Deal processed successfully"
)

// Handler advances one submission attempt from pending to a terminal state.
// The claim and the terminal commit are short conditional updates; the
// processing step itself runs without any lock held, so a slow processor
// never serializes unrelated work.
type Handler struct {
	repo store.Repository
	proc processor.Processor
}

func NewHandler(repo store.Repository, proc processor.Processor) *Handler {
	return &Handler{repo: repo, proc: proc}
}

// HandleProcessDeal consumes a deal:process task. The queue delivers at
// least once; a redelivery after the claim loses the pending check and is
// dropped silently. Processing failures are recorded on the task-status row
// and the handler returns nil, since a failed attempt is only ever retried
// by a fresh submission.
func (h *Handler) HandleProcessDeal(ctx context.Context, t *asynq.Task) error {
	var p dispatch.ProcessDealPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid deal:process payload: %w", err)
	}

	claimed, err := h.repo.ClaimTaskPending(ctx, p.TaskStatusID, processingMessage)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", p.TaskStatusID, err)
	}
	if !claimed {
		log.Warn().Str("task_status_id", p.TaskStatusID).Msg("task is not pending, dropping delivery")
		return nil
	}
	log.Info().Str("deal_id", p.DealID).Str("task_status_id", p.TaskStatusID).Msg("processing deal")

	deal, err := h.repo.GetDeal(ctx, p.DealID)
	if err != nil {
		h.fail(ctx, p.TaskStatusID, err)
		return nil
	}

	if err := h.proc.Process(ctx, deal); err != nil {
		h.fail(ctx, p.TaskStatusID, err)
		return nil
	}

	if err := h.repo.MarkDealProcessing(ctx, p.DealID); err != nil {
		h.fail(ctx, p.TaskStatusID, err)
		return nil
	}
	if ok, err := h.repo.CompleteTask(ctx, p.TaskStatusID, completedMessage); err != nil || !ok {
		log.Error().Err(err).Bool("won", ok).Str("task_status_id", p.TaskStatusID).Msg("terminal commit lost or failed")
		return nil
	}
	if err := h.repo.MarkDealCompleted(ctx, p.DealID); err != nil {
		log.Error().Err(err).Str("deal_id", p.DealID).Msg("failed to mark deal completed")
		return nil
	}

	log.Info().Str("deal_id", p.DealID).Str("task_status_id", p.TaskStatusID).Msg("deal processed")
	return nil
}

// fail records the error on the task-status row. The deal keeps whatever
// status it reached; a failure is surfaced to clients only through polling.
func (h *Handler) fail(ctx context.Context, taskStatusID string, cause error) {
	msg := fmt.Sprintf("Processing failed: %v", cause)
	if _, err := h.repo.FailTask(ctx, taskStatusID, msg); err != nil {
		log.Error().Err(err).Str("task_status_id", taskStatusID).Msg("failed to record task failure")
	}
	log.Error().Err(cause).Str("task_status_id", taskStatusID).Msg("deal processing failed")
}

// Server runs the queue consumers.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

type Config struct {
	Concurrency int
	Queue       string
}

func NewServer(redisOpt asynq.RedisClientOpt, h *Handler, cfg Config) *Server {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "default"
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(dispatch.TypeProcessDeal, h.HandleProcessDeal)
	return &Server{srv: srv, mux: mux}
}

func (s *Server) Start() error { return s.srv.Start(s.mux) }
func (s *Server) Shutdown()    { s.srv.Shutdown() }
