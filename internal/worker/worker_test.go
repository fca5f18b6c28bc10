package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	_ "modernc.org/sqlite"

	"dealflow/internal/dispatch"
	"dealflow/internal/domain"
	"dealflow/internal/processor"
	"dealflow/internal/store"
)

var dbSeq int

func openTestRepo(t *testing.T) store.Repository {
	t.Helper()
	dbSeq++
	db, err := sql.Open("sqlite", fmt.Sprintf("file:worker_test_%d?mode=memory&cache=shared", dbSeq))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewSQLiteRepo(db)
}

func submittedDeal(t *testing.T, repo store.Repository) (string, string) {
	t.Helper()
	ctx := context.Background()
	dealID, err := repo.CreateDeal(ctx, domain.Deal{})
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	task, _, err := repo.BeginSubmission(ctx, dealID, "Task queued for processing")
	if err != nil {
		t.Fatalf("BeginSubmission: %v", err)
	}
	return dealID, task.ID
}

func processTask(dealID, taskStatusID string) *asynq.Task {
	payload, _ := json.Marshal(dispatch.ProcessDealPayload{DealID: dealID, TaskStatusID: taskStatusID})
	return asynq.NewTask(dispatch.TypeProcessDeal, payload)
}

type failingProcessor struct{ err error }

func (p failingProcessor) Process(ctx context.Context, deal domain.Deal) error { return p.err }

func TestHandleProcessDeal_Success(t *testing.T) {
	repo := openTestRepo(t)
	h := NewHandler(repo, processor.Simulated{Delay: 10 * time.Millisecond})
	ctx := context.Background()
	dealID, taskID := submittedDeal(t, repo)

	if err := h.HandleProcessDeal(ctx, processTask(dealID, taskID)); err != nil {
		t.Fatalf("HandleProcessDeal: %v", err)
	}

	task, err := repo.GetTaskStatus(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("want completed got=%s", task.Status)
	}
	if task.CompletedAt == nil || task.CompletedAt.Before(task.CreatedAt) {
		t.Fatalf("completed_at invalid: %v", task.CompletedAt)
	}
	deal, _ := repo.GetDeal(ctx, dealID)
	if deal.Status != domain.DealCompleted {
		t.Fatalf("want deal completed got=%s", deal.Status)
	}
}

func TestHandleProcessDeal_FailureLeavesDealAlone(t *testing.T) {
	repo := openTestRepo(t)
	h := NewHandler(repo, failingProcessor{err: errors.New("boom")})
	ctx := context.Background()
	dealID, taskID := submittedDeal(t, repo)

	if err := h.HandleProcessDeal(ctx, processTask(dealID, taskID)); err != nil {
		t.Fatalf("handler must swallow processing failures, got %v", err)
	}

	task, _ := repo.GetTaskStatus(ctx, taskID)
	if task.Status != domain.TaskFailed {
		t.Fatalf("want failed got=%s", task.Status)
	}
	if task.Message == "" || task.CompletedAt == nil {
		t.Fatalf("failure not recorded: %+v", task)
	}
	deal, _ := repo.GetDeal(ctx, dealID)
	if deal.Status != domain.DealSubmitted {
		t.Fatalf("deal status must stay submitted after failure, got %s", deal.Status)
	}
}

func TestHandleProcessDeal_RedeliveryIsNoOp(t *testing.T) {
	repo := openTestRepo(t)
	h := NewHandler(repo, processor.Simulated{Delay: time.Millisecond})
	ctx := context.Background()
	dealID, taskID := submittedDeal(t, repo)

	if err := h.HandleProcessDeal(ctx, processTask(dealID, taskID)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first, _ := repo.GetTaskStatus(ctx, taskID)
	if !first.Terminal() {
		t.Fatalf("task not terminal after first delivery: %s", first.Status)
	}

	if err := h.HandleProcessDeal(ctx, processTask(dealID, taskID)); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	second, _ := repo.GetTaskStatus(ctx, taskID)

	if second.Status != first.Status || second.Message != first.Message {
		t.Fatalf("redelivery mutated a terminal task: %+v vs %+v", first, second)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("redelivery moved completed_at: %v vs %v", first.CompletedAt, second.CompletedAt)
	}
}

func TestHandleProcessDeal_MalformedPayload(t *testing.T) {
	repo := openTestRepo(t)
	h := NewHandler(repo, processor.Simulated{Delay: time.Millisecond})
	err := h.HandleProcessDeal(context.Background(), asynq.NewTask(dispatch.TypeProcessDeal, []byte("{")))
	if err == nil {
		t.Fatalf("want error for malformed payload")
	}
}

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorker_Integration_EndToEnd(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer s.Close()

	repo := openTestRepo(t)
	redisOpt := asynq.RedisClientOpt{Addr: s.Addr()}

	srv := NewServer(redisOpt, NewHandler(repo, processor.Simulated{Delay: 50 * time.Millisecond}), Config{Concurrency: 4, Queue: "deals"})
	if err := srv.Start(); err != nil {
		t.Fatalf("start worker server: %v", err)
	}
	defer srv.Shutdown()

	dispatcher := dispatch.NewClient(redisOpt, "deals")
	defer dispatcher.Close()

	ctx := context.Background()
	dealID, taskID := submittedDeal(t, repo)
	handle, err := dispatcher.DispatchProcessDeal(ctx, dealID, taskID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if handle == "" {
		t.Fatalf("empty dispatch handle")
	}
	if err := repo.SetTaskDispatchID(ctx, taskID, handle); err != nil {
		t.Fatalf("SetTaskDispatchID: %v", err)
	}

	if err := pollUntil(t, 3*time.Second, func() (bool, error) {
		task, err := repo.GetTaskStatus(ctx, taskID)
		if err != nil {
			return false, err
		}
		return task.Status == domain.TaskCompleted, nil
	}); err != nil {
		t.Fatalf("task did not complete: %v", err)
	}

	deal, err := repo.GetDeal(ctx, dealID)
	if err != nil {
		t.Fatalf("GetDeal: %v", err)
	}
	if deal.Status != domain.DealCompleted {
		t.Fatalf("want deal completed got=%s", deal.Status)
	}
	task, _ := repo.GetTaskStatus(ctx, taskID)
	if task.DispatchID == nil || *task.DispatchID != handle {
		t.Fatalf("dispatch handle lost: %+v", task.DispatchID)
	}
}
