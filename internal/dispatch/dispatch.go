package dispatch

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TypeProcessDeal is the task type consumed by the deal worker.
const TypeProcessDeal = "deal:process"

// ProcessDealPayload is the unit of work carried through the queue.
type ProcessDealPayload struct {
	DealID       string `json:"deal_id"`
	TaskStatusID string `json:"task_status_id"`
}

// Dispatcher hands units of work to the background queue and returns the
// queue's handle for the enqueued task.
type Dispatcher interface {
	DispatchProcessDeal(ctx context.Context, dealID, taskStatusID string) (string, error)
	Close() error
}

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queue string) *Client {
	if queue == "" {
		queue = "default"
	}
	return &Client{client: asynq.NewClient(redisOpt), queue: queue}
}

// DispatchProcessDeal enqueues one processing attempt. Retries are disabled:
// a failed attempt is recorded on its task-status row and needs a fresh
// submission, never an automatic redelivery-driven rerun.
func (c *Client) DispatchProcessDeal(ctx context.Context, dealID, taskStatusID string) (string, error) {
	payload, err := json.Marshal(ProcessDealPayload{DealID: dealID, TaskStatusID: taskStatusID})
	if err != nil {
		return "", err
	}
	task := asynq.NewTask(TypeProcessDeal, payload)
	info, err := c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue), asynq.MaxRetry(0))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (c *Client) Close() error { return c.client.Close() }
