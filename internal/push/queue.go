package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/convo/internal/logger"
)

const (
	// TaskNotify carries one NotifyRequest from the api to the push service.
	TaskNotify = "push:notify"
	// Queue is the asynq queue the push service consumes.
	Queue = "push"

	notifyMaxRetry  = 5
	notifyTimeout   = 30 * time.Second
	notifyRetention = time.Hour
)

func NewNotifyTask(req NotifyRequest) (*asynq.Task, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TaskNotify, err)
	}
	return asynq.NewTask(TaskNotify, payload,
		asynq.Queue(Queue),
		asynq.MaxRetry(notifyMaxRetry),
		asynq.Timeout(notifyTimeout),
		asynq.Retention(notifyRetention),
	), nil
}

// QueueNotifier hands notifications to the push service through a Redis-backed
// task queue, so deliveries survive a push service restart and are retried.
type QueueNotifier struct {
	client *asynq.Client
}

func NewQueueNotifier(redisURL string) (*QueueNotifier, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return &QueueNotifier{client: asynq.NewClient(opt)}, nil
}

func (q *QueueNotifier) Close() error { return q.client.Close() }

// Notify enqueues one notification; enqueue failures are logged.
func (q *QueueNotifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	task, err := NewNotifyTask(NotifyRequest{UserID: userID, Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push enqueue user=%s: %v", userID, err)
		return
	}
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		logger.Errorf("push enqueue user=%s: %v", userID, err)
	}
}

// ProcessTask makes Server an asynq.Handler for TaskNotify. A malformed
// payload is skipped; store failures are retried by the queue.
func (s *Server) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var req NotifyRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil || req.UserID == "" {
		return fmt.Errorf("%s: bad payload: %w", TaskNotify, asynq.SkipRetry)
	}
	return s.Deliver(ctx, req)
}

// NewWorker builds the queue consumer for the push service.
func NewWorker(redisURL string, concurrency int) (*asynq.Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Errorf("asynq task=%s: %v", task.Type(), err)
		}),
	}), nil
}
