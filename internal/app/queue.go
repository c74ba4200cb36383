package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/transfa/disbursement-service/internal/domain"
	"github.com/transfa/disbursement-service/pkg/rabbitmq"
)

// IntakeRoutingKey is the routing key accepted batches are published under.
const IntakeRoutingKey = "disbursement.batch.accepted"

var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// TaskQueue hands accepted batches to background processing. A nil error from
// Submit means the task was enqueued; it says nothing about whether it will succeed.
type TaskQueue interface {
	Submit(ctx context.Context, task domain.IntakeTask) error
	Close()
}

// TaskFunc processes one intake task.
type TaskFunc func(ctx context.Context, task domain.IntakeTask)

// LocalTaskQueue runs tasks on a fixed pool of goroutines fed by a buffered channel.
type LocalTaskQueue struct {
	mu      sync.RWMutex
	closed  bool
	tasks   chan domain.IntakeTask
	wg      sync.WaitGroup
	handler TaskFunc
	logger  *slog.Logger
}

func NewLocalTaskQueue(workers, size int, handler TaskFunc, logger *slog.Logger) *LocalTaskQueue {
	if workers < 1 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	q := &LocalTaskQueue{
		tasks:   make(chan domain.IntakeTask, size),
		handler: handler,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

func (q *LocalTaskQueue) work() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.run(task)
	}
}

func (q *LocalTaskQueue) run(task domain.IntakeTask) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("intake task panicked", "batch_id", task.BatchID, "panic", rec)
		}
	}()
	q.handler(context.Background(), task)
}

// Submit enqueues without blocking; a full buffer is reported as ErrQueueFull.
func (q *LocalTaskQueue) Submit(ctx context.Context, task domain.IntakeTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *LocalTaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}

// AMQPTaskQueue publishes tasks to RabbitMQ for any replica's intake workers.
type AMQPTaskQueue struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewAMQPTaskQueue(publisher rabbitmq.Publisher, exchange string) *AMQPTaskQueue {
	return &AMQPTaskQueue{publisher: publisher, exchange: exchange}
}

func (q *AMQPTaskQueue) Submit(ctx context.Context, task domain.IntakeTask) error {
	if err := q.publisher.Publish(ctx, q.exchange, IntakeRoutingKey, task); err != nil {
		return fmt.Errorf("publish intake task: %w", err)
	}
	return nil
}

func (q *AMQPTaskQueue) Close() {
	q.publisher.Close()
}

// TaskConsumer is satisfied by *rabbitmq.Consumer.
type TaskConsumer interface {
	ConsumeWithBindings(exchange, queueName string, workers int, bindings map[string]func([]byte)) error
}

// StartAMQPIntakeWorkers consumes published intake tasks and runs handler on each.
// Undecodable messages are logged and dropped.
func StartAMQPIntakeWorkers(consumer TaskConsumer, exchange, queueName string, workers int, handler TaskFunc, logger *slog.Logger) error {
	return consumer.ConsumeWithBindings(exchange, queueName, workers, map[string]func([]byte){
		IntakeRoutingKey: func(body []byte) {
			var task domain.IntakeTask
			if err := json.Unmarshal(body, &task); err != nil {
				logger.Error("failed to decode intake task; dropping", "error", err)
				return
			}
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("intake task panicked", "batch_id", task.BatchID, "panic", rec)
				}
			}()
			handler(context.Background(), task)
		},
	})
}
