package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
)

// Queue accepts delivery tasks. kafka.Producer and MemoryQueue implement it.
type Queue interface {
	Enqueue(ctx context.Context, task models.DeliveryTask) error
}

// Source feeds tasks to a handler until ctx is done.
type Source interface {
	Consume(ctx context.Context, handler models.TaskHandler) error
}

var ErrQueueClosed = errors.New("delivery queue closed")

// DefaultRedeliveryDelay is how long MemoryQueue holds back a task whose
// handler returned an error.
const DefaultRedeliveryDelay = 5 * time.Second

// MemoryQueue is an in-process queue for single-binary and test setups.
// Tasks with a future NotBefore are held back until due.
type MemoryQueue struct {
	mu            sync.Mutex
	tasks         chan models.DeliveryTask
	timers        map[*time.Timer]struct{}
	closed        bool
	redeliveryGap time.Duration
	now           func() time.Time
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		tasks:         make(chan models.DeliveryTask, capacity),
		timers:        make(map[*time.Timer]struct{}),
		redeliveryGap: DefaultRedeliveryDelay,
		now:           time.Now,
	}
}

// SetRedeliveryDelay changes the hold-back applied to tasks whose handler
// failed. Non-positive values are ignored.
func (q *MemoryQueue) SetRedeliveryDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.redeliveryGap = d
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task models.DeliveryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	wait := task.NotBefore.Sub(q.now())
	if wait <= 0 {
		select {
		case q.tasks <- task:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.closed {
			return
		}
		select {
		case q.tasks <- task:
		default:
			logger.ForDelivery(task.Supplier, task.Tenant).WithField("task_id", task.ID).Error("Delivery queue full, dropping delayed task")
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Len reports tasks ready for consumption.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// Pending reports delayed tasks not yet due.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// TryDequeue pops a ready task without blocking.
func (q *MemoryQueue) TryDequeue() (models.DeliveryTask, bool) {
	select {
	case task, ok := <-q.tasks:
		return task, ok
	default:
		return models.DeliveryTask{}, false
	}
}

// Consume may be called from several goroutines to get parallel workers.
// A task whose handler fails is put back with a short delay.
func (q *MemoryQueue) Consume(ctx context.Context, handler models.TaskHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-q.tasks:
			if !ok {
				return ErrQueueClosed
			}
			if err := handler(ctx, task); err != nil {
				q.redeliver(ctx, task, err)
			}
		}
	}
}

func (q *MemoryQueue) redeliver(ctx context.Context, task models.DeliveryTask, cause error) {
	entry := logger.ForDelivery(task.Supplier, task.Tenant).WithError(cause).WithField("task_id", task.ID)

	q.mu.Lock()
	gap := q.redeliveryGap
	q.mu.Unlock()

	task.NotBefore = q.now().Add(gap)
	if err := q.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		entry.WithField("requeue_error", err.Error()).Error("Failed to process delivery task, task dropped")
		return
	}
	entry.WithField("retry_at", task.NotBefore).Warn("Failed to process delivery task, redelivery scheduled")
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	close(q.tasks)
	return nil
}
