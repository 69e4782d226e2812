package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftmail/driftmail/core/infra/logging"
)

// Handler processes a claimed task. Returning nil acks the task; a
// RetryableError requeues it after the indicated delay; any other error
// requeues with the visibility timeout until maxDeliveries, then buries it.
type Handler func(ctx context.Context, task *Task) error

// Tuning controls dispatcher cadence and delivery limits.
type Tuning struct {
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ReapInterval      time.Duration
	BatchSize         int64
	LockTTL           time.Duration
	HandlerTimeout    time.Duration
	MaxDeliveries     int
}

func (t Tuning) withDefaults() Tuning {
	if t.PollInterval <= 0 {
		t.PollInterval = 5 * time.Second
	}
	if t.VisibilityTimeout <= 0 {
		t.VisibilityTimeout = 5 * time.Minute
	}
	if t.ReapInterval <= 0 {
		t.ReapInterval = time.Minute
	}
	if t.BatchSize <= 0 {
		t.BatchSize = 100
	}
	if t.LockTTL <= 0 {
		t.LockTTL = 15 * time.Second
	}
	if t.HandlerTimeout <= 0 {
		t.HandlerTimeout = 2 * time.Minute
	}
	if t.MaxDeliveries <= 0 {
		t.MaxDeliveries = 5
	}
	return t
}

// Dispatcher polls the queue and routes due tasks to registered handlers.
type Dispatcher struct {
	queue  *Queue
	tuning Tuning

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher over queue with the given tuning.
func NewDispatcher(queue *Queue, tuning Tuning) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		tuning:   tuning.withDefaults(),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task name. Last registration wins.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = handler
}

func (d *Dispatcher) handler(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Run polls until ctx is cancelled. Safe to run in multiple processes;
// a dispatch lock keeps pollers from stampeding the same batch.
func (d *Dispatcher) Run(ctx context.Context) {
	poll := time.NewTicker(d.tuning.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(d.tuning.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			ok, err := d.queue.TryAcquireLock(ctx, "dispatch", d.tuning.LockTTL)
			if err != nil {
				logging.Error("taskqueue", "dispatch lock failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
			if _, err := d.DispatchOnce(ctx, time.Now().UTC()); err != nil {
				logging.Error("taskqueue", "dispatch failed", "error", err)
			}
			_ = d.queue.ReleaseLock(ctx, "dispatch")
		case <-reap.C:
			if n, err := d.ReapOnce(ctx, time.Now().UTC()); err != nil {
				logging.Error("taskqueue", "reap failed", "error", err)
			} else if n > 0 {
				logging.Warn("taskqueue", "requeued expired inflight tasks", "count", n)
			}
		}
	}
}

// DispatchOnce claims and handles every task due at now. Returns the number
// of tasks handled.
func (d *Dispatcher) DispatchOnce(ctx context.Context, now time.Time) (int, error) {
	ids, err := d.queue.Due(ctx, now, d.tuning.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}
	handled := 0
	for _, id := range ids {
		task, claimed, err := d.queue.Claim(ctx, id, now.Add(d.tuning.VisibilityTimeout))
		if err != nil {
			logging.Error("taskqueue", "claim failed", "task_id", id, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		d.deliver(ctx, task)
		handled++
	}
	return handled, nil
}

func (d *Dispatcher) deliver(ctx context.Context, task *Task) {
	handler, ok := d.handler(task.Name)
	if !ok {
		logging.Error("taskqueue", "no handler for task", "task", task.Name, "task_id", task.ID)
		_ = d.queue.Bury(ctx, task.ID)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, d.tuning.HandlerTimeout)
	err := handler(hctx, task)
	cancel()

	if err == nil {
		if ackErr := d.queue.Ack(ctx, task.ID); ackErr != nil {
			logging.Error("taskqueue", "ack failed", "task_id", task.ID, "error", ackErr)
		}
		return
	}

	if delay, retryable := RetryDelay(err); retryable {
		logging.Warn("taskqueue", "handler requested retry", "task", task.Name, "task_id", task.ID, "delay", delay, "error", err)
		if rqErr := d.queue.Requeue(ctx, task.ID, delay); rqErr != nil {
			logging.Error("taskqueue", "requeue failed", "task_id", task.ID, "error", rqErr)
		}
		return
	}

	if task.Deliveries >= d.tuning.MaxDeliveries {
		logging.Error("taskqueue", "task exhausted deliveries, burying", "task", task.Name, "task_id", task.ID, "deliveries", task.Deliveries, "error", err)
		if buryErr := d.queue.Bury(ctx, task.ID); buryErr != nil {
			logging.Error("taskqueue", "bury failed", "task_id", task.ID, "error", buryErr)
		}
		return
	}

	logging.Error("taskqueue", "handler failed, requeueing", "task", task.Name, "task_id", task.ID, "error", err)
	if rqErr := d.queue.Requeue(ctx, task.ID, d.tuning.VisibilityTimeout); rqErr != nil {
		logging.Error("taskqueue", "requeue failed", "task_id", task.ID, "error", rqErr)
	}
}

// ReapOnce requeues inflight tasks whose visibility deadline passed.
func (d *Dispatcher) ReapOnce(ctx context.Context, now time.Time) (int, error) {
	ids, err := d.queue.Expired(ctx, now, d.tuning.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired tasks: %w", err)
	}
	requeued := 0
	for _, id := range ids {
		task, err := d.queue.GetTask(ctx, id)
		if err != nil {
			// Body gone; nothing to redeliver.
			_ = d.queue.Ack(ctx, id)
			continue
		}
		if task.Deliveries >= d.tuning.MaxDeliveries {
			_ = d.queue.Bury(ctx, id)
			continue
		}
		if err := d.queue.Requeue(ctx, id, 0); err != nil {
			logging.Error("taskqueue", "reap requeue failed", "task_id", id, "error", err)
			continue
		}
		requeued++
	}
	return requeued, nil
}
