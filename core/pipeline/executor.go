package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/driftmail/driftmail/core/delivery"
	"github.com/driftmail/driftmail/core/infra/bus"
	"github.com/driftmail/driftmail/core/infra/config"
	"github.com/driftmail/driftmail/core/infra/logging"
	"github.com/driftmail/driftmail/core/infra/metrics"
	"github.com/driftmail/driftmail/core/infra/taskqueue"
)

const (
	// sendClaimTTL bounds how long a crashed sender can hold an attempt.
	sendClaimTTL = 15 * time.Minute
	// claimRetryDelay spaces redeliveries while a send claim is held
	// but the step has not reached a persisted outcome yet.
	claimRetryDelay = time.Minute
)

// Executor runs due step tasks: it sends the snapshotted email exactly
// once per attempt and hands control back to the orchestrator. Delivery
// retries stay inside the task queue via RetryAfter; the executor only
// decides when the retry budget is spent.
type Executor struct {
	store   *RedisStore
	sender  delivery.Sender
	orch    *Orchestrator
	retry   config.RetryPolicy
	metrics metrics.PipelineMetrics
	events  *emitter
}

// NewExecutor constructs an executor over store, sender, and orchestrator.
func NewExecutor(store *RedisStore, sender delivery.Sender, orch *Orchestrator, retry config.RetryPolicy) *Executor {
	return &Executor{
		store:   store,
		sender:  sender,
		orch:    orch,
		retry:   retry,
		metrics: metrics.Noop{},
		events:  &emitter{store: store},
	}
}

// WithMetrics attaches a metrics sink.
func (e *Executor) WithMetrics(m metrics.PipelineMetrics) *Executor {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithEvents attaches a bus publisher for live execution events.
func (e *Executor) WithEvents(pub bus.Publisher) *Executor {
	e.events = &emitter{store: e.store, pub: pub}
	return e
}

// Register wires the executor's handlers into a dispatcher.
func (e *Executor) Register(d *taskqueue.Dispatcher) {
	d.Register(TaskStepDue, e.HandleStepTask)
}

// HandleStepTask processes one due step. Stale tasks for deleted records
// drain as logged no-ops, tasks for non-running executions mark the step
// skipped, and duplicate deliveries lose the per-attempt send claim. A
// send failure inside the retry budget returns RetryAfter so the queue
// redelivers the same task after backoff.
func (e *Executor) HandleStepTask(ctx context.Context, task *taskqueue.Task) error {
	var st StepTask
	if err := json.Unmarshal(task.Payload, &st); err != nil {
		logging.Error("executor", "malformed step task", "task_id", task.ID, "error", err)
		return nil
	}

	se, err := e.store.GetStepExecution(ctx, st.StepExecutionID)
	if err != nil {
		if err == ErrNotFound {
			logging.Warn("executor", "step execution missing", "step_execution_id", st.StepExecutionID)
			return nil
		}
		return err
	}
	exec, err := e.store.GetExecution(ctx, st.ExecutionID)
	if err != nil {
		if err == ErrNotFound {
			logging.Warn("executor", "execution missing", "execution_id", st.ExecutionID)
			return nil
		}
		return err
	}

	// Cancelled or otherwise finished executions never send, even for
	// tasks already sitting in the queue when the transition happened.
	if exec.Status != ExecutionStatusRunning {
		if se.Status == StepStatusScheduled {
			now := time.Now().UTC()
			se.Status = StepStatusSkipped
			se.CompletedAt = &now
			if err := e.store.UpdateStepExecution(ctx, se); err != nil {
				return err
			}
			e.metrics.IncStepExecuted(exec.PipelineID, string(StepStatusSkipped))
			e.events.emit(ctx, exec, EventStepSkipped, se.StepIndex, string(exec.Status))
			logging.Info("executor", "step skipped", "execution_id", exec.ID, "step_index", se.StepIndex, "execution_status", string(exec.Status))
		}
		return nil
	}

	switch se.Status {
	case StepStatusSent:
		// Redelivery after a crash between send and advance; advancing is
		// claim-guarded, so this heals without a second email.
		return e.orch.Advance(ctx, exec.ID, se.StepIndex+1)
	case StepStatusScheduled:
	default:
		return nil
	}

	claimed, err := e.store.TryClaimStepSend(ctx, se.ID, se.Attempts, sendClaimTTL)
	if err != nil {
		return err
	}
	if !claimed {
		// The claim holder either already finished or crashed mid-send.
		// The persisted status tells them apart.
		fresh, err := e.store.GetStepExecution(ctx, se.ID)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		switch fresh.Status {
		case StepStatusSent:
			return e.orch.Advance(ctx, exec.ID, fresh.StepIndex+1)
		case StepStatusScheduled:
			if fresh.Attempts != se.Attempts {
				// A retry attempt was recorded; its own task carries the
				// continuation.
				return nil
			}
			logging.Warn("executor", "send claim held without outcome", "step_execution_id", se.ID, "attempt", se.Attempts)
			return taskqueue.RetryAfter(fmt.Errorf("send attempt %d of %s already claimed", se.Attempts, se.ID), claimRetryDelay)
		default:
			return nil
		}
	}

	sendErr := e.sender.Send(ctx, &delivery.SendRequest{
		StepExecutionID: se.ID,
		ExecutionID:     exec.ID,
		PipelineID:      exec.PipelineID,
		CompanyID:       exec.CompanyID,
		LeadID:          exec.LeadID,
		TemplateID:      se.TemplateID,
	})
	se.Attempts++
	now := time.Now().UTC()

	if sendErr != nil {
		se.LastError = sendErr.Error()
		if se.Attempts >= e.retry.MaxAttempts {
			se.Status = StepStatusFailed
			se.CompletedAt = &now
			if err := e.store.UpdateStepExecution(ctx, se); err != nil {
				return err
			}
			e.metrics.IncStepExecuted(exec.PipelineID, string(StepStatusFailed))
			e.events.emit(ctx, exec, EventStepFailed, se.StepIndex, sendErr.Error())
			logging.Error("executor", "step failed permanently", "execution_id", exec.ID, "step_index", se.StepIndex, "attempts", se.Attempts, "error", sendErr)
			return e.orch.Fail(ctx, exec.ID, se.StepIndex, sendErr.Error())
		}
		if err := e.store.UpdateStepExecution(ctx, se); err != nil {
			return err
		}
		delay := e.backoffDelay(se.Attempts)
		e.events.emit(ctx, exec, EventStepRetry, se.StepIndex, sendErr.Error())
		logging.Warn("executor", "send failed, retrying", "execution_id", exec.ID, "step_index", se.StepIndex, "attempt", se.Attempts, "delay", delay.String(), "error", sendErr)
		return taskqueue.RetryAfter(sendErr, delay)
	}

	se.Status = StepStatusSent
	se.LastError = ""
	se.CompletedAt = &now
	if err := e.store.UpdateStepExecution(ctx, se); err != nil {
		return err
	}
	e.metrics.IncStepExecuted(exec.PipelineID, string(StepStatusSent))
	e.events.emit(ctx, exec, EventStepSent, se.StepIndex, se.TemplateID)
	logging.Info("executor", "step sent", "execution_id", exec.ID, "step_index", se.StepIndex, "template_id", se.TemplateID)
	return e.orch.Advance(ctx, exec.ID, se.StepIndex+1)
}

// backoffDelay grows exponentially with the number of failures so far,
// capped at the policy maximum.
func (e *Executor) backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	initial := float64(e.retry.InitialBackoffSec)
	if initial <= 0 {
		initial = 1
	}
	mult := e.retry.Multiplier
	if mult < 1 {
		mult = 1
	}
	secs := initial * math.Pow(mult, float64(failures-1))
	if max := float64(e.retry.MaxBackoffSec); max > 0 && secs > max {
		secs = max
	}
	return time.Duration(secs * float64(time.Second))
}
