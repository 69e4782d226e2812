package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/driftmail/core/infra/bus"
	"github.com/driftmail/driftmail/core/infra/logging"
	"github.com/driftmail/driftmail/core/infra/metrics"
)

// TaskStepDue is the task name for a step whose wait has elapsed.
const TaskStepDue = "pipeline.step"

// StepTask is the payload of a scheduled step continuation.
type StepTask struct {
	StepExecutionID string `json:"step_execution_id"`
	ExecutionID     string `json:"execution_id"`
	StepIndex       int    `json:"step_index"`
}

// TaskQueue is the durable delayed scheduler the orchestrator hands
// continuations to.
type TaskQueue interface {
	Enqueue(ctx context.Context, name string, payload any, delay time.Duration) (string, error)
}

// advanceClaimTTL bounds how long a crashed advancer can hold a step
// index. It sits well above the queue visibility timeout so a live
// winner is never raced by its own redeliveries.
const advanceClaimTTL = 15 * time.Minute

// Orchestrator owns execution lifecycle: it starts executions for leads,
// advances them step by step, and records terminal outcomes. All send
// side effects live in the Executor; the orchestrator only schedules.
type Orchestrator struct {
	store   *RedisStore
	queue   TaskQueue
	metrics metrics.PipelineMetrics
	events  *emitter
}

// NewOrchestrator constructs an orchestrator over store and queue.
func NewOrchestrator(store *RedisStore, queue TaskQueue) *Orchestrator {
	return &Orchestrator{
		store:   store,
		queue:   queue,
		metrics: metrics.Noop{},
		events:  &emitter{store: store},
	}
}

// WithMetrics attaches a metrics sink.
func (o *Orchestrator) WithMetrics(m metrics.PipelineMetrics) *Orchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

// WithEvents attaches a bus publisher for live execution events.
func (o *Orchestrator) WithEvents(pub bus.Publisher) *Orchestrator {
	o.events = &emitter{store: o.store, pub: pub}
	return o
}

// StartResult reports the outcome of one start batch.
type StartResult struct {
	Message    string               `json:"message"`
	Executions []*PipelineExecution `json:"executions"`
}

// Start creates one execution per lead and schedules each one's first
// step. Leads are independent: a failure for one lead is logged and does
// not abort the rest of the batch. The returned message counts only the
// executions actually created.
func (o *Orchestrator) Start(ctx context.Context, companyID, pipelineID string, leadIDs []string) (*StartResult, error) {
	p, err := o.store.GetCompanyPipeline(ctx, companyID, pipelineID)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrPipelineNotFoundOrInactive
		}
		return nil, err
	}
	if !p.IsActive {
		return nil, ErrPipelineNotFoundOrInactive
	}

	result := &StartResult{}
	for _, leadID := range leadIDs {
		if leadID == "" {
			continue
		}
		exec := &PipelineExecution{
			ID:         uuid.NewString(),
			PipelineID: p.ID,
			CompanyID:  p.CompanyID,
			LeadID:     leadID,
			Status:     ExecutionStatusRunning,
			StartedAt:  time.Now().UTC(),
		}
		if err := o.store.CreateExecution(ctx, exec); err != nil {
			logging.Error("orchestrator", "create execution failed", "pipeline_id", p.ID, "lead_id", leadID, "error", err)
			continue
		}
		o.metrics.IncExecutionStarted(p.ID)
		o.events.emit(ctx, exec, EventExecutionStarted, 0, "")
		if err := o.Advance(ctx, exec.ID, 0); err != nil {
			logging.Error("orchestrator", "schedule first step failed", "execution_id", exec.ID, "error", err)
		}
		result.Executions = append(result.Executions, exec)
	}
	result.Message = fmt.Sprintf("Pipeline started for %d leads", len(result.Executions))
	logging.Info("orchestrator", "pipeline started", "pipeline_id", p.ID, "company_id", companyID, "leads", len(result.Executions))
	return result, nil
}

// Advance moves an execution to stepIndex: past the last step it completes
// the execution, otherwise it snapshots the step into a StepExecution and
// enqueues the delayed continuation. A missing execution is a logged no-op
// so stale queue tasks drain silently, and a terminal execution is never
// advanced. Advancement is serialized per (execution, step index), so
// concurrent callers schedule each step at most once.
func (o *Orchestrator) Advance(ctx context.Context, executionID string, stepIndex int) error {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		if err == ErrNotFound {
			logging.Warn("orchestrator", "advance for unknown execution", "execution_id", executionID, "step_index", stepIndex)
			return nil
		}
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	p, err := o.store.GetPipeline(ctx, exec.PipelineID)
	if err != nil {
		if err == ErrNotFound {
			logging.Warn("orchestrator", "advance for deleted pipeline", "execution_id", executionID, "pipeline_id", exec.PipelineID)
			return nil
		}
		return err
	}

	if stepIndex >= len(p.Steps) {
		return o.complete(ctx, exec)
	}

	// A persisted step execution means a previous advance finished; this
	// call is a duplicate and can drain.
	if _, err := o.store.GetStepExecutionByIndex(ctx, executionID, stepIndex); err == nil {
		logging.Debug("orchestrator", "step already scheduled", "execution_id", executionID, "step_index", stepIndex)
		return nil
	} else if err != ErrNotFound {
		return err
	}

	claimed, err := o.store.TryClaimAdvance(ctx, executionID, stepIndex, advanceClaimTTL)
	if err != nil {
		return fmt.Errorf("claim advance: %w", err)
	}
	if !claimed {
		// Someone else holds the claim but has not persisted the step
		// yet. Erroring lets the queue redeliver; once the holder either
		// finishes or its claim expires, the retry resolves cleanly.
		return fmt.Errorf("advance of %s step %d already claimed", executionID, stepIndex)
	}

	step := p.Steps[stepIndex]
	delay := StepDelay(step.DelayHours)
	now := time.Now().UTC()
	se := &StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		StepID:      step.ID,
		StepIndex:   stepIndex,
		Status:      StepStatusScheduled,
		ScheduledAt: now.Add(delay),
		TemplateID:  step.TemplateID,
		DelayHours:  step.DelayHours,
	}
	if err := o.store.CreateStepExecution(ctx, se); err != nil {
		if relErr := o.store.ReleaseAdvanceClaim(ctx, executionID, stepIndex); relErr != nil {
			logging.Warn("orchestrator", "release advance claim failed", "execution_id", executionID, "step_index", stepIndex, "error", relErr)
		}
		return fmt.Errorf("create step execution: %w", err)
	}
	_, err = o.queue.Enqueue(ctx, TaskStepDue, &StepTask{
		StepExecutionID: se.ID,
		ExecutionID:     exec.ID,
		StepIndex:       stepIndex,
	}, delay)
	if err != nil {
		// Undo the snapshot so a retry sees the pre-claim state.
		if delErr := o.store.DeleteStepExecution(ctx, se); delErr != nil {
			logging.Warn("orchestrator", "rollback step execution failed", "step_execution_id", se.ID, "error", delErr)
		}
		if relErr := o.store.ReleaseAdvanceClaim(ctx, executionID, stepIndex); relErr != nil {
			logging.Warn("orchestrator", "release advance claim failed", "execution_id", executionID, "step_index", stepIndex, "error", relErr)
		}
		return fmt.Errorf("enqueue step task: %w", err)
	}
	o.metrics.IncStepScheduled(exec.PipelineID)
	o.events.emit(ctx, exec, EventStepScheduled, stepIndex, step.TemplateID)
	logging.Info("orchestrator", "step scheduled", "execution_id", exec.ID, "step_index", stepIndex, "delay", delay.String())
	return nil
}

// Cancel stops a running execution. Already-terminal executions are left
// untouched; the tenant guard answers ErrNotFound for foreign executions.
func (o *Orchestrator) Cancel(ctx context.Context, companyID, executionID string) error {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if companyID != "" && exec.CompanyID != companyID {
		return ErrNotFound
	}
	if exec.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	exec.Status = ExecutionStatusCancelled
	exec.CompletedAt = &now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.metrics.IncExecutionCompleted(exec.PipelineID, string(ExecutionStatusCancelled))
	o.events.emit(ctx, exec, EventExecutionCancelled, 0, "")
	logging.Info("orchestrator", "execution cancelled", "execution_id", exec.ID, "pipeline_id", exec.PipelineID)
	return nil
}

// Fail marks a running execution failed. The executor calls this once a
// step has exhausted its retry budget.
func (o *Orchestrator) Fail(ctx context.Context, executionID string, stepIndex int, reason string) error {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	exec.Status = ExecutionStatusFailed
	exec.CompletedAt = &now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.metrics.IncExecutionCompleted(exec.PipelineID, string(ExecutionStatusFailed))
	o.metrics.ObserveExecutionDuration(exec.PipelineID, now.Sub(exec.StartedAt).Seconds())
	o.events.emit(ctx, exec, EventExecutionFailed, stepIndex, reason)
	logging.Warn("orchestrator", "execution failed", "execution_id", exec.ID, "step_index", stepIndex, "reason", reason)
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, exec *PipelineExecution) error {
	now := time.Now().UTC()
	exec.Status = ExecutionStatusCompleted
	exec.CompletedAt = &now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.metrics.IncExecutionCompleted(exec.PipelineID, string(ExecutionStatusCompleted))
	o.metrics.ObserveExecutionDuration(exec.PipelineID, now.Sub(exec.StartedAt).Seconds())
	o.events.emit(ctx, exec, EventExecutionCompleted, 0, "")
	logging.Info("orchestrator", "execution completed", "execution_id", exec.ID, "pipeline_id", exec.PipelineID)
	return nil
}
