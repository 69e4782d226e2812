package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/driftmail/core/infra/bus"
	"github.com/driftmail/driftmail/core/infra/logging"
)

// SubjectEvents is the bus subject carrying execution events.
const SubjectEvents = "pipeline.events"

// KindEvent is the envelope kind for execution events.
const KindEvent = "pipeline.event"

// Event types, in rough lifecycle order.
const (
	EventExecutionStarted   = "execution.started"
	EventStepScheduled      = "step.scheduled"
	EventStepSent           = "step.sent"
	EventStepRetry          = "step.retry"
	EventStepSkipped        = "step.skipped"
	EventStepFailed         = "step.failed"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
)

// Event is the published form of an execution transition, with enough
// routing context for dashboards to filter by tenant or lead.
type Event struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	PipelineID  string    `json:"pipeline_id"`
	CompanyID   string    `json:"company_id"`
	LeadID      string    `json:"lead_id"`
	StepIndex   int       `json:"step_index,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Time        time.Time `json:"time"`
}

// emitter records execution events to the store timeline and, when a bus
// is attached, publishes them for live consumers. Both paths are best
// effort; event loss never blocks orchestration.
type emitter struct {
	store *RedisStore
	pub   bus.Publisher
}

func (e *emitter) emit(ctx context.Context, exec *PipelineExecution, evtType string, stepIndex int, detail string) {
	if e == nil || exec == nil {
		return
	}
	now := time.Now().UTC()
	if e.store != nil {
		err := e.store.AppendTimelineEvent(ctx, exec.ID, &TimelineEvent{
			Type:        evtType,
			ExecutionID: exec.ID,
			StepIndex:   stepIndex,
			Detail:      detail,
			Time:        now,
		})
		if err != nil {
			logging.Error("events", "append timeline failed", "execution_id", exec.ID, "type", evtType, "error", err)
		}
	}
	if e.pub == nil {
		return
	}
	payload, err := json.Marshal(&Event{
		Type:        evtType,
		ExecutionID: exec.ID,
		PipelineID:  exec.PipelineID,
		CompanyID:   exec.CompanyID,
		LeadID:      exec.LeadID,
		StepIndex:   stepIndex,
		Detail:      detail,
		Time:        now,
	})
	if err != nil {
		return
	}
	err = e.pub.Publish(SubjectEvents, &bus.Envelope{
		ID:        uuid.NewString(),
		Kind:      KindEvent,
		SenderID:  "pipeline-engine",
		TraceID:   exec.ID,
		CreatedAt: now,
		Payload:   payload,
	})
	if err != nil {
		logging.Error("events", "publish failed", "execution_id", exec.ID, "type", evtType, "error", err)
	}
}
