package pipeline

import (
	"sort"
	"time"
)

// ExecutionStatus captures the lifecycle of a lead's run through a pipeline.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus captures the lifecycle of one scheduled step.
type StepStatus string

const (
	StepStatusScheduled StepStatus = "scheduled"
	StepStatusSent      StepStatus = "sent"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Pipeline is a tenant-owned ordered sequence of timed email steps.
type Pipeline struct {
	ID          string          `json:"id"`
	CompanyID   string          `json:"company_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	IsActive    bool            `json:"is_active"`
	Steps       []*PipelineStep `json:"steps"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PipelineStep is one stage: wait DelayHours, then send TemplateID.
// Order values need not be contiguous, only strictly ascending.
type PipelineStep struct {
	ID         string  `json:"id"`
	PipelineID string  `json:"pipeline_id"`
	Order      int     `json:"order"`
	DelayHours float64 `json:"delay_hours"`
	TemplateID string  `json:"template_id"`
}

// SortSteps orders steps ascending by Order in place.
func (p *Pipeline) SortSteps() {
	sort.SliceStable(p.Steps, func(i, j int) bool {
		return p.Steps[i].Order < p.Steps[j].Order
	})
}

// PipelineExecution is one lead's traversal of one pipeline.
type PipelineExecution struct {
	ID          string          `json:"id"`
	PipelineID  string          `json:"pipeline_id"`
	CompanyID   string          `json:"company_id"`
	LeadID      string          `json:"lead_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepExecution is the scheduling record for one step within one execution.
// TemplateID and DelayHours are snapshotted at scheduling time so later
// pipeline edits never rewrite in-flight behavior.
type StepExecution struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	StepIndex   int        `json:"step_index"`
	Status      StepStatus `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Attempts    int        `json:"attempts"`
	TemplateID  string     `json:"template_id"`
	DelayHours  float64    `json:"delay_hours"`
	LastError   string     `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// StepDelay converts a step's delay to a wall-clock duration.
// Hours map to milliseconds exactly: 24h -> 86,400,000ms.
func StepDelay(hours float64) time.Duration {
	if hours <= 0 {
		return 0
	}
	return time.Duration(hours * float64(time.Hour))
}
