// Package delivery hands finished step sends to the downstream email
// infrastructure. Rendering, provider selection, and SMTP mechanics live
// outside this repo; the contract here is queue-and-forget.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftmail/driftmail/core/infra/bus"
)

// SendRequest describes one email owed to one lead.
type SendRequest struct {
	StepExecutionID string `json:"step_execution_id"`
	ExecutionID     string `json:"execution_id"`
	PipelineID      string `json:"pipeline_id"`
	CompanyID       string `json:"company_id"`
	LeadID          string `json:"lead_id"`
	TemplateID      string `json:"template_id"`
}

// Sender queues an email send. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, req *SendRequest) error
}

// KindEmailSend is the envelope kind for queued sends.
const KindEmailSend = "email.send"

// BusSender publishes send requests on the bus for delivery workers.
type BusSender struct {
	pub     bus.Publisher
	subject string
}

// NewBusSender creates a Sender that publishes to subject.
func NewBusSender(pub bus.Publisher, subject string) *BusSender {
	return &BusSender{pub: pub, subject: subject}
}

func (s *BusSender) Send(ctx context.Context, req *SendRequest) error {
	if s == nil || s.pub == nil {
		return fmt.Errorf("bus sender not initialized")
	}
	if req == nil || req.StepExecutionID == "" || req.TemplateID == "" {
		return fmt.Errorf("send request requires step execution and template")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}
	return s.pub.Publish(s.subject, &bus.Envelope{
		ID:        uuid.NewString(),
		Kind:      KindEmailSend,
		SenderID:  "pipeline-engine",
		TraceID:   req.ExecutionID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	})
}

// MemorySender records sends for tests and can fail on demand.
type MemorySender struct {
	mu    sync.Mutex
	sent  []*SendRequest
	failN int
	fail  error
}

// NewMemorySender creates an in-memory Sender.
func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

// FailNext makes the next n Send calls return err.
func (s *MemorySender) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
	s.fail = err
}

func (s *MemorySender) Send(ctx context.Context, req *SendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return s.fail
	}
	cp := *req
	s.sent = append(s.sent, &cp)
	return nil
}

// Sent returns a copy of all recorded sends.
func (s *MemorySender) Sent() []*SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SendRequest, len(s.sent))
	copy(out, s.sent)
	return out
}
