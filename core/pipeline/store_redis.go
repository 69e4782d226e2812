package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftmail/driftmail/core/infra/redisutil"
)

const (
	defaultRedisURL    = "redis://localhost:6379"
	timelineMaxEntries = 1000
)

// RedisStore persists pipeline definitions, executions, and step executions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed pipeline store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// --- Pipeline definitions ---

// SavePipeline upserts a pipeline definition and updates the tenant index.
// Steps are normalized to ascending order.
func (s *RedisStore) SavePipeline(ctx context.Context, p *Pipeline) error {
	if p == nil || p.ID == "" || p.CompanyID == "" {
		return fmt.Errorf("pipeline id and company id required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.SortSteps()
	for _, step := range p.Steps {
		step.PipelineID = p.ID
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, pipelineKey(p.ID), payload, 0)
	pipe.ZAdd(ctx, pipelineCompanyIndexKey(p.CompanyID), redis.Z{Score: float64(now.Unix()), Member: p.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetPipeline returns a pipeline definition by ID regardless of tenant.
func (s *RedisStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	data, err := s.client.Get(ctx, pipelineKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	p.SortSteps()
	return &p, nil
}

// GetCompanyPipeline returns a pipeline only when it belongs to companyID.
// A pipeline owned by another tenant answers ErrNotFound, never a
// permission error, to avoid leaking existence.
func (s *RedisStore) GetCompanyPipeline(ctx context.Context, companyID, id string) (*Pipeline, error) {
	if companyID == "" {
		return nil, fmt.Errorf("company id required")
	}
	p, err := s.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.CompanyID != companyID {
		return nil, ErrNotFound
	}
	return p, nil
}

// DeletePipeline removes a tenant's pipeline definition and its index entry.
func (s *RedisStore) DeletePipeline(ctx context.Context, companyID, id string) error {
	if _, err := s.GetCompanyPipeline(ctx, companyID, id); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, pipelineKey(id))
	pipe.ZRem(ctx, pipelineCompanyIndexKey(companyID), id)
	_, err := pipe.Exec(ctx)
	return err
}

// ListPipelines returns a tenant's recent pipelines.
func (s *RedisStore) ListPipelines(ctx context.Context, companyID string, limit int64) ([]*Pipeline, error) {
	if companyID == "" {
		return nil, fmt.Errorf("company id required")
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, pipelineCompanyIndexKey(companyID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Pipeline, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPipeline(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// --- Executions ---

// CreateExecution persists a new execution and indexes it.
func (s *RedisStore) CreateExecution(ctx context.Context, exec *PipelineExecution) error {
	if exec == nil || exec.ID == "" || exec.PipelineID == "" {
		return fmt.Errorf("execution id and pipeline id required")
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if exec.Status == "" {
		exec.Status = ExecutionStatusRunning
	}

	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, executionKey(exec.ID), payload, 0)
	pipe.ZAdd(ctx, executionPipelineIndexKey(exec.PipelineID), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	if exec.LeadID != "" {
		pipe.ZAdd(ctx, executionLeadIndexKey(exec.LeadID), redis.Z{Score: float64(now.Unix()), Member: exec.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetExecution fetches an execution by ID.
func (s *RedisStore) GetExecution(ctx context.Context, id string) (*PipelineExecution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id required")
	}
	data, err := s.client.Get(ctx, executionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var exec PipelineExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

// UpdateExecution overwrites an existing execution document.
func (s *RedisStore) UpdateExecution(ctx context.Context, exec *PipelineExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id required")
	}
	exec.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.client.Set(ctx, executionKey(exec.ID), payload, 0).Err()
}

// ListExecutionsByPipeline returns recent executions for a pipeline.
func (s *RedisStore) ListExecutionsByPipeline(ctx context.Context, pipelineID string, limit int64) ([]*PipelineExecution, error) {
	return s.listExecutions(ctx, executionPipelineIndexKey(pipelineID), limit)
}

// ListExecutionsByLead returns recent executions for a lead.
func (s *RedisStore) ListExecutionsByLead(ctx context.Context, leadID string, limit int64) ([]*PipelineExecution, error) {
	return s.listExecutions(ctx, executionLeadIndexKey(leadID), limit)
}

func (s *RedisStore) listExecutions(ctx context.Context, index string, limit int64) ([]*PipelineExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*PipelineExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

// --- Step executions ---

// CreateStepExecution persists a scheduling record for one advancement.
func (s *RedisStore) CreateStepExecution(ctx context.Context, se *StepExecution) error {
	if se == nil || se.ID == "" || se.ExecutionID == "" {
		return fmt.Errorf("step execution id and execution id required")
	}
	now := time.Now().UTC()
	if se.CreatedAt.IsZero() {
		se.CreatedAt = now
	}
	if se.Status == "" {
		se.Status = StepStatusScheduled
	}

	payload, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("marshal step execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stepExecutionKey(se.ID), payload, 0)
	pipe.ZAdd(ctx, stepExecutionIndexKey(se.ExecutionID), redis.Z{Score: float64(now.UnixNano()), Member: se.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetStepExecution fetches a step execution by ID.
func (s *RedisStore) GetStepExecution(ctx context.Context, id string) (*StepExecution, error) {
	if id == "" {
		return nil, fmt.Errorf("step execution id required")
	}
	data, err := s.client.Get(ctx, stepExecutionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var se StepExecution
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("unmarshal step execution: %w", err)
	}
	return &se, nil
}

// GetStepExecutionByIndex returns the step execution scheduled for one
// step index of an execution, or ErrNotFound when none was persisted.
func (s *RedisStore) GetStepExecutionByIndex(ctx context.Context, executionID string, stepIndex int) (*StepExecution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id required")
	}
	ids, err := s.client.ZRange(ctx, stepExecutionIndexKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		se, err := s.GetStepExecution(ctx, id)
		if err != nil {
			continue
		}
		if se.StepIndex == stepIndex {
			return se, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteStepExecution removes a step execution record and its index entry.
// Used to roll back a scheduling attempt whose task never made the queue.
func (s *RedisStore) DeleteStepExecution(ctx context.Context, se *StepExecution) error {
	if se == nil || se.ID == "" || se.ExecutionID == "" {
		return fmt.Errorf("step execution id and execution id required")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, stepExecutionKey(se.ID))
	pipe.ZRem(ctx, stepExecutionIndexKey(se.ExecutionID), se.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// UpdateStepExecution overwrites an existing step execution document.
func (s *RedisStore) UpdateStepExecution(ctx context.Context, se *StepExecution) error {
	if se == nil || se.ID == "" {
		return fmt.Errorf("step execution id required")
	}
	payload, err := json.Marshal(se)
	if err != nil {
		return fmt.Errorf("marshal step execution: %w", err)
	}
	return s.client.Set(ctx, stepExecutionKey(se.ID), payload, 0).Err()
}

// ListStepExecutions returns an execution's step executions in creation order.
func (s *RedisStore) ListStepExecutions(ctx context.Context, executionID string, limit int64) ([]*StepExecution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id required")
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, stepExecutionIndexKey(executionID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*StepExecution, 0, len(ids))
	for _, id := range ids {
		se, err := s.GetStepExecution(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, se)
	}
	return out, nil
}

// --- Advance and send claims ---

// TryClaimAdvance serializes advancement per (execution, step index); only
// the first caller may schedule that step. The TTL bounds how long a
// crashed winner can block progress; callers must treat a lost claim as
// pending, not done, until the step record is visible.
func (s *RedisStore) TryClaimAdvance(ctx context.Context, executionID string, stepIndex int, ttl time.Duration) (bool, error) {
	if executionID == "" {
		return false, fmt.Errorf("execution id required")
	}
	return s.client.SetNX(ctx, advanceClaimKey(executionID, stepIndex), "1", ttl).Result()
}

// ReleaseAdvanceClaim returns an advance claim after a failed scheduling
// attempt so the next caller does not wait out the TTL.
func (s *RedisStore) ReleaseAdvanceClaim(ctx context.Context, executionID string, stepIndex int) error {
	if executionID == "" {
		return fmt.Errorf("execution id required")
	}
	return s.client.Del(ctx, advanceClaimKey(executionID, stepIndex)).Err()
}

// TryClaimStepSend grants one attempt of a step's side effect to one caller.
// Duplicate queue deliveries of the same attempt lose the claim. The TTL
// lets a crashed winner's claim lapse so redelivery can try again.
func (s *RedisStore) TryClaimStepSend(ctx context.Context, stepExecutionID string, attempt int, ttl time.Duration) (bool, error) {
	if stepExecutionID == "" {
		return false, fmt.Errorf("step execution id required")
	}
	return s.client.SetNX(ctx, sendClaimKey(stepExecutionID, attempt), "1", ttl).Result()
}

// --- Start idempotency ---

// TrySetStartIdempotencyKey reserves an idempotency key for a start batch.
func (s *RedisStore) TrySetStartIdempotencyKey(ctx context.Context, key, batchID string) (bool, error) {
	if key == "" || batchID == "" {
		return false, fmt.Errorf("idempotency key and batch id required")
	}
	return s.client.SetNX(ctx, startIdempotencyKey(key), batchID, 0).Result()
}

// GetStartIdempotencyKey returns the batch previously reserved under key.
func (s *RedisStore) GetStartIdempotencyKey(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("idempotency key required")
	}
	val, err := s.client.Get(ctx, startIdempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// --- Timeline ---

// TimelineEvent records one observable transition of an execution.
type TimelineEvent struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	StepIndex   int       `json:"step_index,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Time        time.Time `json:"time"`
}

// AppendTimelineEvent records an execution event in append-only order.
func (s *RedisStore) AppendTimelineEvent(ctx context.Context, executionID string, event *TimelineEvent) error {
	if executionID == "" {
		return fmt.Errorf("execution id required")
	}
	if event == nil {
		return fmt.Errorf("event required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, timelineKey(executionID), data)
	pipe.LTrim(ctx, timelineKey(executionID), -timelineMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListTimelineEvents returns execution events in chronological order.
func (s *RedisStore) ListTimelineEvents(ctx context.Context, executionID string, limit int64) ([]TimelineEvent, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id required")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, timelineKey(executionID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEvent, 0, len(raw))
	for _, item := range raw {
		var evt TimelineEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// --- Keys ---

func pipelineKey(id string) string {
	return "pl:def:" + id
}

func pipelineCompanyIndexKey(companyID string) string {
	return "pl:index:company:" + companyID
}

func executionKey(id string) string {
	return "pl:exec:" + id
}

func executionPipelineIndexKey(pipelineID string) string {
	return "pl:execs:pipeline:" + pipelineID
}

func executionLeadIndexKey(leadID string) string {
	return "pl:execs:lead:" + leadID
}

func stepExecutionKey(id string) string {
	return "pl:stepexec:" + id
}

func stepExecutionIndexKey(executionID string) string {
	return "pl:stepexecs:" + executionID
}

func advanceClaimKey(executionID string, stepIndex int) string {
	return fmt.Sprintf("pl:claim:advance:%s:%d", executionID, stepIndex)
}

func sendClaimKey(stepExecutionID string, attempt int) string {
	return fmt.Sprintf("pl:claim:send:%s:%d", stepExecutionID, attempt)
}

func startIdempotencyKey(key string) string {
	return "pl:start:idempotency:" + key
}

func timelineKey(executionID string) string {
	return "pl:exec:timeline:" + executionID
}
