package taskqueue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("queue init: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDelayFidelity(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	before := time.Now().UTC()
	id, err := q.Enqueue(ctx, "pipeline.step", map[string]string{"k": "v"}, 24*time.Hour)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	after := time.Now().UTC()

	task, err := q.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	// 24h == 86,400,000 ms from enqueue time.
	lo := before.Add(24 * time.Hour)
	hi := after.Add(24 * time.Hour)
	if task.FireAt.Before(lo) || task.FireAt.After(hi) {
		t.Fatalf("fire time out of range: %s not in [%s, %s]", task.FireAt, lo, hi)
	}
	if got := task.FireAt.Sub(task.EnqueuedAt); got != 24*time.Hour {
		t.Fatalf("expected 24h delay, got %s", got)
	}
}

func TestDueRespectsFireTime(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := q.Enqueue(ctx, "pipeline.step", nil, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	readyID, err := q.Enqueue(ctx, "pipeline.step", nil, 0)
	if err != nil {
		t.Fatalf("enqueue ready: %v", err)
	}

	due, err := q.Due(ctx, now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0] != readyID {
		t.Fatalf("expected only the zero-delay task due, got %v", due)
	}

	due, err = q.Due(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("due later: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected both tasks due after the delay, got %v", due)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "pipeline.step", nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().UTC().Add(time.Minute)

	task, claimed, err := q.Claim(ctx, id, deadline)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	if task.Deliveries != 1 {
		t.Fatalf("expected 1 delivery, got %d", task.Deliveries)
	}

	_, claimed, err = q.Claim(ctx, id, deadline)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("expected second claim to lose")
	}
}

func TestClaimMovesTaskToInflight(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "pipeline.step", nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().UTC().Add(time.Minute)
	if _, claimed, err := q.Claim(ctx, id, deadline); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	// The task left the scheduled set and sits inflight under its
	// visibility deadline; it is never absent from both.
	due, err := q.Due(ctx, time.Now().UTC().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("claimed task still scheduled: %v", due)
	}
	expired, err := q.Expired(ctx, deadline.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("expected task inflight, got %v", expired)
	}
}

func TestAckRemovesTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "pipeline.step", nil, 0)
	if _, _, err := q.Claim(ctx, id, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.GetTask(ctx, id); err != ErrTaskNotFound {
		t.Fatalf("expected task gone, got %v", err)
	}
	expired, _ := q.Expired(ctx, time.Now().UTC().Add(time.Hour), 10)
	if len(expired) != 0 {
		t.Fatalf("expected empty inflight, got %v", expired)
	}
}

func TestRequeueReturnsToScheduled(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "pipeline.step", nil, 0)
	if _, _, err := q.Claim(ctx, id, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Requeue(ctx, id, time.Minute); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	due, _ := q.Due(ctx, time.Now().UTC(), 10)
	if len(due) != 0 {
		t.Fatalf("requeued task should not be due yet: %v", due)
	}
	due, _ = q.Due(ctx, time.Now().UTC().Add(2*time.Minute), 10)
	if len(due) != 1 || due[0] != id {
		t.Fatalf("expected task due after the requeue delay, got %v", due)
	}
}

func TestBuryAndListDead(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "pipeline.step", nil, 0)
	if err := q.Bury(ctx, id); err != nil {
		t.Fatalf("bury: %v", err)
	}
	dead, err := q.ListDead(ctx, 10)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	if len(dead) != 1 || dead[0] != id {
		t.Fatalf("unexpected dead set: %v", dead)
	}
	due, _ := q.Due(ctx, time.Now().UTC().Add(time.Hour), 10)
	if len(due) != 0 {
		t.Fatalf("buried task still scheduled: %v", due)
	}
}

func TestLockExclusivity(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.TryAcquireLock(ctx, "dispatch", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	ok, err = q.TryAcquireLock(ctx, "dispatch", time.Minute)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if ok {
		t.Fatalf("expected second lock to fail")
	}
	if err := q.ReleaseLock(ctx, "dispatch"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = q.TryAcquireLock(ctx, "dispatch", time.Minute)
	if !ok {
		t.Fatalf("expected lock reacquirable after release")
	}
}
