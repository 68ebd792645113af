package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExecutor struct {
	err   error
	calls int32
	block bool
}

func (f *fakeExecutor) ExecuteRun(ctx context.Context, runID string) error {
	atomic.AddInt32(&f.calls, 1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestNewRunJobDefaults(t *testing.T) {
	job := NewRunJob("run-1", 0)
	if job.RunID != "run-1" {
		t.Fatalf("unexpected run id %q", job.RunID)
	}
	if job.MaxRetries != 1 {
		t.Fatalf("plan runs execute once, got MaxRetries=%d", job.MaxRetries)
	}
	if job.Timeout != defaultRunTimeout {
		t.Fatalf("expected default timeout, got %v", job.Timeout)
	}
}

func TestTryDispatchMaxRetries(t *testing.T) {
	executor := &fakeExecutor{}
	o, _ := NewOrchestrator(1, executor)
	o.retryTicker.Stop()
	defer o.pool.Release()

	job := &Job{
		RunID:      "run-1",
		RetryCount: 1,
		MaxRetries: 1,
		Timeout:    10 * time.Millisecond,
	}

	o.tryDispatch(job)

	if got := o.retryQueue.Len(); got != 0 {
		t.Fatalf("retry queue should be empty, got %d", got)
	}
	if atomic.LoadInt32(&executor.calls) != 0 {
		t.Fatalf("executor should not be called, got %d", executor.calls)
	}
	if job.RetryCount != 1 {
		t.Fatalf("retry count should remain 1, got %d", job.RetryCount)
	}
}

func TestTryDispatchExecutesOnce(t *testing.T) {
	executor := &fakeExecutor{err: errors.New("stage failed")}
	o, _ := NewOrchestrator(1, executor)
	o.retryTicker.Stop()
	defer o.pool.Release()

	o.tryDispatch(NewRunJob("run-2", time.Second))

	waitFor(t, 500*time.Millisecond, func() bool {
		return atomic.LoadInt32(&executor.calls) > 0 && !o.IsActive("run-2")
	})
	if got := o.retryQueue.Len(); got != 0 {
		t.Fatalf("retry queue should be empty, got %d", got)
	}
	if atomic.LoadInt32(&executor.calls) != 1 {
		t.Fatalf("executor should be called once, got %d", executor.calls)
	}
}

func TestExecuteJobStopsOnTimeout(t *testing.T) {
	executor := &fakeExecutor{block: true}
	o, _ := NewOrchestrator(1, executor)
	o.retryTicker.Stop()
	defer o.pool.Release()

	job := &Job{
		RunID:      "run-3",
		RetryCount: 0,
		MaxRetries: 3,
		Timeout:    50 * time.Millisecond,
	}

	start := time.Now()
	o.executeJob(job)
	elapsed := time.Since(start)

	if atomic.LoadInt32(&executor.calls) != 1 {
		t.Fatalf("executor should be called once, got %d", executor.calls)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("executeJob took too long: %v", elapsed)
	}
}

func TestCancelRunAbortsActiveRun(t *testing.T) {
	executor := &fakeExecutor{block: true}
	o, err := NewOrchestrator(1, executor)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	o.Start()
	defer o.Stop(time.Second)

	if err := o.EnqueueJob(NewRunJob("run-4", time.Minute)); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	waitFor(t, time.Second, func() bool { return o.IsActive("run-4") })

	if !o.CancelRun("run-4") {
		t.Fatal("CancelRun should report an active run")
	}
	if o.IsActive("run-4") {
		t.Fatal("run should be unregistered after cancel returns")
	}
	if o.CancelRun("run-4") {
		t.Fatal("second cancel should report no active run")
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	o, _ := NewOrchestrator(1, &fakeExecutor{})
	o.Start()
	o.Stop(time.Second)

	if err := o.EnqueueJob(NewRunJob("run-5", time.Second)); !errors.Is(err, ErrOrchestratorStopped) {
		t.Fatalf("expected ErrOrchestratorStopped, got %v", err)
	}
}

func TestJobQueueRejectsWhenFull(t *testing.T) {
	q := newJobQueue(1)
	if err := q.Enqueue(&Job{RunID: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(&Job{RunID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	job, ok := q.Dequeue()
	if !ok || job.RunID != "a" {
		t.Fatalf("unexpected dequeue result: %v %v", job, ok)
	}
	q.Close()
	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue on closed empty queue should return false")
	}
}
