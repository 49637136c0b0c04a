package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenLake-Chain/internal/agent"
	xerrors "OpenLake-Chain/internal/errors"
	"OpenLake-Chain/internal/observability/alerting"
)

type fakeExecutor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &agent.QueryResult{Question: req.Question, Thought: "done", Reply: "ok"}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make([]string, 0, len(r.events))
	for _, event := range r.events {
		stages = append(stages, event.Metadata["stage"])
	}
	return stages
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	service := NewService(store, queue, 3)
	executor := &fakeExecutor{}

	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))
	go func() {
		if err := processor.Start(ctx); err != nil && ctx.Err() == nil {
			t.Errorf("processor start: %v", err)
		}
	}()

	const total = 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, agent.QueryRequest{Question: fmt.Sprintf("问题 %d", i)}); err != nil {
			t.Fatalf("submit task %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := store.Stats(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded == total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for tasks, stats: %+v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := executor.calls.Load(); got != total {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)

	executor := &fakeExecutor{}
	executor.fn = func(_ context.Context, req agent.QueryRequest) (*agent.QueryResult, error) {
		if executor.calls.Load() == 1 {
			return nil, xerrors.New(xerrors.CodeWarehouseFailure, "数仓暂时不可用", xerrors.WithRetryable(true))
		}
		return &agent.QueryResult{Question: req.Question, Reply: "第二次成功"}, nil
	}

	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(1))
	go func() { _ = processor.Start(ctx) }()

	created, err := service.Submit(ctx, agent.QueryRequest{Question: "重试问题"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 任务在重试前会短暂处于失败状态，这里直接等待最终成功。
	var final *Task
	deadline := time.Now().Add(5 * time.Second)
	for {
		final, err = service.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.Status == StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for retry, task: %+v", final)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", final.Attempts)
	}
	if final.Result == nil || final.Result.Reply != "第二次成功" {
		t.Fatalf("unexpected result: %+v", final.Result)
	}
}

type fallbackRecovery struct {
	result *ExecutionResult
	err    error
}

func (f *fallbackRecovery) Recover(_ context.Context, _ *Task, _ error) (*ExecutionResult, error) {
	return f.result, f.err
}

func TestProcessorDegradesNonRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)

	executor := &fakeExecutor{fn: func(_ context.Context, _ agent.QueryRequest) (*agent.QueryResult, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题格式不合法", xerrors.WithRetryable(false))
	}}
	dispatcher := &recordingDispatcher{}
	recovery := &fallbackRecovery{result: &ExecutionResult{Reply: "已降级为缓存答案"}}

	processor := NewProcessor(executor, store, queue, queue,
		WithWorkerCount(1),
		WithRecoveryHandler(recovery),
		WithAlertDispatcher(dispatcher),
	)
	go func() { _ = processor.Start(ctx) }()

	created, err := service.Submit(ctx, agent.QueryRequest{Question: "降级问题"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	final, err := service.WaitUntilCompleted(waitCtx, created.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("expected degraded success, got %s", final.Status)
	}
	if final.Result == nil || final.Result.Reply != "已降级为缓存答案" {
		t.Fatalf("unexpected result: %+v", final.Result)
	}
	if final.Result.Observations == "" {
		t.Fatalf("expected degradation observations to be filled")
	}

	stages := dispatcher.stages()
	if len(stages) == 0 || stages[len(stages)-1] != "degraded" {
		t.Fatalf("expected degraded alert, got %v", stages)
	}
}

func TestProcessorTerminalFailureAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 1)

	executor := &fakeExecutor{fn: func(_ context.Context, _ agent.QueryRequest) (*agent.QueryResult, error) {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "模型持续超时", xerrors.WithRetryable(true))
	}}
	dispatcher := &recordingDispatcher{}

	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(1), WithAlertDispatcher(dispatcher))
	go func() { _ = processor.Start(ctx) }()

	created, err := service.Submit(ctx, agent.QueryRequest{Question: "最终失败"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	final, err := service.WaitUntilCompleted(waitCtx, created.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ErrorCode != string(xerrors.CodeExecutorFailure) {
		t.Fatalf("unexpected error code: %s", final.ErrorCode)
	}

	stages := dispatcher.stages()
	if len(stages) != 1 || stages[0] != "terminal" {
		t.Fatalf("expected single terminal alert, got %v", stages)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, 3)

	first, err := service.Submit(ctx, agent.QueryRequest{ID: "fixed", Question: "幂等提交"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, agent.QueryRequest{ID: "fixed", Question: "幂等提交"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same task, got %s and %s", first.ID, second.ID)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single task, got %d", len(all))
	}
}
