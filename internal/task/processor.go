package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"OpenLake-Chain/internal/agent"
	xerrors "OpenLake-Chain/internal/errors"
	"OpenLake-Chain/internal/observability/alerting"
	"OpenLake-Chain/pkg/logger"
)

// Executor 是处理器依赖的查询执行面，由仓储 Agent 实现。
type Executor interface {
	Execute(ctx context.Context, req agent.QueryRequest) (*agent.QueryResult, error)
}

// Processor 消费队列里的任务 ID，抢占状态后交给 Agent 执行，
// 并按结果推进任务状态机。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 调整处理器的可选行为。
type ProcessorOption func(*Processor)

// WithProcessorLogger 替换调试日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithWorkerCount 指定消费协程数，非正值被忽略。
func WithWorkerCount(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workerCount = n
		}
	}
}

// WithRecoveryHandler 挂接不可重试失败的降级策略。
func WithRecoveryHandler(h RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = h }
}

// WithAlertDispatcher 挂接告警出口。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

// NewProcessor 组装处理器，默认单 worker。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 阻塞消费队列，直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "缺少任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器依赖未就绪")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.debugf("任务无需处理", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("抢占任务状态失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, agent.QueryRequest{
		ID:       task.ID,
		Question: task.Question,
		Tables:   cloneTables(task.Tables),
		Metadata: cloneMetadata(task.Metadata),
	})
	if execErr != nil {
		return p.onExecuteError(ctx, task, execErr)
	}

	var outcome ExecutionResult
	if result != nil {
		outcome = ExecutionResult{
			Thought:      result.Thought,
			Reply:        result.Reply,
			Steps:        convertSteps(result.Steps),
			Observations: result.Observations,
		}
	}
	return p.persistSuccess(ctx, task, outcome, CodeTaskProcessing)
}

// persistSuccess 落盘成功结果；落盘失败时回写失败状态并重新入队，
// 保证任务不会悬在运行中。
func (p *Processor) persistSuccess(ctx context.Context, task *Task, outcome ExecutionResult, failCode xerrors.Code) error {
	err := p.store.MarkSucceeded(ctx, task.ID, outcome)
	if err == nil {
		logger.Audit().Info("任务完成",
			slog.String("task_id", task.ID),
			slog.String("question", task.Question),
			slog.Int("steps", len(outcome.Steps)),
		)
		return nil
	}

	logger.L().Error("写入成功结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
	if storeErr := p.store.MarkFailed(ctx, task.ID, failCode, err.Error(), false); storeErr != nil {
		logger.L().Error("成功结果写入失败后回写失败状态也出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 写结果失败后无法重新入队", task.ID))
	}
	logger.Audit().Warn("任务结果落盘失败，已重新入队",
		slog.String("task_id", task.ID),
		slog.String("question", task.Question),
		slog.String("error", err.Error()),
	)
	return nil
}

func (p *Processor) onExecuteError(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	if !retryable && p.recovery != nil {
		handled, err := p.tryRecover(ctx, task, code, execErr)
		if handled || err != nil {
			return err
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("写入失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务本次执行失败",
		slog.String("task_id", task.ID),
		slog.String("question", task.Question),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	switch {
	case terminal:
		stage = "terminal"
	case !retryable:
		stage = "non_retryable"
	}
	p.emitAlert(ctx, task, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重新入队失败", task.ID))
		}
		p.debugf("任务等待下一次重试", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

// tryRecover 执行降级策略。返回 handled=true 表示任务已被降级结果收尾，
// 上层无需再写失败状态。
func (p *Processor) tryRecover(ctx context.Context, task *Task, code xerrors.Code, execErr error) (bool, error) {
	fallback, recErr := p.recovery.Recover(ctx, task, execErr)
	if recErr != nil {
		wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "补偿流程本身失败")
		logger.L().Error("补偿流程执行出错",
			slog.Any("error", wrapped),
			slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		return false, nil
	}
	if fallback == nil {
		return false, nil
	}

	if fallback.Observations == "" {
		fallback.Observations = fmt.Sprintf("已降级，原始错误: %v", execErr)
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, *fallback); err != nil {
		logger.L().Error("降级结果写入失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, code, err.Error(), false); storeErr != nil {
			logger.L().Error("降级结果写入失败后回写失败状态也出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return true, storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return true, xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 降级失败后无法重新入队", task.ID))
		}
		return true, nil
	}
	logger.Audit().Warn("任务以降级结果收尾",
		slog.String("task_id", task.ID),
		slog.String("question", task.Question),
		slog.String("observations", fallback.Observations),
	)
	p.emitAlert(ctx, task, code, execErr, "degraded")
	return true, nil
}

func (p *Processor) debugf(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Question:   task.Question,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("派发告警事件失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

func convertSteps(steps []agent.StepResult) []ExecutionStep {
	if len(steps) == 0 {
		return nil
	}
	converted := make([]ExecutionStep, len(steps))
	for i, step := range steps {
		converted[i] = ExecutionStep{
			Action:      step.Action,
			Input:       step.Input,
			Observation: step.Observation,
		}
	}
	return converted
}
