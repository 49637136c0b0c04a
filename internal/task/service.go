package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenLake-Chain/internal/agent"
	xerrors "OpenLake-Chain/internal/errors"
	"OpenLake-Chain/pkg/logger"
)

// Service 是任务生命周期的入口，负责受理、查询与统计。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。maxRetries 非正时退回默认值 3。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		store:      store,
		producer:   producer,
		maxRetries: maxRetries,
	}
}

func (s *Service) requireStore() error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储不可用")
	}
	return nil
}

// Submit 创建一个新的任务并推送到队列。
// 重复提交同一 ID 的任务会返回已有任务，保证幂等。
func (s *Service) Submit(ctx context.Context, req agent.QueryRequest) (*Task, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, xerrors.New(CodeTaskValidation, "问题不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务依赖未就绪")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = uuid.NewString()
	} else if existing, err := s.store.Get(ctx, taskID); err == nil {
		return existing, nil
	} else if !stdErrors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	task := &Task{
		ID:         taskID,
		Question:   req.Question,
		Tables:     cloneTables(req.Tables),
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		// 并发提交同一 ID 时让先写入者胜出。
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			switch {
			case getErr == nil:
				return existing, nil
			case !stdErrors.Is(getErr, ErrTaskNotFound):
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务发布到队列失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "任务无法进入执行队列")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务已受理",
		slog.String("task_id", taskID),
		slog.String("question", task.Question),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if err := s.requireStore(); err != nil {
		return TaskStats{}, err
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 依次释放存储与生产者。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 以固定间隔轮询任务，直到它进入终态或上下文取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case StatusSucceeded, StatusFailed:
			return current, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
