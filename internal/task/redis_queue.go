package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 是 Redis 队列后端的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 用一个 Redis list 承载待执行的任务 ID。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 建立连接并确认 Redis 可达。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("缺少 Redis 连接地址")
	}
	q := &RedisQueue{
		queue: cfg.Queue,
		wait:  cfg.BlockWait,
	}
	if q.queue == "" {
		q.queue = "openlake:tasks"
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	q.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := q.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("Redis 连接失败: %w", err)
	}
	return q, nil
}

// Publish 把任务 ID 压入队列头。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 投递任务失败: %w", err)
	}
	return nil
}

// Consume 启动 workerCount 个循环，用 BRPOP 阻塞取任务。
// 任意 worker 出错即整体返回，交给上层决定是否重启。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() { errCh <- q.popLoop(ctx, handler) }()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) popLoop(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		switch {
		case err == redis.Nil:
			continue
		case errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed):
			return err
		case err != nil:
			return fmt.Errorf("Redis 弹出任务失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		taskID := values[1]
		if handler(ctx, taskID) != nil {
			// 处理失败的任务放回队尾等待再次消费。
			_ = q.client.RPush(ctx, q.queue, taskID).Err()
		}
	}
}

// Close 释放 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
