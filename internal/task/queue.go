package task

import "context"

// Handler 消费一条队列消息，入参是任务 ID。
// 返回错误时由具体队列实现决定是否重投。
type Handler func(ctx context.Context, taskID string) error

// Producer 把任务 ID 投递到队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发 worker 拉取并处理队列消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是生产者与消费者的合体，内存、Redis、RabbitMQ 三种实现都满足它。
type Queue interface {
	Producer
	Consumer
}
