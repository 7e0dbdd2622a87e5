package task

import (
	"context"
)

// Handler 处理从派发通道取出的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责把晋升为 running 的任务投递给执行端。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从派发通道中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Broker 同时具备生产者与消费者能力。
type Broker interface {
	Producer
	Consumer
}
