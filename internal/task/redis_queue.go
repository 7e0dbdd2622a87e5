package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"Agora-Governance/pkg/logger"
)

// RedisBrokerConfig 描述 Redis 派发通道的连接参数。
type RedisBrokerConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisBroker 使用 Redis list 投递任务，执行端可以部署在其他进程。
type RedisBroker struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisBroker 创建 Redis 派发通道。
func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisBrokerWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisBrokerWithClient 复用已有的 Redis 客户端。
func NewRedisBrokerWithClient(client *redis.Client, queue string, wait time.Duration) *RedisBroker {
	if queue == "" {
		queue = "agora:dispatch"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBroker{client: client, queue: queue, wait: wait}
}

// Publish 将任务 ID 推入 Redis。
func (q *RedisBroker) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 获取任务。
func (q *RedisBroker) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取任务失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				taskID := values[1]
				if handlerErr := handler(ctx, taskID); handlerErr != nil {
					// 处理失败时重新投递任务。
					if err := q.client.RPush(ctx, q.queue, taskID).Err(); err != nil {
						logger.L().Error("Redis 重投任务失败", slog.Any("error", err), slog.String("task_id", taskID))
					}
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisBroker) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
