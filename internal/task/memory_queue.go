package task

import (
	"context"
	"errors"
	"sync"
)

var errBrokerClosed = errors.New("派发通道已关闭")

// MemoryBroker 在进程内投递任务，适合单节点部署与测试。
// 积压不设上限：Publish 可能在消费者的处理函数中被调用（完成任务后晋升下一个），
// 阻塞发送会让所有工作协程互相等待。
type MemoryBroker struct {
	mu      sync.Mutex
	pending []string
	notify  chan struct{}
	done    chan struct{}
	closed  bool
}

// NewMemoryBroker 创建内存派发通道，size 为积压队列的初始容量。
func NewMemoryBroker(size int) *MemoryBroker {
	if size <= 0 {
		size = 64
	}
	return &MemoryBroker{
		pending: make([]string, 0, size),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Publish 投递任务 ID，从不阻塞。
func (q *MemoryBroker) Publish(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errBrokerClosed
	}
	q.pending = append(q.pending, taskID)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Len 返回尚未被消费的任务数。
func (q *MemoryBroker) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryBroker) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next 取出最早的任务 ID；取出后仍有积压时继续唤醒其他工作协程。
func (q *MemoryBroker) next() (string, bool) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return "", false
	}
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	more := len(q.pending) > 0
	q.mu.Unlock()
	if more {
		q.signal()
	}
	return id, true
}

// Consume 启动指定数量的工作协程，直到 ctx 结束或通道关闭。
func (q *MemoryBroker) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if id, ok := q.next(); ok {
					_ = handler(ctx, id)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case <-q.notify:
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭通道，之后的 Publish 返回错误。
func (q *MemoryBroker) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}
