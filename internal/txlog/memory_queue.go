package txlog

import (
	"context"
	"sync"

	xerrors "ARS-Engine/internal/errors"
)

// MemoryQueue 使用 channel 模拟复制日志队列，主要用于测试与单机开发。
type MemoryQueue struct {
	ch     chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 将交易投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, txID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- txID:
		return nil
	}
}

// Consume 按投递顺序逐条交给 handler，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case txID, ok := <-q.ch:
			if !ok {
				return nil
			}
			_ = handler(ctx, txID)
		}
	}
}

// Len 返回尚未消费的条目数。
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
