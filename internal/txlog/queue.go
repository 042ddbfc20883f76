package txlog

import (
	"context"
)

// Handler 处理来自消息队列的交易 ID。
type Handler func(ctx context.Context, txID string) error

// Producer 负责向队列投递交易。
type Producer interface {
	Publish(ctx context.Context, txID string) error
	Close() error
}

// Consumer 负责从队列中消费交易。引擎是单写者，消费端只使用一个工作协程。
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
