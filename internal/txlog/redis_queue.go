package txlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现复制日志：LPUSH 入队，BRPOP 出队，保持先进先出。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "ars:txlog"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 将交易投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, txID string) error {
	if err := q.client.LPush(ctx, q.queue, txID).Err(); err != nil {
		return fmt.Errorf("Redis 发布交易失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取交易。handler 失败时把 ID 放回队尾（即下一个出队），
// 避免后续交易越过它。
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("Redis 取交易失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		txID := values[1]
		if handlerErr := handler(ctx, txID); handlerErr != nil {
			if pushErr := q.client.RPush(ctx, q.queue, txID).Err(); pushErr != nil {
				return fmt.Errorf("Redis 回退交易失败: %w", pushErr)
			}
			// 基础设施故障时放慢重试节奏。
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
