package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig 描述告警流的连接参数。
type RedisStreamConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamNotifier 通过 XADD 把告警写入 Redis Stream，供外部订阅者消费。
type RedisStreamNotifier struct {
	client streamAdder
	closer func() error
	stream string
	maxLen int64
}

// NewRedisStreamNotifier 创建 Redis Stream 通知器。
func NewRedisStreamNotifier(cfg RedisStreamConfig) (*RedisStreamNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	n := newRedisStreamNotifier(client, cfg.Stream, cfg.MaxLen)
	n.closer = client.Close
	return n, nil
}

func newRedisStreamNotifier(client streamAdder, stream string, maxLen int64) *RedisStreamNotifier {
	if stream == "" {
		stream = "ars:alerts"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamNotifier{client: client, stream: stream, maxLen: maxLen}
}

// Channel 返回 Redis Stream 渠道。
func (n *RedisStreamNotifier) Channel() Channel { return ChannelRedisStream }

// Notify 追加一条流记录。
func (n *RedisStreamNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.client == nil {
		return nil
	}
	values := map[string]any{
		"code":        string(event.Code),
		"severity":    string(event.Severity),
		"stage":       event.Stage,
		"message":     event.Message,
		"tx_id":       event.TxID,
		"kind":        event.Kind,
		"attempts":    strconv.Itoa(event.Attempts),
		"occurred_at": strconv.FormatInt(event.OccurredAt.Unix(), 10),
	}
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("编码告警 metadata 失败: %w", err)
		}
		values["metadata"] = string(encoded)
	}
	if err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("写入告警流失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接。
func (n *RedisStreamNotifier) Close() error {
	if n == nil || n.closer == nil {
		return nil
	}
	return n.closer()
}
