package txlog

import (
	"context"
	"fmt"
	"time"

	"ARS-Engine/internal/config"
	mysqlstore "ARS-Engine/internal/storage/mysql"
)

// OpenStore 按配置的驱动打开交易日志。
func OpenStore(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mysql":
		store, err := NewMySQLStore(ctx, mysqlstore.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的日志驱动: %s", cfg.Driver)
	}
}

// OpenQueue 按配置的驱动创建复制队列。
func OpenQueue(cfg config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.BufferSize), nil
	case "redis":
		queue, err := NewRedisQueue(RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := NewRabbitMQQueue(RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: true,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
