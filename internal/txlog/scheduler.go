package txlog

import (
	"context"
	"log/slog"
	"time"

	"ARS-Engine/internal/engine"
	"ARS-Engine/pkg/logger"
)

// SchedulerSender 是心跳事务的发送方标识。
const SchedulerSender = "scheduler"

// Scheduler 周期性提交 tick 事务，驱动纪元滚动、提案过期与熔断到期等惰性逻辑。
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler 创建调度器，interval 非正时默认为一分钟。
func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{service: service, interval: interval, logger: logger.Named("scheduler")}
}

// Run 阻塞直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Warn("提交心跳失败", slog.Any("error", err))
			}
		}
	}
}

// Tick 立即提交一次心跳。
func (s *Scheduler) Tick(ctx context.Context) (*Record, error) {
	return s.service.Submit(ctx, engine.Tx{Kind: engine.KindTick, Sender: SchedulerSender})
}
