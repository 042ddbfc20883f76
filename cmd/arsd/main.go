package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ARS-Engine/internal/config"
	"ARS-Engine/internal/engine"
	"ARS-Engine/internal/observability/alerting"
	"ARS-Engine/internal/observability/metrics"
	"ARS-Engine/internal/txlog"
	"ARS-Engine/internal/web3/provider"
	"ARS-Engine/pkg/logger"
)

// main 是 ARS 引擎守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("arsd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logger()); err != nil {
		return err
	}
	defer logger.Sync()
	l := logger.Named("arsd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := txlog.OpenStore(ctx, cfg.Storage.Journal)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := txlog.OpenQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			l.Warn("关闭复制队列失败", slog.Any("error", err))
		}
	}()

	genesis, err := cfg.Genesis()
	if err != nil {
		return err
	}

	var observer engine.Observer
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		observer = collector
	}

	dispatcher, closeAlerts, err := buildAlerting(cfg.Alerting)
	if err != nil {
		return err
	}
	defer closeAlerts()

	var live []engine.Option
	var sequencer engine.Clock = engine.SystemClock{}
	if cfg.Web3.Enabled {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer registry.Close()
		dep, err := registry.Deployment()
		if err != nil {
			return err
		}
		live = append(live, engine.WithLedger(dep.Token), engine.WithCustody(dep.Custody))
		if cfg.Web3.ChainClock && dep.Clock != nil {
			sequencer = dep.Clock
		}
		l.Info("已接入链上账本", slog.String("chain", dep.Chain))
	}
	live = append(live, engine.WithClock(sequencer))

	eng, err := buildEngine(ctx, store, queue, genesis, observer, live)
	if err != nil {
		return err
	}

	service := txlog.NewService(store, queue, cfg.Engine.MaxRetries)
	processor := txlog.NewProcessor(eng, store, queue, queue,
		txlog.WithSequencerClock(sequencer),
		txlog.WithAlertDispatcher(dispatcher),
	)
	scheduler := txlog.NewScheduler(service, cfg.Engine.TickInterval())

	if collector != nil {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, collector.Handler()); err != nil {
				l.Error("指标服务退出", slog.Any("error", err))
			}
		}()
	}
	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("心跳调度退出", slog.Any("error", err))
		}
	}()

	l.Info("arsd 已启动",
		slog.Uint64("height", eng.Height()),
		slog.String("journal", cfg.Storage.Journal.Driver),
		slog.String("queue", cfg.Queue.Driver),
	)
	if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	l.Info("arsd 已停止", slog.Uint64("height", eng.Height()))
	return nil
}

// buildEngine 构造引擎并从日志恢复。已有日志时先在内存账本上重放，再接入外部账本，
// 避免重复写链；空日志时直接以外部账本完成创世。
func buildEngine(ctx context.Context, store txlog.Store, producer txlog.Producer, genesis engine.Genesis, observer engine.Observer, live []engine.Option) (*engine.Engine, error) {
	stats, err := store.Stats(ctx, txlog.ListOptions{})
	if err != nil {
		return nil, err
	}
	base := append(engine.MemoryCollaborators(genesis), engine.WithObserver(observer))
	if stats.Total == 0 {
		eng, err := engine.New(ctx, genesis, append(base, live...)...)
		if err != nil {
			return nil, err
		}
		if _, err := txlog.Recover(ctx, store, producer, eng); err != nil {
			return nil, err
		}
		return eng, nil
	}

	eng, err := engine.New(ctx, genesis, base...)
	if err != nil {
		return nil, err
	}
	if _, err := txlog.Recover(ctx, store, producer, eng); err != nil {
		return nil, err
	}
	if err := eng.Attach(live...); err != nil {
		return nil, err
	}
	return eng, nil
}

func buildAlerting(cfg config.AlertingConfig) (alerting.Dispatcher, func(), error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	closeFn := func() {}
	if cfg.RedisStream.Enabled {
		stream, err := alerting.NewRedisStreamNotifier(alerting.RedisStreamConfig{
			Address:  cfg.RedisStream.Address,
			Password: cfg.RedisStream.Password,
			DB:       cfg.RedisStream.DB,
			Stream:   cfg.RedisStream.Stream,
			MaxLen:   cfg.RedisStream.MaxLen,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("初始化告警流失败: %w", err)
		}
		notifiers = append(notifiers, stream)
		closeFn = func() { _ = stream.Close() }
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Webhook.URL})
	}
	return alerting.NewFanout(notifiers...), closeFn, nil
}
