package txlog

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/observability/alerting"
	"ARS-Engine/pkg/logger"
)

// CodeProtocolEvent 标识由协议事件（而非错误）触发的告警。
const CodeProtocolEvent xerrors.Code = "TXLOG_PROTOCOL_EVENT"

func init() {
	xerrors.Register(CodeProtocolEvent, xerrors.Attributes{
		Message:  "protocol event requires attention",
		Category: xerrors.CategoryState,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// DefaultAlertEvents 是默认需要通知运维的协议事件及其严重程度。
func DefaultAlertEvents() map[event.Type]xerrors.Severity {
	return map[event.Type]xerrors.Severity{
		event.CircuitBreakerTriggered: xerrors.SeverityCritical,
		event.CircuitBreakerValidated: xerrors.SeverityWarning,
		event.AgentSlashed:            xerrors.SeverityWarning,
		event.AgentBanned:             xerrors.SeverityWarning,
		event.AdminTransferExecuted:   xerrors.SeverityWarning,
		event.OracleStale:             xerrors.SeverityWarning,
	}
}

// Applier 定义了处理器所需的引擎能力。
type Applier interface {
	Apply(ctx context.Context, tx engine.Tx) (engine.Receipt, error)
	LastTimestamp() int64
}

// Processor 从队列逐条取出交易，交给引擎应用，并把回执写回日志。
type Processor struct {
	engine      Applier
	store       Store
	consumer    Consumer
	producer    Producer
	clock       engine.Clock
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	alertEvents map[event.Type]xerrors.Severity
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSequencerClock 指定为未带时间戳的交易盖章所用的时钟。
func WithSequencerClock(clock engine.Clock) ProcessorOption {
	return func(p *Processor) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithAlertEvents 覆盖需要告警的协议事件集合。
func WithAlertEvents(events map[event.Type]xerrors.Severity) ProcessorOption {
	return func(p *Processor) {
		p.alertEvents = events
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(applier Applier, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:      applier,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		clock:       engine.SystemClock{},
		logger:      logger.Named("txlog"),
		alertEvents: DefaultAlertEvents(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易消费者")
	}
	return p.consumer.Consume(ctx, p.handle)
}

func (p *Processor) handle(ctx context.Context, txID string) error {
	if p.store == nil || p.engine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	record, err := p.store.Claim(ctx, txID)
	if err != nil {
		if stdErrors.Is(err, ErrTxNotFound) || stdErrors.Is(err, ErrTxCompleted) ||
			stdErrors.Is(err, ErrTxExhausted) || stdErrors.Is(err, ErrTxConflict) {
			p.logger.Debug("跳过交易", slog.String("tx_id", txID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取交易失败", slog.Any("error", err), slog.String("tx_id", txID))
		p.emitAlert(ctx, &Record{ID: txID}, xerrors.CodeStorageFailure, err, "claim")
		return err
	}

	tx := cloneTx(record.Tx)
	tx.ID = record.ID
	if tx.Timestamp == 0 {
		ts, err := p.stamp(ctx)
		if err != nil {
			return p.handleInfraFailure(ctx, record, err)
		}
		tx.Timestamp = ts
	}

	receipt, applyErr := p.engine.Apply(ctx, tx)
	if applyErr != nil {
		return p.handleRejection(ctx, record, receipt, applyErr)
	}

	if err := p.store.MarkApplied(ctx, record.ID, receipt); err != nil {
		// 状态已推进，不能重投；记录保持 applying，由恢复流程处理。
		wrapped := xerrors.Wrap(CodeTxJournal, err, fmt.Sprintf("交易 %s 已应用但回执写入失败", record.ID))
		p.logger.Error("写入回执失败", slog.Any("error", wrapped), slog.String("tx_id", record.ID), slog.Uint64("height", receipt.Height))
		p.emitAlert(ctx, record, CodeTxJournal, wrapped, "journal")
		return nil
	}
	p.logger.Debug("交易已入账",
		slog.String("tx_id", record.ID),
		slog.String("kind", string(tx.Kind)),
		slog.Uint64("height", receipt.Height),
		slog.Int("events", len(receipt.Events)),
	)
	p.alertOnEvents(ctx, record, receipt)
	return nil
}

// stamp 返回顺序器时间，且不早于引擎最近一次时间戳。
func (p *Processor) stamp(ctx context.Context) (int64, error) {
	now, err := p.clock.Now(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeExternalFailure, err, "读取顺序器时钟失败")
	}
	if last := p.engine.LastTimestamp(); now < last {
		now = last
	}
	return now, nil
}

// handleRejection 区分协议拒绝与可重试的基础设施失败。协议拒绝直接落为 rejected，不重试。
func (p *Processor) handleRejection(ctx context.Context, record *Record, receipt engine.Receipt, applyErr error) error {
	if xerrors.RetryableError(applyErr) && record.Attempts < record.MaxRetries {
		return p.retry(ctx, record, applyErr)
	}
	if err := p.store.MarkRejected(ctx, record.ID, receipt); err != nil {
		p.logger.Error("写入拒绝回执失败", slog.Any("error", err), slog.String("tx_id", record.ID))
		return err
	}
	p.logger.Debug("交易被拒绝",
		slog.String("tx_id", record.ID),
		slog.String("code", string(receipt.Code)),
		slog.String("category", string(receipt.Category)),
	)
	switch {
	case xerrors.RetryableError(applyErr):
		p.emitAlert(ctx, record, xerrors.CodeOf(applyErr), applyErr, "exhausted")
	case xerrors.ShouldAlert(applyErr):
		p.emitAlert(ctx, record, xerrors.CodeOf(applyErr), applyErr, "rejected")
	}
	return nil
}

// handleInfraFailure 处理引擎之外的失败（如顺序器时钟不可用）。
func (p *Processor) handleInfraFailure(ctx context.Context, record *Record, cause error) error {
	if record.Attempts < record.MaxRetries {
		return p.retry(ctx, record, cause)
	}
	code := xerrors.CodeOf(cause)
	if err := p.store.MarkFailed(ctx, record.ID, code, cause.Error(), true); err != nil {
		p.logger.Error("标记交易失败状态出错", slog.Any("error", err), slog.String("tx_id", record.ID))
		return err
	}
	p.emitAlert(ctx, record, CodeTxExhausted, cause, "terminal")
	return nil
}

func (p *Processor) retry(ctx context.Context, record *Record, cause error) error {
	code := xerrors.CodeOf(cause)
	if err := p.store.MarkFailed(ctx, record.ID, code, cause.Error(), false); err != nil {
		p.logger.Error("标记交易失败状态出错", slog.Any("error", err), slog.String("tx_id", record.ID))
		return err
	}
	p.logger.Warn("交易暂时失败，重新排队",
		slog.String("tx_id", record.ID),
		slog.String("error_code", string(code)),
		slog.Int("attempts", record.Attempts),
		slog.Int("max_retries", record.MaxRetries),
	)
	p.emitAlert(ctx, record, code, cause, "retry")
	if err := p.producer.Publish(ctx, record.ID); err != nil {
		return xerrors.Wrap(CodeTxPublish, err, fmt.Sprintf("交易 %s 重投失败", record.ID))
	}
	return nil
}

func (p *Processor) alertOnEvents(ctx context.Context, record *Record, receipt engine.Receipt) {
	for _, ev := range receipt.Events {
		severity, ok := p.alertEvents[ev.Type]
		if !ok {
			continue
		}
		metadata := map[string]string{"event": string(ev.Type), "height": event.U(receipt.Height)}
		for k, v := range ev.Attributes {
			metadata[k] = v
		}
		p.notify(ctx, alerting.Event{
			Code:       CodeProtocolEvent,
			Message:    string(ev.Type),
			Severity:   severity,
			Stage:      "event",
			TxID:       record.ID,
			Kind:       string(record.Tx.Kind),
			Attempts:   record.Attempts,
			MaxRetries: record.MaxRetries,
			Metadata:   metadata,
			OccurredAt: time.Unix(ev.At, 0),
		})
	}
}

func (p *Processor) emitAlert(ctx context.Context, record *Record, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
		for k, v := range xerrors.MetadataOf(cause) {
			metadata[k] = v
		}
	}
	p.notify(ctx, alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Stage:      stage,
		TxID:       record.ID,
		Kind:       string(record.Tx.Kind),
		Attempts:   record.Attempts,
		MaxRetries: record.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	})
}

func (p *Processor) notify(ctx context.Context, ev alerting.Event) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Notify(ctx, ev); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("tx_id", ev.TxID),
			slog.String("stage", ev.Stage),
		)
	}
}
