package txlog

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/pkg/logger"
)

// Service 负责交易的入队与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	audit      *logger.Auditor
}

// NewService 构造日志服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries, audit: logger.NewAuditor(nil)}
}

// Submit 记录一笔交易并推送到队列。交易 ID 为空时分配 UUID；相同 ID 重复提交返回已有记录。
// 时间戳留空时由处理器在应用前按顺序器时钟填写。
func (s *Service) Submit(ctx context.Context, tx engine.Tx) (*Record, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "日志服务未初始化")
	}
	if err := validateTx(tx); err != nil {
		return nil, err
	}

	txID := strings.TrimSpace(tx.ID)
	if txID != "" {
		record, err := s.store.Get(ctx, txID)
		if err == nil {
			return record, nil
		}
		if !stdErrors.Is(err, ErrTxNotFound) {
			return nil, err
		}
	} else {
		txID = uuid.NewString()
	}
	tx.ID = txID

	record := &Record{
		ID:         txID,
		Tx:         cloneTx(tx),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, record); err != nil {
		if stdErrors.Is(err, ErrTxConflict) {
			existing, getErr := s.store.Get(ctx, txID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTxNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, txID); err != nil {
		logger.L().Error("交易入队失败", slog.Any("error", err), slog.String("tx_id", txID))
		wrapped := xerrors.Wrap(CodeTxPublish, err, "发布交易到队列失败")
		_ = s.store.MarkFailed(ctx, txID, CodeTxPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	s.audit.Submission(ctx, logger.Submission{
		TxID:   txID,
		Kind:   string(tx.Kind),
		Sender: tx.Sender,
		Nonce:  tx.Nonce,
	})
	return record, nil
}

func validateTx(tx engine.Tx) error {
	if tx.Kind == "" {
		return xerrors.New(CodeTxValidation, "交易类型不能为空")
	}
	if !slices.Contains(engine.Kinds(), tx.Kind) {
		return xerrors.New(CodeTxValidation, fmt.Sprintf("未知交易类型 %q", tx.Kind))
	}
	if tx.Kind != engine.KindTick && strings.TrimSpace(tx.Sender) == "" {
		return xerrors.New(CodeTxValidation, "发送方不能为空")
	}
	if tx.Timestamp < 0 {
		return xerrors.New(CodeTxValidation, "时间戳不能为负")
	}
	return nil
}

// Get 返回指定记录。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "日志存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的记录。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "日志存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "日志存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilFinal 轮询直到记录拥有最终状态或 ctx 结束。
func (s *Service) WaitUntilFinal(ctx context.Context, id string, interval time.Duration) (*Record, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.Status.Terminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
