package txlog

import (
	"context"
	"fmt"
	"log/slog"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/pkg/logger"
)

const (
	replayPageSize = 500
	listPageSize   = 500
)

// Replayer 定义了重放所需的引擎能力。
type Replayer interface {
	Replay(ctx context.Context, tx engine.Tx) (engine.Receipt, error)
	Height() uint64
}

// RecoveryReport 汇总一次启动恢复的结果。
type RecoveryReport struct {
	Replayed   int
	Height     uint64
	Requeued   int
	ResetStuck int
}

// Replay 按高度顺序重放已应用的交易，重建引擎状态。重放得到的高度必须与日志一致。
func Replay(ctx context.Context, store Store, replayer Replayer) (int, error) {
	var after uint64
	replayed := 0
	for {
		records, err := store.Applied(ctx, after, replayPageSize)
		if err != nil {
			return replayed, err
		}
		for _, record := range records {
			receipt, err := replayer.Replay(ctx, record.ReplayTx())
			if err != nil {
				return replayed, xerrors.Wrap(CodeTxReplay, err, fmt.Sprintf("重放交易 %s 失败", record.ID),
					xerrors.WithMetadata("tx_id", record.ID),
					xerrors.WithMetadata("height", fmt.Sprint(record.Height)),
				)
			}
			if receipt.Height != record.Height {
				return replayed, xerrors.New(CodeTxReplay, fmt.Sprintf("交易 %s 重放高度不一致", record.ID),
					xerrors.WithMetadata("tx_id", record.ID),
					xerrors.WithBound(record.Height, receipt.Height),
				)
			}
			after = record.Height
			replayed++
		}
		if len(records) < replayPageSize {
			return replayed, nil
		}
	}
}

// Requeue 把未完成的记录重新投递。处于 applying 的记录在崩溃前未写入回执，状态只经由重放持久化，
// 因此先退回 pending 再投递。
func Requeue(ctx context.Context, store Store, producer Producer) (requeued, reset int, err error) {
	opts := BuildListOptions(WithStatuses(StatusApplying), WithLimit(listPageSize))
	stuck, err := store.List(ctx, opts)
	if err != nil {
		return 0, 0, err
	}
	for _, record := range stuck {
		if err := store.MarkFailed(ctx, record.ID, CodeTxJournal, "进程中断，重新排队", false); err != nil {
			return requeued, reset, err
		}
		reset++
	}

	// 分页读取全部 pending，按创建时间升序投递。
	offset := 0
	for {
		page, err := store.List(ctx, BuildListOptions(
			WithStatuses(StatusPending),
			WithLimit(listPageSize),
			WithOffset(offset),
			WithSortOrder(SortByUpdatedAsc),
		))
		if err != nil {
			return requeued, reset, err
		}
		for _, record := range page {
			if err := producer.Publish(ctx, record.ID); err != nil {
				return requeued, reset, xerrors.Wrap(CodeTxPublish, err, fmt.Sprintf("交易 %s 重投失败", record.ID))
			}
			requeued++
		}
		if len(page) < listPageSize {
			return requeued, reset, nil
		}
		offset += len(page)
	}
}

// Recover 依次执行重放与重投，供守护进程启动时调用。
func Recover(ctx context.Context, store Store, producer Producer, replayer Replayer) (RecoveryReport, error) {
	var report RecoveryReport
	replayed, err := Replay(ctx, store, replayer)
	report.Replayed = replayed
	report.Height = replayer.Height()
	if err != nil {
		return report, err
	}
	requeued, reset, err := Requeue(ctx, store, producer)
	report.Requeued = requeued
	report.ResetStuck = reset
	if err != nil {
		return report, err
	}
	logger.L().Info("交易日志恢复完成",
		slog.Int("replayed", report.Replayed),
		slog.Uint64("height", report.Height),
		slog.Int("requeued", report.Requeued),
		slog.Int("reset", report.ResetStuck),
	)
	return report, nil
}
