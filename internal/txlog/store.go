package txlog

import (
	"context"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
)

// Store 抽象了交易日志的持久化接口。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Claim(ctx context.Context, id string) (*Record, error)
	MarkApplied(ctx context.Context, id string, receipt engine.Receipt) error
	MarkRejected(ctx context.Context, id string, receipt engine.Receipt) error
	// MarkFailed 记录基础设施失败；terminal 为 false 时记录回到 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	// Applied 按高度升序返回 height > after 的已应用记录，最多 limit 条。
	Applied(ctx context.Context, after uint64, limit int) ([]*Record, error)
	Close() error
}
