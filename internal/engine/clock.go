package engine

import (
	"context"
	"time"

	xerrors "ARS-Engine/internal/errors"
)

// Clock 提供排序器的参考时间，用于校验事务时间戳的偏差。
type Clock interface {
	Now(ctx context.Context) (int64, error)
}

// SystemClock 使用本机时间。
type SystemClock struct{}

// Now 返回当前 Unix 秒。
func (SystemClock) Now(context.Context) (int64, error) {
	return time.Now().Unix(), nil
}

// FixedClock 返回固定时间，测试中使用。
type FixedClock int64

// Now 返回固定时间。
func (c FixedClock) Now(context.Context) (int64, error) { return int64(c), nil }

// ErrClockSkew 表示事务时间戳倒退或偏离参考时钟。
var ErrClockSkew = xerrors.New(xerrors.CodeClockSkew, "")

// checkTimestamp 要求时间戳单调不减，并在配置了参考时钟时限制偏差。
func checkTimestamp(ctx context.Context, clock Clock, maxSkew, last, ts int64) error {
	if ts <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "tx timestamp must be positive")
	}
	if ts < last {
		return ErrClockSkew.With(
			xerrors.WithMetadata("reason", "non_monotonic"),
			xerrors.WithSignedBound(last, ts),
		)
	}
	if clock == nil || maxSkew <= 0 {
		return nil
	}
	now, err := clock.Now(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExternalFailure, err, "read reference clock")
	}
	if ts > now+maxSkew {
		return ErrClockSkew.With(
			xerrors.WithMetadata("reason", "ahead_of_clock"),
			xerrors.WithSignedBound(now+maxSkew, ts),
		)
	}
	if ts < now-maxSkew {
		return ErrClockSkew.With(
			xerrors.WithMetadata("reason", "behind_clock"),
			xerrors.WithSignedBound(now-maxSkew, ts),
		)
	}
	return nil
}
