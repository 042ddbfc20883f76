package engine

import (
	"context"

	"ARS-Engine/internal/event"
)

// executor 把已通过提案的策略转发到同一事务内的状态副本。
type executor struct {
	e *Engine
	s *State
}

func (x executor) Mint(ctx context.Context, rec *event.Recorder, dest string, amount uint64) error {
	return x.e.mint(ctx, x.s, rec, dest, amount)
}

func (x executor) Burn(ctx context.Context, rec *event.Recorder, source string, amount uint64) error {
	return x.e.burn(ctx, x.s, rec, source, amount)
}

func (x executor) Rebalance(ctx context.Context, rec *event.Recorder) error {
	return x.e.rebalance(ctx, x.s, rec)
}

// StartEpoch 在纪元到期时滚动，窗口内为空操作。
func (x executor) StartEpoch(rec *event.Recorder) error {
	_, err := x.s.Supply.RollEpoch(rec)
	return err
}

func (x executor) UpdateParameter(rec *event.Recorder, key string, value int64) error {
	return x.s.applyParameter(rec, key, value)
}
