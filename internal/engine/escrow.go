package engine

import (
	"context"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
	"ARS-Engine/internal/registry"
)

// stakeFlow 记录单个事务中进出质押托管账户的代币。
type stakeFlow struct {
	from string
	in   uint64
	to   string
	out  uint64
}

func (f *stakeFlow) deposit(from string, amount uint64) error {
	in, err := checked.Add(f.in, amount)
	if err != nil {
		return err
	}
	f.from, f.in = from, in
	return nil
}

func (f *stakeFlow) release(to string, amount uint64) error {
	out, err := checked.Add(f.out, amount)
	if err != nil {
		return err
	}
	f.to, f.out = to, out
	return nil
}

// settleStake 让托管账户余额跟随注册表质押总额。总额减少且未被退还的部分是罚没，
// 从供应中销毁。状态先全部更新，账本调用按入账、退还、销毁的顺序放在最后。
func (e *Engine) settleStake(ctx context.Context, s *State, rec *event.Recorder, before uint64, flow stakeFlow) error {
	after, err := s.Registry.TotalStake()
	if err != nil {
		return err
	}
	expected, err := checked.Add(before, flow.in)
	if err != nil {
		return err
	}
	if expected, err = checked.Sub(expected, flow.out); err != nil {
		return err
	}
	if after > expected {
		return xerrors.New(xerrors.CodeConflict, "stake grew without a matching escrow deposit",
			xerrors.WithBound(expected, after))
	}
	forfeited := expected - after
	if forfeited > 0 {
		if err := s.Supply.Forfeit(rec, registry.StakeEscrowAccount, forfeited); err != nil {
			return err
		}
		if err := s.syncLiabilities(); err != nil {
			return err
		}
	}

	if e.tokens == nil {
		return nil
	}
	if flow.in > 0 {
		if err := e.tokens.Transfer(ctx, flow.from, registry.StakeEscrowAccount, flow.in); err != nil {
			return err
		}
	}
	if flow.out > 0 {
		if err := e.tokens.Transfer(ctx, registry.StakeEscrowAccount, flow.to, flow.out); err != nil {
			return err
		}
	}
	if forfeited > 0 {
		if err := e.tokens.Burn(ctx, registry.StakeEscrowAccount, forfeited); err != nil {
			return err
		}
	}
	return nil
}

// genesisStake 返回创世智能体的质押总额，由国库在创世时转入托管账户。
func genesisStake(g Genesis) (uint64, error) {
	var total uint64
	for _, a := range g.Agents {
		var err error
		if total, err = checked.Add(total, a.Stake); err != nil {
			return 0, err
		}
	}
	return total, nil
}
