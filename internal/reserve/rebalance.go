package reserve

import (
	"context"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
	"ARS-Engine/internal/event"
)

// SwapVenue 是外部兑换场所的边界。
type SwapVenue interface {
	Quote(ctx context.Context, in, out string, amountIn uint64) (uint64, error)
	Execute(ctx context.Context, in, out string, amountIn, minOut uint64) (uint64, error)
}

// Leg 是再平衡计划中的一笔兑换。
type Leg struct {
	In       string `json:"in"`
	Out      string `json:"out"`
	Value    uint64 `json:"value"`
	AmountIn uint64 `json:"amount_in"`
	Expected uint64 `json:"expected"`
	MinOut   uint64 `json:"min_out"`
	Actual   uint64 `json:"actual"`
}

// RebalanceResult 汇总一次再平衡。
type RebalanceResult struct {
	Legs    []Leg `json:"legs"`
	Skipped bool  `json:"skipped"`
}

type imbalance struct {
	idx   int
	value uint64
}

// NeedsRebalance 报告是否有资产偏离目标权重超过阈值。
func (m *Monitor) NeedsRebalance() (bool, error) {
	total := m.Vault.TotalValue
	if total == 0 {
		return false, nil
	}
	for _, a := range m.Vault.Assets {
		v, err := a.Value()
		if err != nil {
			return false, err
		}
		weight, err := checked.MulDiv(v, checked.BpsDenominator, total)
		if err != nil {
			return false, err
		}
		drift := weight - a.TargetWeightBps
		if weight < a.TargetWeightBps {
			drift = a.TargetWeightBps - weight
		}
		if drift > m.cfg.RebalanceThresholdBps {
			return true, nil
		}
	}
	return false, nil
}

// Plan 计算再平衡兑换计划：盈余资产按比例流向不足资产，按符号顺序确定。
func (m *Monitor) Plan() ([]Leg, error) {
	total := m.Vault.TotalValue
	var surplus, deficit []imbalance
	var deficitTotal uint64
	for i, a := range m.Vault.Assets {
		v, err := a.Value()
		if err != nil {
			return nil, err
		}
		target, err := checked.Bps(total, a.TargetWeightBps)
		if err != nil {
			return nil, err
		}
		switch {
		case v > target:
			surplus = append(surplus, imbalance{idx: i, value: v - target})
		case v < target:
			deficit = append(deficit, imbalance{idx: i, value: target - v})
			if deficitTotal, err = checked.Add(deficitTotal, target-v); err != nil {
				return nil, err
			}
		}
	}
	if deficitTotal == 0 {
		return nil, nil
	}
	var legs []Leg
	for _, s := range surplus {
		src := m.Vault.Assets[s.idx]
		for _, d := range deficit {
			value, err := checked.MulDiv(s.value, d.value, deficitTotal)
			if err != nil {
				return nil, err
			}
			amountIn, err := checked.MulDiv(value, PriceScale, src.Price)
			if err != nil {
				return nil, err
			}
			if amountIn == 0 {
				continue
			}
			if amountIn > src.Amount {
				amountIn = src.Amount
			}
			legs = append(legs, Leg{In: src.Symbol, Out: m.Vault.Assets[d.idx].Symbol, Value: value, AmountIn: amountIn})
		}
	}
	return legs, nil
}

// Rebalance 按计划执行兑换。所有兑换先报价并按账面价格校验滑点，全部通过后才成交；
// 成交后更新账面，最后在托管账本上结算：从金库账户销毁卖出数量，铸入成交数量。
func (m *Monitor) Rebalance(ctx context.Context, rec *event.Recorder, venue SwapVenue, custody Custody) (RebalanceResult, error) {
	release, err := m.Vault.Guard.Acquire("reserve.rebalance")
	if err != nil {
		return RebalanceResult{}, err
	}
	defer release()

	if m.Breaker.Active {
		return RebalanceResult{}, ErrCircuitBreakerActive
	}
	if m.Vault.LastRebalance != 0 {
		next, err := checked.AddTime(m.Vault.LastRebalance, m.cfg.RebalanceInterval)
		if err != nil {
			return RebalanceResult{}, err
		}
		if rec.Now < next {
			return RebalanceResult{}, ErrRebalanceTooSoon.With(xerrors.WithSignedBound(next, rec.Now))
		}
	}
	needed, err := m.NeedsRebalance()
	if err != nil {
		return RebalanceResult{}, err
	}
	if !needed {
		return RebalanceResult{Skipped: true}, nil
	}
	legs, err := m.Plan()
	if err != nil {
		return RebalanceResult{}, err
	}
	if venue == nil {
		return RebalanceResult{}, xerrors.New(xerrors.CodeInitializationFailure, "swap venue not configured")
	}

	for i := range legs {
		if err := m.quoteLeg(ctx, venue, &legs[i]); err != nil {
			return RebalanceResult{}, withLegs(err, 0)
		}
	}
	for i := range legs {
		leg := &legs[i]
		actual, err := venue.Execute(ctx, leg.In, leg.Out, leg.AmountIn, leg.MinOut)
		if err != nil {
			return RebalanceResult{Legs: legs[:i]}, withLegs(err, i)
		}
		if actual < leg.MinOut {
			return RebalanceResult{Legs: legs[:i]}, ErrSlippageExceeded.With(
				xerrors.WithMetadata("leg", leg.In+"->"+leg.Out),
				xerrors.WithMetadata("executed_legs", event.U(uint64(i))),
				xerrors.WithBound(leg.MinOut, actual),
			)
		}
		leg.Actual = actual
	}
	for _, leg := range legs {
		if err := m.applyLeg(leg); err != nil {
			return RebalanceResult{Legs: legs}, withLegs(err, len(legs))
		}
	}

	m.Vault.LastRebalance = rec.Now
	if err := m.revalue(); err != nil {
		return RebalanceResult{}, err
	}
	for i, leg := range legs {
		if err := settleLeg(ctx, custody, leg); err != nil {
			return RebalanceResult{Legs: legs}, withLegs(err, len(legs),
				xerrors.WithMetadata("settled_legs", event.U(uint64(i))))
		}
	}
	rec.Emit(event.VaultRebalanced,
		"legs", event.U(uint64(len(legs))),
		"total_value", event.U(m.Vault.TotalValue),
		"vhr", event.U(m.Vault.VHR),
	)
	return RebalanceResult{Legs: legs}, nil
}

// quoteLeg 取得报价并以账面价格推算的数量为基准计算 minOut，报价不足即拒绝。
func (m *Monitor) quoteLeg(ctx context.Context, venue SwapVenue, leg *Leg) error {
	out, ok := m.find(leg.Out)
	if !ok {
		return ErrAssetNotFound.With(xerrors.WithMetadata("asset", leg.Out))
	}
	book, err := checked.MulDiv(leg.Value, PriceScale, m.Vault.Assets[out].Price)
	if err != nil {
		return err
	}
	minOut, err := checked.Bps(book, checked.BpsDenominator-m.cfg.MaxSlippageBps)
	if err != nil {
		return err
	}
	expected, err := venue.Quote(ctx, leg.In, leg.Out, leg.AmountIn)
	if err != nil {
		return err
	}
	if expected < minOut {
		return ErrSlippageExceeded.With(
			xerrors.WithMetadata("leg", leg.In+"->"+leg.Out),
			xerrors.WithMetadata("stage", "quote"),
			xerrors.WithBound(minOut, expected),
		)
	}
	leg.Expected, leg.MinOut = expected, minOut
	return nil
}

func settleLeg(ctx context.Context, custody Custody, leg Leg) error {
	if tl := ledgerFor(custody, leg.In); tl != nil {
		if err := tl.Burn(ctx, VaultAccount, leg.AmountIn); err != nil {
			return err
		}
	}
	if tl := ledgerFor(custody, leg.Out); tl != nil {
		if err := tl.Mint(ctx, VaultAccount, leg.Actual); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) applyLeg(leg Leg) error {
	in, ok := m.find(leg.In)
	if !ok {
		return ErrAssetNotFound.With(xerrors.WithMetadata("asset", leg.In))
	}
	out, ok := m.find(leg.Out)
	if !ok {
		return ErrAssetNotFound.With(xerrors.WithMetadata("asset", leg.Out))
	}
	remaining, err := checked.Sub(m.Vault.Assets[in].Amount, leg.AmountIn)
	if err != nil {
		return err
	}
	received, err := checked.Add(m.Vault.Assets[out].Amount, leg.Actual)
	if err != nil {
		return err
	}
	m.Vault.Assets[in].Amount = remaining
	m.Vault.Assets[out].Amount = received
	return nil
}

func withLegs(err error, executed int, opts ...xerrors.Option) error {
	opts = append(opts, xerrors.WithMetadata("executed_legs", event.U(uint64(executed))))
	if e, ok := xerrors.From(err); ok {
		return e.With(opts...)
	}
	return xerrors.Wrap(xerrors.CodeExternalFailure, err, "swap venue", opts...)
}
