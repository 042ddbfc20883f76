package reserve

import (
	"context"
	"strings"
	"sync"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
)

// MemoryVenue 按价格表撮合兑换，可配置固定滑点，用于测试与单机部署。
type MemoryVenue struct {
	mu          sync.RWMutex
	prices      map[string]uint64
	slippageBps uint64
	failNext    error
	fills       int
}

// NewMemoryVenue 以价格表创建兑换场所，价格精度为 PriceScale。
func NewMemoryVenue(prices map[string]uint64) *MemoryVenue {
	v := &MemoryVenue{prices: make(map[string]uint64, len(prices))}
	for symbol, price := range prices {
		v.prices[strings.ToUpper(symbol)] = price
	}
	return v
}

// SetPrice 更新单个资产价格。
func (v *MemoryVenue) SetPrice(symbol string, price uint64) {
	v.mu.Lock()
	v.prices[strings.ToUpper(symbol)] = price
	v.mu.Unlock()
}

// SetSlippage 设置成交相对报价的损耗。
func (v *MemoryVenue) SetSlippage(bps uint64) {
	v.mu.Lock()
	v.slippageBps = bps
	v.mu.Unlock()
}

// FailNext 让下一次成交返回指定错误。
func (v *MemoryVenue) FailNext(err error) {
	v.mu.Lock()
	v.failNext = err
	v.mu.Unlock()
}

// Quote 实现 SwapVenue。
func (v *MemoryVenue) Quote(_ context.Context, in, out string, amountIn uint64) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.quote(in, out, amountIn)
}

// Fills 返回已成交的笔数。
func (v *MemoryVenue) Fills() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fills
}

// Execute 实现 SwapVenue。成交数量低于 minOut 时整笔拒绝，不计入成交。
func (v *MemoryVenue) Execute(_ context.Context, in, out string, amountIn, minOut uint64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failNext != nil {
		err := v.failNext
		v.failNext = nil
		return 0, xerrors.Wrap(xerrors.CodeExternalFailure, err, "swap "+in+"->"+out)
	}
	quoted, err := v.quote(in, out, amountIn)
	if err != nil {
		return 0, err
	}
	filled, err := checked.Bps(quoted, checked.BpsDenominator-v.slippageBps)
	if err != nil {
		return 0, err
	}
	if filled < minOut {
		return 0, ErrSlippageExceeded.With(
			xerrors.WithMetadata("leg", in+"->"+out),
			xerrors.WithBound(minOut, filled),
		)
	}
	v.fills++
	return filled, nil
}

func (v *MemoryVenue) quote(in, out string, amountIn uint64) (uint64, error) {
	pin, ok := v.prices[strings.ToUpper(in)]
	if !ok || pin == 0 {
		return 0, ErrAssetNotFound.With(xerrors.WithMetadata("asset", in))
	}
	pout, ok := v.prices[strings.ToUpper(out)]
	if !ok || pout == 0 {
		return 0, ErrAssetNotFound.With(xerrors.WithMetadata("asset", out))
	}
	value, err := checked.MulDiv(amountIn, pin, PriceScale)
	if err != nil {
		return 0, err
	}
	return checked.MulDiv(value, PriceScale, pout)
}
