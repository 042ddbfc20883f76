package ledger

import (
	"context"
	"sync"

	"ARS-Engine/internal/checked"
	xerrors "ARS-Engine/internal/errors"
)

// MemoryLedger 以内存方式保存余额，主要用于测试和单机部署。
type MemoryLedger struct {
	mu       sync.RWMutex
	symbol   string
	balances map[string]uint64
	supply   uint64
	failNext error
}

// NewMemoryLedger 创建内存账本。
func NewMemoryLedger(symbol string) *MemoryLedger {
	return &MemoryLedger{symbol: symbol, balances: make(map[string]uint64)}
}

// Symbol 返回代币符号。
func (l *MemoryLedger) Symbol() string { return l.symbol }

// FailNext 让下一次写操作返回指定错误，用于模拟外部故障。
func (l *MemoryLedger) FailNext(err error) {
	l.mu.Lock()
	l.failNext = err
	l.mu.Unlock()
}

func (l *MemoryLedger) takeFailure() error {
	if l.failNext == nil {
		return nil
	}
	err := l.failNext
	l.failNext = nil
	return xerrors.Wrap(xerrors.CodeExternalFailure, err, "ledger "+l.symbol)
}

// Mint 实现 TokenLedger。
func (l *MemoryLedger) Mint(_ context.Context, dest string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return err
	}
	bal, err := checked.Add(l.balances[dest], amount)
	if err != nil {
		return err
	}
	supply, err := checked.Add(l.supply, amount)
	if err != nil {
		return err
	}
	l.balances[dest] = bal
	l.supply = supply
	return nil
}

// Burn 实现 TokenLedger。
func (l *MemoryLedger) Burn(_ context.Context, source string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return err
	}
	if l.balances[source] < amount {
		return ErrInsufficientBalance.With(
			xerrors.WithMetadata("account", source),
			xerrors.WithBound(amount, l.balances[source]),
		)
	}
	l.balances[source] -= amount
	l.supply -= amount
	return nil
}

// Transfer 实现 TokenLedger。
func (l *MemoryLedger) Transfer(_ context.Context, from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailure(); err != nil {
		return err
	}
	if l.balances[from] < amount {
		return ErrInsufficientBalance.With(
			xerrors.WithMetadata("account", from),
			xerrors.WithBound(amount, l.balances[from]),
		)
	}
	bal, err := checked.Add(l.balances[to], amount)
	if err != nil {
		return err
	}
	l.balances[from] -= amount
	l.balances[to] = bal
	return nil
}

// BalanceOf 实现 TokenLedger。
func (l *MemoryLedger) BalanceOf(_ context.Context, account string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account], nil
}

// Supply 返回账本记录的总量。
func (l *MemoryLedger) Supply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}
