package engine

import (
	"ARS-Engine/internal/ledger"
	"ARS-Engine/internal/reserve"
)

// MemoryCollaborators 为代币、储备托管与兑换场所提供进程内实现，
// 价格表取自创世资产。日志重放与单机部署都使用它。
func MemoryCollaborators(g Genesis) []Option {
	custody := make(reserve.LedgerSet, len(g.Assets))
	prices := make(map[string]uint64, len(g.Assets))
	for _, a := range g.Assets {
		custody[a.Symbol] = ledger.NewMemoryLedger(a.Symbol)
		prices[a.Symbol] = a.Price
	}
	return []Option{
		WithLedger(ledger.NewMemoryLedger("ARS")),
		WithCustody(custody),
		WithVenue(reserve.NewMemoryVenue(prices)),
	}
}
