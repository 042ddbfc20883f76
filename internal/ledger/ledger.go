// Package ledger defines the token ledger boundary used by the supply
// controller and the reserve vault, plus an in-memory implementation.
package ledger

import (
	"context"

	xerrors "ARS-Engine/internal/errors"
)

// TokenLedger 是外部代币账本的最小接口。
type TokenLedger interface {
	Mint(ctx context.Context, dest string, amount uint64) error
	Burn(ctx context.Context, source string, amount uint64) error
	Transfer(ctx context.Context, from, to string, amount uint64) error
	BalanceOf(ctx context.Context, account string) (uint64, error)
}

// CodeInsufficientBalance 表示账户余额不足。
const CodeInsufficientBalance xerrors.Code = "LEDGER_INSUFFICIENT_BALANCE"

// ErrInsufficientBalance 表示账户余额不足。
var ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "")

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient ledger balance",
		Category: xerrors.CategoryEconomicLimit,
		Severity: xerrors.SeverityInfo,
	})
}
