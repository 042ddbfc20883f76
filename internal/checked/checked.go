// Package checked provides overflow-checked integer arithmetic for ledger
// amounts. Every operation that could wrap returns an error instead.
package checked

import (
	"math"
	"math/bits"

	"github.com/holiman/uint256"

	xerrors "ARS-Engine/internal/errors"
)

// BpsDenominator is the basis-point scale (100% = 10000).
const BpsDenominator = 10_000

var (
	// ErrOverflow 表示结果超出 uint64 或 int64 范围。
	ErrOverflow = xerrors.New(xerrors.CodeOverflow, "")
	// ErrUnderflow 表示减法结果为负。
	ErrUnderflow = xerrors.New(xerrors.CodeUnderflow, "")
	// ErrDivisionByZero 表示除数为零。
	ErrDivisionByZero = xerrors.New(xerrors.CodeDivisionByZero, "")
)

// Add returns a+b.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow.With(xerrors.WithMetadata("op", "add"))
	}
	return sum, nil
}

// Sub returns a-b.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrUnderflow.With(xerrors.WithBound(b, a))
	}
	return diff, nil
}

// Mul returns a*b.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow.With(xerrors.WithMetadata("op", "mul"))
	}
	return lo, nil
}

// MulDiv returns floor(a*b/d) with a 256-bit intermediate product.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrDivisionByZero
	}
	product := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	quotient := product.Div(product, uint256.NewInt(d))
	if !quotient.IsUint64() {
		return 0, ErrOverflow.With(xerrors.WithMetadata("op", "muldiv"))
	}
	return quotient.Uint64(), nil
}

// Bps returns floor(amount*bps/10000).
func Bps(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BpsDenominator)
}

// ISqrt returns floor(sqrt(n)) using integer arithmetic only.
func ISqrt(n uint64) uint64 {
	return new(uint256.Int).Sqrt(uint256.NewInt(n)).Uint64()
}

// AddTime returns t+d for unix-second timestamps.
func AddTime(t, d int64) (int64, error) {
	if (d > 0 && t > math.MaxInt64-d) || (d < 0 && t < math.MinInt64-d) {
		return 0, ErrOverflow.With(xerrors.WithMetadata("op", "add_time"))
	}
	return t + d, nil
}

// Inc returns n+1, failing at the numeric ceiling.
func Inc(n uint64) (uint64, error) {
	return Add(n, 1)
}
