package oracle

import (
	"math"
	"sort"

	"ARS-Engine/internal/checked"
)

// Median 返回排序后的中位数；偶数个时取下中位数，不做平均以保证确定性。
func Median(values []uint64) (uint64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]uint64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)-1)/2], true
}

// deviationBps 返回 |v-ref|*10000/ref，ref 为零或溢出时视为最大偏差。
func deviationBps(v, ref uint64) uint64 {
	if ref == 0 {
		return math.MaxUint64
	}
	diff := v - ref
	if v < ref {
		diff = ref - v
	}
	bps, err := checked.MulDiv(diff, checked.BpsDenominator, ref)
	if err != nil {
		return math.MaxUint64
	}
	return bps
}
