package position

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne      = decimal.NewFromInt(1)
	decHundred  = decimal.NewFromInt(100)
	decimalEps  = decimal.NewFromFloat(1e-8)
	decimalZero = decimal.Zero
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }

// priceAtPct 返回盈利 pct% 时的价格（pct 为负表示亏损）。
func priceAtPct(side Side, entry, pct float64) float64 {
	if entry <= 0 {
		return 0
	}
	move := decFromFloat(pct).Div(decHundred)
	factor := decOne.Add(move)
	if side == SideShort {
		factor = decOne.Sub(move)
	}
	return decToFloat(decFromFloat(entry).Mul(factor))
}

// movePct 返回价格相对入场价的带符号收益百分比。
func movePct(side Side, entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	diff := decFromFloat(price).Sub(decFromFloat(entry))
	if side == SideShort {
		diff = diff.Neg()
	}
	return decToFloat(diff.Div(decFromFloat(entry)).Mul(decHundred))
}

// shouldTighten 判断候选止损是否比当前更保护（多头更高、空头更低）。
func shouldTighten(side Side, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	cand := decFromFloat(candidate)
	curr := decFromFloat(current)
	if side == SideShort {
		return cand.Cmp(curr.Sub(decimalEps)) < 0
	}
	return cand.Cmp(curr.Add(decimalEps)) > 0
}

// stopBreached 判断不利极值是否触及止损。
func stopBreached(side Side, adverse, stop float64) bool {
	if stop <= 0 || adverse <= 0 {
		return false
	}
	if side == SideShort {
		return decimalGTE(adverse, stop)
	}
	return decimalLTE(adverse, stop)
}

// targetReached 判断有利极值是否触及目标价。
func targetReached(side Side, favorable, target float64) bool {
	if target <= 0 || favorable <= 0 {
		return false
	}
	if side == SideShort {
		return decimalLTE(favorable, target)
	}
	return decimalGTE(favorable, target)
}
