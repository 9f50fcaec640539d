package metrics

import (
	"math"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"

	"github.com/shopspring/decimal"
)

// tradingDaysPerYear 用于 Sharpe 年化。
const tradingDaysPerYear = 250

// EquityPoint 为资金曲线上的一个采样点。
type EquityPoint struct {
	Timestamp int64   `json:"timestamp"`
	Equity    float64 `json:"equity"`
}

// RegimeStats 按开仓时的行情状态分组统计。
type RegimeStats struct {
	Count     int     `json:"count"`
	WinRate   float64 `json:"win_rate"`
	AvgProfit float64 `json:"avg_profit"`
}

// Report 为只读的绩效报告。
type Report struct {
	TotalTrades       int                    `json:"total_trades"`
	Wins              int                    `json:"wins"`
	Losses            int                    `json:"losses"`
	WinRate           float64                `json:"win_rate"`
	AvgWin            float64                `json:"avg_win"`
	AvgLoss           float64                `json:"avg_loss"`
	AvgTrade          float64                `json:"avg_trade"`
	BestTrade         float64                `json:"best_trade"`
	WorstTrade        float64                `json:"worst_trade"`
	TotalPnL          float64                `json:"total_pnl"`
	TotalFees         float64                `json:"total_fees"`
	InitialCapital    float64                `json:"initial_capital"`
	FinalCapital      float64                `json:"final_capital"`
	ReturnPct         float64                `json:"return_pct"`
	MaxDrawdown       float64                `json:"max_drawdown"`
	SharpeRatio       float64                `json:"sharpe_ratio"`
	ProfitFactor      Ratio                  `json:"profit_factor"`
	AvgHoldingMinutes float64                `json:"avg_holding_minutes"`
	ExitReasons       map[string]int         `json:"exit_reasons"`
	Regimes           map[string]RegimeStats `json:"regimes"`
}

// Calculate 由成交明细与资金曲线计算绩效，不修改输入。
func Calculate(trades []position.Trade, curve []EquityPoint, initialCapital float64) Report {
	rep := Report{
		TotalTrades:    len(trades),
		InitialCapital: initialCapital,
		ExitReasons:    make(map[string]int),
		Regimes:        make(map[string]RegimeStats),
	}
	total, winSum, lossSum, fees := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	regimeAg := make(map[string]*regimeAcc)
	var holdMs int64
	for i, t := range trades {
		pnl := decimal.NewFromFloat(t.DollarPnL)
		total = total.Add(pnl)
		fees = fees.Add(decimal.NewFromFloat(t.Fee))
		if t.Win {
			rep.Wins++
			winSum = winSum.Add(pnl)
		} else {
			rep.Losses++
			lossSum = lossSum.Add(pnl)
		}
		if i == 0 || t.DollarPnL > rep.BestTrade {
			rep.BestTrade = t.DollarPnL
		}
		if i == 0 || t.DollarPnL < rep.WorstTrade {
			rep.WorstTrade = t.DollarPnL
		}
		if t.ExitTime > t.EntryTime {
			holdMs += t.ExitTime - t.EntryTime
		}
		rep.ExitReasons[string(t.ExitReason)]++

		tag := t.RegimeTag
		if tag == "" {
			tag = "UNKNOWN"
		}
		acc := regimeAg[tag]
		if acc == nil {
			acc = &regimeAcc{sum: decimal.Zero}
			regimeAg[tag] = acc
		}
		acc.count++
		acc.sum = acc.sum.Add(pnl)
		if t.Win {
			acc.wins++
		}
	}

	rep.TotalPnL = total.InexactFloat64()
	rep.TotalFees = fees.InexactFloat64()
	rep.FinalCapital = decimal.NewFromFloat(initialCapital).Add(total).InexactFloat64()
	if initialCapital > 0 {
		rep.ReturnPct = total.Div(decimal.NewFromFloat(initialCapital)).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	if n := len(trades); n > 0 {
		rep.WinRate = float64(rep.Wins) / float64(n) * 100
		rep.AvgTrade = mean(total, n)
		rep.AvgHoldingMinutes = float64(holdMs) / float64(n) / 60000
	}
	rep.AvgWin = mean(winSum, rep.Wins)
	rep.AvgLoss = mean(lossSum, rep.Losses)
	rep.ProfitFactor = profitFactor(winSum, lossSum, len(trades))
	rep.SharpeRatio = sharpe(trades)
	rep.MaxDrawdown = MaxDrawdown(curve)

	for tag, acc := range regimeAg {
		rep.Regimes[tag] = RegimeStats{
			Count:     acc.count,
			WinRate:   float64(acc.wins) / float64(acc.count) * 100,
			AvgProfit: mean(acc.sum, acc.count),
		}
	}
	return rep
}

type regimeAcc struct {
	count int
	wins  int
	sum   decimal.Decimal
}

func mean(sum decimal.Decimal, n int) float64 {
	if n <= 0 {
		return 0
	}
	return sum.Div(decimal.NewFromInt(int64(n))).InexactFloat64()
}

func profitFactor(winSum, lossSum decimal.Decimal, n int) Ratio {
	if n == 0 {
		return Ratio{}
	}
	loss := lossSum.Abs()
	if loss.IsZero() {
		if winSum.IsPositive() {
			return Infinite()
		}
		return Ratio{}
	}
	return Finite(winSum.Div(loss).InexactFloat64())
}

// sharpe 使用保证金收益率的样本标准差，按交易笔数年化。
func sharpe(trades []position.Trade) float64 {
	n := len(trades)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, t := range trades {
		sum += t.PnLPercent
	}
	avg := sum / float64(n)
	var sq float64
	for _, t := range trades {
		d := t.PnLPercent - avg
		sq += d * d
	}
	std := math.Sqrt(sq / float64(n-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return avg / std * math.Sqrt(float64(tradingDaysPerYear)/float64(n))
}

// MaxDrawdown 返回资金曲线最大回撤百分比（运行峰值法）。
func MaxDrawdown(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0].Equity
	var worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.Equity) / peak * 100; dd > worst {
			worst = dd
		}
	}
	return worst
}

// SortedExitReasons 按固定顺序列出报告中出现过的出场原因。
func (r Report) SortedExitReasons() []string {
	out := make([]string, 0, len(r.ExitReasons))
	for _, reason := range position.ExitReasons() {
		if _, ok := r.ExitReasons[string(reason)]; ok {
			out = append(out, string(reason))
		}
	}
	return out
}
