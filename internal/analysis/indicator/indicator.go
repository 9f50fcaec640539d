package indicator

import (
	"math"

	"github.com/markcheno/go-talib"
)

// 中文说明：
// 基础指标均只返回最新值；数据不足时返回中性默认值而不是报错，
// 以便上层在预热期自然得到 HOLD。

const (
	// RSINeutral 数据不足时的 RSI。
	RSINeutral = 50.0
	// ADXNeutral 数据不足时的 ADX。
	ADXNeutral = 20.0
)

// RSI 使用最近 period 个涨跌幅的简单均值（非 Wilder 平滑）。
func RSI(prices []float64, period int) float64 {
	n := len(prices)
	if period <= 0 || n <= period {
		return RSINeutral
	}
	gains := 0.0
	losses := 0.0
	for i := n - period; i < n; i++ {
		diff := prices[i] - prices[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	if losses == 0 {
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return clamp(100-100/(1+rs), 0, 100)
}

// EMA 以前 period 个值的 SMA 为种子，数据不足时返回最新价格。
func EMA(prices []float64, period int) float64 {
	n := len(prices)
	if n == 0 {
		return 0
	}
	if period <= 0 || n < period {
		return prices[n-1]
	}
	series := talib.Ema(prices, period)
	return series[n-1]
}

// EMASeries 返回从第 period 个值开始的完整 EMA 序列，数据不足返回 nil。
func EMASeries(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}
	return talib.Ema(prices, period)[period-1:]
}

const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// MACDValue 为 MACD 线、信号线与柱状图的最新值。
type MACDValue struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// macdLine 返回第 26 根起的 EMA12-EMA26 序列。
func macdLine(prices []float64) []float64 {
	n := len(prices)
	if n < macdSlow {
		return nil
	}
	fast := talib.Ema(prices, macdFast)
	slow := talib.Ema(prices, macdSlow)
	out := make([]float64, 0, n-macdSlow+1)
	for i := macdSlow - 1; i < n; i++ {
		out = append(out, fast[i]-slow[i])
	}
	return out
}

// MACD 的信号线为 MACD 线历史的 EMA9；历史不足 9 个点时信号线等于 MACD 本身。
func MACD(prices []float64) MACDValue {
	line := macdLine(prices)
	if len(line) == 0 {
		return MACDValue{}
	}
	last := line[len(line)-1]
	signal := EMA(line, macdSignal)
	return MACDValue{MACD: last, Signal: signal, Histogram: last - signal}
}

// MACDHistogram 返回信号线可用之后的柱状图序列，最后一个元素与 MACD().Histogram 一致。
func MACDHistogram(prices []float64) []float64 {
	line := macdLine(prices)
	if len(line) < macdSignal {
		return nil
	}
	signal := talib.Ema(line, macdSignal)
	out := make([]float64, 0, len(line)-macdSignal+1)
	for i := macdSignal - 1; i < len(line); i++ {
		out = append(out, line[i]-signal[i])
	}
	return out
}

// ATR 为最近 period 个真实波幅的简单均值。
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n <= period || len(highs) != n || len(lows) != n {
		return 0
	}
	tr := talib.TRange(highs, lows, closes)
	sum := 0.0
	for i := n - period; i < n; i++ {
		sum += tr[i]
	}
	return sum / float64(period)
}

// ADX 使用单一窗口的 DX 近似，不做 Wilder 平滑，结果限制在 [0,100]。
func ADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n <= period || len(highs) != n || len(lows) != n {
		return ADXNeutral
	}
	var plusDM, minusDM, trSum float64
	for i := n - period; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM += up
		}
		if down > up && down > 0 {
			minusDM += down
		}
		trSum += trueRange(highs[i], lows[i], closes[i-1])
	}
	if trSum <= 0 {
		return ADXNeutral
	}
	plusDI := 100 * plusDM / trSum
	minusDI := 100 * minusDM / trSum
	if plusDI+minusDI == 0 {
		return ADXNeutral
	}
	dx := math.Abs(plusDI-minusDI) / (plusDI + minusDI) * 100
	return clamp(dx, 0, 100)
}

// VolumeRatio 为最新成交量 / 之前 lookback 根的均量。
func VolumeRatio(volumes []float64, lookback int) float64 {
	n := len(volumes)
	if lookback <= 0 || n < lookback+1 {
		return 1
	}
	sum := 0.0
	for i := n - 1 - lookback; i < n-1; i++ {
		sum += volumes[i]
	}
	avg := sum / float64(lookback)
	if avg <= 0 {
		return 0
	}
	return volumes[n-1] / avg
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if v := math.Abs(high - prevClose); v > tr {
		tr = v
	}
	if v := math.Abs(low - prevClose); v > tr {
		tr = v
	}
	return tr
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
