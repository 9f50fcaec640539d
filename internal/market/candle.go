package market

import "time"

// Candle 为单根 OHLCV K 线，OpenTime/CloseTime 为 Unix 毫秒。
// CloseTime 为 0 时由周期推算（OpenTime + 周期 - 1ms）。
type Candle struct {
	OpenTime  int64   `json:"timestamp"`
	CloseTime int64   `json:"close_time,omitempty"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type Candles []Candle

func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// CloseAt 返回收盘时间戳，CloseTime 缺失时按周期推算。
func (c Candle) CloseAt(tf time.Duration) int64 {
	if c.CloseTime > 0 {
		return c.CloseTime
	}
	if tf <= 0 {
		return c.OpenTime
	}
	return c.OpenTime + tf.Milliseconds() - 1
}

func (cs Candles) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

func (cs Candles) Highs() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.High
	}
	return out
}

func (cs Candles) Lows() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Low
	}
	return out
}

func (cs Candles) Volumes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Volume
	}
	return out
}

// Last 返回最后一根 K 线，空序列返回 false。
func (cs Candles) Last() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}

// Tail 返回最后 n 根（不拷贝）。
func (cs Candles) Tail(n int) Candles {
	if n <= 0 {
		return nil
	}
	if n >= len(cs) {
		return cs
	}
	return cs[len(cs)-n:]
}
