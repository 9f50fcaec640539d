package indicator

import (
	"sort"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

// Settings 描述计算快照所需的参数，零值字段使用默认值。
type Settings struct {
	RSIPeriod      int   `json:"rsi_period,omitempty"`
	ATRPeriod      int   `json:"atr_period,omitempty"`
	ADXPeriod      int   `json:"adx_period,omitempty"`
	EMAPeriods     []int `json:"ema_periods,omitempty"`
	VolumeLookback int   `json:"volume_lookback,omitempty"`
	// HistogramWindow 保留最近 N 个 MACD 柱，用于判断新鲜交叉。
	HistogramWindow int `json:"histogram_window,omitempty"`
}

// DefaultSettings 返回 RSI14/ATR14/ADX14、EMA 9/21/20/50/200、均量 20。
func DefaultSettings() Settings {
	return Settings{
		RSIPeriod:       14,
		ATRPeriod:       14,
		ADXPeriod:       14,
		EMAPeriods:      []int{9, 21, 20, 50, 200},
		VolumeLookback:  20,
		HistogramWindow: 4,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = def.RSIPeriod
	}
	if s.ATRPeriod <= 0 {
		s.ATRPeriod = def.ATRPeriod
	}
	if s.ADXPeriod <= 0 {
		s.ADXPeriod = def.ADXPeriod
	}
	if len(s.EMAPeriods) == 0 {
		s.EMAPeriods = def.EMAPeriods
	}
	if s.VolumeLookback <= 0 {
		s.VolumeLookback = def.VolumeLookback
	}
	if s.HistogramWindow <= 0 {
		s.HistogramWindow = def.HistogramWindow
	}
	return s
}

// Snapshot 是某根 K 线收盘时刻的指标集合。
type Snapshot struct {
	Index       int             `json:"index"`
	Timestamp   int64           `json:"timestamp"`
	Close       float64         `json:"close"`
	RSI         float64         `json:"rsi"`
	MACD        MACDValue       `json:"macd"`
	Histograms  []float64       `json:"histograms,omitempty"`
	EMA         map[int]float64 `json:"ema"`
	ATR         float64         `json:"atr"`
	ADX         float64         `json:"adx"`
	VolumeRatio float64         `json:"volume_ratio"`
}

// Compute 基于整段 K 线计算最新快照。空输入返回零值快照与 Index=-1。
func Compute(candles []market.Candle, s Settings) Snapshot {
	s = s.withDefaults()
	if len(candles) == 0 {
		return Snapshot{Index: -1, RSI: RSINeutral, ADX: ADXNeutral, VolumeRatio: 1, EMA: map[int]float64{}}
	}
	cs := market.Candles(candles)
	closes := cs.Closes()
	highs := cs.Highs()
	lows := cs.Lows()
	last := candles[len(candles)-1]

	snap := Snapshot{
		Index:       len(candles) - 1,
		Timestamp:   last.OpenTime,
		Close:       last.Close,
		RSI:         RSI(closes, s.RSIPeriod),
		MACD:        MACD(closes),
		EMA:         make(map[int]float64, len(s.EMAPeriods)),
		ATR:         ATR(highs, lows, closes, s.ATRPeriod),
		ADX:         ADX(highs, lows, closes, s.ADXPeriod),
		VolumeRatio: VolumeRatio(cs.Volumes(), s.VolumeLookback),
	}
	for _, p := range s.EMAPeriods {
		if p > 0 {
			snap.EMA[p] = EMA(closes, p)
		}
	}
	hist := MACDHistogram(closes)
	if len(hist) > s.HistogramWindow {
		hist = hist[len(hist)-s.HistogramWindow:]
	}
	snap.Histograms = append([]float64(nil), hist...)
	return snap
}

// PrevHistogram 返回上一根 K 线的 MACD 柱，不存在时返回 false。
func (s Snapshot) PrevHistogram() (float64, bool) {
	if len(s.Histograms) < 2 {
		return 0, false
	}
	return s.Histograms[len(s.Histograms)-2], true
}

// EMAPeriods 返回快照中已计算的周期（升序）。
func (s Snapshot) EMAPeriods() []int {
	out := make([]int, 0, len(s.EMA))
	for p := range s.EMA {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
