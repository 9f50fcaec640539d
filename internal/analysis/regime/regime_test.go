package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

func series(closes []float64, spread float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{OpenTime: int64(i) * 60_000, Open: c, High: c + spread, Low: c - spread, Close: c, Volume: 1}
	}
	return out
}

func linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func oscillating(n int, base, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = base
		} else {
			out[i] = base + amp
		}
	}
	return out
}

func mustDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := NewDetector(cfg)
	require.NoError(t, err)
	return d
}

func TestClassifyUnknownOnShortHistory(t *testing.T) {
	d := mustDetector(t, Config{})
	got := d.Classify(series(linear(199, 100, 1), 1))
	assert.Equal(t, Unknown, got.Regime)
	assert.False(t, got.ShouldTrade)
	assert.Equal(t, 0, got.ConfidenceDelta)
}

func TestClassifyTable(t *testing.T) {
	rebound := append(linear(200, 400, -1), linear(20, 201, 1)...)
	cases := []struct {
		name     string
		cfg      Config
		candles  []market.Candle
		regime   Regime
		trade    bool
		strength Strength
		delta    int
	}{
		{
			name:    "tight oscillation ranges",
			candles: series(oscillating(240, 100, 0.2), 0.1),
			regime:  Ranging,
			delta:   -20,
		},
		{
			name:    "wide oscillation is choppy",
			candles: series(oscillating(240, 100, 2), 1),
			regime:  Choppy,
			delta:   -20,
		},
		{
			name:     "steady climb is exhaustion",
			candles:  series(linear(240, 100, 1), 1),
			regime:   TrendingUp,
			trade:    true,
			strength: StrengthExhaustion,
			delta:    8,
		},
		{
			name:     "steady fall is exhaustion down",
			candles:  series(linear(240, 400, -1), 1),
			regime:   TrendingDown,
			trade:    true,
			strength: StrengthExhaustion,
			delta:    8,
		},
		{
			name:     "ideal band with raised exhaustion",
			cfg:      Config{ExhaustionADX: 101},
			candles:  series(linear(240, 100, 1), 1),
			regime:   TrendingUp,
			trade:    true,
			strength: StrengthIdeal,
			delta:    15,
		},
		{
			name:     "weak band",
			cfg:      Config{WeakADX: 99, StrongADX: 100.5, ExhaustionADX: 101},
			candles:  series(linear(240, 100, 1), 1),
			regime:   TrendingUp,
			trade:    true,
			strength: StrengthWeak,
			delta:    5,
		},
		{
			name:    "strong adx against slow ema is choppy",
			candles: series(rebound, 1),
			regime:  Choppy,
			delta:   -20,
		},
		{
			name:    "weak adx without alignment ranges",
			cfg:     Config{WeakADX: 99, StrongADX: 100.5, ExhaustionADX: 101},
			candles: series(rebound, 1),
			regime:  Ranging,
			delta:   -20,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDetector(t, tc.cfg)
			got := d.Classify(tc.candles)
			assert.Equal(t, tc.regime, got.Regime, got.Reason)
			assert.Equal(t, tc.trade, got.ShouldTrade)
			assert.Equal(t, tc.strength, got.Strength)
			assert.Equal(t, tc.delta, got.ConfidenceDelta)
			assert.NotEmpty(t, got.Reason)
			assert.GreaterOrEqual(t, got.ADX, 0.0)
			assert.LessOrEqual(t, got.ADX, 100.0)
		})
	}
}

func TestNewDetectorValidatesThresholds(t *testing.T) {
	_, err := NewDetector(Config{WeakADX: 30, StrongADX: 25})
	assert.Error(t, err)
	_, err = NewDetector(Config{MinCandles: 50})
	assert.Error(t, err)
}
