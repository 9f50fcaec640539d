package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/regime"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/signal"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// trendCloses 上涨 240 根后回调 6 根，再恢复 6+extra 根（每根 +0.5）。
// 第 251 根（收盘 149）出现 BUY 95。
func trendCloses(extra int) []float64 {
	out := make([]float64, 0, 252+extra)
	for i := 0; i < 240; i++ {
		out = append(out, 100+0.2*float64(i))
	}
	top := out[len(out)-1]
	for j := 1; j <= 6; j++ {
		out = append(out, top-0.3*float64(j))
	}
	bottom := out[len(out)-1]
	for k := 1; k <= 6+extra; k++ {
		out = append(out, bottom+0.5*float64(k))
	}
	return out
}

func toCandles(closes []float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{OpenTime: int64(i) * 60_000, Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 10}
	}
	return out
}

func testPreset() strategy.Preset {
	return strategy.Preset{
		Name:                "fixture",
		Kind:                strategy.KindCustom,
		Leverage:            10,
		PositionSizePercent: 10,
		Signal:              signal.Config{Timeframes: []string{"1m"}},
		Exit:                position.Params{StopLossPct: 0.8, TakeProfitPct: 2},
	}
}

func newSimulator(t *testing.T, rec Recorder) *Simulator {
	t.Helper()
	sim, err := NewSimulator(SimulatorConfig{Regime: regime.Config{}, Recorder: rec})
	require.NoError(t, err)
	return sim
}

func TestRunTakeProfitScenario(t *testing.T) {
	sim := newSimulator(t, nil)
	res, err := sim.Run(context.Background(), RunInput{
		Symbol:         "btcusdt",
		Preset:         testPreset(),
		Base:           toCandles(trendCloses(7)),
		InitialCapital: 10000,
	})
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "BTCUSDT", tr.Symbol)
	assert.Equal(t, position.SideLong, tr.Side)
	assert.Equal(t, position.ExitTakeProfit, tr.ExitReason)
	assert.InDelta(t, 149, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 151.98, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 2.0, tr.PnL, 1e-9)
	assert.InDelta(t, 20.0, tr.PnLPercent, 1e-9)
	assert.InDelta(t, 200.0, tr.DollarPnL, 1e-6)
	assert.True(t, tr.Win)
	assert.Equal(t, 95, tr.Confidence)
	assert.Equal(t, "TRENDING_UP", tr.RegimeTag)
	assert.Equal(t, int64(251*60_000+59_999), tr.EntryTime)
	assert.Equal(t, int64(256*60_000+59_999), tr.ExitTime)

	assert.InDelta(t, 10200.0, res.FinalBalance, 1e-6)
	assert.InDelta(t, 10200.0, res.Metrics.FinalCapital, 1e-6)
	assert.True(t, res.Metrics.ProfitFactor.Infinite)
	assert.Equal(t, 1, res.Metrics.ExitReasons["TAKE_PROFIT"])

	require.Len(t, res.Equity, 259)
	assert.Equal(t, 10000.0, res.Equity[0].Equity)
	assert.InDelta(t, 10200.0, res.Equity[len(res.Equity)-1].Equity, 1e-6)
	for i := 1; i < len(res.Equity); i++ {
		assert.Greater(t, res.Equity[i].Timestamp, res.Equity[i-1].Timestamp)
	}

	assert.Equal(t, DecisionCounts{Buy: 1, Hold: 54, Warmup: 199}, res.Decisions)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "1m", res.Config.BaseTimeframe)
	assert.Equal(t, strategy.MinWarmupCandles, res.Config.WarmupCandles)
}

func TestRunWithoutSignalsKeepsFlatEquity(t *testing.T) {
	closes := make([]float64, 320)
	for i := range closes {
		closes[i] = 100
	}
	res, err := newSimulator(t, nil).Run(context.Background(), RunInput{
		Symbol:         "ETHUSDT",
		Preset:         testPreset(),
		Base:           toCandles(closes),
		InitialCapital: 10000,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, 10000.0, res.FinalBalance)
	require.Len(t, res.Equity, 320)
	for _, p := range res.Equity {
		assert.Equal(t, 10000.0, p.Equity)
	}
	assert.Zero(t, res.Metrics.TotalTrades)
	assert.Zero(t, res.Metrics.MaxDrawdown)
	assert.Zero(t, res.Decisions.Buy+res.Decisions.Sell)
}

func TestRunForceClosesAtEnd(t *testing.T) {
	res, err := newSimulator(t, nil).Run(context.Background(), RunInput{
		Symbol:         "BTCUSDT",
		Preset:         testPreset(),
		Base:           toCandles(trendCloses(2)),
		InitialCapital: 10000,
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, position.ExitEndOfBacktest, tr.ExitReason)
	assert.InDelta(t, 150, tr.ExitPrice, 1e-9)
	want := (150.0 - 149.0) / 149.0 * 100 * 10 * 1000 / 100
	assert.InDelta(t, want, tr.DollarPnL, 1e-6)
	assert.InDelta(t, 10000+want, res.FinalBalance, 1e-6)
	assert.InDelta(t, res.FinalBalance, res.Equity[len(res.Equity)-1].Equity, 1e-9)
}

func TestRunIsDeterministic(t *testing.T) {
	sim := newSimulator(t, nil)
	in := RunInput{
		Symbol:         "BTCUSDT",
		Preset:         testPreset(),
		Base:           toCandles(trendCloses(7)),
		InitialCapital: 10000,
	}
	a, err := sim.Run(context.Background(), in)
	require.NoError(t, err)
	b, err := sim.Run(context.Background(), in)
	require.NoError(t, err)

	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, a.Trades, b.Trades)
	assert.Equal(t, a.Equity, b.Equity)
	assert.Equal(t, a.Metrics, b.Metrics)
	assert.Equal(t, a.Decisions, b.Decisions)
}

func TestRunBlockedByGovernor(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.MaxLeverage = 5
	res, err := newSimulator(t, nil).Run(context.Background(), RunInput{
		Symbol:         "BTCUSDT",
		Preset:         testPreset(),
		Base:           toCandles(trendCloses(7)),
		InitialCapital: 10000,
		Limits:         &limits,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.GreaterOrEqual(t, res.Decisions.Blocked, 1)
	assert.Equal(t, 10000.0, res.FinalBalance)
}

func TestRunStartTimeExtendsWarmup(t *testing.T) {
	res, err := newSimulator(t, nil).Run(context.Background(), RunInput{
		Symbol:         "BTCUSDT",
		Preset:         testPreset(),
		Base:           toCandles(trendCloses(7)),
		InitialCapital: 10000,
		StartTime:      254 * 60_000,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, 254, res.Decisions.Warmup)
}

type recorderMock struct {
	mock.Mock
}

func (m *recorderMock) RecordRun(ctx context.Context, res Result) error {
	args := m.Called(ctx, res)
	return args.Error(0)
}

func TestRunPublishesToRecorder(t *testing.T) {
	rec := new(recorderMock)
	rec.On("RecordRun", mock.Anything, mock.MatchedBy(func(r Result) bool {
		return len(r.Trades) == 1 && r.Config.Symbol == "BTCUSDT"
	})).Return(nil).Once()

	_, err := newSimulator(t, rec).Run(context.Background(), RunInput{
		Symbol:         "BTCUSDT",
		Preset:         testPreset(),
		Base:           toCandles(trendCloses(7)),
		InitialCapital: 10000,
	})
	require.NoError(t, err)
	rec.AssertExpectations(t)
}

func TestRunRejectsBadInput(t *testing.T) {
	sim := newSimulator(t, nil)
	base := toCandles(trendCloses(7))

	_, err := sim.Run(context.Background(), RunInput{Symbol: "BTCUSDT", Preset: testPreset(), InitialCapital: 10000})
	assert.ErrorIs(t, err, ErrNoCandles)

	_, err = sim.Run(context.Background(), RunInput{Symbol: "BTCUSDT", Preset: testPreset(), Base: base})
	assert.Error(t, err)

	p := testPreset()
	p.Signal.Timeframes = []string{"1m", "3m"}
	_, err = sim.Run(context.Background(), RunInput{Symbol: "BTCUSDT", Preset: p, Base: base, BaseTimeframe: "5m", InitialCapital: 10000})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sim.Run(ctx, RunInput{Symbol: "BTCUSDT", Preset: testPreset(), Base: base, InitialCapital: 10000})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunResamplesHigherTimeframes(t *testing.T) {
	p := testPreset()
	p.Signal.Timeframes = []string{"1m", "3m", "5m"}
	res, err := newSimulator(t, nil).Run(context.Background(), RunInput{
		Symbol:         "BTCUSDT",
		Preset:         p,
		Base:           toCandles(trendCloses(7)),
		InitialCapital: 10000,
	})
	require.NoError(t, err)
	assert.Equal(t, "1m", res.Config.BaseTimeframe)
	assert.Len(t, res.Equity, 259)
	for _, tr := range res.Trades {
		assert.Contains(t, position.ExitReasons(), tr.ExitReason)
	}
}

func TestRunEmergencyExitCappedByDailyBudget(t *testing.T) {
	p := testPreset()
	p.Exit = strategy.Builtin()["scalper"].Exit
	base := toCandles(trendCloses(0))
	base = append(base, market.Candle{OpenTime: int64(len(base)) * 60_000, Open: 149, High: 149.2, Low: 144.5, Close: 145, Volume: 10})

	res, err := newSimulator(t, nil).Run(context.Background(), RunInput{
		Symbol:         "BTCUSDT",
		Preset:         p,
		Base:           base,
		InitialCapital: 10000,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)
	tr := res.Trades[0]
	assert.Equal(t, position.ExitEmergency, tr.ExitReason)
	assert.InDelta(t, 149, tr.EntryPrice, 1e-9)
	assert.InDelta(t, -risk.DefaultLimits().MaxDailyLoss, tr.DollarPnL, 1e-6)
}

func TestReplayWindowIsBounded(t *testing.T) {
	assert.Equal(t, 600, replayLookback(200))
	assert.Equal(t, 800, replayLookback(800))

	closes := make([]float64, 2000)
	for i := range closes {
		closes[i] = 100 + 0.01*float64(i)
	}
	base := toCandles(closes)
	p := testPreset()
	p.Signal.Timeframes = []string{"1m", "5m"}
	rn, err := newSimulator(t, nil).prepare(RunInput{Symbol: "BTCUSDT", Preset: p, Base: base, InitialCapital: 10000})
	require.NoError(t, err)

	cursors := map[string]int{}
	last := len(base) - 1
	frames := rn.window(last, base[last].CloseAt(time.Minute), cursors)
	require.Len(t, frames["1m"], rn.lookback)
	assert.Equal(t, base[last], frames["1m"][rn.lookback-1])
	assert.Len(t, frames["5m"], 400)
}
