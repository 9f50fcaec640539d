package position

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

func baseParams() Params {
	return Params{StopLossPct: 0.8, TakeProfitPct: 2}
}

func openLong(t *testing.T, params Params) *Machine {
	t.Helper()
	return openSide(t, params, SideLong)
}

func openSide(t *testing.T, params Params, side Side) *Machine {
	t.Helper()
	m, err := NewMachine(params)
	require.NoError(t, err)
	_, err = m.Open(OpenRequest{
		Symbol:      "BTCUSDT",
		Side:        side,
		Price:       100,
		Balance:     10000,
		SizePercent: 10,
		Leverage:    10,
		Confidence:  80,
		RegimeTag:   "TRENDING_UP",
		Time:        1,
	})
	require.NoError(t, err)
	return m
}

func bar(ts int64, high, low, closePrice float64) market.Candle {
	return market.Candle{OpenTime: ts, High: high, Low: low, Open: closePrice, Close: closePrice}
}

func TestOpenSizingAndBrackets(t *testing.T) {
	m := openLong(t, baseParams())
	pos, ok := m.Position()
	require.True(t, ok)
	assert.Equal(t, StateOpen, m.State())
	assert.InDelta(t, 1000.0, pos.Margin, 1e-9)
	assert.InDelta(t, 100.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 10000.0, pos.Notional(), 1e-9)
	assert.InDelta(t, 99.2, pos.StopLoss, 1e-9)
	assert.InDelta(t, 102.0, pos.TakeProfit, 1e-9)

	short := openSide(t, baseParams(), SideShort)
	sp, _ := short.Position()
	assert.InDelta(t, 100.8, sp.StopLoss, 1e-9)
	assert.InDelta(t, 98.0, sp.TakeProfit, 1e-9)
}

func TestTakeProfitDollarExample(t *testing.T) {
	m := openLong(t, baseParams())
	trade, closed := m.Evaluate(bar(2, 102.5, 100.1, 102.3))
	require.True(t, closed)
	assert.Equal(t, ExitTakeProfit, trade.ExitReason)
	assert.InDelta(t, 102.0, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 2.0, trade.PnL, 1e-9)
	assert.InDelta(t, 20.0, trade.PnLPercent, 1e-9)
	assert.InDelta(t, 200.0, trade.DollarPnL, 1e-9)
	assert.True(t, trade.Win)
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, "TRENDING_UP", trade.RegimeTag)
}

func TestStopLossFillsAtLevelNotClose(t *testing.T) {
	m := openLong(t, baseParams())
	trade, closed := m.Evaluate(bar(2, 100.5, 99.0, 99.1))
	require.True(t, closed)
	assert.Equal(t, ExitStopLoss, trade.ExitReason)
	assert.InDelta(t, 99.2, trade.ExitPrice, 1e-9)
	assert.InDelta(t, -0.8, trade.PnL, 1e-9)
	assert.InDelta(t, -80.0, trade.DollarPnL, 1e-9)
	assert.False(t, trade.Win)
}

func TestShortStopLoss(t *testing.T) {
	m := openSide(t, baseParams(), SideShort)
	trade, closed := m.Evaluate(bar(2, 101, 99.5, 100.9))
	require.True(t, closed)
	assert.Equal(t, ExitStopLoss, trade.ExitReason)
	assert.InDelta(t, 100.8, trade.ExitPrice, 1e-9)
	assert.InDelta(t, -0.8, trade.PnL, 1e-9)
}

func TestStopLossBeatsTakeProfitOnSameCandle(t *testing.T) {
	m := openLong(t, baseParams())
	trade, closed := m.Evaluate(bar(2, 103, 99, 101))
	require.True(t, closed)
	assert.Equal(t, ExitStopLoss, trade.ExitReason)
}

func TestNoExitInsideBrackets(t *testing.T) {
	m := openLong(t, baseParams())
	_, closed := m.Evaluate(bar(2, 101, 99.5, 100.4))
	assert.False(t, closed)
	assert.InDelta(t, 40.0, m.UnrealizedPnL(100.4), 1e-9)
}

func TestTrailingTakeProfit(t *testing.T) {
	params := Params{StopLossPct: 0.8, TakeProfitPct: 5, TrailProfitActivate: 1, TrailProfitDistance: 0.5}
	m := openLong(t, params)

	_, closed := m.Evaluate(bar(2, 101.5, 100.2, 101.3))
	require.False(t, closed)
	pos, _ := m.Position()
	assert.True(t, pos.TrailingProfitActive)
	assert.InDelta(t, 1.5, pos.HighestProfit, 1e-9)
	assert.InDelta(t, 101.0, pos.TrailingSL, 1e-9)

	_, closed = m.Evaluate(bar(3, 102, 101.2, 101.9))
	require.False(t, closed)
	pos, _ = m.Position()
	assert.InDelta(t, 101.5, pos.TrailingSL, 1e-9)

	trade, closed := m.Evaluate(bar(4, 101.8, 101.4, 101.45))
	require.True(t, closed)
	assert.Equal(t, ExitTrailingTP, trade.ExitReason)
	assert.InDelta(t, 101.5, trade.ExitPrice, 1e-9)
}

func TestTrailingLossTightensAndCloses(t *testing.T) {
	params := Params{StopLossPct: 1.5, TakeProfitPct: 3, TrailLossActivate: 0.5, TrailLossDistance: 0.3, EmergencyExitPct: 3}
	m := openLong(t, params)

	_, closed := m.Evaluate(bar(2, 100.1, 99.4, 99.5))
	require.False(t, closed)
	pos, _ := m.Position()
	assert.True(t, pos.TrailingLossActive)
	assert.InDelta(t, -0.6, pos.LowestLoss, 1e-9)
	assert.InDelta(t, 99.2, pos.TrailingSL, 1e-9)

	_, closed = m.Evaluate(bar(3, 99.9, 99.6, 99.8))
	require.False(t, closed)
	pos, _ = m.Position()
	assert.InDelta(t, 99.5, pos.TrailingSL, 1e-9)

	trade, closed := m.Evaluate(bar(4, 99.7, 99.4, 99.45))
	require.True(t, closed)
	assert.Equal(t, ExitTrailingSL, trade.ExitReason)
	assert.InDelta(t, 99.5, trade.ExitPrice, 1e-9)
}

func TestTrailingLossNeverLooserThanStaticStop(t *testing.T) {
	params := Params{StopLossPct: 0.8, TakeProfitPct: 3, TrailLossActivate: 0.5, TrailLossDistance: 0.4}
	m := openLong(t, params)
	_, closed := m.Evaluate(bar(2, 100, 99.3, 99.3))
	require.False(t, closed)
	pos, _ := m.Position()
	assert.InDelta(t, 99.2, pos.TrailingSL, 1e-9)
}

func TestEmergencyExitAndClamp(t *testing.T) {
	params := Params{StopLossPct: 0.8, TakeProfitPct: 2, EmergencyExitPct: 2}
	m := openLong(t, params)
	trade, closed := m.Evaluate(bar(2, 100, 97, 97.5))
	require.True(t, closed)
	assert.Equal(t, ExitEmergency, trade.ExitReason)
	assert.InDelta(t, 98.0, trade.ExitPrice, 1e-9)

	params.MaxLossPerTrade = 150
	m = openLong(t, params)
	trade, closed = m.Evaluate(bar(2, 100, 97, 97.5))
	require.True(t, closed)
	assert.Equal(t, ExitEmergency, trade.ExitReason)
	assert.InDelta(t, 98.5, trade.ExitPrice, 1e-9)
	assert.InDelta(t, -150.0, trade.DollarPnL, 1e-9)
}

func TestEmergencyExitRespectsRequestLossBudget(t *testing.T) {
	params := Params{StopLossPct: 0.8, TakeProfitPct: 2, EmergencyExitPct: 2, FeeRate: 0.0004, MaxLossPerTrade: 500}
	open := func(side Side, budget float64) *Machine {
		m, err := NewMachine(params)
		require.NoError(t, err)
		pos, err := m.Open(OpenRequest{Symbol: "BTCUSDT", Side: side, Price: 100, Balance: 10000, SizePercent: 10, Leverage: 10, MaxLoss: budget})
		require.NoError(t, err)
		assert.Equal(t, lossCap(params.MaxLossPerTrade, budget), pos.MaxLoss)
		return m
	}

	trade, closed := open(SideLong, 100).Evaluate(bar(2, 100, 97, 97.5))
	require.True(t, closed)
	assert.Equal(t, ExitEmergency, trade.ExitReason)
	assert.InDelta(t, -100.0, trade.DollarPnL, 1e-6)
	assert.Greater(t, trade.ExitPrice, 98.0)

	trade, closed = open(SideShort, 100).Evaluate(bar(2, 103, 99.5, 102.5))
	require.True(t, closed)
	assert.Equal(t, ExitEmergency, trade.ExitReason)
	assert.InDelta(t, -100.0, trade.DollarPnL, 1e-6)

	// 预算大于按紧急阈值的亏损时按阈值出场
	trade, closed = open(SideLong, 1000).Evaluate(bar(2, 100, 97, 97.5))
	require.True(t, closed)
	assert.InDelta(t, 98.0, trade.ExitPrice, 1e-9)
}

func TestLossCap(t *testing.T) {
	assert.Equal(t, 0.0, lossCap(0, 0))
	assert.Equal(t, 80.0, lossCap(0, 80))
	assert.Equal(t, 150.0, lossCap(150, 0))
	assert.Equal(t, 80.0, lossCap(150, 80))
}

func TestBreakEvenMovesStopOnce(t *testing.T) {
	params := Params{StopLossPct: 0.8, TakeProfitPct: 3, BreakEvenTrigger: 1}
	m := openLong(t, params)
	_, closed := m.Evaluate(bar(2, 101.2, 100.5, 101))
	require.False(t, closed)
	pos, _ := m.Position()
	assert.True(t, pos.BreakEvenEnabled)
	assert.InDelta(t, 100.0, pos.StopLoss, 1e-9)

	trade, closed := m.Evaluate(bar(3, 100.6, 99.9, 100))
	require.True(t, closed)
	assert.Equal(t, ExitBreakEven, trade.ExitReason)
	assert.InDelta(t, 100.0, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 0.0, trade.DollarPnL, 1e-9)
	assert.False(t, trade.Win)
}

func TestFeeReducesDollarPnL(t *testing.T) {
	params := baseParams()
	params.FeeRate = 0.0004
	m := openLong(t, params)
	trade, closed := m.Evaluate(bar(2, 102, 100, 102))
	require.True(t, closed)
	assert.InDelta(t, 8.08, trade.Fee, 1e-9)
	assert.InDelta(t, 191.92, trade.DollarPnL, 1e-9)
}

func TestATRWidensStopWithinEmergencyCap(t *testing.T) {
	params := Params{StopLossPct: 0.8, TakeProfitPct: 2, ATRStopMultiplier: 1, ATRTargetMultiplier: 2, EmergencyExitPct: 5}
	m, err := NewMachine(params)
	require.NoError(t, err)
	pos, err := m.Open(OpenRequest{Symbol: "X", Side: SideLong, Price: 100, Balance: 1000, SizePercent: 10, Leverage: 5, ATR: 1.5})
	require.NoError(t, err)
	assert.InDelta(t, 98.5, pos.StopLoss, 1e-9)
	assert.InDelta(t, 103.0, pos.TakeProfit, 1e-9)

	params.EmergencyExitPct = 1.2
	m, err = NewMachine(params)
	require.NoError(t, err)
	pos, err = m.Open(OpenRequest{Symbol: "X", Side: SideLong, Price: 100, Balance: 1000, SizePercent: 10, Leverage: 5, ATR: 1.5})
	require.NoError(t, err)
	assert.InDelta(t, 98.8, pos.StopLoss, 1e-9)
}

func TestTrailingStopIsMonotonic(t *testing.T) {
	params := Params{
		StopLossPct: 3, TakeProfitPct: 50, TrailProfitActivate: 0.6, TrailProfitDistance: 0.3,
		TrailLossActivate: 0.4, TrailLossDistance: 0.3, EmergencyExitPct: 10,
	}
	for seed := int64(1); seed <= 25; seed++ {
		for _, side := range []Side{SideLong, SideShort} {
			r := rand.New(rand.NewSource(seed))
			m := openSide(t, params, side)
			price := 100.0
			last := 0.0
			for i := 0; i < 300; i++ {
				price += r.Float64()*0.6 - 0.3
				c := bar(int64(i+2), price+r.Float64()*0.2, price-r.Float64()*0.2, price)
				if _, closed := m.Evaluate(c); closed {
					break
				}
				pos, _ := m.Position()
				if pos.TrailingSL > 0 && last > 0 {
					if side == SideLong {
						assert.GreaterOrEqual(t, pos.TrailingSL, last)
					} else {
						assert.LessOrEqual(t, pos.TrailingSL, last)
					}
				}
				if pos.TrailingSL > 0 {
					last = pos.TrailingSL
				}
			}
		}
	}
}

func TestInvariantViolationsPanic(t *testing.T) {
	m := openLong(t, baseParams())
	assert.Panics(t, func() {
		_, _ = m.Open(OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Price: 100, Balance: 1, SizePercent: 1, Leverage: 1})
	})
	trade := m.Close(100.5, ExitManual, 9)
	assert.Equal(t, ExitManual, trade.ExitReason)
	assert.Panics(t, func() { m.Close(100, ExitManual, 10) })
	assert.Panics(t, func() {
		_, _ = m.Open(OpenRequest{Symbol: "BTCUSDT", Side: SideLong, Price: 100, Balance: 1, SizePercent: 1, Leverage: 1})
	})
	_, closed := m.Evaluate(bar(11, 200, 1, 100))
	assert.False(t, closed)
	got, ok := m.Trade()
	assert.True(t, ok)
	assert.Equal(t, trade, got)
}

func TestOpenRejectsBadRequest(t *testing.T) {
	m, err := NewMachine(baseParams())
	require.NoError(t, err)
	_, err = m.Open(OpenRequest{Symbol: "X", Side: "UP", Price: 100, Balance: 1, SizePercent: 1, Leverage: 1})
	assert.Error(t, err)
	_, err = m.Open(OpenRequest{Symbol: "X", Side: SideLong, Price: 100, Balance: 1, SizePercent: 150, Leverage: 1})
	assert.Error(t, err)
	assert.Equal(t, StateFlat, m.State())
}

func TestParamsValidate(t *testing.T) {
	cases := []Params{
		{StopLossPct: 0, TakeProfitPct: 1},
		{StopLossPct: 1, TakeProfitPct: 0},
		{StopLossPct: 1, TakeProfitPct: 2, TrailProfitActivate: 1, TrailProfitDistance: 1},
		{StopLossPct: 1, TakeProfitPct: 2, TrailLossActivate: 0.5},
		{StopLossPct: 1, TakeProfitPct: 2, EmergencyExitPct: 0.5},
		{StopLossPct: 1, TakeProfitPct: 2, FeeRate: 0.02},
	}
	for i, p := range cases {
		assert.Error(t, p.Validate(), "case %d", i)
	}
	assert.NoError(t, Params{StopLossPct: 0.8, TakeProfitPct: 2, TrailProfitActivate: 1, TrailProfitDistance: 0.4}.Validate())
}
