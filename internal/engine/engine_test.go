package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/signal"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSource struct {
	mock.Mock
}

func (m *MockSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit)
	out, _ := args.Get(0).([]market.Candle)
	return out, args.Error(1)
}

func (m *MockSource) FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	args := m.Called(ctx, symbol, interval, start, end, limit)
	out, _ := args.Get(0).([]market.Candle)
	return out, args.Error(1)
}

type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) PlaceEntry(ctx context.Context, order EntryOrder) (Fill, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(Fill), args.Error(1)
}

func (m *MockExchange) PlaceExit(ctx context.Context, order ExitOrder) (Fill, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(Fill), args.Error(1)
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordTrade(ctx context.Context, trade position.Trade) error {
	args := m.Called(ctx, trade)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, ev Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

const historyLimit = 300

// 上涨 240 根后回调 6 根再反弹 6 根，最后一根（收盘 149）给出 BUY 95。
func buyHistory() []market.Candle {
	closes := make([]float64, 0, 252)
	for i := 0; i < 240; i++ {
		closes = append(closes, 100+0.2*float64(i))
	}
	top := closes[len(closes)-1]
	for j := 1; j <= 6; j++ {
		closes = append(closes, top-0.3*float64(j))
	}
	bottom := closes[len(closes)-1]
	for k := 1; k <= 6; k++ {
		closes = append(closes, bottom+0.5*float64(k))
	}
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		ot := int64(i) * 60_000
		out[i] = market.Candle{OpenTime: ot, CloseTime: ot + 59_999, Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 10}
	}
	return out
}

func bar(i int, price, spread float64) []market.Candle {
	ot := int64(i) * 60_000
	return []market.Candle{{OpenTime: ot, CloseTime: ot + 59_999, Open: price, High: price + spread, Low: price - spread, Close: price, Volume: 10}}
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

type fixture struct {
	src      *MockSource
	exchange *MockExchange
	recorder *MockRecorder
	notifier *MockNotifier
	engine   *LiveEngine
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		src:      new(MockSource),
		exchange: new(MockExchange),
		recorder: new(MockRecorder),
		notifier: new(MockNotifier),
	}
	cfg := Config{
		Preset:           testPreset(),
		Limits:           risk.DefaultLimits(),
		Capital:          10000,
		MonitorInterval:  10 * time.Millisecond,
		HistoryLimit:     historyLimit,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewLiveEngine(Params{
		Config:   cfg,
		Source:   f.src,
		Exchange: f.exchange,
		Recorder: f.recorder,
		Notifier: f.notifier,
		Metrics:  telemetry.New(),
		Now:      func() time.Time { return time.UnixMilli(252 * 60_000) },
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	f.engine = e
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

func (f *fixture) expectEntry() {
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", historyLimit).Return(buyHistory(), nil)
	f.exchange.On("PlaceEntry", mock.Anything, mock.MatchedBy(func(o EntryOrder) bool {
		return o.Symbol == "BTCUSDT" && o.Side == position.SideLong && o.Price == 149
	})).Return(Fill{OrderID: "o-1"}, nil).Once()
}

func TestScanOpensAndMonitorTakesProfit(t *testing.T) {
	f := newFixture(t, nil)
	f.expectEntry()
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", 1).Return(bar(253, 152, 0.5), nil)
	f.exchange.On("PlaceExit", mock.Anything, mock.MatchedBy(func(o ExitOrder) bool {
		return o.Reason == position.ExitTakeProfit
	})).Return(Fill{OrderID: "o-2"}, nil).Once()

	var mu sync.Mutex
	var recorded []position.Trade
	f.recorder.On("RecordTrade", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, args.Get(1).(position.Trade))
	}).Return(nil)

	res, err := f.engine.Scan(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, signal.ActionBuy, res.Decision.Action)
	assert.Equal(t, 95, res.Decision.Confidence)
	require.True(t, res.Opened)
	require.NotNil(t, res.Risk)
	assert.True(t, res.Risk.Allowed)
	assert.InDelta(t, 149.0, res.Position.EntryPrice, 1e-9)
	assert.InDelta(t, 151.98, res.Position.TakeProfit, 1e-9)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recorded) == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.engine.Wait()

	tr := recorded[0]
	assert.Equal(t, position.ExitTakeProfit, tr.ExitReason)
	assert.InDelta(t, 151.98, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 200.0, tr.DollarPnL, 1e-6)
	assert.InDelta(t, 10200.0, f.engine.Balance(), 1e-6)
	assert.Empty(t, f.engine.Positions())
	st := f.engine.Governor().State(time.UnixMilli(252 * 60_000))
	assert.Equal(t, 1, st.DailyTradeCount)
	assert.InDelta(t, 200.0, st.DailyPnL, 1e-6)
	f.exchange.AssertExpectations(t)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(ev Event) bool { return ev.Kind == EventClosed }))
}

func TestScanBlockedByGovernor(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Limits.MaxLeverage = 5 })
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", historyLimit).Return(buyHistory(), nil)

	res, err := f.engine.Scan(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, signal.ActionBuy, res.Decision.Action)
	assert.False(t, res.Opened)
	require.NotNil(t, res.Risk)
	assert.False(t, res.Risk.Allowed)
	blocked, ok := res.Risk.Blocked()
	require.True(t, ok)
	assert.Equal(t, risk.CheckLeverage, blocked.Name)
	f.exchange.AssertNotCalled(t, "PlaceEntry", mock.Anything, mock.Anything)
}

func TestScanSourceErrorSkipsCycle(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("timeout")
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", historyLimit).Return(nil, boom)

	res, err := f.engine.Scan(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Opened)
	f.exchange.AssertNotCalled(t, "PlaceEntry", mock.Anything, mock.Anything)
}

func TestScanEntryOrderFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", historyLimit).Return(buyHistory(), nil)
	boom := errors.New("insufficient margin")
	f.exchange.On("PlaceEntry", mock.Anything, mock.Anything).Return(Fill{}, boom).Once()

	res, err := f.engine.Scan(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Opened)
	assert.Empty(t, f.engine.Positions())
}

func TestScanUsesFillPrice(t *testing.T) {
	f := newFixture(t, nil)
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", historyLimit).Return(buyHistory(), nil)
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", 1).Return(bar(253, 150, 0.1), nil).Maybe()
	f.exchange.On("PlaceEntry", mock.Anything, mock.Anything).Return(Fill{OrderID: "o-1", Price: 150}, nil).Once()

	res, err := f.engine.Scan(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, res.Opened)
	assert.Equal(t, 150.0, res.Position.EntryPrice)
}

func TestStopMonitorLeavesPositionOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.expectEntry()
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", 1).Return(bar(253, 149, 0.1), nil)

	res, err := f.engine.Scan(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, res.Opened)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, f.engine.StopMonitor("BTCUSDT"))
	assert.False(t, f.engine.StopMonitor("BTCUSDT"))

	positions := f.engine.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	f.exchange.AssertNotCalled(t, "PlaceExit", mock.Anything, mock.Anything)

	again, err := f.engine.Scan(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, signal.ActionHold, again.Decision.Action)
	assert.False(t, again.Opened)
}

func TestClosePositionManual(t *testing.T) {
	f := newFixture(t, nil)
	f.expectEntry()
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", 1).Return(bar(253, 149.745, 0.01), nil)
	f.exchange.On("PlaceExit", mock.Anything, mock.MatchedBy(func(o ExitOrder) bool {
		return o.Reason == position.ExitManual
	})).Return(Fill{}, nil).Once()
	f.recorder.On("RecordTrade", mock.Anything, mock.MatchedBy(func(tr position.Trade) bool {
		return tr.ExitReason == position.ExitManual
	})).Return(nil).Once()

	_, err := f.engine.Scan(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	tr, err := f.engine.ClosePosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, position.ExitManual, tr.ExitReason)
	assert.InDelta(t, 149.745, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 50.0, tr.DollarPnL, 1e-6)
	assert.InDelta(t, 10050.0, f.engine.Balance(), 1e-6)
	assert.Empty(t, f.engine.Positions())
	f.recorder.AssertExpectations(t)

	_, err = f.engine.ClosePosition(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestRunCancelLeavesPositionsOpen(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ScanInterval = 20 * time.Millisecond
		c.RunImmediately = true
	})
	f.expectEntry()
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", 1).Return(bar(253, 149, 0.1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, []string{"btcusdt", "BTCUSDT "}) }()

	require.Eventually(t, func() bool { return len(f.engine.Positions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, f.engine.Positions(), 1)
	f.exchange.AssertNumberOfCalls(t, "PlaceEntry", 1)
	f.exchange.AssertNotCalled(t, "PlaceExit", mock.Anything, mock.Anything)
}

func TestRunBreakerSuppressesRepeatedFailures(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ScanInterval = 10 * time.Millisecond
		c.BreakerThreshold = 2
	})
	var calls atomic.Int32
	f.src.On("FetchHistory", mock.Anything, "ETHUSDT", "1m", historyLimit).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(nil, errors.New("502"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, []string{"ETHUSDT"}) }()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSetPresetRejectsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	bad := testPreset()
	bad.Leverage = 500
	assert.Error(t, f.engine.SetPreset(bad))
	assert.Equal(t, "fixture", f.engine.Preset().Name)

	good := testPreset()
	good.Name = "swapped"
	require.NoError(t, f.engine.SetPreset(good))
	assert.Equal(t, "swapped", f.engine.Preset().Name)
}

func TestNewLiveEngineRequiresCollaborators(t *testing.T) {
	_, err := NewLiveEngine(Params{Config: Config{Preset: testPreset(), Capital: 100}, Exchange: new(MockExchange)})
	assert.Error(t, err)
	_, err = NewLiveEngine(Params{Config: Config{Preset: testPreset(), Capital: 100}, Source: new(MockSource)})
	assert.Error(t, err)
	_, err = NewLiveEngine(Params{Config: Config{Preset: testPreset()}, Source: new(MockSource), Exchange: new(MockExchange)})
	assert.Error(t, err)
}

func TestNextAligned(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		now      time.Time
		interval time.Duration
		offset   time.Duration
		want     time.Time
	}{
		{"mid interval", base.Add(20 * time.Second), time.Minute, 0, base.Add(time.Minute)},
		{"on boundary", base, time.Minute, 0, base.Add(time.Minute)},
		{"offset ahead", base.Add(2 * time.Second), time.Minute, 5 * time.Second, base.Add(5 * time.Second)},
		{"offset passed", base.Add(10 * time.Second), time.Minute, 5 * time.Second, base.Add(65 * time.Second)},
		{"five minutes", base.Add(7 * time.Minute), 5 * time.Minute, 0, base.Add(10 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextAligned(tc.now, tc.interval, tc.offset))
		})
	}
}

func TestClosedOnlyDropsFormingCandle(t *testing.T) {
	tf, _ := market.ParseTimeframe("1m")
	data := append(bar(0, 1, 0), bar(1, 1, 0)...)
	assert.Len(t, closedOnly(data, tf, 60_000+59_999), 2)
	assert.Len(t, closedOnly(data, tf, 60_000+30_000), 1)
	assert.Empty(t, closedOnly(data, tf, 0))
}

// gatedExchange 让开仓委托停在 release 上，便于构造并发扫描。
type gatedExchange struct {
	entered chan string
	release chan struct{}
	entries atomic.Int32
}

func (g *gatedExchange) PlaceEntry(ctx context.Context, order EntryOrder) (Fill, error) {
	g.entries.Add(1)
	g.entered <- order.Symbol
	<-g.release
	return Fill{OrderID: "gated-" + order.Symbol}, nil
}

func (g *gatedExchange) PlaceExit(context.Context, ExitOrder) (Fill, error) {
	return Fill{}, nil
}

func TestConcurrentScansRespectOpenPositionCap(t *testing.T) {
	src := new(MockSource)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		src.On("FetchHistory", mock.Anything, sym, "1m", historyLimit).Return(buyHistory(), nil)
		src.On("FetchHistory", mock.Anything, sym, "1m", 1).Return(bar(253, 149, 0.1), nil).Maybe()
	}
	ex := &gatedExchange{entered: make(chan string, 2), release: make(chan struct{})}
	notifier := new(MockNotifier)
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()
	e, err := NewLiveEngine(Params{
		Config: Config{
			Preset:          testPreset(),
			Limits:          risk.DefaultLimits(),
			Capital:         10000,
			MonitorInterval: time.Hour,
			HistoryLimit:    historyLimit,
		},
		Source:   src,
		Exchange: ex,
		Notifier: notifier,
		Metrics:  telemetry.New(),
		Now:      func() time.Time { return time.UnixMilli(252 * 60_000) },
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	results := make(chan ScanResult, 2)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		go func(symbol string) {
			res, err := e.Scan(context.Background(), symbol)
			assert.NoError(t, err)
			results <- res
		}(sym)
	}

	var first string
	select {
	case first = <-ex.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no entry order placed")
	}
	// 第一笔委托未返回前，另一个 symbol 必须被持仓上限拦下
	var blocked ScanResult
	select {
	case blocked = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("second scan did not finish while the first entry was pending")
	}
	assert.NotEqual(t, first, blocked.Symbol)
	assert.False(t, blocked.Opened)
	require.NotNil(t, blocked.Risk)
	check, ok := blocked.Risk.Blocked()
	require.True(t, ok)
	assert.Equal(t, risk.CheckOpenPositions, check.Name)

	close(ex.release)
	opened := <-results
	assert.Equal(t, first, opened.Symbol)
	assert.True(t, opened.Opened)
	assert.Len(t, e.Positions(), 1)
	assert.Equal(t, int32(1), ex.entries.Load())
}

func TestScanEntryFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", historyLimit).Return(buyHistory(), nil)
	f.src.On("FetchHistory", mock.Anything, "BTCUSDT", "1m", 1).Return(bar(253, 149, 0.1), nil).Maybe()
	f.exchange.On("PlaceEntry", mock.Anything, mock.Anything).Return(Fill{}, errors.New("rejected")).Once()
	f.exchange.On("PlaceEntry", mock.Anything, mock.Anything).Return(Fill{OrderID: "o-2"}, nil).Once()

	_, err := f.engine.Scan(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, 0, f.engine.book.Len())

	res, err := f.engine.Scan(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, res.Opened)
}
