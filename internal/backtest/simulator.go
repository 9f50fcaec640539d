package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/indicator"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/analysis/regime"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/metrics"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/signal"

	"github.com/google/uuid"
)

// ErrNoCandles 表示输入没有任何 K 线。
var ErrNoCandles = errors.New("backtest requires candles")

type SimulatorConfig struct {
	Regime   regime.Config
	Recorder Recorder
}

// Simulator 将历史 K 线按预设逐根回放为成交明细与资金曲线。
// 回放单线程执行，循环内不做 I/O，相同输入总是得到相同结果。
type Simulator struct {
	detector *regime.Detector
	recorder Recorder
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	detector, err := regime.NewDetector(cfg.Regime)
	if err != nil {
		return nil, fmt.Errorf("regime detector: %w", err)
	}
	return &Simulator{detector: detector, recorder: cfg.Recorder}, nil
}

// Run 执行一次回放；配置了 Recorder 时在结束后写入结果。
func (s *Simulator) Run(ctx context.Context, in RunInput) (Result, error) {
	rn, err := s.prepare(in)
	if err != nil {
		return Result{}, err
	}
	res, err := rn.replay(ctx)
	if err != nil {
		return Result{}, err
	}
	logger.Infof("[backtest] run %s %s/%s done: trades=%d final=%.2f return=%.2f%%",
		res.RunID, res.Config.Symbol, res.Config.Strategy, len(res.Trades), res.FinalBalance, res.Metrics.ReturnPct)
	if s.recorder != nil {
		if err := s.recorder.RecordRun(ctx, res); err != nil {
			return res, fmt.Errorf("record run %s: %w", res.RunID, err)
		}
	}
	return res, nil
}

type runner struct {
	cfg      RunConfig
	baseTF   market.Timeframe
	base     []market.Candle
	frames   map[string][]market.Candle
	agg      *signal.Aggregator
	gov      *risk.Governor
	book     *position.Book
	exit     position.Params
	start    int64
	lookback int
}

func (s *Simulator) prepare(in RunInput) (*runner, error) {
	if len(in.Base) == 0 {
		return nil, ErrNoCandles
	}
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("backtest requires symbol")
	}
	if in.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be > 0")
	}
	preset := in.Preset.Normalize()
	if err := preset.Validate(); err != nil {
		return nil, err
	}
	limits := risk.DefaultLimits()
	if in.Limits != nil {
		limits = *in.Limits
	}
	gov, err := risk.NewGovernor(limits)
	if err != nil {
		return nil, err
	}
	agg, err := signal.NewAggregator(preset.Signal, s.detector)
	if err != nil {
		return nil, err
	}
	baseTF, err := resolveBaseTimeframe(in.BaseTimeframe, preset.Signal.Timeframes)
	if err != nil {
		return nil, err
	}
	frames := make(map[string][]market.Candle, len(preset.Signal.Timeframes))
	for _, key := range preset.Signal.Timeframes {
		tf, err := market.ParseTimeframe(key)
		if err != nil {
			return nil, err
		}
		if tf.Key == baseTF.Key {
			continue
		}
		data, err := market.Resample(in.Base, baseTF, tf)
		if err != nil {
			return nil, err
		}
		frames[tf.Key] = data
	}
	last := in.Base[len(in.Base)-1]
	return &runner{
		cfg: RunConfig{
			Symbol:         symbol,
			Strategy:       preset.Name,
			BaseTimeframe:  baseTF.Key,
			Timeframes:     append([]string(nil), preset.Signal.Timeframes...),
			StartTS:        in.Base[0].OpenTime,
			EndTS:          last.CloseAt(baseTF.Duration),
			Candles:        len(in.Base),
			WarmupCandles:  preset.WarmupCandles,
			InitialCapital: in.InitialCapital,
			Leverage:       preset.Leverage,
			PositionSize:   preset.PositionSizePercent,
			Exit:           preset.Exit,
			Limits:         limits,
		},
		baseTF:   baseTF,
		base:     in.Base,
		frames:   frames,
		agg:      agg,
		gov:      gov,
		book:     position.NewBook(),
		exit:     preset.Exit,
		start:    in.StartTime,
		lookback: replayLookback(preset.WarmupCandles),
	}, nil
}

// resolveBaseTimeframe 返回执行周期，所有信号周期都必须是它的整数倍。
func resolveBaseTimeframe(key string, timeframes []string) (market.Timeframe, error) {
	var base market.Timeframe
	if strings.TrimSpace(key) != "" {
		tf, err := market.ParseTimeframe(key)
		if err != nil {
			return market.Timeframe{}, err
		}
		base = tf
	} else {
		for _, k := range timeframes {
			tf, err := market.ParseTimeframe(k)
			if err != nil {
				return market.Timeframe{}, err
			}
			if base.Duration == 0 || tf.Duration < base.Duration {
				base = tf
			}
		}
	}
	for _, k := range timeframes {
		tf, _ := market.ParseTimeframe(k)
		if tf.Duration < base.Duration || tf.Duration%base.Duration != 0 {
			return market.Timeframe{}, fmt.Errorf("timeframe %s is not a multiple of base %s", tf.Key, base.Key)
		}
	}
	return base, nil
}

func (r *runner) replay(ctx context.Context) (Result, error) {
	res := Result{
		RunID:  uuid.NewString(),
		Config: r.cfg,
		Equity: make([]metrics.EquityPoint, 0, len(r.base)),
	}
	symbol := r.cfg.Symbol
	balance := r.cfg.InitialCapital
	cursors := make(map[string]int, len(r.frames))
	var open *position.Machine

	for i, c := range r.base {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		closeAt := c.CloseAt(r.baseTF.Duration)
		now := time.UnixMilli(closeAt).UTC()

		if open != nil {
			if trade, closed := open.Evaluate(c); closed {
				balance += trade.DollarPnL
				r.gov.RecordTrade(now, trade.DollarPnL)
				res.Trades = append(res.Trades, trade)
				if err := r.book.Release(symbol); err != nil {
					return Result{}, err
				}
				open = nil
			}
		} else if i+1 < r.cfg.WarmupCandles || c.OpenTime < r.start {
			res.Decisions.Warmup++
		} else {
			dec := r.agg.Decide(r.window(i, closeAt, cursors))
			switch dec.Action {
			case signal.ActionBuy:
				res.Decisions.Buy++
			case signal.ActionSell:
				res.Decisions.Sell++
			default:
				res.Decisions.Hold++
			}
			if m := r.enter(dec, c, now, balance); m != nil {
				open = m
			} else if dec.Tradeable() {
				res.Decisions.Blocked++
			}
		}

		equity := balance
		if open != nil {
			equity += open.UnrealizedPnL(c.Close)
		}
		res.Equity = append(res.Equity, metrics.EquityPoint{Timestamp: c.OpenTime, Equity: equity})
	}

	if open != nil {
		last := r.base[len(r.base)-1]
		closeAt := last.CloseAt(r.baseTF.Duration)
		trade := open.Close(last.Close, position.ExitEndOfBacktest, closeAt)
		balance += trade.DollarPnL
		r.gov.RecordTrade(time.UnixMilli(closeAt).UTC(), trade.DollarPnL)
		res.Trades = append(res.Trades, trade)
		_ = r.book.Release(symbol)
		res.Equity[len(res.Equity)-1].Equity = balance
	}

	res.FinalBalance = balance
	res.Metrics = metrics.Calculate(res.Trades, res.Equity, r.cfg.InitialCapital)
	return res, nil
}

// replayLookback 返回 max(预热根数, 3×最慢 EMA)。
func replayLookback(warmup int) int {
	slow := 0
	for _, p := range indicator.DefaultSettings().EMAPeriods {
		if p > slow {
			slow = p
		}
	}
	if n := 3 * slow; n > warmup {
		return n
	}
	return warmup
}

// window 返回第 i 根基础 K 线收盘时各周期可见的最近 lookback 根 K 线。
func (r *runner) window(i int, closeAt int64, cursors map[string]int) map[string][]market.Candle {
	out := make(map[string][]market.Candle, len(r.frames)+1)
	out[r.baseTF.Key] = market.Candles(r.base[:i+1]).Tail(r.lookback)
	for key, data := range r.frames {
		cur := cursors[key]
		for cur < len(data) && data[cur].CloseTime <= closeAt {
			cur++
		}
		cursors[key] = cur
		out[key] = market.Candles(data[:cur]).Tail(r.lookback)
	}
	return out
}

// enter 在决策可交易且风控放行时以收盘价开仓，返回新持仓。
func (r *runner) enter(dec signal.Decision, c market.Candle, now time.Time, balance float64) *position.Machine {
	if !dec.Tradeable() || dec.Confidence < r.agg.Config().MinConfidence {
		return nil
	}
	side := position.SideLong
	if dec.Action == signal.ActionSell {
		side = position.SideShort
	}
	price := c.Close
	margin := balance * r.cfg.PositionSize / 100
	check := r.gov.CheckEntry(now, risk.EntryRequest{
		Symbol:        r.cfg.Symbol,
		Quantity:      margin * r.cfg.Leverage / price,
		Price:         price,
		Leverage:      r.cfg.Leverage,
		Balance:       balance,
		OpenPositions: r.book.Len(),
	})
	if !check.Allowed {
		logger.Debugf("[backtest] %s entry blocked at %d: %s", r.cfg.Symbol, c.OpenTime, check.Reason())
		return nil
	}
	var atr float64
	if dec.ATR != nil {
		atr = *dec.ATR
	}
	m, _, err := r.book.Open(r.exit, position.OpenRequest{
		Symbol:      r.cfg.Symbol,
		Side:        side,
		Price:       price,
		Balance:     balance,
		SizePercent: r.cfg.PositionSize,
		Leverage:    r.cfg.Leverage,
		ATR:         atr,
		MaxLoss:     r.gov.LossBudget(now),
		Confidence:  dec.Confidence,
		RegimeTag:   string(dec.Regime.Regime),
		Time:        now.UnixMilli(),
	})
	if err != nil {
		logger.Warnf("[backtest] %s open failed: %v", r.cfg.Symbol, err)
		return nil
	}
	return m
}
