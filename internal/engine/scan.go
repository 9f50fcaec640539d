package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/signal"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"
)

// ScanResult 为一次扫描的结果。Risk 仅在决策可交易时填充。
type ScanResult struct {
	Symbol   string             `json:"symbol"`
	Decision signal.Decision    `json:"decision"`
	Risk     *risk.Decision     `json:"risk,omitempty"`
	Opened   bool               `json:"opened"`
	Position *position.Position `json:"position,omitempty"`
}

// Scan 拉取各周期 K 线并决策；可交易且风控放行时下单开仓并启动监控协程。
// 监控协程的生命周期跟随 ctx。
func (e *LiveEngine) Scan(ctx context.Context, symbol string) (ScanResult, error) {
	symbol = normalizeSymbol(symbol)
	res := ScanResult{Symbol: symbol}
	if symbol == "" {
		return res, fmt.Errorf("symbol is required")
	}
	if e.book.Has(symbol) || e.book.Reserved(symbol) {
		res.Decision = signal.Decision{Action: signal.ActionHold, Reason: "position already open"}
		return res, nil
	}
	preset, agg := e.current()
	now := e.now()
	frames, err := e.fetchFrames(ctx, symbol, preset, now.UnixMilli())
	if err != nil {
		e.metrics.ObserveCollaboratorError("source")
		return res, err
	}
	dec := agg.Decide(frames)
	res.Decision = dec
	e.metrics.ObserveDecision(symbol, string(dec.Action))
	logger.Debugf("[engine] %s decision %s conf=%d regime=%s reason=%s",
		symbol, dec.Action, dec.Confidence, dec.Regime.Regime, dec.Reason)
	if !dec.Tradeable() || dec.Confidence < agg.Config().MinConfidence {
		return res, nil
	}
	primary := agg.Config().Primary()
	last, ok := market.Candles(frames[primary]).Last()
	if !ok || last.Close <= 0 {
		return res, nil
	}

	price := last.Close
	balance := e.Balance()
	margin := balance * preset.PositionSizePercent / 100
	check, reserved := e.reserveEntry(now, risk.EntryRequest{
		Symbol:   symbol,
		Quantity: margin * preset.Leverage / price,
		Price:    price,
		Leverage: preset.Leverage,
		Balance:  balance,
	})
	res.Risk = &check
	if !check.Allowed {
		blocked, _ := check.Blocked()
		e.metrics.ObserveBlock(symbol, blocked.Name)
		logger.Warnf("[engine] %s %s entry blocked: %s", symbol, dec.Action, check.Reason())
		return res, nil
	}
	if !reserved {
		logger.Debugf("[engine] %s slot taken by a concurrent entry", symbol)
		return res, nil
	}
	for _, w := range check.Warnings() {
		logger.Warnf("[engine] %s risk warning (%s): %s", symbol, w.Name, w.Reason)
	}

	side := position.SideLong
	if dec.Action == signal.ActionSell {
		side = position.SideShort
	}
	fill, err := e.exchange.PlaceEntry(ctx, EntryOrder{
		Symbol:   symbol,
		Side:     side,
		Quantity: margin * preset.Leverage / price,
		Leverage: preset.Leverage,
		Price:    price,
	})
	if err != nil {
		e.book.Cancel(symbol)
		e.metrics.ObserveCollaboratorError("exchange")
		return res, fmt.Errorf("place entry %s: %w", symbol, err)
	}
	if fill.Price > 0 {
		price = fill.Price
	}
	var atr float64
	if dec.ATR != nil {
		atr = *dec.ATR
	}
	m, pos, err := e.book.Open(preset.Exit, position.OpenRequest{
		Symbol:      symbol,
		Side:        side,
		Price:       price,
		Balance:     balance,
		SizePercent: preset.PositionSizePercent,
		Leverage:    preset.Leverage,
		ATR:         atr,
		MaxLoss:     e.gov.LossBudget(now),
		Confidence:  dec.Confidence,
		RegimeTag:   string(dec.Regime.Regime),
		Time:        now.UnixMilli(),
	})
	if err != nil {
		e.book.Cancel(symbol)
		return res, fmt.Errorf("open %s: %w", symbol, err)
	}
	res.Opened = true
	res.Position = &pos
	e.metrics.SetOpenPositions(e.book.Len())
	logger.Infof("[engine] opened %s %s @ %.4f qty=%.6f sl=%.4f tp=%.4f order=%s",
		symbol, side, pos.EntryPrice, pos.Quantity, pos.StopLoss, pos.TakeProfit, fill.OrderID)
	e.notify(ctx, Event{Kind: EventOpened, Symbol: symbol, Position: &pos, Time: now})
	e.startMonitor(ctx, symbol, primary, m)
	return res, nil
}

// reserveEntry 在 entryMu 下完成风控检查并预留槽位，OpenPositions 计入其它协程已预留的槽位。
func (e *LiveEngine) reserveEntry(now time.Time, req risk.EntryRequest) (risk.Decision, bool) {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()
	req.OpenPositions = e.book.Len()
	check := e.gov.CheckEntry(now, req)
	if !check.Allowed {
		return check, false
	}
	if err := e.book.Reserve(req.Symbol); err != nil {
		return check, false
	}
	return check, true
}

// fetchFrames 拉取预设的所有周期，只保留截至 nowMs 已收盘的 K 线。
func (e *LiveEngine) fetchFrames(ctx context.Context, symbol string, preset strategy.Preset, nowMs int64) (map[string][]market.Candle, error) {
	limit := e.cfg.HistoryLimit
	if limit <= 0 {
		limit = preset.WarmupCandles + 10
	}
	frames := make(map[string][]market.Candle, len(preset.Signal.Timeframes))
	for _, key := range preset.Signal.Timeframes {
		tf, err := market.ParseTimeframe(key)
		if err != nil {
			return nil, err
		}
		data, err := e.source.FetchHistory(ctx, symbol, tf.SourceInterval, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch %s %s: %w", symbol, tf.Key, err)
		}
		frames[tf.Key] = closedOnly(data, tf, nowMs)
	}
	return frames, nil
}

func closedOnly(data []market.Candle, tf market.Timeframe, nowMs int64) []market.Candle {
	n := len(data)
	for n > 0 && data[n-1].CloseAt(tf.Duration) > nowMs {
		n--
	}
	return data[:n]
}
