package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/pkg/circuit"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
)

// ErrNoPosition 表示 symbol 没有 OPEN 持仓。
var ErrNoPosition = errors.New("no open position")

type monitorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *LiveEngine) startMonitor(parent context.Context, symbol, interval string, m *position.Machine) {
	ctx, cancel := context.WithCancel(parent)
	h := &monitorHandle{cancel: cancel, done: make(chan struct{})}
	e.monMu.Lock()
	e.monitors[symbol] = h
	e.monMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(h.done)
		defer func() {
			e.monMu.Lock()
			if e.monitors[symbol] == h {
				delete(e.monitors, symbol)
			}
			e.monMu.Unlock()
			cancel()
		}()
		e.monitor(ctx, symbol, interval, m)
	}()
}

// monitor 每 MonitorInterval 拉取最新 K 线并检查出场条件，直到平仓或 ctx 取消。
// 取消时不触碰持仓。
func (e *LiveEngine) monitor(ctx context.Context, symbol, interval string, m *position.Machine) {
	breaker := circuit.New("monitor."+symbol, e.cfg.BreakerThreshold, e.cfg.BreakerCooldown)
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	logger.Infof("[engine] monitor %s started interval=%s", symbol, e.cfg.MonitorInterval)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[engine] monitor %s stopped, position left open", symbol)
			return
		case <-ticker.C:
		}
		var closed bool
		err := breaker.Do(func() error {
			var err error
			closed, err = e.checkPosition(ctx, symbol, interval, m)
			return err
		})
		switch {
		case errors.Is(err, circuit.ErrOpen):
			e.metrics.ObserveBreakerSkip(breaker.Name())
			logger.Warnf("[engine] monitor %s: circuit breaker open, skipping cycle", symbol)
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			e.metrics.ObserveCollaboratorError("source")
			logger.Errorf("[engine] monitor %s cycle failed: %v", symbol, err)
		}
		if closed {
			return
		}
	}
}

func (e *LiveEngine) checkPosition(ctx context.Context, symbol, interval string, m *position.Machine) (bool, error) {
	tf, err := market.ParseTimeframe(interval)
	if err != nil {
		return false, err
	}
	data, err := e.source.FetchHistory(ctx, symbol, tf.SourceInterval, 1)
	if err != nil {
		return false, fmt.Errorf("fetch latest %s: %w", symbol, err)
	}
	last, ok := market.Candles(data).Last()
	if !ok {
		return false, nil
	}
	trade, closed := m.Evaluate(last)
	if !closed {
		return false, nil
	}
	e.finalize(ctx, trade)
	return true, nil
}

// finalize 发送平仓委托并完成记账：余额、风控、持久化、通知与释放槽位。
// 状态机的出场结果为准，下单失败仅记录错误。
func (e *LiveEngine) finalize(ctx context.Context, trade position.Trade) {
	symbol := trade.Symbol
	if _, err := e.exchange.PlaceExit(ctx, ExitOrder{
		Symbol:   symbol,
		Side:     trade.Side,
		Quantity: trade.Quantity,
		Price:    trade.ExitPrice,
		Reason:   trade.ExitReason,
	}); err != nil {
		e.metrics.ObserveCollaboratorError("exchange")
		logger.Errorf("[engine] exit order %s %s failed, reconcile manually: %v", symbol, trade.ExitReason, err)
	}
	now := e.now()
	balance := e.addBalance(trade.DollarPnL)
	state := e.gov.RecordTrade(now, trade.DollarPnL)
	if e.recorder != nil {
		if err := e.recorder.RecordTrade(ctx, trade); err != nil {
			e.metrics.ObserveCollaboratorError("recorder")
			logger.Errorf("[engine] record trade %s failed: %v", symbol, err)
		}
	}
	if err := e.book.Release(symbol); err != nil {
		logger.Errorf("[engine] release %s: %v", symbol, err)
	}
	e.metrics.ObserveTrade(symbol, string(trade.ExitReason))
	e.metrics.SetOpenPositions(e.book.Len())
	e.metrics.SetBalance(balance)
	e.metrics.SetDailyPnL(state.DailyPnL)
	logger.Infof("[engine] closed %s %s %s @ %.4f pnl=$%.2f (%.2f%%) balance=%.2f",
		symbol, trade.Side, trade.ExitReason, trade.ExitPrice, trade.DollarPnL, trade.PnLPercent, balance)
	e.notify(ctx, Event{Kind: EventClosed, Symbol: symbol, Trade: &trade, Time: now})
}

// StopMonitor 停止 symbol 的监控协程并等待其退出，持仓保持 OPEN。
func (e *LiveEngine) StopMonitor(symbol string) bool {
	symbol = normalizeSymbol(symbol)
	e.monMu.Lock()
	h, ok := e.monitors[symbol]
	e.monMu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	<-h.done
	return true
}

// ClosePosition 以最新收盘价手动平仓（MANUAL）。
func (e *LiveEngine) ClosePosition(ctx context.Context, symbol string) (position.Trade, error) {
	symbol = normalizeSymbol(symbol)
	m, ok := e.book.Get(symbol)
	if !ok {
		return position.Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	e.StopMonitor(symbol)
	if m.State() != position.StateOpen {
		// 监控协程已在退出前平仓。
		if trade, ok := m.Trade(); ok {
			return trade, nil
		}
		return position.Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	preset, _ := e.current()
	tf, err := market.ParseTimeframe(preset.Signal.Primary())
	if err != nil {
		return position.Trade{}, err
	}
	data, err := e.source.FetchHistory(ctx, symbol, tf.SourceInterval, 1)
	if err != nil {
		e.metrics.ObserveCollaboratorError("source")
		return position.Trade{}, fmt.Errorf("fetch latest %s: %w", symbol, err)
	}
	last, ok := market.Candles(data).Last()
	if !ok || last.Close <= 0 {
		return position.Trade{}, fmt.Errorf("no price for %s", symbol)
	}
	trade := m.Close(last.Close, position.ExitManual, e.now().UnixMilli())
	e.finalize(ctx, trade)
	return trade, nil
}

// Stop 停止所有监控协程，持仓保持 OPEN。
func (e *LiveEngine) Stop() {
	e.monMu.Lock()
	handles := make([]*monitorHandle, 0, len(e.monitors))
	for _, h := range e.monitors {
		handles = append(handles, h)
	}
	e.monMu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
	e.wg.Wait()
}

// Wait 等待所有监控协程退出。
func (e *LiveEngine) Wait() {
	e.wg.Wait()
}
