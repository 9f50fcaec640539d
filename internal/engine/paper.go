package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
)

// PaperExchange 按参考价即时成交，不连接真实交易所。
type PaperExchange struct {
	seq atomic.Int64
}

func NewPaperExchange() *PaperExchange {
	return &PaperExchange{}
}

func (p *PaperExchange) PlaceEntry(_ context.Context, order EntryOrder) (Fill, error) {
	if order.Price <= 0 || order.Quantity <= 0 {
		return Fill{}, fmt.Errorf("paper entry %s: invalid price/quantity", order.Symbol)
	}
	id := fmt.Sprintf("paper-%d", p.seq.Add(1))
	logger.Infof("[paper] %s entry %s qty=%.6f @ %.4f x%.0f", id, order.Side, order.Quantity, order.Price, order.Leverage)
	return Fill{OrderID: id, Price: order.Price}, nil
}

func (p *PaperExchange) PlaceExit(_ context.Context, order ExitOrder) (Fill, error) {
	id := fmt.Sprintf("paper-%d", p.seq.Add(1))
	logger.Infof("[paper] %s exit %s %s qty=%.6f @ %.4f", id, order.Side, order.Reason, order.Quantity, order.Price)
	return Fill{OrderID: id, Price: order.Price}, nil
}

// LogNotifier 把事件写入日志。
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) error {
	switch {
	case ev.Trade != nil:
		logger.Infof("[notify] %s %s %s pnl=$%.2f", ev.Kind, ev.Symbol, ev.Trade.ExitReason, ev.Trade.DollarPnL)
	case ev.Position != nil:
		logger.Infof("[notify] %s %s %s @ %.4f", ev.Kind, ev.Symbol, ev.Position.Side, ev.Position.EntryPrice)
	default:
		logger.Infof("[notify] %s %s", ev.Kind, ev.Symbol)
	}
	return nil
}
