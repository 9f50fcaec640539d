package position

import (
	"fmt"
	"math"
	"sync"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
)

// OpenRequest 描述一次开仓。保证金 = Balance × SizePercent / 100，名义价值 = 保证金 × 杠杆。
type OpenRequest struct {
	Symbol      string
	Side        Side
	Price       float64
	Balance     float64
	SizePercent float64
	Leverage    float64
	// ATR 可选，>0 时用于放宽止损/止盈距离。
	ATR float64
	// MaxLoss 为本笔可承受的美元亏损（通常为当日剩余风险额度），与 MaxLossPerTrade 取较小者，0 表示不限制。
	MaxLoss    float64
	Confidence int
	RegimeTag  string
	Time       int64
}

func (r OpenRequest) validate() error {
	if !r.Side.Valid() {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Price <= 0 || math.IsNaN(r.Price) {
		return fmt.Errorf("entry price must be > 0")
	}
	if r.Balance <= 0 {
		return fmt.Errorf("balance must be > 0")
	}
	if r.SizePercent <= 0 || r.SizePercent > 100 {
		return fmt.Errorf("position size percent must be in (0, 100]")
	}
	if r.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1")
	}
	if r.MaxLoss < 0 || math.IsNaN(r.MaxLoss) {
		return fmt.Errorf("max loss must be >= 0")
	}
	return nil
}

// Machine 拥有单个持仓的完整生命周期，不可复用：CLOSED 后需新建。
// 状态迁移由唯一的所有者（回测循环或单个监控协程）驱动，mu 保护来自 Book 与 HTTP 的并发读取。
type Machine struct {
	params Params

	mu    sync.Mutex
	state State
	pos   Position
	trade Trade
}

func NewMachine(params Params) (*Machine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Machine{params: params}, nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Params() Params { return m.params }

// Position 返回当前持仓副本，非 OPEN 状态返回 false。
func (m *Machine) Position() (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return Position{}, false
	}
	return m.pos, true
}

// Trade 返回平仓记录，仅 CLOSED 状态可用。
func (m *Machine) Trade() (Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		return Trade{}, false
	}
	return m.trade, true
}

// Open 开仓。非 FLAT 状态调用属于引擎缺陷，直接 panic。
func (m *Machine) Open(req OpenRequest) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFlat {
		panic(fmt.Sprintf("position: open called in state %s for %s", m.state, req.Symbol))
	}
	if err := req.validate(); err != nil {
		return Position{}, err
	}
	margin := req.Balance * req.SizePercent / 100
	notional := margin * req.Leverage
	slPct := m.params.stopPct(req.Price, req.ATR)
	tpPct := m.params.targetPct(req.Price, req.ATR)
	m.pos = Position{
		Symbol:     req.Symbol,
		Side:       req.Side,
		EntryPrice: req.Price,
		Quantity:   notional / req.Price,
		Leverage:   req.Leverage,
		Margin:     margin,
		StopLoss:   priceAtPct(req.Side, req.Price, -slPct),
		TakeProfit: priceAtPct(req.Side, req.Price, tpPct),
		MaxLoss:    lossCap(m.params.MaxLossPerTrade, req.MaxLoss),
		Confidence: req.Confidence,
		RegimeTag:  req.RegimeTag,
		EntryTime:  req.Time,
	}
	m.state = StateOpen
	return m.pos, nil
}

// extremes 返回 K 线内的有利/不利极值价格。
func (m *Machine) extremes(c market.Candle) (favorable, adverse float64) {
	if m.pos.Side == SideShort {
		return c.Low, c.High
	}
	return c.High, c.Low
}

// Evaluate 按固定优先级检查出场条件：
// 追踪止盈 → 追踪止损 → 紧急出场 → 静态止损/止盈 → 保本。
// 每根 K 线至多触发一次平仓。
func (m *Machine) Evaluate(c market.Candle) (Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return Trade{}, false
	}
	p := &m.pos
	cfg := m.params
	favPrice, advPrice := m.extremes(c)
	fav := movePct(p.Side, p.EntryPrice, favPrice)
	adv := movePct(p.Side, p.EntryPrice, advPrice)
	closeTime := c.CloseTime
	if closeTime == 0 {
		closeTime = c.OpenTime
	}

	// 1. 追踪止盈
	if cfg.TrailProfitActivate > 0 {
		if p.TrailingProfitActive && stopBreached(p.Side, advPrice, p.TrailingSL) {
			return m.close(p.TrailingSL, ExitTrailingTP, closeTime), true
		}
		if fav >= cfg.TrailProfitActivate {
			if !p.TrailingProfitActive {
				p.TrailingProfitActive = true
				p.TrailingLossActive = false
			}
			if fav > p.HighestProfit {
				p.HighestProfit = fav
			}
			m.tighten(priceAtPct(p.Side, p.EntryPrice, p.HighestProfit-cfg.TrailProfitDistance))
		}
	}

	// 2. 追踪止损（追踪止盈未激活时）
	if cfg.TrailLossActivate > 0 && !p.TrailingProfitActive {
		if p.TrailingLossActive && stopBreached(p.Side, advPrice, p.TrailingSL) {
			return m.close(p.TrailingSL, ExitTrailingSL, closeTime), true
		}
		if adv <= -cfg.TrailLossActivate {
			if !p.TrailingLossActive || adv < p.LowestLoss {
				p.LowestLoss = adv
			}
			p.TrailingLossActive = true
		}
		if p.TrailingLossActive {
			candidate := priceAtPct(p.Side, p.EntryPrice, movePct(p.Side, p.EntryPrice, c.Close)-cfg.TrailLossDistance)
			if !shouldTighten(p.Side, candidate, p.StopLoss) {
				candidate = p.StopLoss
			}
			m.tighten(candidate)
		}
	}

	// 3. 紧急出场
	if cfg.EmergencyExitPct > 0 && adv <= -cfg.EmergencyExitPct {
		return m.close(m.emergencyPrice(), ExitEmergency, closeTime), true
	}

	// 4. 静态止损/止盈
	if stopBreached(p.Side, advPrice, p.StopLoss) {
		reason := ExitStopLoss
		if p.BreakEvenEnabled && decimalCompare(p.StopLoss, p.EntryPrice) == 0 {
			reason = ExitBreakEven
		}
		return m.close(p.StopLoss, reason, closeTime), true
	}
	if targetReached(p.Side, favPrice, p.TakeProfit) {
		return m.close(p.TakeProfit, ExitTakeProfit, closeTime), true
	}

	// 5. 保本
	if cfg.BreakEvenTrigger > 0 && !p.BreakEvenEnabled && fav >= cfg.BreakEvenTrigger {
		if shouldTighten(p.Side, p.EntryPrice, p.StopLoss) {
			p.StopLoss = p.EntryPrice
		}
		p.BreakEvenEnabled = true
	}
	return Trade{}, false
}

// tighten 只接受更保护的追踪止损。
func (m *Machine) tighten(candidate float64) {
	if shouldTighten(m.pos.Side, candidate, m.pos.TrailingSL) {
		m.pos.TrailingSL = candidate
	}
}

// emergencyPrice 返回紧急出场价，并保证含手续费的单笔亏损不超过 MaxLoss。
func (m *Machine) emergencyPrice() float64 {
	p := m.pos
	price := priceAtPct(p.Side, p.EntryPrice, -m.params.EmergencyExitPct)
	if p.MaxLoss <= 0 || p.Quantity <= 0 {
		return price
	}
	fee := m.params.FeeRate
	perUnit := p.MaxLoss / p.Quantity
	if p.Side == SideShort {
		// (entry-exit)·q - fee·q·(entry+exit) = -MaxLoss
		bound := math.Max((p.EntryPrice*(1-fee)+perUnit)/(1+fee), p.EntryPrice)
		return math.Min(price, bound)
	}
	bound := math.Min((p.EntryPrice*(1+fee)-perUnit)/(1-fee), p.EntryPrice)
	return math.Max(price, bound)
}

// lossCap 取两个正值上限中较小者，0 表示不限制。
func lossCap(a, b float64) float64 {
	switch {
	case a <= 0:
		return math.Max(b, 0)
	case b <= 0:
		return a
	default:
		return math.Min(a, b)
	}
}

// Close 以指定价格手动平仓（MANUAL / END_OF_BACKTEST）。非 OPEN 状态 panic。
func (m *Machine) Close(price float64, reason ExitReason, ts int64) Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		panic(fmt.Sprintf("position: close called in state %s", m.state))
	}
	return m.close(price, reason, ts)
}

func (m *Machine) close(price float64, reason ExitReason, ts int64) Trade {
	p := m.pos
	pnl := movePct(p.Side, p.EntryPrice, price)
	gross := p.Margin * pnl * p.Leverage / 100
	fee := m.params.FeeRate * (p.Quantity*p.EntryPrice + p.Quantity*price)
	dollar := gross - fee
	m.trade = Trade{
		Symbol:     p.Symbol,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		Quantity:   p.Quantity,
		Leverage:   p.Leverage,
		Margin:     p.Margin,
		EntryTime:  p.EntryTime,
		ExitTime:   ts,
		ExitReason: reason,
		PnL:        pnl,
		PnLPercent: pnl * p.Leverage,
		DollarPnL:  dollar,
		Fee:        fee,
		Win:        dollar > 0,
		Confidence: p.Confidence,
		RegimeTag:  p.RegimeTag,
	}
	m.state = StateClosed
	return m.trade
}

// UnrealizedPnL 返回按 price 计算的未实现美元盈亏（不含手续费）。
func (m *Machine) UnrealizedPnL(price float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || price <= 0 {
		return 0
	}
	return m.pos.Margin * movePct(m.pos.Side, m.pos.EntryPrice, price) * m.pos.Leverage / 100
}
