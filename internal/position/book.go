package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSlotTaken 表示 symbol 已有持仓或已被预留。
var ErrSlotTaken = errors.New("position slot taken")

// Book 以 symbol 为键管理活跃持仓，保证同一 symbol 至多一个 OPEN 的 Machine。
// pending 为已预留、尚未成交的槽位，计入 Len。
type Book struct {
	mu      sync.Mutex
	slots   map[string]*Machine
	pending map[string]struct{}
}

func NewBook() *Book {
	return &Book{slots: make(map[string]*Machine), pending: make(map[string]struct{})}
}

// Reserve 在下单前占住 symbol 的槽位，随后由 Open 兑现或 Cancel 释放。
func (b *Book) Reserve(symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.slots[symbol]; ok && m.State() == StateOpen {
		return fmt.Errorf("%w: %s is open", ErrSlotTaken, symbol)
	}
	if _, ok := b.pending[symbol]; ok {
		return fmt.Errorf("%w: %s is reserved", ErrSlotTaken, symbol)
	}
	b.pending[symbol] = struct{}{}
	return nil
}

// Cancel 释放未兑现的预留。
func (b *Book) Cancel(symbol string) {
	b.mu.Lock()
	delete(b.pending, symbol)
	b.mu.Unlock()
}

// Reserved 判断 symbol 是否有未兑现的预留。
func (b *Book) Reserved(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[symbol]
	return ok
}

// Open 新建 Machine 并开仓，兑现 symbol 的预留（如有）。symbol 已有持仓时 panic。
func (b *Book) Open(params Params, req OpenRequest) (*Machine, Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.slots[req.Symbol]; ok && m.State() == StateOpen {
		panic(fmt.Sprintf("position: %s already has an open position", req.Symbol))
	}
	m, err := NewMachine(params)
	if err != nil {
		return nil, Position{}, err
	}
	pos, err := m.Open(req)
	if err != nil {
		return nil, Position{}, err
	}
	b.slots[req.Symbol] = m
	delete(b.pending, req.Symbol)
	return m, pos, nil
}

// Get 返回 symbol 当前的 OPEN 持仓。
func (b *Book) Get(symbol string) (*Machine, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.slots[symbol]
	if !ok || m.State() != StateOpen {
		return nil, false
	}
	return m, true
}

// Has 判断 symbol 是否持有仓位。
func (b *Book) Has(symbol string) bool {
	_, ok := b.Get(symbol)
	return ok
}

// Release 释放 symbol 的槽位，持仓仍为 OPEN 时返回错误。
func (b *Book) Release(symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.slots[symbol]
	if !ok {
		return nil
	}
	if m.State() == StateOpen {
		return fmt.Errorf("position: %s is still open", symbol)
	}
	delete(b.slots, symbol)
	return nil
}

// Len 返回 OPEN 持仓与预留槽位的数量。
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.pending)
	for _, m := range b.slots {
		if m.State() == StateOpen {
			n++
		}
	}
	return n
}

// Symbols 返回持仓 symbol（排序后）。
func (b *Book) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.slots))
	for sym, m := range b.slots {
		if m.State() == StateOpen {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
