package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/pkg/circuit"

	"golang.org/x/sync/errgroup"
)

// Run 为每个 symbol 启动一个对齐到 K 线收盘的扫描循环，直到 ctx 取消。
// 失败只记录并跳过本轮，连续失败由熔断器暂停扫描。返回前等待所有监控协程退出。
func (e *LiveEngine) Run(ctx context.Context, symbols []string) error {
	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		logger.Warnf("[engine] no symbols configured")
		<-ctx.Done()
		return nil
	}
	interval := e.scanInterval()
	logger.Infof("[engine] starting scan loops symbols=%v interval=%s offset=%s run_immediately=%v",
		symbols, interval, e.cfg.ScanOffset, e.cfg.RunImmediately)

	group, gctx := errgroup.WithContext(ctx)
	for _, sym := range symbols {
		sym := sym
		group.Go(func() error {
			breaker := circuit.New("scan."+sym, e.cfg.BreakerThreshold, e.cfg.BreakerCooldown)
			e.scanLoop(gctx, sym, interval, breaker)
			return nil
		})
	}
	err := group.Wait()
	e.Wait()
	return err
}

// scanInterval 默认取预设主周期。
func (e *LiveEngine) scanInterval() time.Duration {
	if e.cfg.ScanInterval > 0 {
		return e.cfg.ScanInterval
	}
	preset, _ := e.current()
	if tf, err := market.ParseTimeframe(preset.Signal.Primary()); err == nil {
		return tf.Duration
	}
	return time.Minute
}

func (e *LiveEngine) scanLoop(ctx context.Context, symbol string, interval time.Duration, breaker *circuit.Breaker) {
	tick := func() {
		err := breaker.Do(func() error {
			_, err := e.Scan(ctx, symbol)
			return err
		})
		switch {
		case err == nil:
		case errors.Is(err, circuit.ErrOpen):
			e.metrics.ObserveBreakerSkip(breaker.Name())
			logger.Warnf("[engine] scan %s: circuit breaker open, skipping cycle", symbol)
		case ctx.Err() != nil:
		default:
			logger.Errorf("[engine] scan %s failed: %v", symbol, err)
		}
	}
	if e.cfg.RunImmediately {
		tick()
	}
	for {
		next := nextAligned(e.now(), interval, e.cfg.ScanOffset)
		if !waitUntil(ctx, next, e.now) {
			logger.Infof("[engine] scan loop %s stopped", symbol)
			return
		}
		tick()
	}
}

// nextAligned 返回 now 之后第一个 “周期边界 + offset” 时刻。
func nextAligned(now time.Time, interval, offset time.Duration) time.Time {
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	at := now.Truncate(interval).Add(offset)
	for !at.After(now) {
		at = at.Add(interval)
	}
	return at
}

func waitUntil(ctx context.Context, target time.Time, now func() time.Time) bool {
	wait := target.Sub(now())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
