package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "futurepilot"

// Metrics 汇总实盘引擎与 API 的 Prometheus 指标。零值 nil 可安全调用（不记录）。
type Metrics struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	blocks        *prometheus.CounterVec
	trades        *prometheus.CounterVec
	breakerSkips  *prometheus.CounterVec
	collabErrors  *prometheus.CounterVec
	backtestRuns  *prometheus.CounterVec
	openPositions prometheus.Gauge
	dailyPnL      prometheus.Gauge
	balance       prometheus.Gauge
}

// New 使用独立 Registry 注册所有指标，同时附带 Go 运行时与进程指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Signal decisions by symbol and action.",
		}, []string{"symbol", "action"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_blocks_total",
			Help:      "Entries blocked by the risk governor, by check.",
		}, []string{"symbol", "check"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Closed trades by exit reason.",
		}, []string{"symbol", "exit_reason"}),
		breakerSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_skips_total",
			Help:      "Cycles skipped because the circuit breaker was open.",
		}, []string{"loop"}),
		collabErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_errors_total",
			Help:      "Failed calls to exchange, data and storage collaborators.",
		}, []string{"collaborator"}),
		backtestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtest_runs_total",
			Help:      "Backtest runs by outcome.",
		}, []string{"status"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently open live positions.",
		}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_pnl_usd",
			Help:      "Realized P&L for the current UTC day.",
		}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_usd",
			Help:      "Live engine account balance.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions, m.blocks, m.trades, m.breakerSkips, m.collabErrors, m.backtestRuns,
		m.openPositions, m.dailyPnL, m.balance,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveDecision(symbol, action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(symbol, action).Inc()
}

func (m *Metrics) ObserveBlock(symbol, check string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(symbol, check).Inc()
}

func (m *Metrics) ObserveTrade(symbol, exitReason string) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(symbol, exitReason).Inc()
}

func (m *Metrics) ObserveBreakerSkip(loop string) {
	if m == nil {
		return
	}
	m.breakerSkips.WithLabelValues(loop).Inc()
}

func (m *Metrics) ObserveCollaboratorError(name string) {
	if m == nil {
		return
	}
	m.collabErrors.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveBacktestRun(status string) {
	if m == nil {
		return
	}
	m.backtestRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

func (m *Metrics) SetDailyPnL(v float64) {
	if m == nil {
		return
	}
	m.dailyPnL.Set(v)
}

func (m *Metrics) SetBalance(v float64) {
	if m == nil {
		return
	}
	m.balance.Set(v)
}
