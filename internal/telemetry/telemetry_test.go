package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.ObserveDecision("BTCUSDT", "BUY")
	m.ObserveDecision("BTCUSDT", "BUY")
	m.ObserveBlock("BTCUSDT", "daily_loss")
	m.ObserveTrade("BTCUSDT", "TAKE_PROFIT")
	m.ObserveBreakerSkip("scan.BTCUSDT")
	m.ObserveCollaboratorError("exchange")
	m.ObserveBacktestRun("ok")
	m.SetOpenPositions(2)
	m.SetDailyPnL(-12.5)
	m.SetBalance(1000)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("BTCUSDT", "BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blocks.WithLabelValues("BTCUSDT", "daily_loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trades.WithLabelValues("BTCUSDT", "TAKE_PROFIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerSkips.WithLabelValues("scan.BTCUSDT")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openPositions))
	assert.Equal(t, -12.5, testutil.ToFloat64(m.dailyPnL))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("BTCUSDT", "HOLD")
		m.ObserveTrade("BTCUSDT", "STOP_LOSS")
		m.SetOpenPositions(1)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveDecision("ETHUSDT", "SELL")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `futurepilot_decisions_total{action="SELL",symbol="ETHUSDT"} 1`)
}
