package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/backtest"
	brcfg "github.com/hellmoyy/futurepilotv2-sub000/internal/config"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/market"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptySource struct {
	rangeCalls atomic.Int32
}

func (s *emptySource) FetchHistory(context.Context, string, string, int) ([]market.Candle, error) {
	return nil, nil
}

func (s *emptySource) FetchRange(context.Context, string, string, int64, int64, int) ([]market.Candle, error) {
	s.rangeCalls.Add(1)
	return nil, nil
}

func newTestApp(t *testing.T, src market.Source) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "app:\n  data_dir: " + dir + "\ntrading:\n  symbols: [BTCUSDT]\nstrategies_path: \"\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := brcfg.Load(path)
	require.NoError(t, err)

	a, err := NewApp(cfg, WithSource(src))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewAppWiresComponents(t *testing.T) {
	a := newTestApp(t, &emptySource{})
	require.NotNil(t, a.Live())
	assert.Equal(t, "balanced", a.Live().Preset().Name)

	var buf bytes.Buffer
	a.Summary.Print(&buf)
	assert.Contains(t, buf.String(), "balanced")
	assert.Contains(t, buf.String(), "BTCUSDT")

	rec := httptest.NewRecorder()
	a.http.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scalper"`)

	rec = httptest.NewRecorder()
	a.http.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/live/risk", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFetchReportsMissingCandles(t *testing.T) {
	src := &emptySource{}
	a := newTestApp(t, src)

	report, err := a.Fetch(context.Background(), backtest.RunRequest{Symbol: "BTCUSDT", Period: "1h"})
	require.NoError(t, err)
	assert.False(t, report.Complete())
	assert.Positive(t, src.rangeCalls.Load())

	_, err = a.Run(context.Background(), backtest.RunRequest{Symbol: "BTCUSDT", Period: "1h"})
	assert.ErrorIs(t, err, backtest.ErrNoCandles)
}

func TestPresetReloadUpdatesLiveEngine(t *testing.T) {
	a := newTestApp(t, &emptySource{})
	preset, err := a.registry.Get("balanced")
	require.NoError(t, err)
	preset.Leverage = 7

	a.onPresetsChanged(strategy.Snapshot{Version: 2, Presets: map[string]strategy.Preset{"balanced": preset}})
	assert.Equal(t, 7.0, a.Live().Preset().Leverage)

	invalid := preset
	invalid.Leverage = 0
	a.onPresetsChanged(strategy.Snapshot{Version: 3, Presets: map[string]strategy.Preset{"balanced": invalid}})
	assert.Equal(t, 7.0, a.Live().Preset().Leverage)

	a.onPresetsChanged(strategy.Snapshot{Version: 4, Presets: map[string]strategy.Preset{}})
	assert.Equal(t, 7.0, a.Live().Preset().Leverage)
}

func TestImportLoadsKlineDump(t *testing.T) {
	a := newTestApp(t, &emptySource{})
	path := filepath.Join(t.TempDir(), "klines.json")
	dump := `[[0,"100","101","99","100.5","10",299999],[300000,"100.5","102","100","101.5","12",599999]]`
	require.NoError(t, os.WriteFile(path, []byte(dump), 0o644))

	n, err := a.Import(context.Background(), "btcusdt", "5m", path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := a.candles.RangeCandles(context.Background(), "BTCUSDT", "5m", 0, 300000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 101.5, got[1].Close)

	_, err = a.Import(context.Background(), "BTCUSDT", "7m", path)
	assert.Error(t, err)
	_, err = a.Import(context.Background(), "", "5m", path)
	assert.Error(t, err)
}
