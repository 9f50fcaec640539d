package backtesthttp

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/backtest"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/store/gormstore"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/strategy"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/telemetry"
	livehttp "github.com/hellmoyy/futurepilotv2-sub000/internal/transport/http/live"

	"github.com/gin-gonic/gin"
)

// Runner 同步执行一次回测。
type Runner interface {
	Run(ctx context.Context, req backtest.RunRequest) (backtest.Result, error)
}

// RunReader 读取已持久化的回测结果。
type RunReader interface {
	GetRun(ctx context.Context, id string) (gormstore.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]gormstore.RunSummary, error)
	ListTrades(ctx context.Context, runID string) ([]position.Trade, error)
}

// PresetCatalog 提供当前可用的策略预设。
type PresetCatalog interface {
	Snapshot() strategy.Snapshot
}

// Server 提供回测、策略与实盘相关的 HTTP API。
type Server struct {
	addr    string
	runner  Runner
	runs    RunReader
	presets PresetCatalog
	metrics *telemetry.Metrics
	live    *livehttp.Router
	router  *gin.Engine
}

// Config 描述 HTTP Server 的依赖。
type Config struct {
	Addr    string
	Runner  Runner
	Runs    RunReader
	Presets PresetCatalog
	Metrics *telemetry.Metrics
	Live    *livehttp.Router
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:    cfg.Addr,
		runner:  cfg.Runner,
		runs:    cfg.Runs,
		presets: cfg.Presets,
		metrics: cfg.Metrics,
		live:    cfg.Live,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api/backtest")
	api.POST("/runs", s.handleRunStart)
	if s.runs != nil {
		api.GET("/runs", s.handleRunList)
		api.GET("/runs/:id", s.handleRunDetail)
		api.GET("/runs/:id/trades", s.handleRunTrades)
	}
	if s.presets != nil {
		s.router.GET("/api/strategies", s.handleStrategies)
	}
	if s.live != nil {
		s.live.Register(s.router.Group("/api/live"))
	}
}

// Handler 暴露底层 gin 路由（测试与嵌入用）。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleRunStart(c *gin.Context) {
	var req backtest.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.runner.Run(c.Request.Context(), req)
	if err != nil {
		s.metrics.ObserveBacktestRun("error")
		logger.Warnf("[backtest-http] 回测失败 symbol=%s strategy=%s err=%v", req.Symbol, req.Strategy, err)
		c.JSON(runErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.metrics.ObserveBacktestRun("ok")
	c.JSON(http.StatusOK, gin.H{"run": res})
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, strategy.ErrUnknownPreset):
		return http.StatusNotFound
	case errors.Is(err, backtest.ErrNoCandles):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 参数无效"})
		return
	}
	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(lookupStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunTrades(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.runs.GetRun(c.Request.Context(), id); err != nil {
		c.JSON(lookupStatus(err), gin.H{"error": err.Error()})
		return
	}
	trades, err := s.runs.ListTrades(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func lookupStatus(err error) int {
	if errors.Is(err, gormstore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleStrategies(c *gin.Context) {
	snap := s.presets.Snapshot()
	names := make([]string, 0, len(snap.Presets))
	for name := range snap.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]strategy.Preset, 0, len(names))
	for _, name := range names {
		list = append(list, snap.Presets[name])
	}
	c.JSON(http.StatusOK, gin.H{
		"version":    snap.Version,
		"loaded_at":  snap.LoadedAt,
		"strategies": list,
	})
}

// requestLogger 记录接口调用，便于追踪回测与人工操作。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path = path + "?" + query
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
