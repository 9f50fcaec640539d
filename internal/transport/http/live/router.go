package livehttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/engine"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/position"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/risk"

	"github.com/gin-gonic/gin"
)

// RiskController 暴露风控计数器与人工恢复。
type RiskController interface {
	State(now time.Time) risk.State
	Limits() risk.Limits
	Resume()
}

// Engine 为实盘引擎在 HTTP 层需要的最小能力。
type Engine interface {
	Positions() []position.Position
	Balance() float64
	ClosePosition(ctx context.Context, symbol string) (position.Trade, error)
}

// TradeLister 查询实盘已平仓交易。
type TradeLister interface {
	ListLiveTrades(ctx context.Context, symbol string, limit int) ([]position.Trade, error)
}

// Router 暴露实盘相关的查询与操作接口（风控/持仓/成交）。
type Router struct {
	Risk   RiskController
	Engine Engine
	Trades TradeLister
	Now    func() time.Time
}

// NewRouter 构造 live HTTP router，nil 依赖对应的路由不会注册。
func NewRouter(riskCtl RiskController, eng Engine, trades TradeLister) *Router {
	return &Router{Risk: riskCtl, Engine: eng, Trades: trades, Now: time.Now}
}

// Register 将 /api/live 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if r == nil || group == nil {
		return
	}
	if r.Risk != nil {
		group.GET("/risk", r.handleRiskState)
		group.POST("/risk/resume", r.handleRiskResume)
	}
	if r.Engine != nil {
		group.GET("/positions", r.handlePositions)
		group.POST("/positions/:symbol/close", r.handleClosePosition)
	}
	if r.Trades != nil {
		group.GET("/trades", r.handleTrades)
	}
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) handleRiskState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":  r.Risk.State(r.now()),
		"limits": r.Risk.Limits(),
	})
}

func (r *Router) handleRiskResume(c *gin.Context) {
	r.Risk.Resume()
	logger.Infof("[live-http] 风控暂停已人工解除 ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"state": r.Risk.State(r.now())})
}

func (r *Router) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"positions": r.Engine.Positions(),
		"balance":   r.Engine.Balance(),
	})
}

func (r *Router) handleClosePosition(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 不能为空"})
		return
	}
	trade, err := r.Engine.ClosePosition(c.Request.Context(), symbol)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNoPosition) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

func (r *Router) handleTrades(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 参数无效"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	trades, err := r.Trades.ListLiveTrades(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}
