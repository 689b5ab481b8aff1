package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spot-sniper/internal/execution"
	"spot-sniper/internal/monitor"
	"spot-sniper/internal/sniper"
	"spot-sniper/internal/strategy"
)

type strategyView interface {
	Strategies() []strategy.Strategy
	Get(id string) (strategy.Strategy, bool)
	RemoveStrategy(ctx context.Context, id string) error
}

type orderView interface {
	Orders() []execution.OrderRecord
}

type targetView interface {
	AddTarget(symbol string, usdt float64) (sniper.Target, error)
	RemoveTarget(symbol string) bool
	Targets() []sniper.Target
}

type eventView interface {
	ListEvents(ctx context.Context, q monitor.Query) ([]monitor.Event, error)
}

type historyView interface {
	History(ctx context.Context, limit int) ([]strategy.Strategy, error)
}

// serverDeps 中 targets 与 history 可为 nil。
type serverDeps struct {
	strategies strategyView
	orders     orderView
	targets    targetView
	events     eventView
	history    historyView
}

type server struct {
	addr   string
	router *gin.Engine
	logger *zap.Logger
}

func newServer(addr string, deps serverDeps, logger *zap.Logger) *server {
	logger = logger.Named("http")
	return &server{addr: addr, router: newRouter(deps, logger), logger: logger}
}

// Run 监听 HTTP 请求直至 ctx 结束。
func (s *server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("状态接口已启动", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("关闭状态接口失败", zap.Error(err))
	}
	return nil
}

func newRouter(deps serverDeps, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	r.GET("/strategies", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.strategies.Strategies())
	})
	r.GET("/strategies/:id", func(c *gin.Context) {
		s, ok := deps.strategies.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
			return
		}
		c.JSON(http.StatusOK, s)
	})
	r.DELETE("/strategies/:id", func(c *gin.Context) {
		err := deps.strategies.RemoveStrategy(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, strategy.ErrStrategyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.Status(http.StatusNoContent)
		}
	})

	r.GET("/history", func(c *gin.Context) {
		if deps.history == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "history requires sqlite store"})
			return
		}
		list, err := deps.history.History(c.Request.Context(), queryLimit(c, 50))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	r.GET("/orders", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.orders.Orders())
	})

	r.GET("/targets", func(c *gin.Context) {
		if deps.targets == nil {
			c.JSON(http.StatusOK, []sniper.Target{})
			return
		}
		c.JSON(http.StatusOK, deps.targets.Targets())
	})
	r.POST("/targets", func(c *gin.Context) {
		if deps.targets == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "sniper disabled"})
			return
		}
		var req struct {
			Symbol     string  `json:"symbol" binding:"required"`
			USDTAmount float64 `json:"usdt_amount" binding:"gte=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := deps.targets.AddTarget(strings.ToUpper(req.Symbol), req.USDTAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, t)
	})
	r.DELETE("/targets/:symbol", func(c *gin.Context) {
		if deps.targets == nil || !deps.targets.RemoveTarget(strings.ToUpper(c.Param("symbol"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/events", func(c *gin.Context) {
		q := monitor.Query{
			Type:   monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type")))),
			Symbol: strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
			Limit:  queryLimit(c, 200),
		}
		events, err := deps.events.ListEvents(c.Request.Context(), q)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, events)
	})

	return r
}

func queryLimit(c *gin.Context, fallback int) int {
	limit := fallback
	if qs := c.Query("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}
	return limit
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP 请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
