package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spot-sniper/internal/config"
	"spot-sniper/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *store.Store
	newGateway gatewayFactory
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		newGateway: defaultGateway,
	}
}

// Run 装配组件、恢复策略并运行至 ctx 结束，随后在超时内关闭全部监控循环。
func (a *App) Run(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}

	a.logger.Info("狙击系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Bool("simulation", a.cfg.Execution.Simulation),
		zap.String("store", a.cfg.Store.Backend),
		zap.Bool("sniper", c.sniper != nil),
		zap.Bool("telegram", c.bot != nil),
	)

	if n, err := c.engine.Restore(ctx); err != nil {
		a.logger.Error("恢复策略失败", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("已恢复未结束策略", zap.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.sniper != nil {
		g.Go(func() error { return c.sniper.Run(gctx) })
	}
	if c.bot != nil {
		g.Go(func() error { return c.bot.Run(gctx) })
	}
	if a.cfg.Server.Enabled {
		srv := newServer(a.cfg.Server.Addr, c.serverDeps(), a.logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		runErr = fmt.Errorf("系统异常退出: %w", ctx.Err())
	}
	a.logger.Info("系统收到退出信号，正在停止")

	timeout := a.cfg.App.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return multierr.Append(runErr, c.shutdown(shutdownCtx))
}
