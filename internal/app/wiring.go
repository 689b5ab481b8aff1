package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"spot-sniper/internal/config"
	"spot-sniper/internal/exchange"
	"spot-sniper/internal/execution"
	"spot-sniper/internal/monitor"
	"spot-sniper/internal/notify"
	"spot-sniper/internal/sniper"
	"spot-sniper/internal/store"
	redisstore "spot-sniper/internal/store/redis"
	"spot-sniper/internal/strategy"
	"spot-sniper/internal/telegram"
)

// venue 是下单网关与行情读取的组合，真实客户端与模拟盘均满足。
type venue interface {
	execution.Gateway
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error)
	QuoteAsset() string
}

type gatewayFactory func(cfg *config.Config, logger *zap.Logger) (venue, error)

func defaultGateway(cfg *config.Config, logger *zap.Logger) (venue, error) {
	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Execution.Simulation {
		return client, nil
	}
	logger.Warn("模拟盘模式：订单不会发送到交易所", zap.Float64("balance", cfg.Execution.SimulatedBalance))
	return exchange.NewPaperGateway(client, client.QuoteAsset(), cfg.Execution.SimulatedBalance, logger), nil
}

type components struct {
	venue       venue
	market      *exchange.MarketDataService
	coordinator *execution.Coordinator
	engine      *strategy.Engine
	sniper      *sniper.Sniper
	journal     *monitor.Service
	history     *store.StrategyStore
	bot         *telegram.Bot
	closers     []func() error
}

func (a *App) build(ctx context.Context) (*components, error) {
	if a.store == nil {
		return nil, errors.New("app: store 不能为空")
	}
	cfg := a.cfg

	v, err := a.newGateway(cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: 初始化交易网关失败: %w", err)
	}
	quote := v.QuoteAsset()
	c := &components{
		venue:  v,
		market: exchange.NewMarketDataService(v, a.logger),
	}

	sinks := notify.NewMulti(a.logger, notify.NewLogSink(a.logger))

	c.journal, err = monitor.NewService(a.store, a.logger)
	if err != nil {
		return nil, err
	}
	sinks.Add(c.journal)

	if cfg.Telegram.Enabled {
		c.bot, err = telegram.NewBot(cfg.Telegram, quote, a.logger)
		if err != nil {
			return nil, err
		}
		sinks.Add(c.bot.Notifier())
	}

	c.coordinator = execution.NewCoordinator(v, execution.OptionsFromConfig(cfg.Execution, quote), sinks, a.logger)

	strategyStore, err := a.strategyStore(ctx, c)
	if err != nil {
		return nil, err
	}

	c.engine, err = strategy.NewEngine(v, c.coordinator, strategyStore, sinks,
		strategy.ConfigFromSettings(cfg.Strategy), strategy.OptionsFromConfig(cfg.Strategy, cfg.Execution.QuantityPrecision), a.logger)
	if err != nil {
		return nil, err
	}
	if cfg.Strategy.AutoCreate {
		c.coordinator.SetBuyFilledHook(c.engine.CreateFromFill)
	}

	if cfg.Sniper.Enabled {
		c.sniper = sniper.New(c.coordinator, c.engine, v, sniper.OptionsFromConfig(cfg.Sniper), a.logger)
		for _, t := range cfg.Sniper.Targets {
			symbol, err := exchange.NormalizeSymbol(t.Symbol, quote)
			if err != nil {
				return nil, fmt.Errorf("app: 狙击目标 %q 非法: %w", t.Symbol, err)
			}
			if _, err := c.sniper.AddTarget(symbol, t.USDTAmount); err != nil {
				return nil, err
			}
		}
	}

	if c.bot != nil {
		deps := telegram.Deps{
			Trader:     c.coordinator,
			Strategies: c.engine,
			Prices:     c.market,
			Balances:   v,
			QuoteAsset: quote,
		}
		if c.sniper != nil {
			deps.Targets = c.sniper
		}
		c.bot.SetHandler(telegram.NewHandler(deps, c.bot.ChatIDs(), a.logger))
	}

	return c, nil
}

func (a *App) strategyStore(ctx context.Context, c *components) (strategy.Store, error) {
	switch a.cfg.Store.Backend {
	case config.StoreBackendSQLite:
		ss, err := store.NewStrategyStore(a.store)
		if err != nil {
			return nil, err
		}
		c.history = ss
		return ss, nil
	case config.StoreBackendRedis:
		rs, err := redisstore.New(ctx, a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("app: 连接 Redis 失败: %w", err)
		}
		c.closers = append(c.closers, rs.Close)
		return rs, nil
	default:
		a.logger.Warn("未启用策略持久化，重启后策略将丢失")
		return nil, nil
	}
}

func (c *components) serverDeps() serverDeps {
	deps := serverDeps{
		strategies: c.engine,
		orders:     c.coordinator,
		events:     c.journal,
	}
	if c.sniper != nil {
		deps.targets = c.sniper
	}
	if c.history != nil {
		deps.history = c.history
	}
	return deps
}

func (c *components) shutdown(ctx context.Context) error {
	var err error
	if c.engine != nil {
		err = multierr.Append(err, c.engine.Shutdown(ctx))
	}
	if c.coordinator != nil {
		err = multierr.Append(err, c.coordinator.Shutdown(ctx))
	}
	for _, closeFn := range c.closers {
		err = multierr.Append(err, closeFn())
	}
	return err
}
