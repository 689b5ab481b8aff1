package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Sniper    SniperConfig    `mapstructure:"sniper"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	QuoteAsset string      `mapstructure:"quote_asset"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制只读接口的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ExecutionConfig 控制下单与订单监控行为。
type ExecutionConfig struct {
	Simulation         bool          `mapstructure:"simulation"`
	SimulatedBalance   float64       `mapstructure:"simulated_balance"`
	MinOrderUSDT       float64       `mapstructure:"min_order_usdt"`
	MaxRetryAttempts   int           `mapstructure:"max_retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	StatusDelay        time.Duration `mapstructure:"status_delay"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxMonitorDuration time.Duration `mapstructure:"max_monitor_duration"`
	SellBackoff        time.Duration `mapstructure:"sell_backoff"`
	QuantityPrecision  int32         `mapstructure:"quantity_precision"`
}

// StrategyConfig 为卖出策略的默认参数，百分比均以买入价为基准。
type StrategyConfig struct {
	TakeProfitPct         float64       `mapstructure:"take_profit_pct"`
	TakeProfitSellPct     float64       `mapstructure:"take_profit_sell_pct"`
	StopLossPct           float64       `mapstructure:"stop_loss_pct"`
	TrailingStopPct       float64       `mapstructure:"trailing_stop_pct"`
	TrailingActivationPct float64       `mapstructure:"trailing_activation_pct"`
	TimeBasedMinutes      int           `mapstructure:"time_based_minutes"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	PriceRetryDelay       time.Duration `mapstructure:"price_retry_delay"`
	QuantityEpsilon       float64       `mapstructure:"quantity_epsilon"`
	AutoCreate            bool          `mapstructure:"auto_create"`
}

// SniperConfig 控制抢购目标与频率。
type SniperConfig struct {
	Enabled           bool           `mapstructure:"enabled"`
	DefaultUSDTAmount float64        `mapstructure:"default_usdt_amount"`
	BuyFrequency      time.Duration  `mapstructure:"buy_frequency"`
	MaxAttempts       int            `mapstructure:"max_attempts"`
	Targets           []TargetConfig `mapstructure:"targets"`
}

// TargetConfig 描述预置的抢购目标。
type TargetConfig struct {
	Symbol     string  `mapstructure:"symbol"`
	USDTAmount float64 `mapstructure:"usdt_amount"`
}

// TelegramConfig 控制聊天机器人。
type TelegramConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Token   string   `mapstructure:"token"`
	ChatIDs []string `mapstructure:"chat_ids"`
}

// StoreConfig 选择策略持久化后端。
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// RedisConfig 管理 Redis 连接。
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// ServerConfig 控制状态查询接口。
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

const (
	StoreBackendSQLite = "sqlite"
	StoreBackendRedis  = "redis"
	StoreBackendNone   = "none"
)

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("app.shutdown_timeout 必须大于0"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.QuoteAsset == "" {
		err = multierr.Append(err, errors.New("exchange.quote_asset 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if !c.Execution.Simulation && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		err = multierr.Append(err, errors.New("实盘模式需要配置 exchange.api_key 与 exchange.api_secret"))
	}

	if c.Execution.Simulation && c.Execution.SimulatedBalance <= 0 {
		err = multierr.Append(err, errors.New("execution.simulated_balance 必须大于0"))
	}
	if c.Execution.MinOrderUSDT <= 0 {
		err = multierr.Append(err, errors.New("execution.min_order_usdt 必须大于0"))
	}
	if c.Execution.MaxRetryAttempts < 0 {
		err = multierr.Append(err, errors.New("execution.max_retry_attempts 不能为负"))
	}
	if c.Execution.RetryDelay <= 0 || c.Execution.SellBackoff <= 0 || c.Execution.StatusDelay < 0 {
		err = multierr.Append(err, errors.New("execution 重试间隔必须为正"))
	}
	if c.Execution.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.poll_interval 必须大于0"))
	}
	if c.Execution.MaxMonitorDuration < c.Execution.PollInterval {
		err = multierr.Append(err, errors.New("execution.max_monitor_duration 不应小于 poll_interval"))
	}
	if c.Execution.QuantityPrecision < 0 || c.Execution.QuantityPrecision > 18 {
		err = multierr.Append(err, errors.New("execution.quantity_precision 必须位于[0,18]"))
	}

	err = multierr.Append(err, c.Strategy.validate())

	if c.Sniper.DefaultUSDTAmount <= 0 {
		err = multierr.Append(err, errors.New("sniper.default_usdt_amount 必须大于0"))
	}
	if c.Sniper.BuyFrequency <= 0 {
		err = multierr.Append(err, errors.New("sniper.buy_frequency 必须大于0"))
	}
	if c.Sniper.MaxAttempts < 0 {
		err = multierr.Append(err, errors.New("sniper.max_attempts 不能为负"))
	}
	for i, target := range c.Sniper.Targets {
		if strings.TrimSpace(target.Symbol) == "" {
			err = multierr.Append(err, fmt.Errorf("sniper.targets[%d].symbol 不能为空", i))
		}
		if target.USDTAmount < 0 {
			err = multierr.Append(err, fmt.Errorf("sniper.targets[%d].usdt_amount 不能为负", i))
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			err = multierr.Append(err, errors.New("telegram.token 不能为空"))
		}
		if len(c.Telegram.ChatIDs) == 0 {
			err = multierr.Append(err, errors.New("telegram.chat_ids 至少包含一个授权会话"))
		}
	}

	switch c.Store.Backend {
	case StoreBackendSQLite, StoreBackendNone:
	case StoreBackendRedis:
		if c.Redis.Addr == "" {
			err = multierr.Append(err, errors.New("redis.addr 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("store.backend 取值非法: %q", c.Store.Backend))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (s StrategyConfig) validate() error {
	var err error

	if s.TakeProfitPct < 0 {
		err = multierr.Append(err, errors.New("strategy.take_profit_pct 不能为负"))
	}
	if s.TakeProfitSellPct <= 0 || s.TakeProfitSellPct > 100 {
		err = multierr.Append(err, errors.New("strategy.take_profit_sell_pct 必须位于(0,100]"))
	}
	if s.StopLossPct < 0 || s.StopLossPct >= 100 {
		err = multierr.Append(err, errors.New("strategy.stop_loss_pct 必须位于[0,100)"))
	}
	if s.TrailingStopPct < 0 || s.TrailingStopPct >= 100 {
		err = multierr.Append(err, errors.New("strategy.trailing_stop_pct 必须位于[0,100)"))
	}
	if s.TrailingActivationPct < 0 {
		err = multierr.Append(err, errors.New("strategy.trailing_activation_pct 不能为负"))
	}
	if s.TimeBasedMinutes < 0 {
		err = multierr.Append(err, errors.New("strategy.time_based_minutes 不能为负"))
	}
	if s.PollInterval <= 0 || s.PriceRetryDelay <= 0 {
		err = multierr.Append(err, errors.New("strategy 轮询间隔必须为正"))
	}
	if s.QuantityEpsilon < 0 {
		err = multierr.Append(err, errors.New("strategy.quantity_epsilon 不能为负"))
	}

	return err
}
