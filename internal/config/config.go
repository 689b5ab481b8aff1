package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "sniper"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 当前目录下的 .env 会先被载入环境变量，已有的环境变量优先。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Defaults 返回仅包含默认值的配置，便于测试与模拟盘启动。
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.shutdown_timeout", "10s")

	v.SetDefault("exchange.name", "mexc")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.quote_asset", "USDT")
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "200ms")
	v.SetDefault("exchange.retry.max_delay", "2s")

	v.SetDefault("execution.simulation", true)
	v.SetDefault("execution.simulated_balance", 1000.0)
	v.SetDefault("execution.min_order_usdt", 1.0)
	v.SetDefault("execution.max_retry_attempts", 5)
	v.SetDefault("execution.retry_delay", "500ms")
	v.SetDefault("execution.status_delay", "500ms")
	v.SetDefault("execution.poll_interval", "1s")
	v.SetDefault("execution.max_monitor_duration", "300s")
	v.SetDefault("execution.sell_backoff", "1s")
	v.SetDefault("execution.quantity_precision", 8)

	v.SetDefault("strategy.take_profit_pct", 20.0)
	v.SetDefault("strategy.take_profit_sell_pct", 100.0)
	v.SetDefault("strategy.stop_loss_pct", 10.0)
	v.SetDefault("strategy.trailing_stop_pct", 5.0)
	v.SetDefault("strategy.trailing_activation_pct", 20.0)
	v.SetDefault("strategy.time_based_minutes", 30)
	v.SetDefault("strategy.poll_interval", "500ms")
	v.SetDefault("strategy.price_retry_delay", "1s")
	v.SetDefault("strategy.quantity_epsilon", 1e-8)
	v.SetDefault("strategy.auto_create", true)

	v.SetDefault("sniper.enabled", true)
	v.SetDefault("sniper.default_usdt_amount", 100.0)
	v.SetDefault("sniper.buy_frequency", "10ms")
	v.SetDefault("sniper.max_attempts", 0)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.chat_ids", []string{})

	v.SetDefault("store.backend", StoreBackendSQLite)

	v.SetDefault("database.path", "data/spot_sniper.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "sniper")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
