package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"spot-sniper/internal/app"
	"spot-sniper/internal/config"
	"spot-sniper/internal/log"
	"spot-sniper/internal/store"
)

func main() {
	var (
		configPath string
		snipe      string
		amount     float64
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&snipe, "snipe", "", "追加抢购目标，逗号分隔，如 NEWUSDT,ABC")
	flag.Float64Var(&amount, "amount", 0, "追加目标的 USDT 金额，0 表示使用 sniper.default_usdt_amount")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	for _, symbol := range strings.Split(snipe, ",") {
		if symbol = strings.TrimSpace(symbol); symbol != "" {
			cfg.Sniper.Targets = append(cfg.Sniper.Targets, config.TargetConfig{Symbol: symbol, USDTAmount: amount})
		}
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	sniperApp := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sniperApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
