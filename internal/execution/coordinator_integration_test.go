//go:build integration
// +build integration

package execution

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"spot-sniper/internal/config"
	"spot-sniper/internal/exchange"
)

func TestCoordinatorIntegration_MexcMinimumBuy(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("integration test panic: %v", r)
		}
	}()

	configPath := os.Getenv("SNIPER_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	symbol := os.Getenv("SNIPER_INTEGRATION_SYMBOL")
	if symbol == "" {
		symbol = "BTCUSDT"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	logger := zap.NewExample()

	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		t.Fatalf("创建交易所客户端失败: %v", err)
	}

	price, err := client.GetPrice(ctx, symbol)
	if err != nil {
		t.Fatalf("获取最新价失败: %v", err)
	}
	if price <= 0 {
		t.Fatalf("最新价无效: %f", price)
	}
	t.Logf("最新价 symbol=%s price=%.8f", symbol, price)

	if os.Getenv("SNIPER_LIVE_ORDERS") != "1" {
		t.Skip("未设置 SNIPER_LIVE_ORDERS=1，出于安全考虑跳过真实下单测试")
	}
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		t.Skip("缺少 API 密钥，跳过测试")
	}

	coordinator := NewCoordinator(client, OptionsFromConfig(cfg.Execution, client.QuoteAsset()), nil, logger)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = coordinator.Shutdown(shutdownCtx)
	}()

	filled := make(chan Fill, 1)
	record, err := coordinator.Buy(ctx, symbol, cfg.Execution.MinOrderUSDT, WithoutStrategy(), WithCompletion(func(_ context.Context, fill Fill) error {
		filled <- fill
		return nil
	}))
	if err != nil {
		t.Fatalf("买单提交失败: %v", err)
	}

	select {
	case fill := <-filled:
		t.Logf("买单成交 order_id=%s qty=%.8f avg=%.8f value=%.4f", fill.OrderID, fill.Quantity, fill.AvgPrice, fill.Value)
		if fill.Quantity <= 0 {
			t.Fatalf("成交数量无效: %+v", fill)
		}
	case <-ctx.Done():
		t.Fatalf("等待订单 %s 成交超时", record.OrderID)
	}
}
