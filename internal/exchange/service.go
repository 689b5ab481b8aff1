package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type marketReader interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
}

// MarketDataService 并发拉取最新价与盘口。
type MarketDataService struct {
	reader marketReader
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(reader marketReader, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{
		reader: reader,
		logger: logger.Named("market"),
	}
}

// Snapshot 同时获取最新价与订单簿，任一失败则整体失败。
func (s *MarketDataService) Snapshot(ctx context.Context, symbol string, depth int) (MarketSnapshot, error) {
	var (
		price float64
		book  OrderBook
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		p, err := s.reader.GetPrice(groupCtx, symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	})

	group.Go(func() error {
		b, err := s.reader.GetOrderBook(groupCtx, symbol, depth)
		if err != nil {
			return err
		}
		book = b
		return nil
	})

	if err := group.Wait(); err != nil {
		return MarketSnapshot{}, err
	}

	snapshot := MarketSnapshot{
		Symbol:      symbol,
		Price:       price,
		OrderBook:   book,
		RetrievedAt: time.Now().UTC(),
	}

	s.logger.Debug("市场数据快照获取完成",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Int("order_book_bids", len(book.Bids)),
		zap.Int("order_book_asks", len(book.Asks)),
	)

	return snapshot, nil
}

// Prices 并发查询多个交易对的最新价，单个失败不影响其他结果。
func (s *MarketDataService) Prices(ctx context.Context, symbols []string) map[string]float64 {
	result := make(map[string]float64, len(symbols))
	values := make([]float64, len(symbols))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i, symbol := range symbols {
		group.Go(func() error {
			p, err := s.reader.GetPrice(groupCtx, symbol)
			if err != nil {
				s.logger.Debug("查询价格失败", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			values[i] = p
			return nil
		})
	}
	_ = group.Wait()

	for i, symbol := range symbols {
		if values[i] > 0 {
			result[symbol] = values[i]
		}
	}
	return result
}
