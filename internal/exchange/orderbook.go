package exchange

import "github.com/shopspring/decimal"

// BuyEstimate 为按盘口吃单估算的市价买入结果。
type BuyEstimate struct {
	Quantity  float64 `json:"quantity"`
	AvgPrice  float64 `json:"avg_price"`
	WorstAsk  float64 `json:"worst_ask"`
	Levels    int     `json:"levels"`
	Slippage  float64 `json:"slippage_pct"`
	Exhausted bool    `json:"exhausted"`
}

// EstimateMarketBuy 沿卖盘逐档吃单，估算花费 quoteAmount 可买到的数量与均价。
// 盘口深度不足以消耗全部金额时 Exhausted 为 true，ok 为 false 表示卖盘为空或金额非法。
func EstimateMarketBuy(book OrderBook, quoteAmount float64) (BuyEstimate, bool) {
	if quoteAmount <= 0 || len(book.Asks) == 0 {
		return BuyEstimate{}, false
	}

	remaining := decimal.NewFromFloat(quoteAmount)
	spent := decimal.Zero
	qty := decimal.Zero
	var est BuyEstimate

	for _, level := range book.Asks {
		if level.Price <= 0 || level.Amount <= 0 {
			continue
		}
		price := decimal.NewFromFloat(level.Price)
		amount := decimal.NewFromFloat(level.Amount)
		levelCost := price.Mul(amount)

		est.Levels++
		est.WorstAsk = level.Price

		if levelCost.GreaterThanOrEqual(remaining) {
			qty = qty.Add(remaining.Div(price))
			spent = spent.Add(remaining)
			remaining = decimal.Zero
			break
		}

		qty = qty.Add(amount)
		spent = spent.Add(levelCost)
		remaining = remaining.Sub(levelCost)
	}

	if qty.IsZero() {
		return BuyEstimate{}, false
	}

	avg := spent.Div(qty)
	est.Quantity = qty.InexactFloat64()
	est.AvgPrice = avg.InexactFloat64()
	est.Exhausted = remaining.IsPositive()

	best := decimal.NewFromFloat(book.Asks[0].Price)
	if best.IsPositive() {
		est.Slippage = avg.Sub(best).Div(best).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return est, true
}
