package exchange

import "github.com/shopspring/decimal"

// FloorQuantity 按交易所精度向下截断数量，避免卖出超过持仓。
func FloorQuantity(qty float64, precision int32) float64 {
	if qty <= 0 {
		return 0
	}
	if precision < 0 {
		return qty
	}
	return decimal.NewFromFloat(qty).Truncate(precision).InexactFloat64()
}

// FormatQuantity 返回截断后的数量字符串，保留不超过 precision 位小数。
func FormatQuantity(qty float64, precision int32) string {
	return decimal.NewFromFloat(FloorQuantity(qty, precision)).String()
}
