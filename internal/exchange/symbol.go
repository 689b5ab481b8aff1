package exchange

import (
	"fmt"
	"strings"
)

// DefaultQuoteAsset 为默认计价币种。
const DefaultQuoteAsset = "USDT"

// NormalizeSymbol 将 BTC、btcusdt、BTC/USDT 等写法统一为 BTCUSDT。
func NormalizeSymbol(symbol, quote string) (string, error) {
	quote = quoteOrDefault(quote)
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return "", fmt.Errorf("%w: 交易对为空", ErrInvalidInput)
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: 交易对格式非法 %q", ErrInvalidInput, symbol)
		}
	}
	if s == quote {
		return "", fmt.Errorf("%w: 缺少基础币种 %q", ErrInvalidInput, symbol)
	}
	if !strings.HasSuffix(s, quote) {
		s += quote
	}
	return s, nil
}

// BaseAsset 返回交易对的基础币种，如 BTCUSDT -> BTC。
func BaseAsset(symbol, quote string) string {
	quote = quoteOrDefault(quote)
	s := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	if strings.HasSuffix(s, quote) && len(s) > len(quote) {
		return strings.TrimSuffix(s, quote)
	}
	return s
}

// MarketSymbol 转换为 ccxt 使用的 BASE/QUOTE 形式。
func MarketSymbol(symbol, quote string) string {
	if strings.Contains(symbol, "/") {
		return strings.ToUpper(symbol)
	}
	quote = quoteOrDefault(quote)
	return BaseAsset(symbol, quote) + "/" + quote
}

func quoteOrDefault(quote string) string {
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if quote == "" {
		return DefaultQuoteAsset
	}
	return quote
}
