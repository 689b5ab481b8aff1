package exchange

import "time"

// Side 为订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState 为归一化后的订单状态。
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
)

// Failed 表示订单以拒绝、过期或撤销结束。
func (s OrderState) Failed() bool {
	switch s {
	case StateCanceled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook 为订单簿快照，Bids 价格降序，Asks 价格升序。
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// PlacedOrder 为下单接口的即时返回，数量为0表示交易所未返回该字段。
type PlacedOrder struct {
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	ExecutedQty float64 `json:"executed_qty"`
	OrigQty     float64 `json:"orig_qty"`
}

// OrderStatus 为订单查询结果。
type OrderStatus struct {
	OrderID            string     `json:"order_id"`
	Symbol             string     `json:"symbol"`
	Side               Side       `json:"side"`
	State              OrderState `json:"state"`
	ExecutedQty        float64    `json:"executed_qty"`
	CumulativeQuoteQty float64    `json:"cumulative_quote_qty"`
	OrigQty            float64    `json:"orig_qty"`
}

// AvgPrice 由累计成交额除以成交数量得出，未成交时返回0。
func (s OrderStatus) AvgPrice() float64 {
	if s.ExecutedQty <= 0 {
		return 0
	}
	return s.CumulativeQuoteQty / s.ExecutedQty
}

// Balance 为单一资产余额。
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// MarketSnapshot 聚合最新价与盘口。
type MarketSnapshot struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	OrderBook   OrderBook `json:"order_book"`
	RetrievedAt time.Time `json:"retrieved_at"`
}
