package monitor

import (
	"time"

	"spot-sniper/internal/notify"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventTrade      EventType = "trade"
	EventExit       EventType = "exit"
	EventExitFailed EventType = "exit_failed"
	EventError      EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TradePayload 记录订单成交。
type TradePayload struct {
	Trade notify.TradeEvent `json:"trade"`
}

// ExitPayload 记录策略退出或退出失败。
type ExitPayload struct {
	Exit notify.ExitEvent `json:"exit"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
