package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"spot-sniper/internal/notify"
	"spot-sniper/internal/store"
)

// Service 负责持久化成交、退出与异常事件，同时作为 notify.Sink 接入通知链。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ notify.Sink = (*Service)(nil)

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger.Named("monitor"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_symbol ON monitor_events(symbol);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event, symbol string) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, symbol, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), symbol, string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// OnTrade 记录订单成交。
func (s *Service) OnTrade(ctx context.Context, trade notify.TradeEvent) {
	if err := s.Record(ctx, Event{
		Type:      EventTrade,
		Timestamp: trade.Timestamp,
		Payload:   TradePayload{Trade: trade},
	}, trade.Symbol); err != nil {
		s.logger.Warn("记录成交事件失败", zap.String("order_id", trade.OrderID), zap.Error(err))
	}
}

// OnExit 记录策略退出，失败退出单独归类。
func (s *Service) OnExit(ctx context.Context, exit notify.ExitEvent) {
	typ := EventExit
	if exit.Failed {
		typ = EventExitFailed
	}
	if err := s.Record(ctx, Event{
		Type:      typ,
		Timestamp: exit.Timestamp,
		Payload:   ExitPayload{Exit: exit},
	}, exit.Symbol); err != nil {
		s.logger.Warn("记录退出事件失败", zap.String("strategy_id", exit.StrategyID), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: s.now(),
		Payload:   payload,
	}, ""); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// Query 为事件检索条件，空字段表示不过滤。
type Query struct {
	Type   EventType
	Symbol string
	Limit  int
}

// ListEvents 按条件检索最近事件，按时间倒序返回。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	if q.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, q.Symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id      int64
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&id, &typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = s.now()
		}

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
