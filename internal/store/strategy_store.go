package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"spot-sniper/internal/strategy"
)

// StrategyStore 将策略快照以 JSON 形式保存在 strategies 表中，已结束的策略保留为历史。
type StrategyStore struct {
	db *sql.DB
}

var _ strategy.Store = (*StrategyStore)(nil)

// NewStrategyStore 创建策略存储并初始化表结构。
func NewStrategyStore(store *Store) (*StrategyStore, error) {
	if store == nil {
		return nil, errors.New("store: store 不能为空")
	}
	s := &StrategyStore{db: store.DB()}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StrategyStore) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS strategies (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	status TEXT NOT NULL,
	executed INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategies_executed ON strategies(executed);
CREATE INDEX IF NOT EXISTS idx_strategies_symbol ON strategies(symbol);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化策略表失败: %w", err)
	}
	return nil
}

// Save 写入或覆盖策略快照。
func (s *StrategyStore) Save(ctx context.Context, st strategy.Strategy) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: 序列化策略失败: %w", err)
	}
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO strategies (id, symbol, status, executed, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	executed = excluded.executed,
	payload = excluded.payload,
	updated_at = excluded.updated_at`,
		st.ID, st.Symbol, string(st.Status), boolToInt(st.Executed), string(payload),
		st.CreatedAt.UTC().Format(time.RFC3339Nano), updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 保存策略 %s 失败: %w", st.ID, err)
	}
	return nil
}

// LoadActive 读取全部未结束策略。
func (s *StrategyStore) LoadActive(ctx context.Context) (map[string]strategy.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM strategies WHERE executed = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询策略失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]strategy.Strategy)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("store: 解析策略失败: %w", err)
		}
		var st strategy.Strategy
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			return nil, fmt.Errorf("store: 反序列化策略 %s 失败: %w", id, err)
		}
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取策略失败: %w", err)
	}
	return out, nil
}

// History 返回最近结束的策略。
func (s *StrategyStore) History(ctx context.Context, limit int) ([]strategy.Strategy, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM strategies WHERE executed = 1 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: 查询历史策略失败: %w", err)
	}
	defer rows.Close()

	out := make([]strategy.Strategy, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: 解析策略失败: %w", err)
		}
		var st strategy.Strategy
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			return nil, fmt.Errorf("store: 反序列化策略失败: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取策略失败: %w", err)
	}
	return out, nil
}

// Delete 删除策略记录，不存在时不报错。
func (s *StrategyStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: 删除策略 %s 失败: %w", id, err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
