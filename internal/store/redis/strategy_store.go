// Package redis 提供基于 go-redis/v9 的策略存储。
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"spot-sniper/internal/config"
	"spot-sniper/internal/strategy"
)

// StrategyStore 以 <prefix>:strategy:<id> 保存快照，<prefix>:strategies:active 记录未结束策略。
type StrategyStore struct {
	rdb    *redis.Client
	prefix string
}

var _ strategy.Store = (*StrategyStore)(nil)

// New 连接 Redis 并校验连通性。
func New(ctx context.Context, cfg config.RedisConfig) (*StrategyStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: 连接检查失败: %w", err)
	}
	return NewWithClient(rdb, cfg.KeyPrefix), nil
}

// NewWithClient 使用已有客户端创建存储。
func NewWithClient(rdb *redis.Client, prefix string) *StrategyStore {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "sniper"
	}
	return &StrategyStore{rdb: rdb, prefix: prefix}
}

func (s *StrategyStore) strategyKey(id string) string {
	return s.prefix + ":strategy:" + id
}

func (s *StrategyStore) activeKey() string {
	return s.prefix + ":strategies:active"
}

// Save 写入快照并维护活跃集合。
func (s *StrategyStore) Save(ctx context.Context, st strategy.Strategy) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: 序列化策略失败: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.strategyKey(st.ID), payload, 0)
	if st.Executed {
		pipe.SRem(ctx, s.activeKey(), st.ID)
	} else {
		pipe.SAdd(ctx, s.activeKey(), st.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: 保存策略 %s 失败: %w", st.ID, err)
	}
	return nil
}

// LoadActive 读取活跃集合中的全部快照，缺失的键会从集合中清除。
func (s *StrategyStore) LoadActive(ctx context.Context) (map[string]strategy.Strategy, error) {
	ids, err := s.rdb.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: 读取活跃策略集合失败: %w", err)
	}
	out := make(map[string]strategy.Strategy, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.strategyKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: 批量读取策略失败: %w", err)
	}

	var stale []interface{}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var st strategy.Strategy
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("redis: 解析策略 %s 失败: %w", ids[i], err)
		}
		if st.Executed {
			stale = append(stale, ids[i])
			continue
		}
		out[ids[i]] = st
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, s.activeKey(), stale...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis: 清理失效策略ID失败: %w", err)
		}
	}
	return out, nil
}

// Delete 删除快照并移出活跃集合。
func (s *StrategyStore) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.strategyKey(id))
	pipe.SRem(ctx, s.activeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: 删除策略 %s 失败: %w", id, err)
	}
	return nil
}

// Close 关闭连接。
func (s *StrategyStore) Close() error {
	return s.rdb.Close()
}
