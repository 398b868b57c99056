package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/event"
	"github.com/bizosaas/eventcore/internal/infra"
)

// RedisStore хранит события в Redis: hash с конвертами на тенанта плюс
// sorted set — временной индекс (score = unix millis). Retry-кандидаты
// живут в отдельном set со значениями "tenant_id:event_id".
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisStore(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger.Named("redis-store")}
}

func (s *RedisStore) Initialize(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis store ping: %w", err)
	}
	return nil
}

func (s *RedisStore) StoreEvent(ctx context.Context, e *event.Event) error {
	raw, err := e.Marshal()
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, infra.EventsKey(e.TenantID), e.EventID, raw)
	pipe.ZAdd(ctx, infra.EventIndexKey(e.TenantID), redis.Z{
		Score:  float64(e.Timestamp.UnixMilli()),
		Member: e.EventID,
	})
	pipe.SAdd(ctx, infra.RedisKeyTenants, e.TenantID)
	if e.Status == event.StatusFailed {
		pipe.SAdd(ctx, infra.RedisKeyFailedEvents, failedMember(e.TenantID, e.EventID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store event %s: %w", e.EventID, err)
	}
	return nil
}

func (s *RedisStore) GetEvents(ctx context.Context, tenantID string, q Query) ([]*event.Event, error) {
	min, max := "-inf", "+inf"
	if !q.StartTime.IsZero() {
		min = strconv.FormatInt(q.StartTime.UnixMilli(), 10)
	}
	if !q.EndTime.IsZero() {
		max = strconv.FormatInt(q.EndTime.UnixMilli(), 10)
	}

	// Новые первыми; лимит применяем после фильтрации по типам/агрегату,
	// поэтому из индекса читаем без Count.
	ids, err := s.rdb.ZRevRangeByScore(ctx, infra.EventIndexKey(tenantID), &redis.ZRangeBy{
		Min: min, Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query event index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raws, err := s.rdb.HMGet(ctx, infra.EventsKey(tenantID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	typeSet := make(map[string]struct{}, len(q.EventTypes))
	for _, t := range q.EventTypes {
		typeSet[t] = struct{}{}
	}

	out := make([]*event.Event, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // запись удалена TTL-клинером между ZRange и HMGet
		}
		e, err := event.Unmarshal([]byte(str))
		if err != nil {
			s.logger.Warn("corrupted event record skipped", zap.Error(err))
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[e.EventType]; !ok {
				continue
			}
		}
		if q.AggregateID != "" && e.AggregateID != q.AggregateID {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) UpdateEventStatus(ctx context.Context, tenantID, eventID string, status event.Status) error {
	raw, err := s.rdb.HGet(ctx, infra.EventsKey(tenantID), eventID).Result()
	if err == redis.Nil {
		return fmt.Errorf("event %s not found", eventID)
	}
	if err != nil {
		return fmt.Errorf("load event %s: %w", eventID, err)
	}

	e, err := event.Unmarshal([]byte(raw))
	if err != nil {
		return err
	}
	e.Status = status

	updated, err := e.Marshal()
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, infra.EventsKey(tenantID), eventID, updated)
	if status == event.StatusFailed {
		pipe.SAdd(ctx, infra.RedisKeyFailedEvents, failedMember(tenantID, eventID))
	} else {
		pipe.SRem(ctx, infra.RedisKeyFailedEvents, failedMember(tenantID, eventID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetFailedEvents(ctx context.Context, maxRetries, batchSize int) ([]*event.Event, error) {
	members, err := s.rdb.SMembers(ctx, infra.RedisKeyFailedEvents).Result()
	if err != nil {
		return nil, fmt.Errorf("read failed set: %w", err)
	}

	out := make([]*event.Event, 0, batchSize)
	for _, m := range members {
		if len(out) >= batchSize {
			break
		}
		tenantID, eventID, ok := splitFailedMember(m)
		if !ok {
			s.rdb.SRem(ctx, infra.RedisKeyFailedEvents, m)
			continue
		}
		raw, err := s.rdb.HGet(ctx, infra.EventsKey(tenantID), eventID).Result()
		if err == redis.Nil {
			// Событие уже удалено TTL-клинером — чистим хвост
			s.rdb.SRem(ctx, infra.RedisKeyFailedEvents, m)
			continue
		}
		if err != nil {
			return nil, err
		}
		e, err := event.Unmarshal([]byte(raw))
		if err != nil {
			s.logger.Warn("corrupted failed event skipped", zap.String("member", m), zap.Error(err))
			continue
		}
		if e.Status != event.StatusFailed {
			s.rdb.SRem(ctx, infra.RedisKeyFailedEvents, m)
			continue
		}
		if maxRetries > 0 && e.RetryCount >= maxRetries {
			// Бюджет исчерпан: статус остается failed, из retry-набора убираем
			s.rdb.SRem(ctx, infra.RedisKeyFailedEvents, m)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) MarkRetryExhausted(ctx context.Context, tenantID, eventID string) error {
	return s.rdb.SRem(ctx, infra.RedisKeyFailedEvents, failedMember(tenantID, eventID)).Err()
}

func (s *RedisStore) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int, error) {
	tenants, err := s.rdb.SMembers(ctx, infra.RedisKeyTenants).Result()
	if err != nil {
		return 0, fmt.Errorf("read tenant set: %w", err)
	}

	deleted := 0
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)
	for _, tenantID := range tenants {
		ids, err := s.rdb.ZRangeByScore(ctx, infra.EventIndexKey(tenantID), &redis.ZRangeBy{
			Min: "-inf", Max: max,
		}).Result()
		if err != nil {
			return deleted, err
		}
		if len(ids) == 0 {
			continue
		}

		pipe := s.rdb.TxPipeline()
		pipe.HDel(ctx, infra.EventsKey(tenantID), ids...)
		pipe.ZRemRangeByScore(ctx, infra.EventIndexKey(tenantID), "-inf", max)
		for _, id := range ids {
			pipe.SRem(ctx, infra.RedisKeyFailedEvents, failedMember(tenantID, id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, err
		}
		deleted += len(ids)
	}
	return deleted, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func failedMember(tenantID, eventID string) string {
	return tenantID + ":" + eventID
}

func splitFailedMember(m string) (tenantID, eventID string, ok bool) {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] == ':' {
			return m[:i], m[i+1:], true
		}
	}
	return "", "", false
}
