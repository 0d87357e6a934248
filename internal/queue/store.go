package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/logger"
	"CampusSOS/pkg/snowflake"
	"CampusSOS/storage/kv"
)

// 整个队列序列化后存放在同一个键下，每次操作都是完整的读-改-写
const storageKey = "sos_queue"

// RetryResult IncrementRetry 的详细结果
type RetryResult int

const (
	RetryRetained RetryResult = iota // 已自增并保留
	RetryDropped                     // 超过上限，已移除
	RetryMissing                     // 条目不存在
)

// Store 持久化的告警重试队列。
// 每个操作在同一把锁内完成读取、修改、写回，写回成功后才返回。
// 存储层错误只记录日志，不向调用方传播。
type Store struct {
	kv     kv.Store
	mu     sync.Mutex
	logger *zap.Logger

	now   func() time.Time
	newID func() (string, error)
}

func NewStore(store kv.Store) *Store {
	return &Store{
		kv:     store,
		logger: logger.Named("alert_queue"),
		now:    time.Now,
		newID:  snowflake.NextString,
	}
}

// Enqueue 追加一条告警，返回本地 ID。
// CreatedAt 取 sub.CapturedAt，为零时取当前时间；DeviceID 记为发起设备。
// 写入失败时静默丢弃（已记录日志），仍返回生成的 ID。
func (s *Store) Enqueue(ctx context.Context, sub model.AlertSubmission) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.newID()
	if err != nil {
		s.logger.Error("Failed to generate queued alert ID", zap.Error(err))
		id = "q" + s.now().Format("20060102150405.000000000")
	}

	createdAt := sub.CapturedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	alerts := s.load(ctx)
	alert := model.QueuedAlert{
		ID:             id,
		Kind:           sub.Kind,
		Location:       sub.Location,
		ExtraNote:      sub.ExtraNote,
		CreatedAt:      createdAt,
		RetryCount:     0,
		IdempotencyKey: sub.IdempotencyKey,
		OriginDevice:   sub.DeviceID,
	}
	alerts = append(alerts, alert)

	if err := s.persist(ctx, alerts); err != nil {
		s.logger.Error("Failed to persist queued alert, alert not queued",
			zap.String("alert_id", id),
			zap.String("alert_kind", string(sub.Kind)),
			zap.Error(err),
		)
		return id
	}

	s.logger.Info("Alert queued for retry",
		zap.String("alert_id", id),
		zap.String("alert_kind", string(sub.Kind)),
		zap.String("origin_device", sub.DeviceID),
		zap.Int("queue_length", len(alerts)),
	)
	return id
}

// List 按入队顺序返回全部告警，每次都重新读取持久化存储
func (s *Store) List(ctx context.Context) []model.QueuedAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(ctx)
}

// Len 队列长度
func (s *Store) Len(ctx context.Context) int {
	return len(s.List(ctx))
}

// Get 按 ID 查询
func (s *Store) Get(ctx context.Context, id string) (model.QueuedAlert, bool) {
	for _, alert := range s.List(ctx) {
		if alert.ID == id {
			return alert, true
		}
	}
	return model.QueuedAlert{}, false
}

// Remove 删除指定告警，不存在时不做任何事
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts := s.load(ctx)
	idx := indexOf(alerts, id)
	if idx < 0 {
		return
	}
	alerts = append(alerts[:idx], alerts[idx+1:]...)

	if err := s.persist(ctx, alerts); err != nil {
		s.logger.Error("Failed to persist queue after remove",
			zap.String("alert_id", id),
			zap.Error(err),
		)
	}
}

// IncrementRetry 记录一次失败的刷新。
// 本次失败使 RetryCount 达到 MaxRetry 时即移除条目并返回 false，
// 即第 MaxRetry 次失败后条目不再保留，队列中的 RetryCount 始终小于 MaxRetry；
// 否则自增并返回 true。
func (s *Store) IncrementRetry(ctx context.Context, id string) bool {
	result, _ := s.Bump(ctx, id)
	return result == RetryRetained
}

// Bump 与 IncrementRetry 相同，但区分"已丢弃"和"不存在"，并返回丢弃前的条目
func (s *Store) Bump(ctx context.Context, id string) (RetryResult, model.QueuedAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alerts := s.load(ctx)
	idx := indexOf(alerts, id)
	if idx < 0 {
		return RetryMissing, model.QueuedAlert{}
	}

	next := alerts[idx].RetryCount + 1
	if next >= model.MaxRetry {
		dropped := alerts[idx]
		dropped.RetryCount = min(next, model.MaxRetry)
		alerts = append(alerts[:idx], alerts[idx+1:]...)

		if err := s.persist(ctx, alerts); err != nil {
			s.logger.Error("Failed to persist queue after dropping alert",
				zap.String("alert_id", id),
				zap.Error(err),
			)
		}

		s.logger.Warn("Queued alert exceeded max retries, dropped",
			zap.String("alert_id", id),
			zap.Int("retry_count", dropped.RetryCount),
		)
		return RetryDropped, dropped
	}

	alerts[idx].RetryCount = next
	if err := s.persist(ctx, alerts); err != nil {
		s.logger.Error("Failed to persist retry count",
			zap.String("alert_id", id),
			zap.Int("retry_count", next),
			zap.Error(err),
		)
	}
	return RetryRetained, alerts[idx]
}

func (s *Store) load(ctx context.Context) []model.QueuedAlert {
	data, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		s.logger.Error("Failed to read alert queue", zap.Error(err))
		return []model.QueuedAlert{}
	}
	if len(data) == 0 {
		return []model.QueuedAlert{}
	}

	var alerts []model.QueuedAlert
	if err := json.Unmarshal(data, &alerts); err != nil {
		s.logger.Error("Alert queue is corrupted, treating as empty", zap.Error(err))
		return []model.QueuedAlert{}
	}

	for i := range alerts {
		if alerts[i].RetryCount < 0 {
			alerts[i].RetryCount = 0
		}
		if alerts[i].RetryCount > model.MaxRetry {
			alerts[i].RetryCount = model.MaxRetry
		}
	}
	return alerts
}

func (s *Store) persist(ctx context.Context, alerts []model.QueuedAlert) error {
	if len(alerts) == 0 {
		return s.kv.Remove(ctx, storageKey)
	}

	data, err := json.Marshal(alerts)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, storageKey, data)
}

func indexOf(alerts []model.QueuedAlert, id string) int {
	for i := range alerts {
		if alerts[i].ID == id {
			return i
		}
	}
	return -1
}
