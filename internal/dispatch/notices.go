package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/logger"
	"CampusSOS/storage/kv"
)

const noticesKey = "sos_failure_notices"

// NoticeStore 被丢弃告警的失败通知，持久保存直到用户确认
type NoticeStore struct {
	kv     kv.Store
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

func NewNoticeStore(store kv.Store) *NoticeStore {
	return &NoticeStore{
		kv:     store,
		logger: logger.Named("failure_notices"),
		now:    time.Now,
	}
}

// Raise 为丢弃的告警生成通知
func (n *NoticeStore) Raise(ctx context.Context, alert model.QueuedAlert, cause error) model.FailureNotice {
	n.mu.Lock()
	defer n.mu.Unlock()

	reason := errors.MaxRetriesExceeded.Message
	if cause != nil {
		reason = reason + ": " + cause.Error()
	}

	notice := model.FailureNotice{
		ID:             alert.ID,
		AlertID:        alert.ID,
		Kind:           alert.Kind,
		Location:       alert.Location,
		IdempotencyKey: alert.IdempotencyKey,
		Reason:         reason,
		RetryCount:     alert.RetryCount,
		CreatedAt:      alert.CreatedAt,
		DroppedAt:      n.now(),
	}

	notices := n.load(ctx)
	notices = append(notices, notice)
	if err := n.persist(ctx, notices); err != nil {
		n.logger.Error("Failed to persist failure notice",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
	}
	return notice
}

// List 返回未确认的通知
func (n *NoticeStore) List(ctx context.Context) []model.FailureNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.load(ctx)
}

// Acknowledge 用户确认后删除通知
func (n *NoticeStore) Acknowledge(ctx context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	notices := n.load(ctx)
	for i := range notices {
		if notices[i].ID != id {
			continue
		}
		notices = append(notices[:i], notices[i+1:]...)
		if err := n.persist(ctx, notices); err != nil {
			n.logger.Error("Failed to persist notice acknowledgement",
				zap.String("notice_id", id),
				zap.Error(err),
			)
		}
		return nil
	}
	return errors.NoticeNotFound
}

func (n *NoticeStore) load(ctx context.Context) []model.FailureNotice {
	data, err := n.kv.Get(ctx, noticesKey)
	if err != nil {
		n.logger.Error("Failed to read failure notices", zap.Error(err))
		return []model.FailureNotice{}
	}
	if len(data) == 0 {
		return []model.FailureNotice{}
	}

	var notices []model.FailureNotice
	if err := json.Unmarshal(data, &notices); err != nil {
		n.logger.Error("Failure notices are corrupted, treating as empty", zap.Error(err))
		return []model.FailureNotice{}
	}
	return notices
}

func (n *NoticeStore) persist(ctx context.Context, notices []model.FailureNotice) error {
	if len(notices) == 0 {
		return n.kv.Remove(ctx, noticesKey)
	}

	data, err := json.Marshal(notices)
	if err != nil {
		return err
	}
	return n.kv.Set(ctx, noticesKey, data)
}
