package backend

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/snowflake"
)

// DefaultEstimatedResponse 直连模式下没有调度系统，回执中给出固定的预计响应时间
const DefaultEstimatedResponse = 5 * time.Minute

// DirectSubmitter 直接写入自建响应方的 PostgreSQL，按幂等键去重
type DirectSubmitter struct {
	db *gorm.DB
}

func NewDirectSubmitter(db *gorm.DB) *DirectSubmitter {
	return &DirectSubmitter{db: db}
}

func (d *DirectSubmitter) Submit(ctx context.Context, sub model.AlertSubmission) (*model.DeliveryConfirmation, error) {
	if !sub.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown alert kind %q", errors.ValidationFailed, sub.Kind)
	}
	if sub.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: missing idempotency key", errors.ValidationFailed)
	}

	alertID, err := snowflake.NextString()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.NetworkError, err)
	}

	record := model.AlertRecord{
		AlertID:        alertID,
		IdempotencyKey: sub.IdempotencyKey,
		Kind:           sub.Kind,
		Latitude:       sub.Location.Latitude,
		Longitude:      sub.Location.Longitude,
		ExtraNote:      sub.ExtraNote,
		DeviceID:       sub.DeviceID,
		CapturedAt:     sub.CapturedAt,
	}

	// 同一告警经队列与中继两条路径到达时只保留第一条
	err = d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.NetworkError, err)
	}

	var stored model.AlertRecord
	if err := d.db.WithContext(ctx).
		Where("idempotency_key = ?", sub.IdempotencyKey).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errors.NetworkError, err)
	}

	return &model.DeliveryConfirmation{
		AlertID:           stored.AlertID,
		SubmittedAt:       stored.CreatedAt,
		Location:          model.Coordinates{Latitude: stored.Latitude, Longitude: stored.Longitude},
		EstimatedResponse: DefaultEstimatedResponse,
		Message:           fmt.Sprintf("Alert %s recorded, responders have been notified", stored.AlertID),
	}, nil
}
