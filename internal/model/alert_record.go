package model

import "time"

// AlertRecord 直连数据库模式下写入的告警记录
type AlertRecord struct {
	BaseModel
	AlertID        string    `gorm:"type:varchar(32);not null;uniqueIndex" json:"alert_id"`
	IdempotencyKey string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"idempotency_key"`
	Kind           AlertKind `gorm:"type:varchar(16);not null;index" json:"alert_kind"`
	Latitude       float64   `gorm:"not null" json:"latitude"`
	Longitude      float64   `gorm:"not null" json:"longitude"`
	ExtraNote      string    `gorm:"type:text" json:"extra_note,omitempty"`
	DeviceID       string    `gorm:"type:varchar(64);index" json:"device_id,omitempty"`
	CapturedAt     time.Time `gorm:"type:timestamptz;not null" json:"captured_at"`
}

// TableName 指定表名
func (AlertRecord) TableName() string {
	return "sos_alerts"
}
