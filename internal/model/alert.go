package model

import (
	"encoding/json"
	"time"
)

// MaxRetry 单条排队告警允许的最大失败刷新次数
const MaxRetry = 5

// AlertKind 紧急告警类别枚举
type AlertKind string

const (
	AlertKindMedical    AlertKind = "medical"
	AlertKindFire       AlertKind = "fire"
	AlertKindSecurity   AlertKind = "security"
	AlertKindHarassment AlertKind = "harassment"
	AlertKindAccident   AlertKind = "accident"
	AlertKindOther      AlertKind = "other"
)

var validAlertKinds = map[AlertKind]struct{}{
	AlertKindMedical:    {},
	AlertKindFire:       {},
	AlertKindSecurity:   {},
	AlertKindHarassment: {},
	AlertKindAccident:   {},
	AlertKindOther:      {},
}

// Valid 判断类别是否合法
func (k AlertKind) Valid() bool {
	_, ok := validAlertKinds[k]
	return ok
}

// Coordinates 经纬度
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// QueuedAlert 等待投递的告警，只由 AlertQueueStore 持有
type QueuedAlert struct {
	ID             string      `json:"id"`
	Kind           AlertKind   `json:"alert_kind"`
	Location       Coordinates `json:"location"`
	ExtraNote      string      `json:"extra_note,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	RetryCount     int         `json:"retry_count"`
	IdempotencyKey string      `json:"idempotency_key"`
	OriginDevice   string      `json:"origin_device,omitempty"`
}

// AlertSubmission 提交给后端的告警内容
type AlertSubmission struct {
	Kind           AlertKind   `json:"alert_kind"`
	Location       Coordinates `json:"location"`
	ExtraNote      string      `json:"extra_note,omitempty"`
	CapturedAt     time.Time   `json:"captured_at"`
	IdempotencyKey string      `json:"idempotency_key"`
	DeviceID       string      `json:"device_id,omitempty"`
}

// Submission 将排队告警转换为提交内容，CreatedAt 即告警发起时刻
func (a QueuedAlert) Submission() AlertSubmission {
	return AlertSubmission{
		Kind:           a.Kind,
		Location:       a.Location,
		ExtraNote:      a.ExtraNote,
		CapturedAt:     a.CreatedAt,
		IdempotencyKey: a.IdempotencyKey,
		DeviceID:       a.OriginDevice,
	}
}

// DeliveryConfirmation 后端确认收到告警后的回执
type DeliveryConfirmation struct {
	AlertID           string        `json:"alert_id"`
	SubmittedAt       time.Time     `json:"submitted_at"`
	Location          Coordinates   `json:"location"`
	EstimatedResponse time.Duration `json:"-"`
	Message           string        `json:"message"`
}

type deliveryConfirmationJSON struct {
	AlertID                  string      `json:"alert_id"`
	SubmittedAt              time.Time   `json:"submitted_at"`
	Location                 Coordinates `json:"location"`
	EstimatedResponseSeconds int64       `json:"estimated_response_seconds"`
	Message                  string      `json:"message"`
}

// MarshalJSON 预计响应时间以秒输出，与后端回执一致
func (c DeliveryConfirmation) MarshalJSON() ([]byte, error) {
	return json.Marshal(deliveryConfirmationJSON{
		AlertID:                  c.AlertID,
		SubmittedAt:              c.SubmittedAt,
		Location:                 c.Location,
		EstimatedResponseSeconds: int64(c.EstimatedResponse / time.Second),
		Message:                  c.Message,
	})
}

func (c *DeliveryConfirmation) UnmarshalJSON(data []byte) error {
	var raw deliveryConfirmationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = DeliveryConfirmation{
		AlertID:           raw.AlertID,
		SubmittedAt:       raw.SubmittedAt,
		Location:          raw.Location,
		EstimatedResponse: time.Duration(raw.EstimatedResponseSeconds) * time.Second,
		Message:           raw.Message,
	}
	return nil
}

// OutcomeStatus 投递结果
type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = "delivered" // 已送达
	OutcomeQueued    OutcomeStatus = "queued"    // 已入队等待重试
)

// Outcome Dispatch 的返回值，delivered 与 queued 调用方需要分别展示
type Outcome struct {
	Status         OutcomeStatus         `json:"status"`
	Confirmation   *DeliveryConfirmation `json:"confirmation,omitempty"`
	QueuedID       string                `json:"queued_id,omitempty"`
	IdempotencyKey string                `json:"idempotency_key"`
	Relayed        bool                  `json:"relayed"`
}

// Delivered 是否已送达
func (o Outcome) Delivered() bool {
	return o.Status == OutcomeDelivered && o.Confirmation != nil
}

// FailureNotice 超过最大重试被丢弃的告警，需要用户确认后才消失
type FailureNotice struct {
	ID             string      `json:"id"`
	AlertID        string      `json:"alert_id"`
	Kind           AlertKind   `json:"alert_kind"`
	Location       Coordinates `json:"location"`
	IdempotencyKey string      `json:"idempotency_key"`
	Reason         string      `json:"reason"`
	RetryCount     int         `json:"retry_count"`
	CreatedAt      time.Time   `json:"created_at"`
	DroppedAt      time.Time   `json:"dropped_at"`
}
