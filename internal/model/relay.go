package model

import (
	"encoding/json"
	"time"
)

// MaxHops 中继消息最大跳数
const MaxHops = 5

// RelayKind 中继消息类型
type RelayKind string

const (
	RelayKindSOS   RelayKind = "sos"   // 本机发起
	RelayKindRelay RelayKind = "relay" // 转发
)

// RelayMessage 近场中继广播单元，创建后不可修改
type RelayMessage struct {
	ID             string          `json:"id"`
	Kind           RelayKind       `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	HopCount       int             `json:"hop_count"`
	OriginatedAt   time.Time       `json:"originated_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	OriginDevice   string          `json:"origin_device,omitempty"`
}

// RelayPayload 中继携带的告警内容
type RelayPayload struct {
	Kind           AlertKind   `json:"alert_kind"`
	Location       Coordinates `json:"location"`
	ExtraNote      string      `json:"extra_note,omitempty"`
	CapturedAt     time.Time   `json:"captured_at"`
	IdempotencyKey string      `json:"idempotency_key"`
	DeviceID       string      `json:"device_id,omitempty"`
}
