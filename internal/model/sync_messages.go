package model

import "time"

// SyncMessageType 后台协调器与前台之间的控制消息类型
type SyncMessageType string

const (
	SyncMessageSyncQueue   SyncMessageType = "sync_queue"   // 协调器 -> 前台：刷新排队告警
	SyncMessageSkipWaiting SyncMessageType = "skip_waiting" // 前台 -> 协调器：立即激活
	SyncMessageClearCaches SyncMessageType = "clear_caches" // 前台 -> 协调器：清空缓存
)

// SyncMessage 控制消息
type SyncMessage struct {
	MessageID string          `json:"message_id"`
	Type      SyncMessageType `json:"type"`
	Source    string          `json:"source"`
	SentAt    time.Time       `json:"sent_at"`
}
