package dto

// ========== SOS 相关 DTO ==========

// SOSRequest 求救请求，经纬度为空时由设备定位
type SOSRequest struct {
	AlertKind string   `json:"alert_kind"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	ExtraNote string   `json:"extra_note"`
}

// ConnectivityRequest 平台连通性信号
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// ControlRequest 发给后台协调器的控制消息
type ControlRequest struct {
	Type string `json:"type"`
}
