package model

import "time"

// LocationFix 一次定位结果，只读
type LocationFix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty"` // 米
	CapturedAt time.Time `json:"captured_at"`
}

// Coordinates 返回经纬度
func (f LocationFix) Coordinates() Coordinates {
	return Coordinates{Latitude: f.Latitude, Longitude: f.Longitude}
}
