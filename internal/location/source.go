package location

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"

	"CampusSOS/config"
	"CampusSOS/internal/model"
	"CampusSOS/pkg/errors"
)

// FixedSource 固定坐标，用于报警柱、值班台等不会移动的设备
type FixedSource struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // 米，0 表示未知
}

func (s FixedSource) Read(ctx context.Context) (model.LocationFix, error) {
	if err := ctx.Err(); err != nil {
		return model.LocationFix{}, err
	}

	fix := model.LocationFix{
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		CapturedAt: time.Now(),
	}
	if s.Accuracy > 0 {
		acc := s.Accuracy
		fix.Accuracy = &acc
	}
	return fix, nil
}

// GeoIPSource 通过 MaxMind 城市库按出口 IP 粗略定位
type GeoIPSource struct {
	reader *geoip2.Reader
	ip     net.IP
}

// OpenGeoIP 打开城市库，address 为本机出口 IP
func OpenGeoIP(path, address string) (*GeoIPSource, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("invalid geoip address %q", address)
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}

	return &GeoIPSource{reader: reader, ip: ip}, nil
}

func (s *GeoIPSource) Read(ctx context.Context) (model.LocationFix, error) {
	if err := ctx.Err(); err != nil {
		return model.LocationFix{}, err
	}

	record, err := s.reader.City(s.ip)
	if err != nil {
		return model.LocationFix{}, fmt.Errorf("%w: %v", errors.LocationUnavailable, err)
	}

	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return model.LocationFix{}, errors.LocationUnavailable
	}

	fix := model.LocationFix{
		Latitude:   record.Location.Latitude,
		Longitude:  record.Location.Longitude,
		CapturedAt: time.Now(),
	}
	if record.Location.AccuracyRadius > 0 {
		// 城市库精度单位为千米
		acc := float64(record.Location.AccuracyRadius) * 1000
		fix.Accuracy = &acc
	}
	return fix, nil
}

func (s *GeoIPSource) Close() error {
	return s.reader.Close()
}

// NewSourceFromConfig 按 LOCATION_SOURCE 构造定位源，none 返回 nil
func NewSourceFromConfig(cfg *config.Config) (Source, error) {
	switch cfg.LocationSource {
	case "fixed":
		return FixedSource{
			Latitude:  cfg.FixedLatitude,
			Longitude: cfg.FixedLongitude,
			Accuracy:  cfg.FixedAccuracy,
		}, nil
	case "geoip":
		return OpenGeoIP(cfg.GeoIPDatabasePath, cfg.GeoIPAddress)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown location source: %s", cfg.LocationSource)
	}
}
