package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"CampusSOS/config"
	"CampusSOS/storage/kv"
)

// NewChannelFromConfig 按 SYNC_CHANNEL 构造通信通道，amqp 需要先初始化 storage/mq
func NewChannelFromConfig(cfg *config.Config) (Channel, error) {
	switch cfg.SyncChannel {
	case "amqp":
		return NewAMQPChannel(cfg.SyncExchange, cfg.SyncChannelSize)
	case "local", "":
		return NewLocalChannel(cfg.SyncChannelSize), nil
	default:
		return nil, fmt.Errorf("unknown sync channel: %s", cfg.SyncChannel)
	}
}

// NewCoordinatorFromConfig 构造协调器，静态资源与接口分别使用 STATIC_ORIGIN 和 BACKEND_URL。
// store 非空时缓存写入本地存储，重启后离线也能直接提供页面。
func NewCoordinatorFromConfig(ctx context.Context, cfg *config.Config, channel Channel, store kv.Store) (*Coordinator, error) {
	static, err := NewHTTPFetcher(cfg.StaticOrigin, cfg.BackendTimeout)
	if err != nil {
		return nil, err
	}
	api, err := NewHTTPFetcher(cfg.BackendURL, cfg.BackendTimeout)
	if err != nil {
		return nil, err
	}

	var caches *CacheStorage
	if store != nil {
		caches = NewPersistentCacheStorage(ctx, store)
	}

	return NewCoordinator(Options{
		Version:     cfg.CacheVersion,
		Manifest:    cfg.GetStaticManifest(),
		Static:      static,
		API:         api,
		Channel:     channel,
		Caches:      caches,
		MaxAttempts: cfg.FetchMaxAttempts,
		BaseBackoff: cfg.FetchBaseBackoff,
	}), nil
}

// Start 安装并立即激活协调器，随后按 SYNC_SCHEDULE 周期唤醒。
// 安装失败不会阻止启动，此时静态资源按需回源。
func Start(ctx context.Context, c *Coordinator, schedule string) (*SyncScheduler, error) {
	if err := c.Install(ctx); err != nil {
		c.logger.Warn("Coordinator install failed, serving from origin", zap.Error(err))
	} else {
		c.SkipWaiting(ctx)
	}

	s, err := NewSyncScheduler(c, schedule)
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}
