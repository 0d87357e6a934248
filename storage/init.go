package storage

import (
	"fmt"
	"sync"

	"CampusSOS/config"
	"CampusSOS/storage/database"
	"CampusSOS/storage/kv"
	"CampusSOS/storage/mq"
	"CampusSOS/storage/redis"
)

var (
	mu    sync.Mutex
	local kv.Store
)

// Init 按配置初始化需要的外部连接，未启用的后端不会连接
func Init() error {
	cfg := config.Cfg

	if cfg.BackendMode == "postgres" {
		if err := database.Init(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if cfg.StoreBackend == "redis" {
		if err := redis.Init(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	if cfg.SyncChannel == "amqp" {
		if err := mq.Init(); err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
	}

	return nil
}

// OpenStore 打开本地持久化存储，重复调用返回同一实例，由 Close 负责关闭。
// redis 后端需要先调用 Init。
func OpenStore() (kv.Store, error) {
	mu.Lock()
	defer mu.Unlock()

	if local != nil {
		return local, nil
	}

	cfg := config.Cfg
	s, err := kv.Open(kv.Options{Backend: cfg.StoreBackend, Path: cfg.StorePath}, func() (kv.Store, error) {
		if !redis.Enabled() {
			return nil, fmt.Errorf("redis is not initialized")
		}
		return kv.NewRedisStore(redis.Client(), cfg.RedisPrefix+":"+cfg.DeviceID), nil
	})
	if err != nil {
		return nil, err
	}
	local = s
	return s, nil
}
