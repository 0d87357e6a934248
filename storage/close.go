package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"CampusSOS/pkg/logger"
	"CampusSOS/storage/database"
	"CampusSOS/storage/mq"
	"CampusSOS/storage/redis"
)

const closeTimeout = 15 * time.Second

// Close 依次关闭 MQ、本地存储、Redis 和数据库，单项失败只记录日志
func Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	start := time.Now()
	steps := []struct {
		name  string
		close func(context.Context) error
	}{
		{"rabbitmq", mq.Close},
		{"local_store", closeLocal},
		{"redis", redis.Close},
		{"database", database.Close},
	}

	failed := 0
	for _, step := range steps {
		if err := step.close(ctx); err != nil {
			failed++
			logger.Logger.Error("Failed to close storage",
				zap.String("storage", step.name),
				zap.Error(err),
			)
		}
	}

	logger.Logger.Info("Storage connections closed",
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func closeLocal(context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	if local == nil {
		return nil
	}
	err := local.Close()
	local = nil
	return err
}
