package middleware

import (
	"go.uber.org/zap"

	"CampusSOS/pkg/logger"
)

// Init 初始化中间件依赖，需要在 storage 初始化之后、注册路由之前调用
func Init() error {
	if err := initRateLimitStore(); err != nil {
		logger.Logger.Error("Failed to initialize rate limit store", zap.Error(err))
		return err
	}

	logger.Logger.Info("All middlewares initialized successfully")
	return nil
}
