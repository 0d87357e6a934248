package middleware

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/logger"
	"CampusSOS/pkg/response"
	"CampusSOS/storage/redis"
)

// ControlRate 控制类接口的限流规则，ulule/limiter 格式。求救接口不限流。
const ControlRate = "30-M"

// limiterStore 限流计数存储，Redis 可用时跨进程共享
var limiterStore limiter.Store = memory.NewStore()

func initRateLimitStore() error {
	if !redis.Enabled() {
		return nil
	}

	store, err := sredis.NewStoreWithOptions(redis.Client(), limiter.StoreOptions{
		Prefix: redis.Key("rate"),
	})
	if err != nil {
		return fmt.Errorf("failed to create redis limiter store: %w", err)
	}
	limiterStore = store
	return nil
}

// RateLimitMiddleware 按客户端 IP 限流
func RateLimitMiddleware(name, formatted string) app.HandlerFunc {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		panic(fmt.Sprintf("invalid rate limit %q: %v", formatted, err))
	}
	instance := limiter.New(limiterStore, rate)

	return func(ctx context.Context, c *app.RequestContext) {
		key := name + ":" + c.ClientIP()

		lctx, err := instance.Get(ctx, key)
		if err != nil {
			// 计数存储不可用时放行
			logger.Logger.Warn("Rate limiter unavailable", zap.String("limiter", name), zap.Error(err))
			c.Next(ctx)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			logger.Logger.Warn("Rate limit exceeded",
				zap.String("limiter", name),
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", string(c.Path())),
			)
			response.Error(ctx, c, errors.RequestRateLimited)
			c.Abort()
			return
		}

		c.Next(ctx)
	}
}
