package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"go.uber.org/zap"

	"CampusSOS/config"
	"CampusSOS/internal/handler"
	"CampusSOS/internal/middleware"
	"CampusSOS/internal/router"
	"CampusSOS/internal/worker"
	"CampusSOS/pkg/logger"
	"CampusSOS/pkg/snowflake"
	"CampusSOS/storage"
	"CampusSOS/storage/kv"
)

// 独立运行的后台协调器：缓存静态资源、代理 /sw 请求、定时唤醒前台刷新队列。
// 与前台进程通过 SYNC_CHANNEL=amqp 通信。
func main() {

	logger.Init()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Logger.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	cfg := &config.Cfg
	if cfg.SyncChannel != "amqp" {
		logger.Logger.Warn("SYNC_CHANNEL is not amqp, worker messages will not reach the server process",
			zap.String("sync_channel", cfg.SyncChannel),
		)
	}

	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	if err := snowflake.Init(cfg.SnowflakeMachineID, cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake", zap.Error(err))
	}

	channel, err := worker.NewChannelFromConfig(cfg)
	if err != nil {
		logger.Logger.Fatal("Failed to initialize sync channel", zap.Error(err))
	}
	defer channel.Close()

	// 与前台进程分开的缓存文件，bolt 同一文件只允许一个进程打开
	caches, err := kv.OpenBolt(cfg.WorkerStorePath)
	if err != nil {
		logger.Logger.Fatal("Failed to open worker cache store", zap.Error(err))
	}
	defer caches.Close()

	coordinator, err := worker.NewCoordinatorFromConfig(ctx, cfg, channel, caches)
	if err != nil {
		logger.Logger.Fatal("Failed to initialize coordinator", zap.Error(err))
	}
	scheduler, err := worker.Start(ctx, coordinator, cfg.SyncSchedule)
	if err != nil {
		logger.Logger.Fatal("Failed to start sync scheduler", zap.Error(err))
	}
	defer scheduler.Stop()
	handler.SetCoordinator(coordinator)

	logger.Logger.Info("Worker service starting",
		zap.String("service", cfg.ServiceName+"-worker"),
		zap.String("environment", cfg.Environment),
		zap.String("cache_version", cfg.CacheVersion),
	)

	addr := net.JoinHostPort(cfg.ServerHost, cfg.WorkerPort)
	h := server.Default(server.WithHostPorts(addr))
	h.Use(middleware.RecoverMiddleware())
	router.RegisterProxy(h)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
	}()
	go h.Spin()

	// 阻塞处理前台控制消息
	if err := coordinator.Run(ctx); err != nil {
		logger.Logger.Error("Coordinator stopped", zap.Error(err))
	}

	logger.Logger.Info("Worker service shutting down gracefully")
}
