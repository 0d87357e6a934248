package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"go.uber.org/zap"

	"CampusSOS/config"
	"CampusSOS/internal/backend"
	"CampusSOS/internal/cache"
	"CampusSOS/internal/connectivity"
	"CampusSOS/internal/dispatch"
	"CampusSOS/internal/handler"
	"CampusSOS/internal/location"
	"CampusSOS/internal/middleware"
	"CampusSOS/internal/model"
	"CampusSOS/internal/queue"
	"CampusSOS/internal/relay"
	"CampusSOS/internal/router"
	"CampusSOS/internal/service"
	"CampusSOS/internal/worker"
	"CampusSOS/pkg/logger"
	"CampusSOS/pkg/metrics"
	"CampusSOS/pkg/otel"
	"CampusSOS/pkg/snowflake"
	"CampusSOS/storage"
)

const flushLockTTL = 30 * time.Second

func main() {
	// 日志部分
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

	if cfg.TracingEnabled {
		shutdown, err := otel.InitOpenTelemetry(ctx, otel.ConfigFromEnv(cfg))
		if err != nil {
			logger.Logger.Warn("Failed to initialize OpenTelemetry, tracing disabled", zap.Error(err))
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Logger.Error("Failed to shutdown OpenTelemetry", zap.Error(err))
				}
			}()
			if err := metrics.InitMetrics(); err != nil {
				logger.Logger.Warn("Failed to initialize metrics", zap.Error(err))
			}
		}
	}

	// 初始化存储层，记得关闭外部连接
	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	if err := snowflake.Init(cfg.SnowflakeMachineID, cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake", zap.Error(err))
	}

	store, err := storage.OpenStore()
	if err != nil {
		logger.Logger.Fatal("Failed to open local store", zap.Error(err))
	}

	// 定位与连通性
	source, err := location.NewSourceFromConfig(cfg)
	if err != nil {
		logger.Logger.Warn("Location source unavailable, alerts require explicit coordinates", zap.Error(err))
		source = nil
	}
	if closer, ok := source.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	provider := location.NewProvider(source)

	monitor := connectivity.NewMonitor(true)
	var prober *connectivity.Prober
	if checker, err := connectivity.NewHTTPChecker(cfg.GetHealthURL(), cfg.ProbeTimeout); err != nil {
		logger.Logger.Warn("Connectivity probe disabled", zap.Error(err))
	} else {
		prober = connectivity.NewProber(monitor, checker, cfg.ProbeInterval)
	}

	submitter, err := backend.NewFromConfig(cfg)
	if err != nil {
		logger.Logger.Fatal("Failed to initialize backend submitter", zap.Error(err))
	}

	// 中继收到的告警交给 SOSService，构造顺序上 SOSService 在中继之后
	var svc *service.SOSService
	var transport relay.Transport = relay.NopTransport{}
	if cfg.RelayEnabled {
		udp, err := relay.NewUDPTransport(cfg.RelayListenAddr, cfg.RelayBroadcastAddr)
		if err != nil {
			logger.Logger.Warn("Short-range relay unsupported on this device", zap.Error(err))
		} else {
			transport = udp
		}
	}
	defer transport.Close()

	rl := relay.New(transport, relay.Options{
		DeviceID:   cfg.DeviceID,
		BufferSize: cfg.RelayBufferSize,
		SeenTTL:    cfg.RelaySeenTTL,
		OnReceive: func(msg model.RelayMessage, payload model.RelayPayload) {
			if svc != nil {
				svc.HandleRelayed(msg, payload)
			}
		},
	})

	opts := dispatch.Options{
		Locations:    provider,
		Connectivity: monitor,
		Queue:        queue.NewStore(store),
		Submitter:    submitter,
		Notices:      dispatch.NewNoticeStore(store),
		Relay:        rl,
		FlushRate:    cfg.FlushRate,
		DeviceID:     cfg.DeviceID,
		OnDropped: func(n model.FailureNotice) {
			logger.Logger.Warn("Alert dropped after max retries",
				zap.String("alert_id", n.AlertID),
				zap.String("alert_kind", string(n.Kind)),
				zap.String("reason", n.Reason),
			)
		},
	}
	if cfg.StoreBackend == "redis" {
		opts.FlushLock = cache.NewFlushLock(cfg.DeviceID, flushLockTTL)
	}
	dispatcher, err := dispatch.New(opts)
	if err != nil {
		logger.Logger.Fatal("Failed to initialize dispatcher", zap.Error(err))
	}

	// 后台协调器与前台通过 channel 通信
	channel, err := worker.NewChannelFromConfig(cfg)
	if err != nil {
		logger.Logger.Fatal("Failed to initialize sync channel", zap.Error(err))
	}
	defer channel.Close()

	coordinator, err := worker.NewCoordinatorFromConfig(ctx, cfg, channel, store)
	if err != nil {
		logger.Logger.Fatal("Failed to initialize coordinator", zap.Error(err))
	}
	scheduler, err := worker.Start(ctx, coordinator, cfg.SyncSchedule)
	if err != nil {
		logger.Logger.Fatal("Failed to start sync scheduler", zap.Error(err))
	}
	defer scheduler.Stop()
	handler.SetCoordinator(coordinator)

	svc = service.NewSOSService(service.SOSOptions{
		Locations:      provider,
		Monitor:        monitor,
		Dispatcher:     dispatcher,
		Relay:          rl,
		Prober:         prober,
		Channel:        channel,
		StreamLocation: source != nil,
	})
	service.Init(svc)

	// 初始化中间件
	if err := middleware.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize middlewares", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := coordinator.Run(ctx); err != nil {
			logger.Logger.Error("Coordinator stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil {
			logger.Logger.Error("SOS service stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server starting",
		zap.String("service", cfg.ServiceName),
		zap.String("port", cfg.ServerPort),
		zap.String("environment", cfg.Environment),
		zap.String("device_id", cfg.DeviceID),
		zap.Bool("relay_supported", rl.CheckSupported()),
	)

	addr := net.JoinHostPort(cfg.ServerHost, cfg.ServerPort)
	if !cfg.TracingEnabled {
		h := server.Default(server.WithHostPorts(addr))
		serve(ctx, h, addr)
	} else {
		tracer, tracing := middleware.NewServerTracerConfig()
		h := server.Default(server.WithHostPorts(addr), tracer)
		h.Use(tracing)
		serve(ctx, h, addr)
	}

	cancel()
	wg.Wait()

	logger.Logger.Info("Server shutting down gracefully")
}

// serve 注册路由并阻塞运行，ctx 结束后优雅关闭
func serve(ctx context.Context, h *server.Hertz, addr string) {
	router.Register(h)

	// 优雅关闭：在单独的 goroutine 中监听关闭信号并调用 Shutdown
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
	}()

	logger.Logger.Info("HTTP server listening", zap.String("addr", addr))

	h.Spin()
}
