package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"CampusSOS/pkg/logger"
)

// SyncScheduler 模拟平台的后台同步：按计划唤醒协调器
type SyncScheduler struct {
	c           *cron.Cron
	coordinator *Coordinator
	logger      *zap.Logger
}

// cronLogger 把 cron 内部日志转到 zap
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

func NewSyncScheduler(coordinator *Coordinator, spec string) (*SyncScheduler, error) {
	l := logger.Named("sync_scheduler")
	cl := cronLogger{l: l.Sugar()}

	s := &SyncScheduler{
		c:           cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		coordinator: coordinator,
		logger:      l,
	}

	if _, err := s.c.AddFunc(spec, s.wake); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *SyncScheduler) wake() {
	if err := s.coordinator.OnSync(context.Background()); err != nil {
		s.logger.Warn("Background sync wake-up failed", zap.Error(err))
	}
}

func (s *SyncScheduler) Start() { s.c.Start() }

func (s *SyncScheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
}
