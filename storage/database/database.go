package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"CampusSOS/config"
	dbotel "CampusSOS/pkg/database"
	"CampusSOS/pkg/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

var (
	db     *gorm.DB
	dbOnce sync.Once
	dbErr  error
)

// Init 连接直连模式下的告警库并完成迁移，只执行一次
func Init() error {
	dbOnce.Do(func() {
		cfg := config.Cfg

		gormDB, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
			Logger:                 newGormLogger(cfg.LoggerLevel, cfg.IsDevelopment()),
			PrepareStmt:            true,
			SkipDefaultTransaction: true,
		})
		if err != nil {
			dbErr = err
			logger.Logger.Error("Failed to open database",
				zap.String("host", cfg.PostgreSQLHost),
				zap.String("database", cfg.PostgreSQLDatabase),
				zap.Error(err),
			)
			return
		}

		sqlDB, err := gormDB.DB()
		if err != nil {
			dbErr = err
			return
		}
		sqlDB.SetMaxIdleConns(cfg.PostgreSQLMaxIdle)
		sqlDB.SetMaxOpenConns(cfg.PostgreSQLMaxOpen)
		sqlDB.SetConnMaxIdleTime(10 * time.Minute)
		sqlDB.SetConnMaxLifetime(2 * time.Hour)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(ctx); err != nil {
			dbErr = err
			logger.Logger.Error("Failed to ping database", zap.Error(err))
			return
		}

		if cfg.TracingEnabled {
			if err := dbotel.WithOTELPlugin(gormDB, cfg.ServiceName); err != nil {
				logger.Logger.Warn("Failed to install gorm tracing plugin", zap.Error(err))
			}
		}

		db = gormDB
		if err := Migrate(); err != nil {
			dbErr = err
			return
		}
		logger.Logger.Info("Database initialized",
			zap.String("host", cfg.PostgreSQLHost),
			zap.String("schema", cfg.PostgreSQLSchema),
		)
	})

	return dbErr
}

func DB() *gorm.DB {
	return db
}

// Close 关闭连接池，ctx 超时后不再等待
func Close(ctx context.Context) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- sqlDB.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// newGormLogger 把 gorm 日志写到 zap，开发环境打印全部 SQL
func newGormLogger(level string, development bool) gormlogger.Interface {
	var lv gormlogger.LogLevel
	switch level {
	case "DEBUG":
		lv = gormlogger.Info
	case "ERROR":
		lv = gormlogger.Error
	default:
		lv = gormlogger.Warn
	}
	if development {
		lv = gormlogger.Info
	}

	return gormlogger.New(zapWriter{}, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  lv,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

type zapWriter struct{}

func (zapWriter) Printf(format string, args ...interface{}) {
	logger.Named("gorm").Sugar().Infof(format, args...)
}
