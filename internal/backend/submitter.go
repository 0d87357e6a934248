package backend

import (
	"context"
	"fmt"

	"CampusSOS/config"
	"CampusSOS/internal/model"
	"CampusSOS/storage/database"
)

// Submitter 后端告警提交操作。
// 失败时返回 errors.Unauthorized、errors.AccountInactive、errors.ValidationFailed
// 或包装后的 errors.NetworkError。
type Submitter interface {
	Submit(ctx context.Context, sub model.AlertSubmission) (*model.DeliveryConfirmation, error)
}

// SubmitterFunc 函数适配器
type SubmitterFunc func(ctx context.Context, sub model.AlertSubmission) (*model.DeliveryConfirmation, error)

func (f SubmitterFunc) Submit(ctx context.Context, sub model.AlertSubmission) (*model.DeliveryConfirmation, error) {
	return f(ctx, sub)
}

// NewFromConfig 按 BACKEND_MODE 构造提交器并套上熔断
func NewFromConfig(cfg *config.Config) (*BreakerSubmitter, error) {
	var next Submitter

	switch cfg.BackendMode {
	case "postgres":
		if err := database.Init(); err != nil {
			return nil, fmt.Errorf("failed to init database: %w", err)
		}
		next = NewDirectSubmitter(database.DB())
	default:
		s, err := NewHTTPSubmitter(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout)
		if err != nil {
			return nil, err
		}
		next = s
	}

	breaker := NewCircuitBreaker("backend_submit", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	return NewBreakerSubmitter(next, breaker), nil
}
