package connectivity

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.uber.org/zap"

	"CampusSOS/pkg/logger"
)

// Checker 一次可达性检查
type Checker interface {
	Check(ctx context.Context) error
}

// HTTPChecker 请求后端健康检查地址，2xx/3xx 视为可达
type HTTPChecker struct {
	client  *client.Client
	url     string
	timeout time.Duration
}

func NewHTTPChecker(url string, timeout time.Duration) (*HTTPChecker, error) {
	c, err := client.NewClient(
		client.WithDialTimeout(timeout),
		client.WithClientReadTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe client: %w", err)
	}
	return &HTTPChecker{client: c, url: url, timeout: timeout}, nil
}

func (h *HTTPChecker) Check(ctx context.Context) error {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetRequestURI(h.url)
	req.SetMethod(consts.MethodGet)

	if err := h.client.DoTimeout(ctx, req, resp, h.timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code >= consts.StatusBadRequest {
		return fmt.Errorf("health check returned status %d", code)
	}
	return nil
}

// Prober 周期性检查后端可达性并把结果喂给 Monitor
type Prober struct {
	monitor  *Monitor
	checker  Checker
	interval time.Duration
	logger   *zap.Logger
}

func NewProber(monitor *Monitor, checker Checker, interval time.Duration) *Prober {
	return &Prober{
		monitor:  monitor,
		checker:  checker,
		interval: interval,
		logger:   logger.Named("connectivity_prober"),
	}
}

// Run 阻塞运行直到 ctx 结束，启动时立即检查一次
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	err := p.checker.Check(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Debug("Backend unreachable", zap.Error(err))
	}
	p.monitor.SetOnline(err == nil)
}
