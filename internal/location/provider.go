package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/logger"
)

const (
	// ReadTimeout 单次定位读取超时
	ReadTimeout = 10 * time.Second
	// DefaultStreamInterval 连续定位的采样间隔
	DefaultStreamInterval = 5 * time.Second
)

// Source 平台定位能力。
// 失败时返回 errors.PermissionDenied、errors.LocationUnavailable 或 context 错误。
type Source interface {
	Read(ctx context.Context) (model.LocationFix, error)
}

// Provider 负责读取定位并缓存最近一次成功的结果，每个进程一个实例
type Provider struct {
	source         Source
	timeout        time.Duration
	streamInterval time.Duration
	logger         *zap.Logger

	mu   sync.RWMutex
	last *model.LocationFix
}

// Option Provider 可选项
type Option func(*Provider)

// WithTimeout 覆盖单次读取超时
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithStreamInterval 覆盖连续定位采样间隔
func WithStreamInterval(d time.Duration) Option {
	return func(p *Provider) { p.streamInterval = d }
}

// NewProvider source 为 nil 表示设备没有定位能力
func NewProvider(source Source, opts ...Option) *Provider {
	p := &Provider{
		source:         source,
		timeout:        ReadTimeout,
		streamInterval: DefaultStreamInterval,
		logger:         logger.Named("location"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetCurrentFix 读取一次最新定位。
// 读取失败但存在缓存时直接返回缓存，调用方只能通过 CapturedAt 区分新旧。
func (p *Provider) GetCurrentFix(ctx context.Context) (model.LocationFix, error) {
	fix, err := p.read(ctx)
	if err == nil {
		p.store(fix)
		return fix, nil
	}

	if cached, ok := p.GetLastKnownFix(); ok {
		p.logger.Warn("Location read failed, using last known fix",
			zap.Error(err),
			zap.Time("captured_at", cached.CapturedAt),
		)
		return cached, nil
	}

	if errors.IsPermissionDenied(err) {
		return model.LocationFix{}, fmt.Errorf("%w: %w", errors.LocationUnavailable, errors.PermissionDenied)
	}
	return model.LocationFix{}, fmt.Errorf("%w: %v", errors.LocationUnavailable, err)
}

// GetLastKnownFix 返回缓存的定位，不阻塞不失败
func (p *Provider) GetLastKnownFix() (model.LocationFix, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.last == nil {
		return model.LocationFix{}, false
	}
	return *p.last, true
}

// Remember 记录外部获得的定位（例如请求中携带的坐标）
func (p *Provider) Remember(fix model.LocationFix) {
	p.store(fix)
}

// Subscription 连续定位订阅，C 只允许一个消费者
type Subscription struct {
	C <-chan model.LocationFix

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Stop 停止订阅并等待采样协程退出，可重复调用
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// StartStream 开始连续定位。
// 每次成功读取都会覆盖缓存并投递；读取失败时重新投递缓存的定位而不是错误。
func (p *Provider) StartStream(ctx context.Context) (*Subscription, error) {
	if p.source == nil {
		return nil, errors.LocationUnavailable
	}

	out := make(chan model.LocationFix, 1)
	sub := &Subscription{
		C:    out,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go p.stream(ctx, sub, out)
	return sub, nil
}

func (p *Provider) stream(ctx context.Context, sub *Subscription, out chan<- model.LocationFix) {
	defer close(sub.done)
	defer close(out)

	ticker := time.NewTicker(p.streamInterval)
	defer ticker.Stop()

	for {
		if fix, ok := p.next(ctx); ok {
			select {
			case out <- fix:
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// next 读取一次定位，失败时退回缓存；两者都没有时返回 false
func (p *Provider) next(ctx context.Context) (model.LocationFix, bool) {
	fix, err := p.read(ctx)
	if err == nil {
		p.store(fix)
		return fix, true
	}

	cached, ok := p.GetLastKnownFix()
	if !ok {
		p.logger.Debug("Location stream read failed with no cached fix", zap.Error(err))
	}
	return cached, ok
}

// read 带超时读取，source 不响应 ctx 时也会按时返回
func (p *Provider) read(ctx context.Context) (model.LocationFix, error) {
	if p.source == nil {
		return model.LocationFix{}, errors.LocationUnavailable
	}

	readCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		fix model.LocationFix
		err error
	}
	ch := make(chan result, 1)
	go func() {
		fix, err := p.source.Read(readCtx)
		ch <- result{fix: fix, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.fix.CapturedAt.IsZero() {
			r.fix.CapturedAt = time.Now()
		}
		return r.fix, r.err
	case <-readCtx.Done():
		return model.LocationFix{}, readCtx.Err()
	}
}

// store 只保留一份最新定位，旧值直接覆盖
func (p *Provider) store(fix model.LocationFix) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != nil && fix.CapturedAt.Before(p.last.CapturedAt) {
		return
	}
	p.last = &fix
}
