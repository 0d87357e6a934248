package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.uber.org/zap"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/logger"
	"CampusSOS/pkg/metrics"
	"CampusSOS/pkg/snowflake"
)

// State 协调器生命周期
type State int

const (
	StateNew       State = iota
	StateInstalled       // 已安装，等待激活
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalled:
		return "waiting"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

// RequestClass 请求分类
type RequestClass string

const (
	ClassAPI     RequestClass = "api"
	ClassSession RequestClass = "session"
	ClassStatic  RequestClass = "static"
)

const (
	cacheHeader   = "X-Cache"
	offlinePage   = "/offline.html"
	sourceWorker  = "worker"
	revalidateTTL = 30 * time.Second
)

// Options Coordinator 配置
type Options struct {
	Version     string
	Manifest    []string
	Static      Fetcher // 静态资源源站
	API         Fetcher // 后端接口
	Channel     Channel
	Caches      *CacheStorage
	MaxAttempts int
	BaseBackoff time.Duration
}

// Coordinator 后台协调器：缓存静态资源、拦截请求、在后台同步时通知前台刷新队列。
// 自己从不调用告警提交接口。
type Coordinator struct {
	version     string
	manifest    []string
	static      Fetcher
	api         Fetcher
	channel     Channel
	caches      *CacheStorage
	maxAttempts int
	baseBackoff time.Duration

	mu    sync.RWMutex
	state State

	revalidating sync.WaitGroup
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *zap.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Caches == nil {
		opts.Caches = NewCacheStorage()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.API == nil {
		opts.API = opts.Static
	}

	return &Coordinator{
		version:     opts.Version,
		manifest:    opts.Manifest,
		static:      opts.Static,
		api:         opts.API,
		channel:     opts.Channel,
		caches:      opts.Caches,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		state:       StateNew,
		sleep:       sleepContext,
		logger:      logger.Named("sync_coordinator"),
	}
}

func (c *Coordinator) staticCache() *NamedCache  { return c.caches.Open(c.version + "-static") }
func (c *Coordinator) apiCache() *NamedCache     { return c.caches.Open(c.version + "-api") }
func (c *Coordinator) sessionCache() *NamedCache { return c.caches.Open(c.version + "-session") }

// State 当前生命周期状态
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Install 按清单预取静态资源，任何一项失败则安装失败。
// 当前版本的静态缓存已完整保存在本地时，预取失败仍视为安装成功。
func (c *Coordinator) Install(ctx context.Context) error {
	cache := c.staticCache()

	if err := c.precache(ctx, cache); err != nil {
		if len(c.manifest) == 0 || !cache.Contains(c.manifest) {
			return err
		}
		c.logger.Warn("Precache failed, installing from persisted cache",
			zap.String("version", c.version),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	if c.state == StateNew {
		c.state = StateInstalled
	}
	c.mu.Unlock()

	c.logger.Info("Coordinator installed",
		zap.String("version", c.version),
		zap.Int("precached", len(c.manifest)),
	)
	return nil
}

func (c *Coordinator) precache(ctx context.Context, cache *NamedCache) error {
	for _, path := range c.manifest {
		resp, err := c.static.Fetch(ctx, &Request{Method: consts.MethodGet, Path: path})
		if err != nil {
			return fmt.Errorf("failed to precache %s: %w", path, err)
		}
		if !resp.OK() {
			return fmt.Errorf("failed to precache %s: status %d", path, resp.Status)
		}
		cache.Put(path, resp)
	}
	return nil
}

// Activate 删除不属于当前版本的缓存并开始接管请求
func (c *Coordinator) Activate(ctx context.Context) {
	prefix := c.version + "-"
	var deleted []string
	for _, name := range c.caches.Keys() {
		if !strings.HasPrefix(name, prefix) {
			c.caches.Delete(name)
			deleted = append(deleted, name)
		}
	}

	c.mu.Lock()
	c.state = StateActivated
	c.mu.Unlock()

	c.logger.Info("Coordinator activated",
		zap.String("version", c.version),
		zap.Strings("deleted_caches", deleted),
	)
}

// SkipWaiting 处于等待状态时立即激活
func (c *Coordinator) SkipWaiting(ctx context.Context) {
	if c.State() == StateInstalled {
		c.Activate(ctx)
	}
}

// ClearCaches 删除全部缓存
func (c *Coordinator) ClearCaches() int {
	n := c.caches.Clear()
	c.logger.Info("All caches cleared", zap.Int("caches", n))
	return n
}

// OnSync 后台同步唤醒：只通知前台刷新队列
func (c *Coordinator) OnSync(ctx context.Context) error {
	id, err := snowflake.NextString()
	if err != nil {
		return err
	}

	metrics.RecordSyncWakeup(ctx, sourceWorker)
	return c.channel.Post(ctx, model.SyncMessage{
		MessageID: id,
		Type:      model.SyncMessageSyncQueue,
		Source:    sourceWorker,
		SentAt:    time.Now(),
	})
}

// HandleMessage 处理来自前台的控制消息，其他类型忽略
func (c *Coordinator) HandleMessage(ctx context.Context, msg model.SyncMessage) {
	switch msg.Type {
	case model.SyncMessageSkipWaiting:
		c.SkipWaiting(ctx)
	case model.SyncMessageClearCaches:
		c.ClearCaches()
	default:
	}
}

// Run 监听控制消息直到 ctx 结束
func (c *Coordinator) Run(ctx context.Context) error {
	msgs, cancel, err := c.channel.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			c.revalidating.Wait()
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.HandleMessage(ctx, msg)
		}
	}
}

// Classify 按路径划分请求类别，会话类优先
func Classify(path string) RequestClass {
	switch {
	case strings.Contains(path, "/auth/"):
		return ClassSession
	case strings.Contains(path, "/api/"), strings.Contains(path, "/rest/"), strings.HasPrefix(path, "/v1/"):
		return ClassAPI
	default:
		return ClassStatic
	}
}

// Fetch 拦截请求，按类别选择缓存策略；从不返回 nil
func (c *Coordinator) Fetch(ctx context.Context, req *Request) *Response {
	cacheable := req.Method == "" || req.Method == consts.MethodGet

	switch Classify(req.Path) {
	case ClassSession:
		return c.fetchSession(ctx, req, cacheable)
	case ClassAPI:
		return c.fetchAPI(ctx, req, cacheable)
	default:
		return c.fetchStatic(ctx, req, cacheable)
	}
}

// fetchAPI 网络优先，有限次数指数退避重试，失败后退回缓存或合成 503
func (c *Coordinator) fetchAPI(ctx context.Context, req *Request, cacheable bool) *Response {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.api.Fetch(ctx, req)
		if err == nil && resp.Status < consts.StatusInternalServerError {
			if cacheable && resp.OK() {
				c.apiCache().Put(req.Path, resp)
			}
			return resp
		}

		if err == nil {
			err = fmt.Errorf("upstream status %d", resp.Status)
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}
		c.logger.Debug("API request failed, retrying",
			zap.String("path", req.Path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if c.sleep(ctx, backoff) != nil {
			break
		}
		backoff *= 2
	}

	c.logger.Warn("API request failed, serving fallback",
		zap.String("path", req.Path),
		zap.Error(lastErr),
	)
	if cacheable {
		if cached, ok := c.apiCache().Match(req.Path); ok {
			return markCache(cached, "fallback")
		}
	}
	return offlineResponse()
}

// fetchSession 网络请求成功时顺带更新会话缓存，失败时读缓存
func (c *Coordinator) fetchSession(ctx context.Context, req *Request, cacheable bool) *Response {
	resp, err := c.api.Fetch(ctx, req)
	if err == nil && resp.Status < consts.StatusInternalServerError {
		if cacheable && resp.OK() {
			c.sessionCache().Put(req.Path, resp)
		}
		return resp
	}

	if cacheable {
		if cached, ok := c.sessionCache().Match(req.Path); ok {
			return markCache(cached, "fallback")
		}
	}
	return offlineResponse()
}

// fetchStatic 缓存优先，命中时后台重新拉取以便下次使用新版本
func (c *Coordinator) fetchStatic(ctx context.Context, req *Request, cacheable bool) *Response {
	if !cacheable {
		resp, err := c.static.Fetch(ctx, req)
		if err != nil {
			return offlineResponse()
		}
		return resp
	}

	cache := c.staticCache()
	if cached, ok := cache.Match(req.Path); ok {
		c.revalidate(req)
		return markCache(cached, "hit")
	}

	resp, err := c.static.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			cache.Put(req.Path, resp)
		}
		return resp
	}

	if page, ok := cache.Match(offlinePage); ok {
		return markCache(page, "offline")
	}
	return offlineResponse()
}

func (c *Coordinator) revalidate(req *Request) {
	c.revalidating.Add(1)
	go func() {
		defer c.revalidating.Done()

		ctx, cancel := context.WithTimeout(context.Background(), revalidateTTL)
		defer cancel()

		resp, err := c.static.Fetch(ctx, &Request{Method: consts.MethodGet, Path: req.Path, Header: req.Header})
		if err != nil || !resp.OK() {
			return
		}
		c.staticCache().Put(req.Path, resp)
	}()
}

// WaitRevalidation 等待后台重新拉取完成
func (c *Coordinator) WaitRevalidation() {
	c.revalidating.Wait()
}

func markCache(resp *Response, value string) *Response {
	resp.Header[cacheHeader] = value
	return resp
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
