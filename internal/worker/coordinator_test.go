package worker

import (
	"context"
	stderrors "errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CampusSOS/internal/model"
	"CampusSOS/storage/kv"
)

// fakeOrigin 记录请求并按路径返回预设响应
type fakeOrigin struct {
	mu     sync.Mutex
	pages  map[string]string
	down   bool
	status int
	calls  map[string]int
}

func newFakeOrigin(pages map[string]string) *fakeOrigin {
	return &fakeOrigin{pages: pages, calls: make(map[string]int)}
}

func (f *fakeOrigin) Fetch(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[req.Path]++
	if f.down {
		return nil, stderrors.New("dial tcp: connection refused")
	}
	if f.status != 0 {
		return &Response{Status: f.status, Header: map[string]string{}}, nil
	}
	body, ok := f.pages[req.Path]
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: map[string]string{}}, nil
	}
	return &Response{Status: http.StatusOK, Header: map[string]string{}, Body: []byte(body)}, nil
}

func (f *fakeOrigin) set(fn func(f *fakeOrigin)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeOrigin) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func newTestCoordinator(origin Fetcher, opts ...func(*Options)) (*Coordinator, *[]time.Duration) {
	o := Options{
		Version:     "v2",
		Manifest:    []string{"/", "/offline.html"},
		Static:      origin,
		API:         origin,
		Channel:     NewLocalChannel(4),
		MaxAttempts: 3,
		BaseBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := NewCoordinator(o)
	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return c, &sleeps
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want RequestClass
	}{
		{"/api/alerts", ClassAPI},
		{"/rest/v1/incidents?limit=5", ClassAPI},
		{"/v1/sos/queue", ClassAPI},
		{"/auth/session", ClassSession},
		{"/api/auth/refresh", ClassSession},
		{"/index.html", ClassStatic},
		{"/assets/app.js", ClassStatic},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.path))
		})
	}
}

func TestCoordinator_InstallAndActivate(t *testing.T) {
	ctx := context.Background()
	caches := NewCacheStorage()
	caches.Open("v1-static").Put("/", &Response{Status: 200, Header: map[string]string{}, Body: []byte("old")})

	origin := newFakeOrigin(map[string]string{"/": "shell", "/offline.html": "offline"})
	c, _ := newTestCoordinator(origin, func(o *Options) { o.Caches = caches })

	require.NoError(t, c.Install(ctx))
	assert.Equal(t, StateInstalled, c.State())
	assert.Equal(t, []string{"v1-static", "v2-static"}, caches.Keys())

	c.SkipWaiting(ctx)
	assert.Equal(t, StateActivated, c.State())
	assert.Equal(t, []string{"v2-static"}, caches.Keys())
	assert.Equal(t, 2, caches.Open("v2-static").Len())
}

func TestCoordinator_RestartOfflineServesPersistedShell(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "worker.db")

	store, err := kv.OpenBolt(path)
	require.NoError(t, err)
	origin := newFakeOrigin(map[string]string{"/": "shell", "/offline.html": "offline"})
	c, _ := newTestCoordinator(origin, func(o *Options) { o.Caches = NewPersistentCacheStorage(ctx, store) })
	require.NoError(t, c.Install(ctx))
	c.SkipWaiting(ctx)
	require.NoError(t, store.Close())

	// 重启时源站不可达
	reopened, err := kv.OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()
	offline := newFakeOrigin(nil)
	offline.down = true
	restarted, _ := newTestCoordinator(offline, func(o *Options) { o.Caches = NewPersistentCacheStorage(ctx, reopened) })

	require.NoError(t, restarted.Install(ctx))
	restarted.SkipWaiting(ctx)
	assert.Equal(t, StateActivated, restarted.State())

	resp := restarted.Fetch(ctx, &Request{Path: "/"})
	restarted.WaitRevalidation()
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "shell", string(resp.Body))

	resp = restarted.Fetch(ctx, &Request{Path: "/missing.css"})
	assert.Equal(t, "offline", string(resp.Body))
}

func TestCoordinator_RestartOfflineWithoutCacheFails(t *testing.T) {
	ctx := context.Background()
	offline := newFakeOrigin(nil)
	offline.down = true
	c, _ := newTestCoordinator(offline, func(o *Options) { o.Caches = NewPersistentCacheStorage(ctx, kv.NewMemoryStore()) })

	assert.Error(t, c.Install(ctx))
	assert.Equal(t, StateNew, c.State())
}

func TestCacheStorage_PersistentDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	shell := &Response{Status: http.StatusOK, Header: map[string]string{}, Body: []byte("shell")}

	caches := NewPersistentCacheStorage(ctx, store)
	caches.Open("v1-static").Put("/", shell)
	caches.Open("v2-static").Put("/", shell)
	caches.Open("v2-api").Put("/api/incidents", shell)

	restored := NewPersistentCacheStorage(ctx, store)
	assert.Equal(t, []string{"v1-static", "v2-api", "v2-static"}, restored.Keys())
	resp, ok := restored.Open("v1-static").Match("/")
	require.True(t, ok)
	assert.Equal(t, "shell", string(resp.Body))

	require.True(t, restored.Delete("v1-static"))
	raw, err := store.Get(ctx, "v1-static:/")
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, []string{"v2-api", "v2-static"}, NewPersistentCacheStorage(ctx, store).Keys())

	assert.Equal(t, 2, restored.Clear())
	assert.Empty(t, NewPersistentCacheStorage(ctx, store).Keys())
	raw, err = store.Get(ctx, cacheIndexKey)
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCoordinator_InstallFailsOnMissingAsset(t *testing.T) {
	origin := newFakeOrigin(map[string]string{"/": "shell"})
	c, _ := newTestCoordinator(origin)

	assert.Error(t, c.Install(context.Background()))
	assert.Equal(t, StateNew, c.State())
}

func TestCoordinator_FetchAPI(t *testing.T) {
	ctx := context.Background()

	t.Run("network first and cached on success", func(t *testing.T) {
		origin := newFakeOrigin(map[string]string{"/api/incidents": `[1]`})
		c, sleeps := newTestCoordinator(origin)

		resp := c.Fetch(ctx, &Request{Method: http.MethodGet, Path: "/api/incidents"})
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Empty(t, *sleeps)

		origin.set(func(f *fakeOrigin) { f.down = true })
		resp = c.Fetch(ctx, &Request{Method: http.MethodGet, Path: "/api/incidents"})
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, `[1]`, string(resp.Body))
		assert.Equal(t, "fallback", resp.Header[cacheHeader])
		assert.Equal(t, 1+3, origin.count("/api/incidents"))
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
	})

	t.Run("synthesized 503 without cache", func(t *testing.T) {
		origin := newFakeOrigin(nil)
		origin.down = true
		c, _ := newTestCoordinator(origin)

		resp := c.Fetch(ctx, &Request{Method: http.MethodGet, Path: "/rest/v1/alerts"})
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
		assert.JSONEq(t, `{"error":{"code":"NETWORK_ERROR","message":"Offline - request could not be completed"},"offline":true}`, string(resp.Body))
	})

	t.Run("server errors are retried", func(t *testing.T) {
		origin := newFakeOrigin(nil)
		origin.status = http.StatusBadGateway
		c, _ := newTestCoordinator(origin)

		resp := c.Fetch(ctx, &Request{Method: http.MethodGet, Path: "/api/x"})
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
		assert.Equal(t, 3, origin.count("/api/x"))
	})

	t.Run("client errors are returned as is", func(t *testing.T) {
		origin := newFakeOrigin(nil)
		c, _ := newTestCoordinator(origin)

		resp := c.Fetch(ctx, &Request{Method: http.MethodGet, Path: "/api/missing"})
		assert.Equal(t, http.StatusNotFound, resp.Status)
		assert.Equal(t, 1, origin.count("/api/missing"))
	})
}

func TestCoordinator_FetchSession(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(map[string]string{"/auth/session": `{"user":"u1"}`})
	c, sleeps := newTestCoordinator(origin)

	resp := c.Fetch(ctx, &Request{Path: "/auth/session"})
	require.Equal(t, http.StatusOK, resp.Status)

	origin.set(func(f *fakeOrigin) { f.down = true })
	resp = c.Fetch(ctx, &Request{Path: "/auth/session"})
	assert.Equal(t, `{"user":"u1"}`, string(resp.Body))
	assert.Equal(t, "fallback", resp.Header[cacheHeader])
	assert.Empty(t, *sleeps, "session requests are not retried")
	assert.Equal(t, 2, origin.count("/auth/session"))
}

func TestCoordinator_FetchStatic(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(map[string]string{"/": "shell", "/offline.html": "offline", "/app.js": "v1"})
	c, _ := newTestCoordinator(origin)
	require.NoError(t, c.Install(ctx))

	resp := c.Fetch(ctx, &Request{Path: "/app.js"})
	assert.Equal(t, "v1", string(resp.Body))

	// 命中缓存，后台拉取新版本供下次使用
	origin.set(func(f *fakeOrigin) { f.pages["/app.js"] = "v2" })
	resp = c.Fetch(ctx, &Request{Path: "/app.js"})
	assert.Equal(t, "v1", string(resp.Body))
	assert.Equal(t, "hit", resp.Header[cacheHeader])
	c.WaitRevalidation()

	resp = c.Fetch(ctx, &Request{Path: "/app.js"})
	assert.Equal(t, "v2", string(resp.Body))
	c.WaitRevalidation()

	origin.set(func(f *fakeOrigin) { f.down = true })
	resp = c.Fetch(ctx, &Request{Path: "/never-seen.css"})
	assert.Equal(t, "offline", string(resp.Body))
}

func TestCoordinator_OnSyncPostsToClients(t *testing.T) {
	ctx := context.Background()
	channel := NewLocalChannel(4)
	c, _ := newTestCoordinator(newFakeOrigin(nil), func(o *Options) { o.Channel = channel })

	pageA, cancelA, err := channel.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelA()
	pageB, cancelB, err := channel.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, c.OnSync(ctx))

	for _, page := range []<-chan model.SyncMessage{pageA, pageB} {
		select {
		case msg := <-page:
			assert.Equal(t, model.SyncMessageSyncQueue, msg.Type)
			assert.Equal(t, sourceWorker, msg.Source)
		case <-time.After(time.Second):
			t.Fatal("page did not receive sync message")
		}
	}
}

func TestCoordinator_ControlMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewLocalChannel(4)
	origin := newFakeOrigin(map[string]string{"/": "shell", "/offline.html": "offline"})
	c, _ := newTestCoordinator(origin, func(o *Options) { o.Channel = channel })
	require.NoError(t, c.Install(ctx))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		_ = channel.Post(ctx, model.SyncMessage{Type: model.SyncMessageSkipWaiting, Source: "page"})
		return c.State() == StateActivated
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, channel.Post(ctx, model.SyncMessage{Type: model.SyncMessageClearCaches, Source: "page"}))
	require.Eventually(t, func() bool { return len(c.caches.Keys()) == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestLocalChannel_BoundedAndClosable(t *testing.T) {
	ctx := context.Background()
	channel := NewLocalChannel(1)

	sub, cancel, err := channel.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, channel.Post(ctx, model.SyncMessage{Type: model.SyncMessageSyncQueue}))
	require.NoError(t, channel.Post(ctx, model.SyncMessage{Type: model.SyncMessageClearCaches}))

	msg := <-sub
	assert.Equal(t, model.SyncMessageSyncQueue, msg.Type)

	require.NoError(t, channel.Close())
	_, ok := <-sub
	assert.False(t, ok)
	assert.Error(t, channel.Post(ctx, model.SyncMessage{}))
}

func TestSyncScheduler_InvalidSpec(t *testing.T) {
	c, _ := newTestCoordinator(newFakeOrigin(nil))
	_, err := NewSyncScheduler(c, "every now and then")
	assert.Error(t, err)

	s, err := NewSyncScheduler(c, "@every 1h")
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
