package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"CampusSOS/pkg/logger"
	"CampusSOS/storage/kv"
)

// 缓存名与各缓存内路径的索引，条目本身存放在 "<缓存名>:<路径>" 下
const cacheIndexKey = "sw_caches"

// CacheStorage 按名称管理的响应缓存。
// 条目没有过期时间，只在激活新版本时按缓存名整体删除。
// 带持久化存储时，go-cache 只作为热数据层，重启后从存储中恢复。
type CacheStorage struct {
	mu     sync.Mutex
	caches map[string]*NamedCache
	index  map[string][]string

	store  kv.Store
	logger *zap.Logger
}

func NewCacheStorage() *CacheStorage {
	return &CacheStorage{
		caches: make(map[string]*NamedCache),
		index:  make(map[string][]string),
		logger: logger.Named("cache_storage"),
	}
}

// NewPersistentCacheStorage 把缓存写入 store，并加载上次运行留下的缓存
func NewPersistentCacheStorage(ctx context.Context, store kv.Store) *CacheStorage {
	s := NewCacheStorage()
	s.store = store
	s.restore(ctx)
	return s
}

func entryKey(name, path string) string {
	return name + ":" + path
}

func (s *CacheStorage) restore(ctx context.Context) {
	data, err := s.store.Get(ctx, cacheIndexKey)
	if err != nil {
		s.logger.Error("Failed to read cache index", zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	var index map[string][]string
	if err := json.Unmarshal(data, &index); err != nil {
		s.logger.Error("Cache index is corrupted, starting empty", zap.Error(err))
		return
	}

	restored := 0
	for name, paths := range index {
		c := s.open(name)
		for _, path := range paths {
			raw, err := s.store.Get(ctx, entryKey(name, path))
			if err != nil || len(raw) == 0 {
				continue
			}
			var resp Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				s.logger.Warn("Skipping corrupted cache entry",
					zap.String("cache", name),
					zap.String("path", path),
					zap.Error(err),
				)
				continue
			}
			c.cache.Set(path, &resp, gocache.NoExpiration)
			s.index[name] = appendPath(s.index[name], path)
			restored++
		}
	}

	s.logger.Info("Caches restored from local store",
		zap.Int("caches", len(s.caches)),
		zap.Int("entries", restored),
	)
}

// Open 打开或创建缓存
func (s *CacheStorage) Open(name string) *NamedCache {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.open(name)
}

func (s *CacheStorage) open(name string) *NamedCache {
	if c, ok := s.caches[name]; ok {
		return c
	}
	c := &NamedCache{name: name, cache: gocache.New(gocache.NoExpiration, 0), storage: s}
	s.caches[name] = c
	return c
}

// Keys 所有缓存名，按字典序
func (s *CacheStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Delete 删除整个缓存
func (s *CacheStorage) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[name]
	if !ok {
		return false
	}
	s.drop(name, c)
	s.persistIndex()
	return true
}

// Clear 删除全部缓存
func (s *CacheStorage) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.caches)
	for name, c := range s.caches {
		s.drop(name, c)
	}
	s.persistIndex()
	return n
}

func (s *CacheStorage) drop(name string, c *NamedCache) {
	c.cache.Flush()
	delete(s.caches, name)

	if s.store != nil {
		ctx := context.Background()
		for _, path := range s.index[name] {
			if err := s.store.Remove(ctx, entryKey(name, path)); err != nil {
				s.logger.Error("Failed to remove cache entry",
					zap.String("cache", name),
					zap.String("path", path),
					zap.Error(err),
				)
			}
		}
	}
	delete(s.index, name)
}

// save 写入单个条目并更新索引，存储失败只记录日志，内存中的条目仍然可用
func (s *CacheStorage) save(name, path string, resp *Response) {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.caches[name]; !ok {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode cache entry", zap.String("path", path), zap.Error(err))
		return
	}
	if err := s.store.Set(context.Background(), entryKey(name, path), data); err != nil {
		s.logger.Error("Failed to persist cache entry",
			zap.String("cache", name),
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}

	before := len(s.index[name])
	s.index[name] = appendPath(s.index[name], path)
	if len(s.index[name]) != before {
		s.persistIndex()
	}
}

// persistIndex 调用方持有 s.mu
func (s *CacheStorage) persistIndex() {
	if s.store == nil {
		return
	}

	ctx := context.Background()
	if len(s.index) == 0 {
		if err := s.store.Remove(ctx, cacheIndexKey); err != nil {
			s.logger.Error("Failed to remove cache index", zap.Error(err))
		}
		return
	}

	data, err := json.Marshal(s.index)
	if err != nil {
		s.logger.Error("Failed to encode cache index", zap.Error(err))
		return
	}
	if err := s.store.Set(ctx, cacheIndexKey, data); err != nil {
		s.logger.Error("Failed to persist cache index", zap.Error(err))
	}
}

func appendPath(paths []string, path string) []string {
	for _, p := range paths {
		if p == path {
			return paths
		}
	}
	return append(paths, path)
}

// NamedCache 单个缓存，键为请求路径
type NamedCache struct {
	name    string
	cache   *gocache.Cache
	storage *CacheStorage
}

func (c *NamedCache) Name() string { return c.name }

func (c *NamedCache) Put(key string, resp *Response) {
	stored := resp.Clone()
	stored.StoredAt = time.Now()
	c.cache.Set(key, stored, gocache.NoExpiration)
	c.storage.save(c.name, key, stored)
}

func (c *NamedCache) Match(key string) (*Response, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Response).Clone(), true
}

// Contains 是否已缓存全部路径
func (c *NamedCache) Contains(keys []string) bool {
	for _, key := range keys {
		if _, ok := c.cache.Get(key); !ok {
			return false
		}
	}
	return true
}

func (c *NamedCache) Len() int {
	return c.cache.ItemCount()
}
