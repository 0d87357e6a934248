package kv

import (
	"context"
	"fmt"
	"strings"
)

// Store 同步语义的本地持久化键值存储，对应页面里的 localStorage。
// Get 在键不存在时返回 (nil, nil)。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Options 存储后端选项
type Options struct {
	Backend string // bolt, redis, memory
	Path    string // bolt 文件路径
}

// Open 根据配置打开存储后端
func Open(opts Options, redisFactory func() (Store, error)) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "bolt":
		return OpenBolt(opts.Path)
	case "redis":
		if redisFactory == nil {
			return nil, fmt.Errorf("redis store factory is nil")
		}
		return redisFactory()
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}
