package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrMockWrite 内存存储模拟写入失败（例如配额耗尽）时返回
var ErrMockWrite = errors.New("mock store write failure")

// MemoryStore 进程内存储，用于开发与测试
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte

	// FailWrites 置为 true 时，Set/Remove 返回 ErrMockWrite
	FailWrites bool
	Writes     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockWrite
	}
	m.Writes++
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockWrite
	}
	m.Writes++
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
