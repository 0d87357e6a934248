package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"CampusSOS/storage/redis"
)

// 通过 SetNX 实现分布式锁，值为持有者 token，只有持有者能释放
const (
	lockPrefix = "lock"
)

// unlockScript 比较 token 后删除，避免误删他人在锁过期后重新获得的锁
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	fullkey := redis.Key(lockPrefix, key)

	return redis.Client().SetNX(ctx, fullkey, token, ttl).Result()
}

func Unlock(ctx context.Context, key, token string) error {
	fullkey := redis.Key(lockPrefix, key)

	return unlockScript.Run(ctx, redis.Client(), []string{fullkey}, token).Err()
}

// FlushLock 共享同一 Redis 队列的多个进程之间互斥刷新
type FlushLock struct {
	key string
	ttl time.Duration
}

func NewFlushLock(deviceID string, ttl time.Duration) *FlushLock {
	return &FlushLock{key: "flush:" + deviceID, ttl: ttl}
}

// Acquire 获取锁，成功时返回释放函数
func (l *FlushLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := TryLock(ctx, l.key, token, l.ttl)
	if err != nil || !ok {
		return nil, false, err
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = Unlock(ctx, l.key, token)
	}
	return release, true, nil
}
