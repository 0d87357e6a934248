package connectivity

import (
	"sync"

	"go.uber.org/zap"

	"CampusSOS/pkg/logger"
)

// subscriberBuffer 每个订阅者的缓冲，满了丢弃最旧的事件
const subscriberBuffer = 16

// Monitor 包装平台的在线/离线信号并广播状态变化。
// 不做去抖，每次真实变化都会通知所有订阅者。
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	nextID int
	logger *zap.Logger
}

func NewMonitor(initial bool) *Monitor {
	return &Monitor{
		online: initial,
		subs:   make(map[int]chan bool),
		logger: logger.Named("connectivity"),
	}
}

// IsOnline 当前是否在线
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline 接收平台信号，状态未变化时不通知
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	m.logger.Info("Connectivity changed", zap.Bool("online", online))

	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
			// 消费太慢：丢掉最旧的一条，保证最新状态能送达
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Subscribe 订阅状态变化，返回的函数用于取消订阅并关闭通道
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}
