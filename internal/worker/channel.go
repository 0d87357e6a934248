package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/logger"
	"CampusSOS/storage/mq"
)

// Channel 协调器与前台之间唯一的通信方式，所有订阅者都会收到每条消息
type Channel interface {
	Post(ctx context.Context, msg model.SyncMessage) error
	Subscribe(ctx context.Context) (<-chan model.SyncMessage, func(), error)
	Close() error
}

// LocalChannel 进程内有界广播通道，订阅者缓冲满时丢弃该条消息
type LocalChannel struct {
	size int

	mu     sync.Mutex
	subs   map[int]chan model.SyncMessage
	nextID int
	closed bool
	logger *zap.Logger
}

func NewLocalChannel(size int) *LocalChannel {
	if size <= 0 {
		size = 16
	}
	return &LocalChannel{
		size:   size,
		subs:   make(map[int]chan model.SyncMessage),
		logger: logger.Named("sync_channel"),
	}
}

func (l *LocalChannel) Post(ctx context.Context, msg model.SyncMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("sync channel closed")
	}

	for id, ch := range l.subs {
		select {
		case ch <- msg:
		default:
			l.logger.Warn("Sync subscriber is full, message dropped",
				zap.Int("subscriber", id),
				zap.String("type", string(msg.Type)),
			)
		}
	}
	return nil
}

func (l *LocalChannel) Subscribe(ctx context.Context) (<-chan model.SyncMessage, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, fmt.Errorf("sync channel closed")
	}

	id := l.nextID
	l.nextID++
	ch := make(chan model.SyncMessage, l.size)
	l.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

func (l *LocalChannel) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	return nil
}

// AMQPChannel 跨进程广播，基于 RabbitMQ fanout 交换机
type AMQPChannel struct {
	exchange string
	size     int
	logger   *zap.Logger
}

// NewAMQPChannel 调用前需要 mq.Init 成功
func NewAMQPChannel(exchange string, size int) (*AMQPChannel, error) {
	if err := mq.DeclareFanout(exchange); err != nil {
		return nil, fmt.Errorf("failed to declare sync exchange: %w", err)
	}
	if size <= 0 {
		size = 16
	}
	return &AMQPChannel{
		exchange: exchange,
		size:     size,
		logger:   logger.Named("sync_channel_amqp"),
	}, nil
}

func (a *AMQPChannel) Post(ctx context.Context, msg model.SyncMessage) error {
	return mq.PublishMessage(ctx, a.exchange, "", msg)
}

func (a *AMQPChannel) Subscribe(ctx context.Context) (<-chan model.SyncMessage, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan model.SyncMessage, a.size)

	go func() {
		defer close(out)
		err := mq.Subscribe(subCtx, mq.SubscribeOptions{
			Exchange: a.exchange,
			Handler: func(_ context.Context, body []byte) error {
				var msg model.SyncMessage
				if err := json.Unmarshal(body, &msg); err != nil {
					return fmt.Errorf("invalid sync message: %w", err)
				}
				select {
				case out <- msg:
				case <-subCtx.Done():
				default:
					a.logger.Warn("Sync subscriber is full, message dropped",
						zap.String("type", string(msg.Type)),
					)
				}
				return nil
			},
		})
		if err != nil {
			a.logger.Error("Sync subscription ended", zap.Error(err))
		}
	}()

	return out, cancel, nil
}

func (a *AMQPChannel) Close() error {
	return nil
}
