package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/logger"
	"CampusSOS/pkg/snowflake"
)

const (
	defaultBufferSize = 64
	defaultSeenTTL    = 30 * time.Minute
	seenCacheSize     = 1024
	sendTimeout       = 2 * time.Second
)

// ReceiveHandler 收到其他设备的新告警时回调
type ReceiveHandler func(msg model.RelayMessage, payload model.RelayPayload)

// Options Relay 配置
type Options struct {
	DeviceID   string
	BufferSize int
	SeenTTL    time.Duration
	OnReceive  ReceiveHandler
}

// Relay 近场多跳中继。
// 出站消息先进入本地缓冲，再由 Run 中的泵协程交给传输层；不保证送达。
type Relay struct {
	transport Transport
	deviceID  string
	onReceive ReceiveHandler

	mu       sync.Mutex
	outbound []model.RelayMessage
	capacity int
	notify   chan struct{}

	// 本机已见过的告警，按幂等键去重，避免回声和转发风暴
	seen *expirable.LRU[string, struct{}]

	now    func() time.Time
	newID  func() (string, error)
	logger *zap.Logger
}

func New(transport Transport, opts Options) *Relay {
	if transport == nil {
		transport = NopTransport{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = defaultSeenTTL
	}

	return &Relay{
		transport: transport,
		deviceID:  opts.DeviceID,
		onReceive: opts.OnReceive,
		capacity:  opts.BufferSize,
		notify:    make(chan struct{}, 1),
		seen:      expirable.NewLRU[string, struct{}](seenCacheSize, nil, opts.SeenTTL),
		now:       time.Now,
		newID:     snowflake.NextString,
		logger:    logger.Named("relay"),
	}
}

// CheckSupported 设备是否支持近场中继
func (r *Relay) CheckSupported() bool {
	return r.transport.Supported()
}

// Broadcast 发起一条 sos 中继消息。
// 不支持或构造失败时返回 false，从不返回错误。
func (r *Relay) Broadcast(ctx context.Context, payload model.RelayPayload) bool {
	if !r.CheckSupported() {
		r.logger.Info("Relay broadcast skipped",
			zap.String("code", errors.RelayUnsupported.Code),
			zap.String("idempotency_key", payload.IdempotencyKey),
		)
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("Failed to encode relay payload", zap.Error(err))
		return false
	}

	id, err := r.newID()
	if err != nil {
		r.logger.Warn("Failed to generate relay message ID", zap.Error(err))
		return false
	}

	msg := model.RelayMessage{
		ID:             id,
		Kind:           model.RelayKindSOS,
		Payload:        raw,
		HopCount:       0,
		OriginatedAt:   r.now(),
		IdempotencyKey: payload.IdempotencyKey,
		OriginDevice:   r.deviceID,
	}

	r.markSeen(msg)
	r.push(msg)

	r.logger.Info("Relay broadcast queued",
		zap.String("relay_id", msg.ID),
		zap.String("idempotency_key", msg.IdempotencyKey),
	)
	return true
}

// Relay 转发一条消息：生成 hop+1 的新消息放入出站缓冲。
// 原消息已达 MaxHops 时拒绝并返回 false。
func (r *Relay) Relay(msg model.RelayMessage) bool {
	if msg.HopCount >= model.MaxHops {
		r.logger.Debug("Relay message at hop limit, not forwarding",
			zap.String("relay_id", msg.ID),
			zap.Int("hop_count", msg.HopCount),
		)
		return false
	}

	id, err := r.newID()
	if err != nil {
		r.logger.Warn("Failed to generate relay message ID", zap.Error(err))
		return false
	}

	forwarded := model.RelayMessage{
		ID:             id,
		Kind:           model.RelayKindRelay,
		Payload:        append(json.RawMessage(nil), msg.Payload...),
		HopCount:       msg.HopCount + 1,
		OriginatedAt:   msg.OriginatedAt,
		IdempotencyKey: msg.IdempotencyKey,
		OriginDevice:   msg.OriginDevice,
	}
	r.push(forwarded)
	return true
}

// ListQueued 返回尚未被传输层取走的出站消息
func (r *Relay) ListQueued() []model.RelayMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.RelayMessage, len(r.outbound))
	copy(out, r.outbound)
	return out
}

// Run 启动出站泵与入站监听，阻塞直到 ctx 结束
func (r *Relay) Run(ctx context.Context) {
	if !r.CheckSupported() {
		r.logger.Info("Short-range relay unsupported on this device")
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pump(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := r.transport.Listen(ctx, r.receive); err != nil {
			r.logger.Error("Relay listener stopped", zap.Error(err))
		}
	}()
	wg.Wait()
}

func (r *Relay) pump(ctx context.Context) {
	for {
		msg, ok := r.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.notify:
				continue
			}
		}

		r.send(ctx, msg)
	}
}

func (r *Relay) send(ctx context.Context, msg model.RelayMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("Failed to encode relay message", zap.String("relay_id", msg.ID), zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := r.transport.Send(sendCtx, frame); err != nil {
		r.logger.Warn("Relay send failed, message discarded",
			zap.String("relay_id", msg.ID),
			zap.Int("hop_count", msg.HopCount),
			zap.Error(err),
		)
		return
	}

	r.logger.Debug("Relay message sent",
		zap.String("relay_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.Int("hop_count", msg.HopCount),
	)
}

// receive 处理入站帧：去重、回调、转发
func (r *Relay) receive(frame []byte) {
	var msg model.RelayMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		r.logger.Debug("Discarding malformed relay frame", zap.Error(err))
		return
	}

	if !r.markSeen(msg) {
		return
	}

	var payload model.RelayPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		r.logger.Debug("Discarding relay message with malformed payload",
			zap.String("relay_id", msg.ID),
			zap.Error(err),
		)
		return
	}

	r.logger.Info("Relay alert received",
		zap.String("relay_id", msg.ID),
		zap.String("origin_device", msg.OriginDevice),
		zap.String("idempotency_key", msg.IdempotencyKey),
		zap.Int("hop_count", msg.HopCount),
	)

	if r.onReceive != nil {
		r.onReceive(msg, payload)
	}
	r.Relay(msg)
}

// markSeen 记录消息，首次见到返回 true
func (r *Relay) markSeen(msg model.RelayMessage) bool {
	key := msg.IdempotencyKey
	if key == "" {
		key = msg.ID
	}
	if r.seen.Contains(key) {
		return false
	}
	r.seen.Add(key, struct{}{})
	return true
}

// push 追加到出站缓冲，满了丢弃最旧的消息
func (r *Relay) push(msg model.RelayMessage) {
	r.mu.Lock()
	if len(r.outbound) >= r.capacity {
		dropped := r.outbound[0]
		r.outbound = r.outbound[1:]
		r.logger.Warn("Relay outbound buffer full, dropping oldest",
			zap.String("relay_id", dropped.ID),
		)
	}
	r.outbound = append(r.outbound, msg)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Relay) pop() (model.RelayMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.outbound) == 0 {
		return model.RelayMessage{}, false
	}
	msg := r.outbound[0]
	r.outbound = r.outbound[1:]
	return msg, true
}
