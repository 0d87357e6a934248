package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"CampusSOS/internal/backend"
	"CampusSOS/internal/model"
	"CampusSOS/internal/queue"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/logger"
	"CampusSOS/pkg/metrics"
)

const flushLimiterKey = "queue_flush"

// LocationCache 提供最近一次定位
type LocationCache interface {
	GetLastKnownFix() (model.LocationFix, bool)
}

// Connectivity 当前在线状态
type Connectivity interface {
	IsOnline() bool
}

// Broadcaster 近场中继广播
type Broadcaster interface {
	Broadcast(ctx context.Context, payload model.RelayPayload) bool
}

// FlushLock 跨进程刷新互斥
type FlushLock interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Options Dispatcher 依赖
type Options struct {
	Locations    LocationCache
	Connectivity Connectivity
	Queue        *queue.Store
	Submitter    backend.Submitter
	Notices      *NoticeStore

	// 以下可选
	Relay     Broadcaster
	FlushLock FlushLock
	FlushRate string // ulule/limiter 格式，例如 "12-M"，为空不限流
	DeviceID  string

	// OnDropped 告警因超过最大重试被丢弃时回调，每条告警只回调一次
	OnDropped func(model.FailureNotice)
}

// FlushDelivery 刷新中送达的一条告警
type FlushDelivery struct {
	QueuedID     string                     `json:"queued_id"`
	Confirmation model.DeliveryConfirmation `json:"confirmation"`
}

// FlushReport 一次刷新的结果
type FlushReport struct {
	Trigger   string                `json:"trigger"`
	Attempted int                   `json:"attempted"`
	Delivered []FlushDelivery       `json:"delivered"`
	Retried   int                   `json:"retried"`
	Dropped   []model.FailureNotice `json:"dropped"`
	Remaining int                   `json:"remaining"`
	Skipped   string                `json:"skipped,omitempty"`
}

// Dispatcher 告警投递编排：定位、提交、失败入队并尝试近场中继
type Dispatcher struct {
	locations    LocationCache
	connectivity Connectivity
	queue        *queue.Store
	submitter    backend.Submitter
	notices      *NoticeStore
	relay        Broadcaster
	flushLock    FlushLock
	flushLimiter *limiter.Limiter
	deviceID     string
	onDropped    func(model.FailureNotice)

	flushMu sync.Mutex
	logger  *zap.Logger
	now     func() time.Time
	newKey  func() string
}

func New(opts Options) (*Dispatcher, error) {
	d := &Dispatcher{
		locations:    opts.Locations,
		connectivity: opts.Connectivity,
		queue:        opts.Queue,
		submitter:    opts.Submitter,
		notices:      opts.Notices,
		relay:        opts.Relay,
		flushLock:    opts.FlushLock,
		deviceID:     opts.DeviceID,
		onDropped:    opts.OnDropped,
		logger:       logger.Named("dispatcher"),
		now:          time.Now,
		newKey:       uuid.NewString,
	}

	if opts.FlushRate != "" {
		rate, err := limiter.NewRateFromFormatted(opts.FlushRate)
		if err != nil {
			return nil, fmt.Errorf("invalid flush rate %q: %w", opts.FlushRate, err)
		}
		d.flushLimiter = limiter.New(memory.NewStore(), rate)
	}

	return d, nil
}

// Dispatch 投递一条告警。
// 返回 delivered 或 queued；只有定位不可用和终止类后端错误会返回 error。
func (d *Dispatcher) Dispatch(ctx context.Context, kind model.AlertKind, loc *model.LocationFix, note string) (model.Outcome, error) {
	if !kind.Valid() {
		return model.Outcome{}, errors.InvalidAlertKind
	}

	fix, err := d.resolveLocation(loc)
	if err != nil {
		metrics.RecordDispatch(ctx, string(kind), "failed", 0)
		return model.Outcome{}, err
	}

	key := d.newKey()
	sub := model.AlertSubmission{
		Kind:           kind,
		Location:       fix.Coordinates(),
		ExtraNote:      note,
		CapturedAt:     d.now(),
		IdempotencyKey: key,
		DeviceID:       d.deviceID,
	}

	log := logger.WithContext(ctx, d.logger)

	if !d.connectivity.IsOnline() {
		log.Info("Offline, queueing alert without network attempt",
			zap.String("alert_kind", string(kind)),
			zap.String("idempotency_key", key),
		)
		outcome := d.enqueue(ctx, sub)
		metrics.RecordDispatch(ctx, string(kind), "queued", 0)
		return outcome, nil
	}

	start := time.Now()
	confirmation, err := d.submitter.Submit(ctx, sub)
	elapsed := time.Since(start).Seconds()

	if err == nil {
		log.Info("Alert delivered",
			zap.String("alert_kind", string(kind)),
			zap.String("alert_id", confirmation.AlertID),
			zap.String("idempotency_key", key),
		)
		metrics.RecordDispatch(ctx, string(kind), "delivered", elapsed)
		return model.Outcome{
			Status:         model.OutcomeDelivered,
			Confirmation:   confirmation,
			IdempotencyKey: key,
		}, nil
	}

	if errors.IsTerminal(err) {
		log.Warn("Alert rejected by backend",
			zap.String("alert_kind", string(kind)),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		metrics.RecordDispatch(ctx, string(kind), "failed", elapsed)
		return model.Outcome{}, err
	}

	log.Warn("Alert submit failed, queueing for retry",
		zap.String("alert_kind", string(kind)),
		zap.String("idempotency_key", key),
		zap.Error(err),
	)
	outcome := d.enqueue(ctx, sub)
	metrics.RecordDispatch(ctx, string(kind), "queued", elapsed)
	return outcome, nil
}

func (d *Dispatcher) resolveLocation(loc *model.LocationFix) (model.LocationFix, error) {
	if loc != nil {
		return *loc, nil
	}
	if d.locations != nil {
		if fix, ok := d.locations.GetLastKnownFix(); ok {
			return fix, nil
		}
	}
	return model.LocationFix{}, errors.LocationUnavailable
}

// enqueue 写入重试队列，再尝试近场广播；广播结果不影响返回
func (d *Dispatcher) enqueue(ctx context.Context, sub model.AlertSubmission) model.Outcome {
	id := d.queue.Enqueue(ctx, sub)

	relayed := false
	if d.relay != nil {
		relayed = d.relay.Broadcast(ctx, model.RelayPayload{
			Kind:           sub.Kind,
			Location:       sub.Location,
			ExtraNote:      sub.ExtraNote,
			CapturedAt:     sub.CapturedAt,
			IdempotencyKey: sub.IdempotencyKey,
			DeviceID:       sub.DeviceID,
		})
		metrics.RecordRelayBroadcast(ctx, relayed)
	}

	metrics.SetQueueLength(ctx, d.queue.Len(ctx))
	return model.Outcome{
		Status:         model.OutcomeQueued,
		QueuedID:       id,
		IdempotencyKey: sub.IdempotencyKey,
		Relayed:        relayed,
	}
}

// Flush 按入队顺序逐条重试队列中的告警。
// 同一时刻只允许一个刷新；超过限流时返回 errors.FlushRateLimited。
func (d *Dispatcher) Flush(ctx context.Context, trigger string) (FlushReport, error) {
	report := FlushReport{
		Trigger:   trigger,
		Delivered: []FlushDelivery{},
		Dropped:   []model.FailureNotice{},
	}

	if !d.flushMu.TryLock() {
		report.Skipped = errors.FlushInProgress.Code
		return report, errors.FlushInProgress
	}
	defer d.flushMu.Unlock()

	if d.flushLimiter != nil {
		lctx, err := d.flushLimiter.Get(ctx, flushLimiterKey)
		if err != nil {
			d.logger.Warn("Flush limiter unavailable, continuing", zap.Error(err))
		} else if lctx.Reached {
			report.Skipped = errors.FlushRateLimited.Code
			return report, errors.FlushRateLimited
		}
	}

	if d.flushLock != nil {
		release, ok, err := d.flushLock.Acquire(ctx)
		if err != nil {
			d.logger.Warn("Flush lock unavailable, continuing with local lock only", zap.Error(err))
		} else if !ok {
			report.Skipped = errors.FlushInProgress.Code
			return report, errors.FlushInProgress
		} else {
			defer release()
		}
	}

	if !d.connectivity.IsOnline() {
		report.Skipped = "offline"
		report.Remaining = d.queue.Len(ctx)
		return report, nil
	}

	for _, alert := range d.queue.List(ctx) {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		d.retry(ctx, alert, &report)
	}

	report.Remaining = d.queue.Len(ctx)
	metrics.RecordFlushPass(ctx, trigger, len(report.Delivered), report.Retried, len(report.Dropped))
	metrics.SetQueueLength(ctx, report.Remaining)

	if report.Attempted > 0 {
		d.logger.Info("Queue flush completed",
			zap.String("trigger", trigger),
			zap.Int("attempted", report.Attempted),
			zap.Int("delivered", len(report.Delivered)),
			zap.Int("retried", report.Retried),
			zap.Int("dropped", len(report.Dropped)),
			zap.Int("remaining", report.Remaining),
		)
	}
	return report, ctx.Err()
}

func (d *Dispatcher) retry(ctx context.Context, alert model.QueuedAlert, report *FlushReport) {
	sub := alert.Submission()
	if sub.DeviceID == "" {
		sub.DeviceID = d.deviceID
	}

	confirmation, err := d.submitter.Submit(ctx, sub)
	if err == nil {
		d.queue.Remove(ctx, alert.ID)
		report.Delivered = append(report.Delivered, FlushDelivery{
			QueuedID:     alert.ID,
			Confirmation: *confirmation,
		})
		d.logger.Info("Queued alert delivered",
			zap.String("queued_id", alert.ID),
			zap.String("alert_id", confirmation.AlertID),
		)
		return
	}

	result, dropped := d.queue.Bump(ctx, alert.ID)
	switch result {
	case queue.RetryRetained:
		report.Retried++
		d.logger.Warn("Queued alert retry failed",
			zap.String("queued_id", alert.ID),
			zap.Int("retry_count", alert.RetryCount+1),
			zap.Error(err),
		)
	case queue.RetryDropped:
		report.Retried++
		notice := d.notices.Raise(ctx, dropped, err)
		report.Dropped = append(report.Dropped, notice)
		if d.onDropped != nil {
			d.onDropped(notice)
		}
	case queue.RetryMissing:
		// 并发的其他路径已经移除
	}
}

// Adopt 接收近场中继转来的其他设备告警，放入本机队列代为投递。
// 入队条目保留原告警的发起时刻和发起设备；幂等键已在队列中时不重复入队。
func (d *Dispatcher) Adopt(ctx context.Context, payload model.RelayPayload) (string, bool) {
	if !payload.Kind.Valid() || payload.IdempotencyKey == "" {
		return "", false
	}
	for _, queued := range d.queue.List(ctx) {
		if queued.IdempotencyKey == payload.IdempotencyKey {
			return queued.ID, false
		}
	}

	id := d.queue.Enqueue(ctx, model.AlertSubmission{
		Kind:           payload.Kind,
		Location:       payload.Location,
		ExtraNote:      payload.ExtraNote,
		CapturedAt:     payload.CapturedAt,
		IdempotencyKey: payload.IdempotencyKey,
		DeviceID:       payload.DeviceID,
	})
	metrics.SetQueueLength(ctx, d.queue.Len(ctx))

	d.logger.Info("Adopted relayed alert",
		zap.String("queued_id", id),
		zap.String("idempotency_key", payload.IdempotencyKey),
		zap.String("origin_device", payload.DeviceID),
		zap.Time("captured_at", payload.CapturedAt),
	)
	return id, true
}

// ListNotices 未确认的失败通知
func (d *Dispatcher) ListNotices(ctx context.Context) []model.FailureNotice {
	return d.notices.List(ctx)
}

// AcknowledgeNotice 用户确认失败通知
func (d *Dispatcher) AcknowledgeNotice(ctx context.Context, id string) error {
	return d.notices.Acknowledge(ctx, id)
}

// Queue 当前排队的告警
func (d *Dispatcher) Queue(ctx context.Context) []model.QueuedAlert {
	return d.queue.List(ctx)
}
