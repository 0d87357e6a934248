package service

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"CampusSOS/internal/connectivity"
	"CampusSOS/internal/dispatch"
	"CampusSOS/internal/location"
	"CampusSOS/internal/model"
	"CampusSOS/internal/relay"
	"CampusSOS/internal/worker"
	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/logger"
	"CampusSOS/pkg/snowflake"
)

// 刷新触发来源
const (
	TriggerStartup = "startup"
	TriggerOnline  = "online"
	TriggerSync    = "sync"
	TriggerRelay   = "relay"
	TriggerManual  = "manual"
)

const sourcePage = "page"

// SOSOptions SOSService 依赖
type SOSOptions struct {
	Locations  *location.Provider
	Monitor    *connectivity.Monitor
	Dispatcher *dispatch.Dispatcher

	// 以下可选
	Relay          *relay.Relay
	Prober         *connectivity.Prober
	Channel        worker.Channel
	StreamLocation bool
}

// SOSService 设备端告警代理，串联定位、连通性、重试队列与近场中继。
// 与后台协调器之间只通过 Channel 通信。
type SOSService struct {
	locations      *location.Provider
	monitor        *connectivity.Monitor
	dispatcher     *dispatch.Dispatcher
	relay          *relay.Relay
	prober         *connectivity.Prober
	channel        worker.Channel
	streamLocation bool

	// 待执行的刷新，由单个协程顺序消费
	flushes chan string

	logger *zap.Logger
}

var (
	sosService *SOSService
	sosOnce    sync.Once
)

// Init 注册全局 SOSService，只有第一次调用生效
func Init(s *SOSService) {
	sosOnce.Do(func() {
		sosService = s
	})
}

// SOS 返回全局 SOSService
func SOS() *SOSService {
	return sosService
}

func NewSOSService(opts SOSOptions) *SOSService {
	return &SOSService{
		locations:      opts.Locations,
		monitor:        opts.Monitor,
		dispatcher:     opts.Dispatcher,
		relay:          opts.Relay,
		prober:         opts.Prober,
		channel:        opts.Channel,
		streamLocation: opts.StreamLocation,
		flushes:        make(chan string, 4),
		logger:         logger.Named("sos_service"),
	}
}

// Run 启动后台协程，阻塞直到 ctx 结束
func (s *SOSService) Run(ctx context.Context) error {
	var msgs <-chan model.SyncMessage
	if s.channel != nil {
		ch, cancel, err := s.channel.Subscribe(ctx)
		if err != nil {
			return err
		}
		defer cancel()
		msgs = ch
	}

	transitions, stopWatching := s.monitor.Subscribe()
	defer stopWatching()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { s.flushLoop(ctx) })
	if s.relay != nil {
		run(func() { s.relay.Run(ctx) })
	}
	if s.prober != nil {
		run(func() { s.prober.Run(ctx) })
	}
	if s.streamLocation {
		if sub, err := s.locations.StartStream(ctx); err != nil {
			s.logger.Warn("Location stream unavailable", zap.Error(err))
		} else {
			run(func() { s.drainLocations(ctx, sub) })
		}
	}

	if s.monitor.IsOnline() {
		s.requestFlush(TriggerStartup)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case online, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			s.logger.Info("Connectivity changed", zap.Bool("online", online))
			if online {
				s.requestFlush(TriggerOnline)
			}
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if msg.Type == model.SyncMessageSyncQueue {
				s.requestFlush(TriggerSync)
			}
		}
	}
}

func (s *SOSService) requestFlush(trigger string) {
	select {
	case s.flushes <- trigger:
	default:
		// 已有足够的刷新在排队
	}
}

func (s *SOSService) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trigger := <-s.flushes:
			s.flush(ctx, trigger)
		}
	}
}

func (s *SOSService) flush(ctx context.Context, trigger string) {
	_, err := s.dispatcher.Flush(ctx, trigger)
	switch {
	case err == nil:
	case stderrors.Is(err, errors.FlushInProgress), stderrors.Is(err, errors.FlushRateLimited):
		s.logger.Debug("Queue flush skipped", zap.String("trigger", trigger), zap.Error(err))
	case ctx.Err() != nil:
	default:
		s.logger.Warn("Queue flush failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

func (s *SOSService) drainLocations(ctx context.Context, sub *location.Subscription) {
	defer sub.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		}
	}
}

// SOSRequest 一次求救请求
type SOSRequest struct {
	Kind     model.AlertKind
	Location *model.Coordinates // 为空时读取当前定位
	Accuracy *float64
	Note     string
}

// SOS 发送求救告警
func (s *SOSService) SOS(ctx context.Context, req SOSRequest) (model.Outcome, error) {
	if !req.Kind.Valid() {
		return model.Outcome{}, errors.InvalidAlertKind
	}

	var fix model.LocationFix
	if req.Location != nil {
		fix = model.LocationFix{
			Latitude:   req.Location.Latitude,
			Longitude:  req.Location.Longitude,
			Accuracy:   req.Accuracy,
			CapturedAt: time.Now(),
		}
		s.locations.Remember(fix)
	} else {
		current, err := s.locations.GetCurrentFix(ctx)
		if err != nil {
			s.logger.Warn("No location for alert", zap.String("alert_kind", string(req.Kind)), zap.Error(err))
			return model.Outcome{}, err
		}
		fix = current
	}

	return s.dispatcher.Dispatch(ctx, req.Kind, &fix, req.Note)
}

// HandleRelayed 收到附近设备的告警：放入本机队列，在线时尽快代为投递
func (s *SOSService) HandleRelayed(msg model.RelayMessage, payload model.RelayPayload) {
	if payload.DeviceID == "" {
		payload.DeviceID = msg.OriginDevice
	}
	if _, adopted := s.dispatcher.Adopt(context.Background(), payload); !adopted {
		return
	}
	if s.monitor.IsOnline() {
		s.requestFlush(TriggerRelay)
	}
}

// Flush 手动触发一次刷新
func (s *SOSService) Flush(ctx context.Context) (dispatch.FlushReport, error) {
	return s.dispatcher.Flush(ctx, TriggerManual)
}

func (s *SOSService) Queue(ctx context.Context) []model.QueuedAlert {
	return s.dispatcher.Queue(ctx)
}

// CurrentLocation 读取当前定位，失败时退回缓存
func (s *SOSService) CurrentLocation(ctx context.Context) (model.LocationFix, error) {
	return s.locations.GetCurrentFix(ctx)
}

func (s *SOSService) LastKnownLocation() (model.LocationFix, bool) {
	return s.locations.GetLastKnownFix()
}

// RelayQueued 近场中继出站缓冲
func (s *SOSService) RelayQueued() []model.RelayMessage {
	if s.relay == nil {
		return []model.RelayMessage{}
	}
	return s.relay.ListQueued()
}

func (s *SOSService) Notices(ctx context.Context) []model.FailureNotice {
	return s.dispatcher.ListNotices(ctx)
}

func (s *SOSService) AcknowledgeNotice(ctx context.Context, id string) error {
	return s.dispatcher.AcknowledgeNotice(ctx, id)
}

// SetOnline 注入平台连通性信号
func (s *SOSService) SetOnline(online bool) {
	s.monitor.SetOnline(online)
}

// PostControl 向后台协调器发送控制消息
func (s *SOSService) PostControl(ctx context.Context, typ model.SyncMessageType) error {
	if typ != model.SyncMessageSkipWaiting && typ != model.SyncMessageClearCaches {
		return errors.ValidationFailed
	}
	if s.channel == nil {
		return errors.NetworkError
	}

	id, err := snowflake.NextString()
	if err != nil {
		return err
	}
	return s.channel.Post(ctx, model.SyncMessage{
		MessageID: id,
		Type:      typ,
		Source:    sourcePage,
		SentAt:    time.Now(),
	})
}

// Status 代理运行状态
type Status struct {
	Online         bool `json:"online"`
	QueueLength    int  `json:"queue_length"`
	RelaySupported bool `json:"relay_supported"`
	PendingNotices int  `json:"pending_notices"`
}

func (s *SOSService) Status(ctx context.Context) Status {
	st := Status{
		Online:         s.monitor.IsOnline(),
		QueueLength:    len(s.dispatcher.Queue(ctx)),
		PendingNotices: len(s.dispatcher.ListNotices(ctx)),
	}
	if s.relay != nil {
		st.RelaySupported = s.relay.CheckSupported()
	}
	return st
}
