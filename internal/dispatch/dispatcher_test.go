package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CampusSOS/internal/model"
	"CampusSOS/internal/queue"
	"CampusSOS/pkg/errors"
	"CampusSOS/storage/kv"
)

type fakeLocations struct {
	fix *model.LocationFix
}

func (f fakeLocations) GetLastKnownFix() (model.LocationFix, bool) {
	if f.fix == nil {
		return model.LocationFix{}, false
	}
	return *f.fix, true
}

type fakeConnectivity struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeConnectivity) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeConnectivity) set(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// fakeSubmitter 按调用顺序返回预设错误，nil 表示成功
type fakeSubmitter struct {
	mu      sync.Mutex
	errs    []error
	calls   []model.AlertSubmission
	block   chan struct{}
	started chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub model.AlertSubmission) (*model.DeliveryConfirmation, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sub)

	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	return &model.DeliveryConfirmation{
		AlertID:     fmt.Sprintf("A-%d", len(f.calls)),
		SubmittedAt: time.Now(),
		Location:    sub.Location,
		Message:     "received",
	}, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRelay struct {
	supported bool
	payloads  []model.RelayPayload
}

func (f *fakeRelay) Broadcast(_ context.Context, payload model.RelayPayload) bool {
	if !f.supported {
		return false
	}
	f.payloads = append(f.payloads, payload)
	return true
}

type harness struct {
	dispatcher *Dispatcher
	queue      *queue.Store
	online     *fakeConnectivity
	submitter  *fakeSubmitter
	relay      *fakeRelay
	dropped    []model.FailureNotice
}

var library = model.LocationFix{Latitude: 31.0251, Longitude: 121.4337, CapturedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

func newHarness(t *testing.T, online bool, opts ...func(*Options)) *harness {
	t.Helper()

	store := kv.NewMemoryStore()
	h := &harness{
		queue:     queue.NewStore(store),
		online:    &fakeConnectivity{online: online},
		submitter: &fakeSubmitter{},
		relay:     &fakeRelay{supported: true},
	}

	fix := library
	o := Options{
		Locations:    fakeLocations{fix: &fix},
		Connectivity: h.online,
		Queue:        h.queue,
		Submitter:    h.submitter,
		Notices:      NewNoticeStore(store),
		Relay:        h.relay,
		DeviceID:     "dev-1",
		OnDropped: func(n model.FailureNotice) {
			h.dropped = append(h.dropped, n)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	d, err := New(o)
	require.NoError(t, err)
	h.dispatcher = d
	return h
}

func TestDispatch_OfflineQueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	outcome, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeQueued, outcome.Status)
	assert.False(t, outcome.Delivered())
	assert.Nil(t, outcome.Confirmation)
	assert.NotEmpty(t, outcome.QueuedID)
	assert.True(t, outcome.Relayed)
	assert.Equal(t, 1, h.queue.Len(ctx))
	assert.Zero(t, h.submitter.callCount())

	queued := h.queue.List(ctx)
	assert.Equal(t, 0, queued[0].RetryCount)
	require.Len(t, h.relay.payloads, 1)
	assert.Equal(t, queued[0].IdempotencyKey, h.relay.payloads[0].IdempotencyKey)
	assert.Equal(t, outcome.IdempotencyKey, queued[0].IdempotencyKey)
}

func TestDispatch_OnlineDelivers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	outcome, err := h.dispatcher.Dispatch(ctx, model.AlertKindFire, nil, "smoke")
	require.NoError(t, err)

	require.True(t, outcome.Delivered())
	assert.Equal(t, "A-1", outcome.Confirmation.AlertID)
	assert.Equal(t, library.Coordinates(), outcome.Confirmation.Location)
	assert.Zero(t, h.queue.Len(ctx))
	assert.Empty(t, h.relay.payloads)

	sent := h.submitter.calls[0]
	assert.Equal(t, "smoke", sent.ExtraNote)
	assert.Equal(t, "dev-1", sent.DeviceID)
	assert.Equal(t, outcome.IdempotencyKey, sent.IdempotencyKey)
}

func TestDispatch_NetworkFailureQueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.submitter.errs = []error{fmt.Errorf("%w: connection reset", errors.NetworkError)}

	outcome, err := h.dispatcher.Dispatch(ctx, model.AlertKindSecurity, &library, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeQueued, outcome.Status)
	assert.Equal(t, 1, h.queue.Len(ctx))
}

func TestDispatch_TerminalErrorsPropagate(t *testing.T) {
	for _, terminal := range []error{errors.Unauthorized, errors.AccountInactive, errors.ValidationFailed} {
		t.Run(terminal.Error(), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, true)
			h.submitter.errs = []error{fmt.Errorf("backend said no: %w", terminal)}

			_, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, terminal))
			assert.Zero(t, h.queue.Len(ctx))
			assert.Empty(t, h.relay.payloads)
		})
	}
}

func TestDispatch_LocationUnavailable(t *testing.T) {
	h := newHarness(t, true, func(o *Options) { o.Locations = fakeLocations{} })

	_, err := h.dispatcher.Dispatch(context.Background(), model.AlertKindMedical, nil, "")
	assert.True(t, stderrors.Is(err, errors.LocationUnavailable))
	assert.Zero(t, h.submitter.callCount())
}

func TestDispatch_InvalidKind(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.dispatcher.Dispatch(context.Background(), model.AlertKind("earthquake"), &library, "")
	assert.True(t, stderrors.Is(err, errors.InvalidAlertKind))
}

func TestDispatch_RelayUnsupportedDoesNotAffectOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.relay.supported = false

	outcome, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeQueued, outcome.Status)
	assert.False(t, outcome.Relayed)
	assert.Equal(t, 1, h.queue.Len(ctx))
}

func TestDispatch_StorageFailureDoesNotError(t *testing.T) {
	ctx := context.Background()
	backing := kv.NewMemoryStore()
	backing.FailWrites = true

	h := newHarness(t, false, func(o *Options) {
		o.Queue = queue.NewStore(backing)
	})

	outcome, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeQueued, outcome.Status)
}

func TestFlush_DeliversQueuedAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
	require.NoError(t, err)
	require.Equal(t, 1, h.queue.Len(ctx))

	h.online.set(true)
	report, err := h.dispatcher.Flush(ctx, "online")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Attempted)
	require.Len(t, report.Delivered, 1)
	assert.Equal(t, "A-1", report.Delivered[0].Confirmation.AlertID)
	assert.Zero(t, report.Remaining)
	assert.Zero(t, h.queue.Len(ctx))
	assert.Equal(t, 1, h.submitter.callCount())
}

func TestFlush_DropsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	_, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
	require.NoError(t, err)
	queuedID := h.queue.List(ctx)[0].ID

	h.online.set(true)
	for i := 0; i < model.MaxRetry; i++ {
		h.submitter.errs = []error{errors.NetworkError}
		report, err := h.dispatcher.Flush(ctx, "sync")
		require.NoError(t, err)
		assert.Equal(t, 1, report.Attempted)

		if i < model.MaxRetry-1 {
			assert.Equal(t, 1, h.queue.Len(ctx), "flush %d", i+1)
			assert.Empty(t, report.Dropped)
		} else {
			require.Len(t, report.Dropped, 1)
		}
	}

	assert.Zero(t, h.queue.Len(ctx))
	require.Len(t, h.dropped, 1)
	assert.Equal(t, queuedID, h.dropped[0].AlertID)
	assert.Equal(t, model.MaxRetry, h.dropped[0].RetryCount)

	// 队列已空，后续刷新不会再次报告
	report, err := h.dispatcher.Flush(ctx, "sync")
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Len(t, h.dropped, 1)

	notices := h.dispatcher.ListNotices(ctx)
	require.Len(t, notices, 1)
	require.NoError(t, h.dispatcher.AcknowledgeNotice(ctx, notices[0].ID))
	assert.Empty(t, h.dispatcher.ListNotices(ctx))
	assert.True(t, stderrors.Is(h.dispatcher.AcknowledgeNotice(ctx, notices[0].ID), errors.NoticeNotFound))
}

func TestFlush_InsertionOrderAndTerminalErrorsCountAsRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	for _, kind := range []model.AlertKind{model.AlertKindMedical, model.AlertKindFire, model.AlertKindAccident} {
		_, err := h.dispatcher.Dispatch(ctx, kind, &library, "")
		require.NoError(t, err)
	}

	h.online.set(true)
	h.submitter.errs = []error{nil, errors.Unauthorized, nil}
	report, err := h.dispatcher.Flush(ctx, "online")
	require.NoError(t, err)

	require.Len(t, h.submitter.calls, 3)
	assert.Equal(t, model.AlertKindMedical, h.submitter.calls[0].Kind)
	assert.Equal(t, model.AlertKindFire, h.submitter.calls[1].Kind)
	assert.Equal(t, model.AlertKindAccident, h.submitter.calls[2].Kind)

	assert.Len(t, report.Delivered, 2)
	assert.Equal(t, 1, report.Retried)

	remaining := h.queue.List(ctx)
	require.Len(t, remaining, 1)
	assert.Equal(t, model.AlertKindFire, remaining[0].Kind)
	assert.Equal(t, 1, remaining[0].RetryCount)
}

func TestFlush_SkippedWhileOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	_, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
	require.NoError(t, err)

	report, err := h.dispatcher.Flush(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, "offline", report.Skipped)
	assert.Equal(t, 1, report.Remaining)
	assert.Equal(t, 0, h.queue.List(ctx)[0].RetryCount)
}

func TestFlush_OverlappingPassIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	_, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
	require.NoError(t, err)

	h.online.set(true)
	h.submitter.block = make(chan struct{})
	h.submitter.started = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.dispatcher.Flush(ctx, "online")
	}()
	<-h.submitter.started

	report, err := h.dispatcher.Flush(ctx, "sync")
	assert.True(t, stderrors.Is(err, errors.FlushInProgress))
	assert.Equal(t, errors.FlushInProgress.Code, report.Skipped)

	close(h.submitter.block)
	<-done
	assert.Zero(t, h.queue.Len(ctx))
	assert.Equal(t, 1, h.submitter.callCount())
}

func TestFlush_RateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, func(o *Options) { o.FlushRate = "2-M" })

	for i := 0; i < 2; i++ {
		_, err := h.dispatcher.Flush(ctx, "online")
		require.NoError(t, err)
	}

	report, err := h.dispatcher.Flush(ctx, "online")
	assert.True(t, stderrors.Is(err, errors.FlushRateLimited))
	assert.Equal(t, errors.FlushRateLimited.Code, report.Skipped)
}

func TestNew_InvalidFlushRate(t *testing.T) {
	_, err := New(Options{FlushRate: "lots"})
	assert.Error(t, err)
}

func TestAdopt_QueuesRelayedAlertOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	payload := model.RelayPayload{
		Kind:           model.AlertKindAccident,
		Location:       library.Coordinates(),
		CapturedAt:     library.CapturedAt,
		IdempotencyKey: "neighbour-key",
	}

	id, ok := h.dispatcher.Adopt(ctx, payload)
	require.True(t, ok)
	require.NotEmpty(t, id)

	again, ok := h.dispatcher.Adopt(ctx, payload)
	assert.False(t, ok)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, h.queue.Len(ctx))
	assert.Empty(t, h.relay.payloads, "adopted alerts are not re-broadcast")

	_, ok = h.dispatcher.Adopt(ctx, model.RelayPayload{Kind: "unknown", IdempotencyKey: "x"})
	assert.False(t, ok)

	h.online.set(true)
	report, err := h.dispatcher.Flush(ctx, "test")
	require.NoError(t, err)
	require.Len(t, report.Delivered, 1)
	assert.Equal(t, "neighbour-key", h.submitter.calls[0].IdempotencyKey)
}

func TestAdopt_PreservesCaptureTimeAndOrigin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	captured := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_, ok := h.dispatcher.Adopt(ctx, model.RelayPayload{
		Kind:           model.AlertKindSecurity,
		Location:       library.Coordinates(),
		CapturedAt:     captured,
		IdempotencyKey: "from-phone-a",
		DeviceID:       "phone-a",
	})
	require.True(t, ok)

	queued := h.queue.List(ctx)
	require.Len(t, queued, 1)
	assert.Equal(t, captured, queued[0].CreatedAt)
	assert.Equal(t, "phone-a", queued[0].OriginDevice)

	h.online.set(true)
	report, err := h.dispatcher.Flush(ctx, "relay")
	require.NoError(t, err)
	require.Len(t, report.Delivered, 1)

	require.Len(t, h.submitter.calls, 1)
	sub := h.submitter.calls[0]
	assert.True(t, captured.Equal(sub.CapturedAt), "captured_at = %s", sub.CapturedAt)
	assert.Equal(t, "phone-a", sub.DeviceID)
	assert.Equal(t, "from-phone-a", sub.IdempotencyKey)
}

func TestFlush_QueuedOwnAlertKeepsDispatchTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	dispatchedAt := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	h.dispatcher.now = func() time.Time { return dispatchedAt }

	_, err := h.dispatcher.Dispatch(ctx, model.AlertKindMedical, &library, "")
	require.NoError(t, err)
	require.Len(t, h.relay.payloads, 1)
	assert.Equal(t, "dev-1", h.relay.payloads[0].DeviceID)

	h.dispatcher.now = time.Now
	h.online.set(true)
	_, err = h.dispatcher.Flush(ctx, "online")
	require.NoError(t, err)

	require.Len(t, h.submitter.calls, 1)
	assert.True(t, dispatchedAt.Equal(h.submitter.calls[0].CapturedAt))
	assert.Equal(t, "dev-1", h.submitter.calls[0].DeviceID)
}
