package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CampusSOS/internal/backend"
	"CampusSOS/internal/connectivity"
	"CampusSOS/internal/dispatch"
	"CampusSOS/internal/location"
	"CampusSOS/internal/model"
	"CampusSOS/internal/queue"
	"CampusSOS/internal/relay"
	"CampusSOS/internal/worker"
	"CampusSOS/pkg/errors"
	"CampusSOS/storage/kv"
)

type recordingBackend struct {
	mu    sync.Mutex
	calls []model.AlertSubmission
	down  bool
}

func (r *recordingBackend) submit(_ context.Context, sub model.AlertSubmission) (*model.DeliveryConfirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, fmt.Errorf("%w: connection refused", errors.NetworkError)
	}
	r.calls = append(r.calls, sub)
	return &model.DeliveryConfirmation{
		AlertID:     fmt.Sprintf("A-%d", len(r.calls)),
		SubmittedAt: time.Now(),
		Location:    sub.Location,
	}, nil
}

func (r *recordingBackend) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type agent struct {
	svc     *SOSService
	monitor *connectivity.Monitor
	queue   *queue.Store
	backend *recordingBackend
	channel *worker.LocalChannel
}

func newAgent(t *testing.T, online bool, source location.Source) *agent {
	t.Helper()

	store := kv.NewMemoryStore()
	a := &agent{
		monitor: connectivity.NewMonitor(online),
		queue:   queue.NewStore(store),
		backend: &recordingBackend{},
		channel: worker.NewLocalChannel(4),
	}
	provider := location.NewProvider(source, location.WithTimeout(100*time.Millisecond))

	d, err := dispatch.New(dispatch.Options{
		Locations:    provider,
		Connectivity: a.monitor,
		Queue:        a.queue,
		Submitter:    backend.SubmitterFunc(a.backend.submit),
		Notices:      dispatch.NewNoticeStore(store),
		Relay:        relay.New(relay.NopTransport{}, relay.Options{DeviceID: "dev-1"}),
		DeviceID:     "dev-1",
	})
	require.NoError(t, err)

	a.svc = NewSOSService(SOSOptions{
		Locations:  provider,
		Monitor:    a.monitor,
		Dispatcher: d,
		Channel:    a.channel,
	})
	return a
}

func (a *agent) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.svc.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("service did not stop")
		}
	}
}

var gate = model.Coordinates{Latitude: 31.0262, Longitude: 121.4290}

func TestSOS_UsesProvidedCoordinates(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t, true, nil)

	outcome, err := a.svc.SOS(ctx, SOSRequest{Kind: model.AlertKindMedical, Location: &gate, Note: "fainted"})
	require.NoError(t, err)
	require.True(t, outcome.Delivered())
	assert.Equal(t, gate, outcome.Confirmation.Location)

	fix, ok := a.svc.LastKnownLocation()
	require.True(t, ok)
	assert.Equal(t, gate, fix.Coordinates())
}

func TestSOS_ReadsCurrentLocation(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t, true, location.FixedSource{Latitude: 31.03, Longitude: 121.44})

	outcome, err := a.svc.SOS(ctx, SOSRequest{Kind: model.AlertKindFire})
	require.NoError(t, err)
	assert.Equal(t, model.Coordinates{Latitude: 31.03, Longitude: 121.44}, outcome.Confirmation.Location)
}

func TestSOS_LocationUnavailable(t *testing.T) {
	a := newAgent(t, true, nil)

	_, err := a.svc.SOS(context.Background(), SOSRequest{Kind: model.AlertKindFire})
	assert.ErrorIs(t, err, errors.LocationUnavailable)
	assert.Zero(t, a.backend.count())
}

func TestSOS_InvalidKind(t *testing.T) {
	a := newAgent(t, true, nil)

	_, err := a.svc.SOS(context.Background(), SOSRequest{Kind: "prank", Location: &gate})
	assert.ErrorIs(t, err, errors.InvalidAlertKind)
}

func TestRun_FlushesWhenConnectivityReturns(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t, false, nil)
	stop := a.start(t)
	defer stop()

	outcome, err := a.svc.SOS(ctx, SOSRequest{Kind: model.AlertKindSecurity, Location: &gate})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeQueued, outcome.Status)

	a.svc.SetOnline(true)

	require.Eventually(t, func() bool { return a.queue.Len(ctx) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, a.backend.count())
	assert.Equal(t, outcome.IdempotencyKey, a.backend.calls[0].IdempotencyKey)
}

func TestRun_FlushesOnSyncMessage(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t, true, nil)

	// 在线但后端不可达，告警入队
	a.backend.down = true
	outcome, err := a.svc.SOS(ctx, SOSRequest{Kind: model.AlertKindAccident, Location: &gate})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeQueued, outcome.Status)

	a.backend.mu.Lock()
	a.backend.down = false
	a.backend.mu.Unlock()

	stop := a.start(t)
	defer stop()

	require.Eventually(t, func() bool {
		_ = a.channel.Post(ctx, model.SyncMessage{Type: model.SyncMessageSyncQueue, Source: "worker"})
		return a.queue.Len(ctx) == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, a.backend.count())
}

func TestHandleRelayed_DeliversOnBehalfOfNeighbour(t *testing.T) {
	a := newAgent(t, true, nil)
	stop := a.start(t)
	defer stop()

	captured := time.Now().Add(-3 * time.Minute).UTC()
	payload := model.RelayPayload{
		Kind:           model.AlertKindHarassment,
		Location:       gate,
		CapturedAt:     captured,
		IdempotencyKey: "neighbour-key",
	}
	a.svc.HandleRelayed(model.RelayMessage{ID: "r1", Kind: model.RelayKindSOS, HopCount: 1, OriginDevice: "neighbour"}, payload)

	require.Eventually(t, func() bool { return a.backend.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "neighbour-key", a.backend.calls[0].IdempotencyKey)
	assert.Equal(t, "neighbour", a.backend.calls[0].DeviceID)
	assert.True(t, captured.Equal(a.backend.calls[0].CapturedAt))
}

func TestPostControl(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t, true, nil)

	sub, cancel, err := a.channel.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.svc.PostControl(ctx, model.SyncMessageSkipWaiting))
	msg := <-sub
	assert.Equal(t, model.SyncMessageSkipWaiting, msg.Type)
	assert.Equal(t, sourcePage, msg.Source)

	assert.ErrorIs(t, a.svc.PostControl(ctx, model.SyncMessageSyncQueue), errors.ValidationFailed)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t, false, nil)

	_, err := a.svc.SOS(ctx, SOSRequest{Kind: model.AlertKindOther, Location: &gate})
	require.NoError(t, err)

	st := a.svc.Status(ctx)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.QueueLength)
	assert.False(t, st.RelaySupported)
	assert.Empty(t, a.svc.RelayQueued())
}
