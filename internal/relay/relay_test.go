package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CampusSOS/internal/model"
)

type fakeTransport struct {
	supported bool

	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed bool
}

func newFakeTransport(supported bool) *fakeTransport {
	return &fakeTransport{supported: supported, inbox: make(chan []byte, 8)}
}

func (f *fakeTransport) Supported() bool { return f.supported }

func (f *fakeTransport) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Listen(ctx context.Context, handle func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-f.inbox:
			handle(frame)
		}
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentMessages(t *testing.T) []model.RelayMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]model.RelayMessage, 0, len(f.sent))
	for _, frame := range f.sent {
		var msg model.RelayMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		out = append(out, msg)
	}
	return out
}

func newTestRelay(transport Transport, opts Options) *Relay {
	r := New(transport, opts)
	seq := 0
	var mu sync.Mutex
	r.newID = func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("relay-%d", seq), nil
	}
	return r
}

func testPayload(key string) model.RelayPayload {
	return model.RelayPayload{
		Kind:           model.AlertKindMedical,
		Location:       model.Coordinates{Latitude: 31.2, Longitude: 121.4},
		IdempotencyKey: key,
	}
}

func TestRelay_BroadcastUnsupported(t *testing.T) {
	r := newTestRelay(NopTransport{}, Options{DeviceID: "dev-a"})

	assert.False(t, r.CheckSupported())
	assert.NotPanics(t, func() {
		assert.False(t, r.Broadcast(context.Background(), testPayload("k1")))
	})
	assert.Empty(t, r.ListQueued())
}

func TestRelay_BroadcastQueuesSOSMessage(t *testing.T) {
	r := newTestRelay(newFakeTransport(true), Options{DeviceID: "dev-a"})

	require.True(t, r.Broadcast(context.Background(), testPayload("k1")))

	queued := r.ListQueued()
	require.Len(t, queued, 1)
	assert.Equal(t, model.RelayKindSOS, queued[0].Kind)
	assert.Equal(t, 0, queued[0].HopCount)
	assert.Equal(t, "k1", queued[0].IdempotencyKey)
	assert.Equal(t, "dev-a", queued[0].OriginDevice)

	var payload model.RelayPayload
	require.NoError(t, json.Unmarshal(queued[0].Payload, &payload))
	assert.Equal(t, model.AlertKindMedical, payload.Kind)
}

func TestRelay_HopLimit(t *testing.T) {
	tests := []struct {
		name     string
		hopCount int
		want     bool
	}{
		{name: "origin message", hopCount: 0, want: true},
		{name: "one below limit", hopCount: model.MaxHops - 1, want: true},
		{name: "at limit", hopCount: model.MaxHops, want: false},
		{name: "beyond limit", hopCount: model.MaxHops + 2, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRelay(newFakeTransport(true), Options{})
			msg := model.RelayMessage{ID: "m", Kind: model.RelayKindSOS, HopCount: tt.hopCount, IdempotencyKey: "k"}

			assert.Equal(t, tt.want, r.Relay(msg))

			queued := r.ListQueued()
			if !tt.want {
				assert.Empty(t, queued)
				return
			}
			require.Len(t, queued, 1)
			assert.Equal(t, tt.hopCount+1, queued[0].HopCount)
			assert.LessOrEqual(t, queued[0].HopCount, model.MaxHops)
			assert.Equal(t, model.RelayKindRelay, queued[0].Kind)
			assert.NotEqual(t, msg.ID, queued[0].ID)
			assert.Equal(t, "k", queued[0].IdempotencyKey)
		})
	}
}

func TestRelay_ForwardChainNeverExceedsMaxHops(t *testing.T) {
	r := newTestRelay(newFakeTransport(true), Options{BufferSize: 16})
	msg := model.RelayMessage{ID: "origin", Kind: model.RelayKindSOS}

	forwards := 0
	for r.Relay(msg) {
		queued := r.ListQueued()
		msg = queued[len(queued)-1]
		require.LessOrEqual(t, msg.HopCount, model.MaxHops)
		forwards++
	}

	assert.Equal(t, model.MaxHops, forwards)
	assert.Equal(t, model.MaxHops, msg.HopCount)
}

func TestRelay_OutboundBufferDropsOldest(t *testing.T) {
	r := newTestRelay(newFakeTransport(true), Options{BufferSize: 2})

	for i := 0; i < 3; i++ {
		require.True(t, r.Broadcast(context.Background(), testPayload(fmt.Sprintf("k%d", i))))
	}

	queued := r.ListQueued()
	require.Len(t, queued, 2)
	assert.Equal(t, "k1", queued[0].IdempotencyKey)
	assert.Equal(t, "k2", queued[1].IdempotencyKey)
}

func TestRelay_RunPumpsAndForwardsInbound(t *testing.T) {
	transport := newFakeTransport(true)

	var mu sync.Mutex
	var received []model.RelayPayload
	r := newTestRelay(transport, Options{
		DeviceID: "dev-b",
		OnReceive: func(_ model.RelayMessage, payload model.RelayPayload) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, payload)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	raw, err := json.Marshal(testPayload("remote-1"))
	require.NoError(t, err)
	frame, err := json.Marshal(model.RelayMessage{
		ID:             "remote-msg",
		Kind:           model.RelayKindSOS,
		Payload:        raw,
		HopCount:       1,
		IdempotencyKey: "remote-1",
		OriginDevice:   "dev-a",
	})
	require.NoError(t, err)

	// 重复帧只处理一次
	transport.inbox <- frame
	transport.inbox <- frame

	require.Eventually(t, func() bool {
		return len(transport.sentMessages(t)) == 1
	}, time.Second, 5*time.Millisecond)

	sent := transport.sentMessages(t)
	assert.Equal(t, 2, sent[0].HopCount)
	assert.Equal(t, model.RelayKindRelay, sent[0].Kind)
	assert.Equal(t, "remote-1", sent[0].IdempotencyKey)
	assert.Empty(t, r.ListQueued())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "remote-1", received[0].IdempotencyKey)
}

func TestRelay_OwnBroadcastEchoIgnored(t *testing.T) {
	r := newTestRelay(newFakeTransport(true), Options{DeviceID: "dev-a"})
	require.True(t, r.Broadcast(context.Background(), testPayload("k-own")))

	queued := r.ListQueued()
	frame, err := json.Marshal(queued[0])
	require.NoError(t, err)

	r.receive(frame)
	assert.Len(t, r.ListQueued(), 1)
}
