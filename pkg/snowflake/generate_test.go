package snowflake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetNode(t *testing.T) {
	t.Helper()
	mu.Lock()
	node, nodeID = nil, 0
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		node, nodeID = nil, 0
		mu.Unlock()
	})
}

func TestNextString_Unique(t *testing.T) {
	resetNode(t)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := NextString()
		require.NoError(t, err)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNextID_ConcurrentFirstUse(t *testing.T) {
	resetNode(t)

	const workers, perWorker = 16, 200
	var (
		wg     sync.WaitGroup
		seenMu sync.Mutex
		seen   = make(map[int64]struct{}, workers*perWorker)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := NextID()
				if !assert.NoError(t, err) {
					return
				}
				seenMu.Lock()
				seen[id] = struct{}{}
				seenMu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestInit(t *testing.T) {
	t.Run("configured node is used", func(t *testing.T) {
		resetNode(t)
		require.NoError(t, Init(3, 1))
		require.NoError(t, Init(3, 1))

		id, err := NextID()
		require.NoError(t, err)
		assert.EqualValues(t, 1<<5|3, (id>>12)&0x3ff)
	})

	t.Run("different node after first use is reported", func(t *testing.T) {
		resetNode(t)
		_, err := NextID()
		require.NoError(t, err)

		assert.NoError(t, Init(0, 0))
		assert.ErrorIs(t, Init(3, 1), errAlreadyInitialized)
	})

	t.Run("invalid ids leave generator uninitialized", func(t *testing.T) {
		resetNode(t)
		assert.ErrorIs(t, Init(32, 0), errInvalidMachineID)
		assert.ErrorIs(t, Init(0, -1), errInvalidDataCenterID)
		assert.NoError(t, Init(5, 2))
	})
}
