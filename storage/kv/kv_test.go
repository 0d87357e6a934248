package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, err := Open(Options{Backend: "memory"}, nil)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("redis without factory", func(t *testing.T) {
		_, err := Open(Options{Backend: "redis"}, nil)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(Options{Backend: "leveldb"}, nil)
		assert.Error(t, err)
	})
}

func TestStores_GetSetRemove(t *testing.T) {
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer bolt.Close()

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
	ctx := context.Background()

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			v, err := s.Get(ctx, "sos_queue")
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, s.Set(ctx, "sos_queue", []byte(`[]`)))
			v, err = s.Get(ctx, "sos_queue")
			require.NoError(t, err)
			assert.Equal(t, []byte(`[]`), v)

			require.NoError(t, s.Remove(ctx, "sos_queue"))
			v, err = s.Get(ctx, "sos_queue")
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
