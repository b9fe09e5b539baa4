package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLockSaveReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	resp, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, resp)

	ok, err := s.Lock(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Lock(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "second request must not run while the first holds the key")

	require.NoError(t, s.Save(ctx, "k", Response{StatusCode: 201, Body: []byte(`{"id":"j1"}`)}))

	resp, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.StatusCode)
	assert.JSONEq(t, `{"id":"j1"}`, string(resp.Body))

	ok, err = s.Lock(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "save releases the lock")
}

func TestMemoryStoreUnlock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, _ := s.Lock(ctx, "k")
	require.True(t, ok)
	require.NoError(t, s.Unlock(ctx, "k"))

	ok, _ = s.Lock(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Save(ctx, "k", Response{StatusCode: 201}))
	now = now.Add(ResultTTL + time.Second)

	resp, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, resp)

	ok, _ := s.Lock(ctx, "held")
	require.True(t, ok)
	now = now.Add(LockTTL + time.Second)
	ok, _ = s.Lock(ctx, "held")
	assert.True(t, ok, "stale locks expire")
}
