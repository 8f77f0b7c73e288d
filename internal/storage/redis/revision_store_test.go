package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*RevisionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestPutThenGet(t *testing.T) {
	t.Parallel()

	store, mr := newStore(t)
	ctx := context.Background()

	_, found, err := store.GetRevision(ctx, "4HHB")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.PutRevision(ctx, "4HHB", "2024-02-07T00:00:00Z", time.Hour))
	rev, found, err := store.GetRevision(ctx, "4HHB")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2024-02-07T00:00:00Z", rev)

	require.Equal(t, "2024-02-07T00:00:00Z", mr.HGet(DefaultHashKey, "4HHB"))
	require.Equal(t, time.Hour, mr.TTL(DefaultHashKey))
}

func TestExpirySlidesOverWholeHash(t *testing.T) {
	t.Parallel()

	store, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutRevision(ctx, "1ABC", "2023-01-01T00:00:00Z", time.Hour))
	mr.FastForward(50 * time.Minute)
	require.NoError(t, store.PutRevision(ctx, "2ABC", "2023-01-02T00:00:00Z", time.Hour))
	mr.FastForward(50 * time.Minute)

	// The second write pushed the deadline out for both fields.
	_, found, err := store.GetRevision(ctx, "1ABC")
	require.NoError(t, err)
	require.True(t, found)

	mr.FastForward(time.Hour)
	_, found, err = store.GetRevision(ctx, "2ABC")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCustomHashKeyAndErrors(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewWithClient(client, "custom:revision")
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.PutRevision(ctx, "4HHB", "2024-01-01T00:00:00Z", 0))
	require.True(t, mr.Exists("custom:revision"))
	require.Zero(t, mr.TTL("custom:revision"))

	mr.Close()
	_, _, err := store.GetRevision(ctx, "4HHB")
	require.Error(t, err)
	require.Error(t, store.PutRevision(ctx, "4HHB", "x", time.Hour))
	require.NoError(t, store.Close())

	_, err = New(Config{})
	require.Error(t, err)
}
