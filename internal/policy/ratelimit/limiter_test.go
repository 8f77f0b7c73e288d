package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterPacesPerHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 is one token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://data.rcsb.org/rest/v1/core/entry/4HHB"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://data.rcsb.org/rest/v1/core/entry/1ABC"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A different host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://files.rcsb.org/download/4HHB.cif"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://data.rcsb.org/x"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHostOverride(t *testing.T) {
	t.Parallel()

	l := New(Config{Hosts: map[string]HostLimit{"FILES.rcsb.org": {RPS: 1, Burst: 1}}})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://files.rcsb.org/a"))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(short, "https://files.rcsb.org/b"))

	require.NoError(t, l.Wait(ctx, "https://data.rcsb.org/a"))
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "data.rcsb.org", hostOf("https://Data.RCSB.org:443/x"))
	require.Equal(t, "unknown", hostOf("::not a url"))
}
