package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, time.Now().UTC().Add(time.Second))
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 2, 7, 10, 0, 0, 0, time.FixedZone("EST", -5*3600))
	clk := Fixed{At: at}
	require.Equal(t, time.UTC, clk.Now().Location())
	require.True(t, clk.Now().Equal(at))
	require.Equal(t, clk.Now(), clk.Now())
}
