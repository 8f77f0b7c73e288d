package revision

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/storage/memory"
)

type failingCursorStore struct{ err error }

func (s failingCursorStore) LoadCursor(context.Context, string) (string, error) { return "", s.err }
func (s failingCursorStore) SaveCursor(context.Context, string, string) error  { return s.err }

type failingRevisionStore struct{ err error }

func (s failingRevisionStore) GetRevision(context.Context, string) (string, bool, error) {
	return "", false, s.err
}

func (s failingRevisionStore) PutRevision(context.Context, string, string, time.Duration) error {
	return s.err
}

type recordingRevisionStore struct {
	*memory.RevisionStore
	mu   sync.Mutex
	ttls []time.Duration
}

func (s *recordingRevisionStore) PutRevision(ctx context.Context, id, rev string, ttl time.Duration) error {
	s.mu.Lock()
	s.ttls = append(s.ttls, ttl)
	s.mu.Unlock()
	return s.RevisionStore.PutRevision(ctx, id, rev, ttl)
}

func newCursor(t *testing.T, cursors crawler.CursorStore, revisions crawler.RevisionStore, overlap time.Duration) *Cursor {
	t.Helper()
	return New(cursors, revisions, Config{Overlap: overlap}, zap.NewNop())
}

func TestLoadComputesIncrementStartWithOverlap(t *testing.T) {
	t.Parallel()

	cursors := memory.NewCursorStore()
	require.NoError(t, cursors.SaveCursor(context.Background(), DefaultDocID, "2024-01-10T12:30:45.123456Z"))

	c := newCursor(t, cursors, nil, 24*time.Hour)
	require.NoError(t, c.Load(context.Background()))
	require.Equal(t, "2024-01-10T12:30:45Z", c.LastPersisted())
	require.Equal(t, "2024-01-09T12:30:45Z", c.IncrementStart())
}

func TestLoadWithoutDocumentLeavesStartEmpty(t *testing.T) {
	t.Parallel()

	c := newCursor(t, memory.NewCursorStore(), nil, time.Hour)
	require.NoError(t, c.Load(context.Background()))
	require.Empty(t, c.IncrementStart())
	require.Empty(t, c.LastPersisted())
}

func TestLoadMalformedCursorIsEmpty(t *testing.T) {
	t.Parallel()

	cursors := memory.NewCursorStore()
	require.NoError(t, cursors.SaveCursor(context.Background(), DefaultDocID, "yesterday"))
	c := newCursor(t, cursors, nil, 0)
	require.NoError(t, c.Load(context.Background()))
	require.Empty(t, c.IncrementStart())
}

func TestLoadPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	c := newCursor(t, failingCursorStore{err: errors.New("mongo down")}, nil, 0)
	err := c.Load(context.Background())
	require.ErrorContains(t, err, "mongo down")
}

func TestUpdateRunMaxIsOrderIndependent(t *testing.T) {
	t.Parallel()

	revs := []string{
		"2024-01-03T00:00:00Z",
		"2024-02-01T08:00:00+0000",
		"not-a-date",
		"",
		"2023-12-31T23:59:59Z",
		"2024-01-15",
	}
	want := "2024-02-01T08:00:00Z"

	for trial := 0; trial < 20; trial++ {
		shuffled := append([]string(nil), revs...)
		rand.New(rand.NewSource(int64(trial))).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		c := newCursor(t, nil, nil, 0)
		var wg sync.WaitGroup
		for _, r := range shuffled {
			wg.Add(1)
			go func(rev string) {
				defer wg.Done()
				c.UpdateRunMax(rev)
			}(r)
		}
		wg.Wait()
		require.Equal(t, want, c.RunMax())
	}
}

func TestUpdateRunMaxIgnoresMalformed(t *testing.T) {
	t.Parallel()

	c := newCursor(t, nil, nil, 0)
	c.UpdateRunMax("garbage")
	require.Empty(t, c.RunMax())
}

func TestIsDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	revisions := memory.NewRevisionStore(nil)
	require.NoError(t, revisions.PutRevision(ctx, "4HHB", "2024-01-10T00:00:00Z", time.Hour))
	require.NoError(t, revisions.PutRevision(ctx, "9BAD", "??", time.Hour))
	c := newCursor(t, nil, revisions, 0)

	cases := []struct {
		name      string
		id        string
		candidate string
		want      bool
	}{
		{"empty candidate", "4HHB", "", false},
		{"malformed candidate", "4HHB", "soon", false},
		{"absent id", "1ABC", "2024-01-10T00:00:00Z", false},
		{"malformed stored", "9BAD", "2024-01-10T00:00:00Z", false},
		{"equal", "4HHB", "2024-01-10T00:00:00+0000", true},
		{"older", "4HHB", "2023-06-01T00:00:00Z", true},
		{"newer", "4HHB", "2024-01-10T00:00:01Z", false},
	}
	for _, tc := range cases {
		got, err := c.IsDuplicate(ctx, tc.id, tc.candidate)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestIsDuplicateMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	revisions := memory.NewRevisionStore(nil)
	require.NoError(t, revisions.PutRevision(ctx, "4HHB", "2024-03-01T00:00:00Z", time.Hour))
	c := newCursor(t, nil, revisions, 0)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for offset := -72; offset <= 72; offset += 6 {
		r1 := Format(base.Add(time.Duration(offset) * time.Hour))
		dup1, err := c.IsDuplicate(ctx, "4HHB", r1)
		require.NoError(t, err)
		if !dup1 {
			continue
		}
		for back := 0; back <= 48; back += 12 {
			r2 := Format(base.Add(time.Duration(offset-back) * time.Hour))
			dup2, err := c.IsDuplicate(ctx, "4HHB", r2)
			require.NoError(t, err)
			require.True(t, dup2, "r1=%s r2=%s", r1, r2)
		}
	}
}

func TestIsDuplicateStoreError(t *testing.T) {
	t.Parallel()

	c := newCursor(t, nil, failingRevisionStore{err: errors.New("redis down")}, 0)
	dup, err := c.IsDuplicate(context.Background(), "4HHB", "2024-01-01T00:00:00Z")
	require.Error(t, err)
	require.False(t, dup)
}

func TestPersistPerIdentifierUsesTTL(t *testing.T) {
	t.Parallel()

	store := &recordingRevisionStore{RevisionStore: memory.NewRevisionStore(nil)}
	c := New(nil, store, Config{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.PersistPerIdentifier(ctx, "4HHB", "2024-01-10T00:00:00.000+00:00"))
	require.NoError(t, c.PersistPerIdentifier(ctx, "1ABC", "bogus"))

	rev, ok, err := store.GetRevision(ctx, "4HHB")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2024-01-10T00:00:00Z", rev)
	_, ok, _ = store.GetRevision(ctx, "1ABC")
	require.False(t, ok)
	require.Equal(t, []time.Duration{DefaultTTL}, store.ttls)
}

func TestFlushWritesRunMaxOnlyWhenSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cursors := memory.NewCursorStore()
	c := newCursor(t, cursors, nil, 0)

	require.NoError(t, c.Flush(ctx))
	_, err := cursors.LoadCursor(ctx, DefaultDocID)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	c.UpdateRunMax("2024-05-01T10:00:00Z")
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Flush(ctx))
	got, err := cursors.LoadCursor(ctx, DefaultDocID)
	require.NoError(t, err)
	require.Equal(t, "2024-05-01T10:00:00Z", got)
}

func TestNoOpRerunReprocessesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cursors := memory.NewCursorStore()
	revisions := memory.NewRevisionStore(nil)
	entries := map[string]string{
		"1ABC": "2024-01-01T00:00:00Z",
		"2DEF": "2024-01-05T00:00:00Z",
		"3GHI": "2024-01-09T00:00:00Z",
		"4JKL": "2024-01-01T00:00:00.500Z",
		"5MNO": "2024-01-02T03:04:05.123456+0000",
	}

	first := newCursor(t, cursors, revisions, 0)
	require.NoError(t, first.Load(ctx))
	for id, rev := range entries {
		dup, err := first.IsDuplicate(ctx, id, rev)
		require.NoError(t, err)
		require.False(t, dup)
		first.UpdateRunMax(rev)
		require.NoError(t, first.PersistPerIdentifier(ctx, id, rev))
	}
	require.NoError(t, first.Flush(ctx))

	second := newCursor(t, cursors, revisions, 0)
	require.NoError(t, second.Load(ctx))
	require.Equal(t, "2024-01-09T00:00:00Z", second.IncrementStart())
	for id, rev := range entries {
		dup, err := second.IsDuplicate(ctx, id, rev)
		require.NoError(t, err)
		require.True(t, dup, id)
	}
}

func TestParseLayouts(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"2024-01-10T00:00:00Z",
		"2024-01-10T00:00:00+0000",
		"2024-01-10T00:00:00.000+0000",
		"2024-01-10T00:00:00.000000+00:00",
		"2024-01-10T00:00:00",
		"2024-01-10",
	} {
		ts, ok := Parse(raw)
		require.True(t, ok, raw)
		require.Equal(t, "2024-01-10T00:00:00Z", Format(ts), raw)
	}
	_, ok := Parse("10/01/2024")
	require.False(t, ok)
}

func TestFormatPreciseKeepsFractions(t *testing.T) {
	t.Parallel()

	ts, ok := Parse("2024-01-01T00:00:00.500Z")
	require.True(t, ok)
	require.Equal(t, "2024-01-01T00:00:00.5Z", FormatPrecise(ts))
	require.Equal(t, "2024-01-01T00:00:00Z", Format(ts))

	whole, ok := Parse("2024-01-10T00:00:00+0000")
	require.True(t, ok)
	require.Equal(t, Format(whole), FormatPrecise(whole))
}
