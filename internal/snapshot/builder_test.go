package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smashbros/backoffice/internal/bom"
	"github.com/smashbros/backoffice/internal/pos"
	"github.com/smashbros/backoffice/internal/shared"
	"github.com/smashbros/backoffice/internal/shift"
	"github.com/smashbros/backoffice/internal/usage"
)

type memStore struct {
	mu      sync.Mutex
	snaps   map[string]Snapshot
	runs    map[string]Run
	upserts int
}

func newMemStore() *memStore {
	return &memStore{snaps: map[string]Snapshot{}, runs: map[string]Run{}}
}

func (s *memStore) Get(_ context.Context, key string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[key]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

func (s *memStore) Upsert(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	s.snaps[snap.ShiftKey] = snap
	return nil
}

func (s *memStore) GetRun(_ context.Context, key string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[key]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

func (s *memStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ShiftKey] = run
	return nil
}

type stubSource struct {
	pages     []pos.Page
	truncated bool
	err       error
}

func (s *stubSource) Walk(_ context.Context, _ shift.Window, _ string, fn func(pos.Page) error) (pos.Summary, error) {
	var summary pos.Summary
	for _, p := range s.pages {
		summary.Pages++
		summary.Fetched += len(p.Receipts)
		if err := fn(p); err != nil {
			return summary, err
		}
	}
	if s.err != nil {
		return summary, s.err
	}
	summary.Truncated = s.truncated
	return summary, nil
}

var fixedNow = time.Date(2024, 5, 2, 4, 0, 0, 0, time.UTC)

func testWindow(t *testing.T) shift.Window {
	t.Helper()
	w, err := shift.NewCalculator("ICT", 7*time.Hour).WindowForKey("2024-05-01")
	require.NoError(t, err)
	return w
}

func samplePages(window shift.Window) []pos.Page {
	at := window.Start.Add(time.Hour)
	return []pos.Page{
		{Receipts: []pos.Receipt{
			{ID: "r1", CreatedAt: at, TotalMinor: 20000, HasTotal: true, PaymentType: "Cash",
				LineItems: []pos.LineItem{{Name: "Double Smash Burger", Quantity: 1, LineTotalMinor: 20000, HasLineTotal: true}}},
		}},
		{
			Receipts: []pos.Receipt{
				{ID: "r2", CreatedAt: at, TotalMinor: 5000, HasTotal: true, PaymentType: "Grab",
					LineItems: []pos.LineItem{{Name: "Coke", Quantity: 1, LineTotalMinor: 5000, HasLineTotal: true}}},
				{ID: "r3", CreatedAt: at, TotalMinor: 5000, HasTotal: true, Status: "REFUNDED"},
			},
			Skipped: []pos.Skipped{{Index: 2, ReceiptID: "bad", Reason: "total: not a number"}},
		},
	}
}

func newTestBuilder(t *testing.T, store Store, source ReceiptSource, locker Locker) *Builder {
	t.Helper()
	return NewBuilder(BuilderConfig{
		Store:    store,
		Source:   source,
		Resolver: bom.NewResolver(bom.DefaultCatalog()),
		Locker:   locker,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    func() time.Time { return fixedNow },
	})
}

func redisLocker(t *testing.T) (*redislock.Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redislock.New(rdb), rdb
}

func TestRebuildStoresSnapshot(t *testing.T) {
	window := testWindow(t)
	store := newMemStore()
	locker, _ := redisLocker(t)
	builder := newTestBuilder(t, store, &stubSource{pages: samplePages(window)}, locker)

	snap, err := builder.Rebuild(context.Background(), window, "")
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01", snap.ShiftKey)
	assert.Equal(t, IDForKey("2024-05-01"), snap.ID)
	assert.Equal(t, 2, snap.TotalReceipts)
	assert.Equal(t, 1, snap.ExcludedReceipts)
	assert.Equal(t, int64(25000), snap.TotalSalesMinor)
	assert.Equal(t, int64(20000), snap.PaymentBreakdown["CASH"].AmountMinor)
	assert.Equal(t, 2.0, snap.IngredientUsage["patty_grams"]/95)
	assert.Equal(t, fixedNow, snap.ComputedAt)
	assert.False(t, snap.Truncated)

	stored, err := store.Get(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, snap, stored)

	run, err := builder.Run(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, RunReady, run.Status)
}

func TestRebuildIsIdempotent(t *testing.T) {
	window := testWindow(t)
	store := newMemStore()
	locker, _ := redisLocker(t)
	builder := newTestBuilder(t, store, &stubSource{pages: samplePages(window)}, locker)

	first, err := builder.Rebuild(context.Background(), window, "")
	require.NoError(t, err)
	second, err := builder.Rebuild(context.Background(), window, "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, store.upserts)
	assert.Len(t, store.snaps, 1)
}

func TestRebuildFetchFailureKeepsPreviousSnapshot(t *testing.T) {
	window := testWindow(t)
	store := newMemStore()
	previous := Snapshot{ShiftKey: window.Key(), TotalReceipts: 7}
	store.snaps[window.Key()] = previous

	source := &stubSource{pages: samplePages(window)[:1], err: pos.ErrSourceUnavailable}
	builder := newTestBuilder(t, store, source, nil)

	_, err := builder.Rebuild(context.Background(), window, "")
	require.ErrorIs(t, err, pos.ErrSourceUnavailable)

	stored, err := store.Get(context.Background(), window.Key())
	require.NoError(t, err)
	assert.Equal(t, previous, stored)
	assert.Zero(t, store.upserts)
	assert.Equal(t, RunFailed, store.runs[window.Key()].Status)
	assert.Contains(t, store.runs[window.Key()].Error, "unavailable")
}

func TestRebuildTruncatedFetchIsMarked(t *testing.T) {
	window := testWindow(t)
	store := newMemStore()
	builder := newTestBuilder(t, store, &stubSource{pages: samplePages(window), truncated: true}, nil)

	snap, err := builder.Rebuild(context.Background(), window, "")
	require.NoError(t, err)
	assert.True(t, snap.Truncated)
}

func TestRebuildRejectedWhileLockHeld(t *testing.T) {
	window := testWindow(t)
	store := newMemStore()
	locker, _ := redisLocker(t)
	builder := newTestBuilder(t, store, &stubSource{pages: samplePages(window)}, locker)

	held, err := locker.Obtain(context.Background(), shared.SnapshotLockKey(window.Key()), time.Minute, nil)
	require.NoError(t, err)

	_, err = builder.Rebuild(context.Background(), window, "")
	require.ErrorIs(t, err, ErrConcurrentRebuild)
	assert.Zero(t, store.upserts)
	_, hasRun := store.runs[window.Key()]
	assert.False(t, hasRun)

	require.NoError(t, held.Release(context.Background()))
	_, err = builder.Rebuild(context.Background(), window, "")
	require.NoError(t, err)
}

func TestBuildAndStoreReplacesAllFields(t *testing.T) {
	window := testWindow(t)
	store := newMemStore()
	locker, _ := redisLocker(t)
	builder := newTestBuilder(t, store, &stubSource{pages: samplePages(window)}, locker)

	_, err := builder.Rebuild(context.Background(), window, "")
	require.NoError(t, err)

	empty := usage.NewAccumulator(nil, nil).Result()
	snap, err := builder.BuildAndStore(context.Background(), window, empty, false)
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), window.Key())
	require.NoError(t, err)
	assert.Equal(t, snap, stored)
	assert.Zero(t, stored.TotalReceipts)
	assert.Empty(t, stored.ItemsSold)
	assert.Empty(t, stored.PaymentBreakdown)
}

func TestBuildAndStoreLockFailureSurfaces(t *testing.T) {
	window := testWindow(t)
	builder := newTestBuilder(t, newMemStore(), &stubSource{}, failingLocker{})
	_, err := builder.BuildAndStore(context.Background(), window, usage.NewAccumulator(nil, nil).Result(), false)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConcurrentRebuild))
}

type failingLocker struct{}

func (failingLocker) Obtain(context.Context, string, time.Duration, *redislock.Options) (*redislock.Lock, error) {
	return nil, errors.New("redis down")
}

// gatedSource blocks its first walk until release is closed.
type gatedSource struct {
	stubSource
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *gatedSource) Walk(ctx context.Context, w shift.Window, storeID string, fn func(pos.Page) error) (pos.Summary, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.started)
		<-s.release
	}
	return s.stubSource.Walk(ctx, w, storeID, fn)
}

func TestRebuildLostLockDoesNotOverwrite(t *testing.T) {
	window := testWindow(t)
	store := newMemStore()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	source := &gatedSource{
		stubSource: stubSource{pages: samplePages(window)},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	builder := newTestBuilder(t, store, source, redislock.New(rdb))

	errs := make(chan error, 1)
	go func() {
		_, err := builder.Rebuild(context.Background(), window, "")
		errs <- err
	}()
	<-source.started

	mr.FastForward(DefaultLockTTL + time.Second)
	_, err := builder.Rebuild(context.Background(), window, "")
	require.NoError(t, err)
	assert.Equal(t, 1, store.upserts)

	close(source.release)
	select {
	case err = <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("stale rebuild did not return")
	}
	require.ErrorIs(t, err, ErrConcurrentRebuild)
	assert.Equal(t, 1, store.upserts)
	assert.Equal(t, RunReady, store.runs[window.Key()].Status)
}
