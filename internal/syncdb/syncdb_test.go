package syncdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
	"livemarket/internal/serial"
	"livemarket/internal/store"
)

func newLanes(t *testing.T) *serial.Executor {
	t.Helper()
	lanes := serial.New()
	t.Cleanup(func() { _ = lanes.Close(context.Background()) })
	return lanes
}

type fakeMirror struct {
	mu        sync.Mutex
	ids       []string
	activeErr error
	puts      map[string]models.EntityCache
	forgotten []string
}

func (f *fakeMirror) ActiveIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...), f.activeErr
}

func (f *fakeMirror) Put(_ context.Context, e models.EntityCache) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = make(map[string]models.EntityCache)
	}
	f.puts[e.EntityID] = e
	return true, nil
}

func (f *fakeMirror) Forget(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
	return nil
}

func (f *fakeMirror) put(id string) (models.EntityCache, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.puts[id]
	return e, ok
}

func TestReconciler_SyncOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := store.NewMemoryStore()
	s.AddEntity("p1", models.KindProduct, nil)
	now := time.Now().UTC()
	for i, amt := range []float64{150, 200, 120} {
		_, err := s.CreateBid(ctx, store.CreateBidParams{Bid: models.Bid{
			ID: string(rune('a' + i)), EntityID: "p1", Kind: models.KindProduct,
			BidderID: "u1", Amount: amt, CreatedAt: now,
		}})
		require.NoError(t, err)
	}

	mirror := &fakeMirror{ids: []string{"p1", "gone"}}
	r := NewReconciler(s, mirror, newLanes(t), time.Hour)

	require.Equal(t, 1, r.SyncOnce(ctx))
	got, ok := mirror.put("p1")
	require.True(t, ok)
	require.Equal(t, 200.0, got.HighestBidAmount)
	require.Equal(t, int64(3), got.TotalBidCount)
	require.Equal(t, []string{"gone"}, mirror.forgotten)
}

type failingLedger struct{}

func (failingLedger) RebuildEntityCache(context.Context, string) (models.EntityCache, error) {
	return models.EntityCache{}, liveerrors.ErrPersistence
}

func TestReconciler_SkipsFailures(t *testing.T) {
	t.Parallel()
	mirror := &fakeMirror{ids: []string{"p1"}}
	r := NewReconciler(failingLedger{}, mirror, newLanes(t), time.Hour)
	require.Zero(t, r.SyncOnce(context.Background()))
	_, ok := mirror.put("p1")
	require.False(t, ok)
	require.Empty(t, mirror.forgotten)

	mirror = &fakeMirror{activeErr: errors.New("redis down")}
	require.Zero(t, NewReconciler(failingLedger{}, mirror, newLanes(t), time.Hour).SyncOnce(context.Background()))
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := store.NewMemoryStore()
	s.AddEntity("p1", models.KindProduct, nil)
	mirror := &fakeMirror{ids: []string{"p1"}}
	r := NewReconciler(s, mirror, newLanes(t), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := mirror.put("p1")
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

// blockingLedger reports when a rebuild starts and holds it until released.
type blockingLedger struct {
	*store.MemoryStore
	started chan string
	release chan struct{}
}

func (l *blockingLedger) RebuildEntityCache(ctx context.Context, id string) (models.EntityCache, error) {
	l.started <- id
	<-l.release
	return l.MemoryStore.RebuildEntityCache(ctx, id)
}

func TestReconciler_RebuildHoldsEntityLane(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.AddEntity("p1", models.KindProduct, nil)
	ledger := &blockingLedger{MemoryStore: s, started: make(chan string, 1), release: make(chan struct{})}
	lanes := newLanes(t)
	mirror := &fakeMirror{ids: []string{"p1"}}
	r := NewReconciler(ledger, mirror, lanes, time.Hour)

	passed := make(chan int, 1)
	go func() { passed <- r.SyncOnce(ctx) }()
	require.Equal(t, "p1", <-ledger.started)

	// a commit on the same lane waits for the rebuild to finish
	committed := make(chan struct{})
	go func() {
		_ = lanes.Do(ctx, "p1", func() {
			_, err := s.CreateBid(ctx, store.CreateBidParams{Bid: models.Bid{
				ID: "b1", EntityID: "p1", Kind: models.KindProduct, BidderID: "u1",
				Amount: 10, CreatedAt: time.Now().UTC(),
			}})
			require.NoError(t, err)
		})
		close(committed)
	}()
	select {
	case <-committed:
		t.Fatal("commit ran while the rebuild held the lane")
	case <-time.After(20 * time.Millisecond):
	}

	close(ledger.release)
	require.Equal(t, 1, <-passed)
	<-committed

	got, ok := mirror.put("p1")
	require.True(t, ok)
	require.Zero(t, got.TotalBidCount)
	e, err := s.GetEntity(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), e.TotalBidCount)
}
