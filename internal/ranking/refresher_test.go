package ranking

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/glamstock/glamstock/internal/jobs"
	"github.com/glamstock/glamstock/internal/stock"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type gatedSource struct {
	inner LedgerSource
	gate  chan struct{}
	calls atomic.Int64
}

func (g *gatedSource) Snapshot(ctx context.Context) (stock.Snapshot, error) {
	g.calls.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return stock.Snapshot{}, ctx.Err()
	}
	return g.inner.Snapshot(ctx)
}

type countingEnqueuer struct {
	calls atomic.Int64
}

func (c *countingEnqueuer) EnqueueRankingRefresh(context.Context) error {
	c.calls.Add(1)
	return nil
}

type harness struct {
	repo      *stock.MemoryRepository
	policy    *stock.SalePolicy
	refresher *Refresher
	cache     *Cache
	locker    *redislock.Client
}

func newHarness(t *testing.T, source func(*stock.MemoryRepository) LedgerSource, cfg Config) harness {
	t.Helper()
	_, client := newTestRedis(t)
	repo := stock.NewMemoryRepository()
	cache := NewCache(client, time.Minute)
	locker := redislock.New(client)
	cfg.Logger = quiet
	cfg.Metrics = jobmetrics.NewMetrics(prometheus.NewRegistry())
	cfg.Locker = locker
	var src LedgerSource = repo
	if source != nil {
		src = source(repo)
	}
	refresher := NewRefresher(src, StaticCosts{7: decimal.NewFromInt(4)}, cache, cfg)
	t.Cleanup(refresher.Close)
	coord := stock.NewCoordinator(repo, stock.CoordinatorConfig{Logger: quiet, Refresh: refresher})
	return harness{repo: repo, policy: stock.NewSalePolicy(coord), refresher: refresher, cache: cache, locker: locker}
}

func (h harness) sell(t *testing.T, qty int64) {
	t.Helper()
	price := decimal.NewFromInt(10)
	_, err := h.policy.Sell(context.Background(), stock.SaleRequest{
		Key: stock.Key{VariantID: 7, BranchID: 1}, Quantity: qty, UnitPrice: &price, ActorID: 1,
	})
	require.NoError(t, err)
}

func TestCommitTriggersRefresh(t *testing.T) {
	h := newHarness(t, nil, Config{})
	_, err := h.repo.CreateAccount(context.Background(), stock.Key{VariantID: 7, BranchID: 1}, 10)
	require.NoError(t, err)

	h.sell(t, 3)

	require.Eventually(t, func() bool {
		snap, ok, err := h.cache.Load(context.Background())
		return err == nil && ok && len(snap.MostSold) == 1 && snap.MostSold[0].UnitsSold == 3
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := h.refresher.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(18).Equal(snap.MostSold[0].Margin))
}

func TestRefreshWithoutMutationsIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	_, err := h.repo.CreateAccount(ctx, stock.Key{VariantID: 7, BranchID: 1}, 10)
	require.NoError(t, err)
	h.sell(t, 2)

	first, err := h.refresher.Refresh(ctx)
	require.NoError(t, err)
	second, err := h.refresher.Refresh(ctx)
	require.NoError(t, err)

	first.GeneratedAt, second.GeneratedAt = time.Time{}, time.Time{}
	require.Equal(t, first, second)
}

func TestRefreshSkipsWhenLockHeldElsewhere(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	lock, err := h.locker.Obtain(ctx, lockKey, time.Minute, nil)
	require.NoError(t, err)

	_, err = h.refresher.Refresh(ctx)
	require.ErrorIs(t, err, ErrBusy)
	ver, err := h.cache.Version(ctx)
	require.NoError(t, err)
	require.Zero(t, ver)

	require.NoError(t, lock.Release(ctx))
	_, err = h.refresher.Refresh(ctx)
	require.NoError(t, err)
}

func TestTriggersCoalesceWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	var source *gatedSource
	h := newHarness(t, func(repo *stock.MemoryRepository) LedgerSource {
		source = &gatedSource{inner: repo, gate: gate}
		return source
	}, Config{})

	h.refresher.Trigger()
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		h.refresher.Trigger()
	}
	close(gate)

	require.Eventually(t, func() bool {
		h.refresher.mu.Lock()
		defer h.refresher.mu.Unlock()
		return !h.refresher.running
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), source.calls.Load())
}

func TestQueueModeEnqueuesInsteadOfRunning(t *testing.T) {
	enq := &countingEnqueuer{}
	h := newHarness(t, nil, Config{Enqueuer: enq})

	h.refresher.Trigger()
	h.refresher.Trigger()
	h.refresher.Close()

	require.Equal(t, int64(2), enq.calls.Load())
	ver, err := h.cache.Version(context.Background())
	require.NoError(t, err)
	require.Zero(t, ver)
}

func TestLatestRebuildsOnMissAndHonoursInvalidate(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	_, err := h.repo.CreateAccount(ctx, stock.Key{VariantID: 7, BranchID: 1}, 10)
	require.NoError(t, err)

	snap, err := h.refresher.Latest(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.MostSold)
	require.Len(t, snap.LeastSold, 1)

	// A rebuild stored by another process becomes visible after Invalidate.
	untriggered := stock.NewSalePolicy(stock.NewCoordinator(h.repo, stock.CoordinatorConfig{Logger: quiet}))
	price := decimal.NewFromInt(10)
	_, err = untriggered.Sell(ctx, stock.SaleRequest{Key: stock.Key{VariantID: 7, BranchID: 1}, Quantity: 1, UnitPrice: &price, ActorID: 1})
	require.NoError(t, err)
	other := NewRefresher(h.repo, nil, h.cache, Config{Logger: quiet})
	defer other.Close()
	_, err = other.Refresh(ctx)
	require.NoError(t, err)

	snap, err = h.refresher.Latest(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.MostSold)

	h.refresher.Invalidate()
	snap, err = h.refresher.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, snap.MostSold, 1)
}
