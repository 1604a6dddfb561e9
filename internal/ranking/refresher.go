package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	jobmetrics "github.com/glamstock/glamstock/internal/jobs"
)

// JobName labels refresh runs in job metrics.
const JobName = "ranking_refresh"

const (
	lockKey           = "lock:ranking:refresh"
	flightKey         = "refresh"
	defaultTimeout    = 30 * time.Second
	defaultRetryDelay = 500 * time.Millisecond
	maxBusyRetries    = 5
)

// ErrBusy reports that another process holds the refresh lock.
var ErrBusy = errors.New("ranking: refresh already running elsewhere")

// Enqueuer hands refresh requests to the background queue.
type Enqueuer interface {
	EnqueueRankingRefresh(ctx context.Context) error
}

// Config groups refresher collaborators and tuning.
type Config struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Tracer  trace.Tracer
	// Locker serialises refreshes across processes. Nil disables it.
	Locker  *redislock.Client
	LockTTL time.Duration
	// Timeout bounds a single rebuild.
	Timeout time.Duration
	// RetryDelay is the pause before re-running when ErrBusy is returned.
	RetryDelay time.Duration
	// Enqueuer switches Trigger to queue mode.
	Enqueuer Enqueuer
	Options  Options
}

// Refresher rebuilds the ranking snapshot from the ledger. Triggers coalesce:
// at most one rebuild runs and at most one more is pending, whatever the
// number of commits in between.
type Refresher struct {
	source     LedgerSource
	costs      CostSource
	cache      *Cache
	locker     *redislock.Client
	lockTTL    time.Duration
	timeout    time.Duration
	retryDelay time.Duration
	enqueuer   Enqueuer
	opts       Options
	logger     *slog.Logger
	metrics    *jobmetrics.Metrics
	tracer     trace.Tracer

	group  singleflight.Group
	latest atomic.Pointer[Snapshot]

	mu      sync.Mutex
	running bool
	pending bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher constructs Refresher.
func NewRefresher(source LedgerSource, costs CostSource, cache *Cache, cfg Config) *Refresher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/glamstock/glamstock/internal/ranking")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = timeout
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		source:     source,
		costs:      costs,
		cache:      cache,
		locker:     cfg.Locker,
		lockTTL:    lockTTL,
		timeout:    timeout,
		retryDelay: retryDelay,
		enqueuer:   cfg.Enqueuer,
		opts:       cfg.Options,
		logger:     logger.With(slog.String("component", "ranking.refresher")),
		metrics:    cfg.Metrics,
		tracer:     tracer,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Trigger requests a rebuild without blocking. Failures are logged and
// counted, never returned to the committing caller.
func (r *Refresher) Trigger() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.enqueuer != nil {
		r.wg.Add(1)
		r.mu.Unlock()
		go r.enqueue()
		return
	}
	if r.running {
		r.pending = true
		r.mu.Unlock()
		r.metrics.Coalesced(JobName)
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()
	go r.loop()
}

func (r *Refresher) enqueue() {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.enqueuer.EnqueueRankingRefresh(ctx); err != nil {
		r.logger.Warn("enqueue ranking refresh", slog.Any("error", err))
	}
}

func (r *Refresher) loop() {
	defer r.wg.Done()
	busy, rejoined := 0, false
	for {
		_, shared, err := r.refresh(r.ctx)
		if errors.Is(err, ErrBusy) && busy < maxBusyRetries && r.sleep(r.retryDelay) {
			busy++
			continue
		}
		// A shared rebuild may have started before the triggering commit.
		if shared && !rejoined && r.ctx.Err() == nil {
			rejoined = true
			continue
		}
		busy, rejoined = 0, false
		r.mu.Lock()
		if !r.pending || r.ctx.Err() != nil {
			r.running = false
			r.pending = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
	}
}

func (r *Refresher) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close stops accepting triggers and waits for in-flight work.
func (r *Refresher) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Run rebuilds once; it is the entry point for queued and scheduled runs.
func (r *Refresher) Run(ctx context.Context) error {
	_, err := r.Refresh(ctx)
	return err
}

// Refresh rebuilds the snapshot now. Concurrent callers in this process share
// one rebuild; a caller leaving early does not cancel it for the others.
func (r *Refresher) Refresh(ctx context.Context) (Snapshot, error) {
	snap, _, err := r.refresh(ctx)
	return snap, err
}

func (r *Refresher) refresh(ctx context.Context) (Snapshot, bool, error) {
	ch := r.group.DoChan(flightKey, func() (interface{}, error) {
		return r.rebuild(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			r.metrics.Coalesced(JobName)
		}
		if res.Err != nil {
			return Snapshot{}, res.Shared, res.Err
		}
		return res.Val.(Snapshot), res.Shared, nil
	}
}

// Latest returns the most recent snapshot, rebuilding on a cache miss.
func (r *Refresher) Latest(ctx context.Context) (Snapshot, error) {
	if snap := r.latest.Load(); snap != nil {
		return *snap, nil
	}
	snap, ok, err := r.cache.Load(ctx)
	if err != nil {
		r.logger.Warn("load cached rankings", slog.Any("error", err))
	}
	if ok {
		r.latest.Store(&snap)
		return snap, nil
	}
	return r.Refresh(ctx)
}

// Invalidate drops the in-process copy so the next Latest reads Redis.
func (r *Refresher) Invalidate() {
	r.latest.Store(nil)
}

func (r *Refresher) rebuild(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "ranking.refresh")
	defer span.End()

	tracker := r.metrics.Track(JobName)
	snap, err := r.build(ctx)
	if errors.Is(err, ErrBusy) {
		r.metrics.Coalesced(JobName)
		r.logger.Debug("ranking refresh skipped, lock held elsewhere")
		return Snapshot{}, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		r.logger.Error("ranking refresh failed", slog.Any("error", err))
		return Snapshot{}, tracker.End(err)
	}
	_ = tracker.End(nil)
	span.SetAttributes(attribute.Int64("ranking.ledger_watermark", snap.LedgerWatermark))
	r.latest.Store(&snap)
	r.logger.Info("ranking refreshed",
		slog.Int64("ledger_watermark", snap.LedgerWatermark),
		slog.Int("branches", len(snap.Branches)))
	return snap, nil
}

func (r *Refresher) build(ctx context.Context) (Snapshot, error) {
	if r.locker != nil {
		lock, err := r.locker.Obtain(ctx, lockKey, r.lockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return Snapshot{}, ErrBusy
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("ranking: obtain lock: %w", err)
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}
	ledger, err := r.source.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ranking: read ledger: %w", err)
	}
	costs := map[int64]decimal.Decimal{}
	if r.costs != nil {
		if costs, err = r.costs.AcquisitionCosts(ctx); err != nil {
			return Snapshot{}, fmt.Errorf("ranking: read costs: %w", err)
		}
	}
	snap := Build(ledger, costs, r.opts)
	ver, err := r.cache.Store(ctx, snap)
	if err != nil {
		if ver == 0 {
			return Snapshot{}, fmt.Errorf("ranking: store snapshot: %w", err)
		}
		r.logger.Warn("publish ranking refresh", slog.Int64("version", ver), slog.Any("error", err))
	}
	return snap, nil
}
