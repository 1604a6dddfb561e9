package stock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingTrigger struct {
	calls atomic.Int64
}

func (c *countingTrigger) Trigger() { c.calls.Add(1) }

type fixture struct {
	repo     *MemoryRepository
	coord    *Coordinator
	policy   *SalePolicy
	accounts *Accounts
	trigger  *countingTrigger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := NewMemoryRepository()
	return newFixtureWith(t, repo, repo)
}

func newFixtureWith(t *testing.T, mem *MemoryRepository, port RepositoryPort) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	trigger := &countingTrigger{}
	coord := NewCoordinator(port, CoordinatorConfig{
		Logger:  logger,
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Refresh: trigger,
	})
	policy := NewSalePolicy(coord)
	return fixture{
		repo:     mem,
		coord:    coord,
		policy:   policy,
		accounts: NewAccounts(port, policy, logger),
		trigger:  trigger,
	}
}

func (f fixture) seed(t *testing.T, key Key, qty int64) {
	t.Helper()
	_, err := f.repo.CreateAccount(context.Background(), key, qty)
	require.NoError(t, err)
}

func (f fixture) quantity(t *testing.T, key Key) int64 {
	t.Helper()
	acc, err := f.repo.GetAccount(context.Background(), key)
	require.NoError(t, err)
	return acc.Quantity
}

func (f fixture) entries(t *testing.T, key Key) []LedgerEntry {
	t.Helper()
	entries, err := f.repo.QueryLedger(context.Background(), LedgerFilter{VariantID: key.VariantID, BranchID: key.BranchID})
	require.NoError(t, err)
	return entries
}

func price(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

var keyA = Key{VariantID: 7, BranchID: 1}

func TestAdjustmentInAddsStock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 5)

	res, err := f.policy.Adjust(context.Background(), AdjustRequest{Key: keyA, Delta: 10, ActorID: 3})
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, int64(15), res.NewQuantity)
	require.Equal(t, int64(15), f.quantity(t, keyA))

	entries := f.entries(t, keyA)
	require.Len(t, entries, 1)
	require.Equal(t, ReasonAdjustmentIn, entries[0].Reason)
	require.Equal(t, int64(10), entries[0].Quantity)
	require.Equal(t, int64(10), entries[0].SignedDelta())
	require.Equal(t, int64(3), entries[0].ActorID)
	require.Equal(t, res.TransactionID, entries[0].TransactionID)
	require.True(t, entries[0].UnitPrice.IsZero())
}

func TestWriteOffsDrainStockThenReject(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 5)
	ctx := context.Background()

	res, err := f.policy.WriteOff(ctx, WriteOffRequest{Key: keyA, Quantity: 4, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.NewQuantity)

	res, err = f.policy.WriteOff(ctx, WriteOffRequest{Key: keyA, Quantity: 1, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.NewQuantity)

	_, err = f.policy.WriteOff(ctx, WriteOffRequest{Key: keyA, Quantity: 1, ActorID: 1})
	var short *InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, int64(0), short.Current)
	require.Equal(t, int64(1), short.Requested)

	require.Equal(t, int64(0), f.quantity(t, keyA))
	require.Len(t, f.entries(t, keyA), 2)
}

func TestSellRejectsShortStockWithBothQuantities(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 1)

	_, err := f.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: 3, UnitPrice: price("12.50"), ActorID: 2})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.EqualError(t, err, "insufficient stock: current=1, requested=3")
	require.False(t, IsRetryable(err))

	require.Equal(t, int64(1), f.quantity(t, keyA))
	require.Empty(t, f.entries(t, keyA))
	require.Zero(t, f.trigger.calls.Load())
}

func TestSellRecordsPrice(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 4)

	res, err := f.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: 2, UnitPrice: price("19.90"), ActorID: 2})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.NewQuantity)

	entries := f.entries(t, keyA)
	require.Len(t, entries, 1)
	require.Equal(t, ReasonSale, entries[0].Reason)
	require.Equal(t, int64(-2), entries[0].SignedDelta())
	require.True(t, decimal.RequireFromString("19.90").Equal(entries[0].UnitPrice))
	require.Equal(t, int64(1), f.trigger.calls.Load())
}

func TestSellRequiresPrice(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 4)

	_, err := f.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: 1, ActorID: 2})
	require.ErrorIs(t, err, ErrPriceRequired)
	_, err = f.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: 1, UnitPrice: price("-1"), ActorID: 2})
	require.ErrorIs(t, err, ErrInvalidPrice)
	require.Equal(t, int64(4), f.quantity(t, keyA))
}

func TestApplyUnknownPosition(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Apply(context.Background(), ApplyRequest{Key: keyA, Reason: ReasonAdjustmentIn, Delta: 1, ActorID: 1})
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, IsRetryable(err))
}

func TestApplyValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 10)

	cases := []struct {
		name string
		req  ApplyRequest
		want error
	}{
		{"zero delta", ApplyRequest{Key: keyA, Reason: ReasonAdjustmentIn, Delta: 0, ActorID: 1}, ErrInvalidQuantity},
		{"inbound reason with negative delta", ApplyRequest{Key: keyA, Reason: ReasonAdjustmentIn, Delta: -1, ActorID: 1}, ErrDirectionMismatch},
		{"outbound reason with positive delta", ApplyRequest{Key: keyA, Reason: ReasonWriteOff, Delta: 2, ActorID: 1}, ErrDirectionMismatch},
		{"unknown reason", ApplyRequest{Key: keyA, Reason: "gift", Delta: -1, ActorID: 1}, ErrUnknownReason},
		{"missing actor", ApplyRequest{Key: keyA, Reason: ReasonWriteOff, Delta: -1}, ErrInvalidActor},
		{"bad key", ApplyRequest{Key: Key{VariantID: 0, BranchID: 1}, Reason: ReasonWriteOff, Delta: -1, ActorID: 1}, ErrInvalidKey},
		{"negative price", ApplyRequest{Key: keyA, Reason: ReasonSale, Delta: -1, ActorID: 1, UnitPrice: price("-5")}, ErrInvalidPrice},
		{"sale without price", ApplyRequest{Key: keyA, Reason: ReasonSale, Delta: -1, ActorID: 1}, ErrPriceRequired},
		{"price finer than cents", ApplyRequest{Key: keyA, Reason: ReasonSale, Delta: -1, ActorID: 1, UnitPrice: price("9.999")}, ErrPricePrecision},
		{"delta at int64 minimum", ApplyRequest{Key: keyA, Reason: ReasonWriteOff, Delta: math.MinInt64, ActorID: 1}, ErrInvalidQuantity},
		{"malformed request key", ApplyRequest{Key: keyA, Reason: ReasonWriteOff, Delta: -1, ActorID: 1, RequestKey: "abc"}, ErrInvalidRequestKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.coord.Apply(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)
			require.True(t, IsValidation(err))
		})
	}
	require.Equal(t, int64(10), f.quantity(t, keyA))
	require.Empty(t, f.entries(t, keyA))
}

func TestAdjustRejectsQuantityOverflow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 5)
	ctx := context.Background()

	_, err := f.policy.Adjust(ctx, AdjustRequest{Key: keyA, Delta: math.MaxInt64, ActorID: 1})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	require.NotErrorIs(t, err, ErrInsufficientStock)

	_, err = f.policy.Adjust(ctx, AdjustRequest{Key: keyA, Delta: math.MinInt64, ActorID: 1})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	res, err := f.policy.Adjust(ctx, AdjustRequest{Key: keyA, Delta: math.MaxInt64 - 5, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), res.NewQuantity)
	require.Len(t, f.entries(t, keyA), 1)
}

func TestSellKeepsCentPrecision(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 5)
	ctx := context.Background()

	_, err := f.policy.Sell(ctx, SaleRequest{Key: keyA, Quantity: 1, UnitPrice: price("12.345"), ActorID: 1})
	require.ErrorIs(t, err, ErrPricePrecision)
	require.True(t, IsValidation(err))

	_, err = f.policy.Sell(ctx, SaleRequest{Key: keyA, Quantity: 1, UnitPrice: price("12.340"), ActorID: 1})
	require.NoError(t, err)
	entries := f.entries(t, keyA)
	require.Len(t, entries, 1)
	require.True(t, decimal.RequireFromString("12.34").Equal(entries[0].UnitPrice))
}

func TestApplyDropsPriceForNonSaleReasons(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 3)

	_, err := f.coord.Apply(context.Background(), ApplyRequest{Key: keyA, Reason: ReasonWriteOff, Delta: -1, ActorID: 1, UnitPrice: price("9")})
	require.NoError(t, err)
	require.True(t, f.entries(t, keyA)[0].UnitPrice.IsZero())
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	for run := 0; run < 20; run++ {
		f := newFixture(t)
		f.seed(t, keyA, 5)

		var (
			mu       sync.Mutex
			admitted []int64
			rejected []*InsufficientStockError
		)
		var g errgroup.Group
		for _, qty := range []int64{3, 2, 2} {
			qty := qty
			g.Go(func() error {
				_, err := f.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: qty, UnitPrice: price("10"), ActorID: 1})
				mu.Lock()
				defer mu.Unlock()
				var short *InsufficientStockError
				switch {
				case err == nil:
					admitted = append(admitted, qty)
				case errors.As(err, &short):
					rejected = append(rejected, short)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		require.Len(t, admitted, 2)
		require.Len(t, rejected, 1)
		var sold int64
		for _, qty := range admitted {
			sold += qty
		}
		require.LessOrEqual(t, sold, int64(5))
		require.Equal(t, 5-sold, f.quantity(t, keyA))
		require.Equal(t, 5-sold, rejected[0].Current)
		require.Len(t, f.entries(t, keyA), 2)
	}
}

func TestDifferentPositionsDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t)
	keyB := Key{VariantID: 8, BranchID: 1}
	f.seed(t, keyA, 5)
	f.seed(t, keyB, 5)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
			if _, err := tx.GetForUpdate(ctx, keyA); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := f.policy.WriteOff(ctx, WriteOffRequest{Key: keyB, Quantity: 1, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.NewQuantity)

	close(release)
	require.NoError(t, <-done)
}

func TestLockWaitTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 5)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
			if _, err := tx.GetForUpdate(ctx, keyA); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.policy.WriteOff(ctx, WriteOffRequest{Key: keyA, Quantity: 1, ActorID: 1})
	require.ErrorIs(t, err, ErrTransient)
	require.True(t, IsRetryable(err))

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int64(5), f.quantity(t, keyA))
	require.Empty(t, f.entries(t, keyA))
}

type failingAppendRepo struct {
	*MemoryRepository
}

func (r failingAppendRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.MemoryRepository.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return fn(ctx, failingAppendTx{TxRepository: tx})
	})
}

type failingAppendTx struct {
	TxRepository
}

func (failingAppendTx) Append(context.Context, LedgerEntry) (LedgerEntry, error) {
	return LedgerEntry{}, transient("append", errors.New("connection reset"))
}

func TestAppendFailureLeavesNothingVisible(t *testing.T) {
	mem := NewMemoryRepository()
	f := newFixtureWith(t, mem, failingAppendRepo{MemoryRepository: mem})
	f.seed(t, keyA, 5)

	_, err := f.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: 2, UnitPrice: price("10"), ActorID: 1})
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, int64(5), f.quantity(t, keyA))
	require.Empty(t, f.entries(t, keyA))
	require.Zero(t, f.trigger.calls.Load())

	// The row lock must have been released by the rollback.
	healthy := newFixtureWith(t, mem, mem)
	res, err := healthy.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: 2, UnitPrice: price("10"), ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.NewQuantity)
}

func TestRequestKeyAppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 5)
	reqKey := uuid.NewString()

	_, err := f.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: 2, UnitPrice: price("10"), ActorID: 1, RequestKey: reqKey})
	require.NoError(t, err)
	_, err = f.policy.Sell(context.Background(), SaleRequest{Key: keyA, Quantity: 2, UnitPrice: price("10"), ActorID: 1, RequestKey: reqKey})
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	require.Equal(t, int64(3), f.quantity(t, keyA))
	entries := f.entries(t, keyA)
	require.Len(t, entries, 1)
	require.Equal(t, reqKey, entries[0].RequestKey)
}

func TestSetQuantityRecordsDerivedAdjustment(t *testing.T) {
	f := newFixture(t)
	f.seed(t, keyA, 5)
	ctx := context.Background()

	res, err := f.policy.SetQuantity(ctx, SetQuantityRequest{Key: keyA, Target: 12, ActorID: 4})
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, int64(12), res.NewQuantity)

	res, err = f.policy.SetQuantity(ctx, SetQuantityRequest{Key: keyA, Target: 12, ActorID: 4})
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Zero(t, res.TransactionID)
	require.Equal(t, int64(12), res.NewQuantity)

	res, err = f.policy.SetQuantity(ctx, SetQuantityRequest{Key: keyA, Target: 0, ActorID: 4})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.NewQuantity)

	_, err = f.policy.SetQuantity(ctx, SetQuantityRequest{Key: keyA, Target: -1, ActorID: 4})
	require.ErrorIs(t, err, ErrNegativeTarget)

	entries := f.entries(t, keyA)
	require.Len(t, entries, 2)
	require.Equal(t, ReasonAdjustmentIn, entries[0].Reason)
	require.Equal(t, int64(7), entries[0].Quantity)
	require.Equal(t, ReasonAdjustmentOut, entries[1].Reason)
	require.Equal(t, int64(12), entries[1].Quantity)
	require.Equal(t, int64(2), f.trigger.calls.Load())
}

func TestLedgerExplainsEveryQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.accounts.Open(ctx, keyA, 20, 1)
	require.NoError(t, err)

	_, _ = f.policy.Sell(ctx, SaleRequest{Key: keyA, Quantity: 3, UnitPrice: price("5"), ActorID: 1})
	_, _ = f.policy.WriteOff(ctx, WriteOffRequest{Key: keyA, Quantity: 30, ActorID: 1})
	_, _ = f.policy.Adjust(ctx, AdjustRequest{Key: keyA, Delta: -4, ActorID: 1})
	_, _ = f.policy.Adjust(ctx, AdjustRequest{Key: keyA, Delta: 6, ActorID: 1})
	_, _ = f.policy.SetQuantity(ctx, SetQuantityRequest{Key: keyA, Target: 9, ActorID: 1})
	_, _ = f.policy.Sell(ctx, SaleRequest{Key: keyA, Quantity: 9, UnitPrice: price("5"), ActorID: 1})

	var sum int64
	for _, entry := range f.entries(t, keyA) {
		sum += entry.SignedDelta()
	}
	require.Equal(t, f.quantity(t, keyA), sum)
	require.Equal(t, int64(0), sum)
}
