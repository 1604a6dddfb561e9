package ranking

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/glamstock/glamstock/internal/stock"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func account(variant, branch, qty int64) stock.Account {
	return stock.Account{Key: stock.Key{VariantID: variant, BranchID: branch}, Quantity: qty}
}

func sale(id, variant, branch, qty int64, price string) stock.LedgerEntry {
	return stock.LedgerEntry{TransactionID: id, VariantID: variant, BranchID: branch, Reason: stock.ReasonSale, ActorID: 1, Quantity: qty, UnitPrice: dec(price)}
}

func entry(id, variant, branch, qty int64, reason stock.ReasonCode) stock.LedgerEntry {
	return stock.LedgerEntry{TransactionID: id, VariantID: variant, BranchID: branch, Reason: reason, ActorID: 1, Quantity: qty}
}

func sampleLedger() stock.Snapshot {
	return stock.Snapshot{
		TakenAt: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC),
		Accounts: []stock.Account{
			account(1, 1, 4),
			account(2, 1, 0),
			account(3, 1, 9),
			account(1, 2, 2),
			account(4, 2, 6),
		},
		Entries: []stock.LedgerEntry{
			entry(1, 1, 1, 20, stock.ReasonAdjustmentIn),
			sale(2, 1, 1, 3, "10.00"),
			sale(3, 2, 1, 5, "8.00"),
			sale(4, 1, 2, 2, "11.00"),
			entry(5, 3, 1, 2, stock.ReasonWriteOff),
			sale(6, 3, 1, 1, "30.00"),
			entry(7, 4, 2, 1, stock.ReasonAdjustmentOut),
		},
	}
}

func TestBuildRanksBySoldUnits(t *testing.T) {
	costs := map[int64]decimal.Decimal{1: dec("6"), 2: dec("5"), 3: dec("18")}
	snap := Build(sampleLedger(), costs, Options{})

	require.Equal(t, int64(7), snap.LedgerWatermark)
	require.Len(t, snap.MostSold, 3)
	// Variants 1 and 2 tie on five units; the lower id wins.
	require.Equal(t, int64(1), snap.MostSold[0].VariantID)
	require.Equal(t, int64(5), snap.MostSold[0].UnitsSold)
	require.Equal(t, int64(2), snap.MostSold[1].VariantID)
	require.Equal(t, int64(3), snap.MostSold[2].VariantID)

	v1 := snap.MostSold[0]
	require.True(t, dec("52").Equal(v1.Revenue), v1.Revenue.String())
	require.True(t, dec("30").Equal(v1.Cost), v1.Cost.String())
	require.True(t, dec("22").Equal(v1.Margin), v1.Margin.String())
	require.Equal(t, int64(6), v1.InStock)
}

func TestBuildLeastSoldSkipsEmptyPositions(t *testing.T) {
	snap := Build(sampleLedger(), nil, Options{})

	ids := make([]int64, 0, len(snap.LeastSold))
	for _, v := range snap.LeastSold {
		ids = append(ids, v.VariantID)
	}
	// Variant 2 sold out, variant 4 never sold but is in stock.
	require.Equal(t, []int64{4, 3, 1}, ids)

	branch1, _, ok := snap.Branch(1)
	require.True(t, ok)
	branchIDs := []int64{}
	for _, v := range branch1.LeastSold {
		branchIDs = append(branchIDs, v.VariantID)
	}
	require.Equal(t, []int64{3, 1}, branchIDs)
}

func TestBuildBranchSummaries(t *testing.T) {
	costs := map[int64]decimal.Decimal{1: dec("6"), 2: dec("5"), 3: dec("18")}
	snap := Build(sampleLedger(), costs, Options{})

	require.Len(t, snap.Summaries, 2)
	_, b1, ok := snap.Branch(1)
	require.True(t, ok)
	require.Equal(t, int64(3), b1.Transactions)
	require.Equal(t, int64(9), b1.UnitsSold)
	require.True(t, dec("100").Equal(b1.Revenue), b1.Revenue.String())
	require.True(t, dec("61").Equal(b1.Cost), b1.Cost.String())
	require.True(t, dec("39").Equal(b1.Margin), b1.Margin.String())
	require.Equal(t, int64(2), b1.WrittenOff)
	require.Equal(t, int64(13), b1.InStock)

	r2, b2, ok := snap.Branch(2)
	require.True(t, ok)
	require.Equal(t, int64(1), b2.Transactions)
	require.Equal(t, int64(0), b2.WrittenOff)
	require.Len(t, r2.MostSold, 1)
	require.Equal(t, int64(1), r2.MostSold[0].VariantID)

	_, _, ok = snap.Branch(99)
	require.False(t, ok)
}

func TestBuildIsDeterministic(t *testing.T) {
	costs := map[int64]decimal.Decimal{1: dec("6")}
	first := Build(sampleLedger(), costs, Options{Limit: 2})
	second := Build(sampleLedger(), costs, Options{Limit: 2})
	require.Equal(t, first, second)
	require.Len(t, first.MostSold, 2)
	require.Len(t, first.LeastSold, 2)
}

func TestBuildEmptyLedger(t *testing.T) {
	snap := Build(stock.Snapshot{}, nil, Options{})
	require.Empty(t, snap.MostSold)
	require.Empty(t, snap.LeastSold)
	require.NotNil(t, snap.Branches)
	require.Zero(t, snap.LedgerWatermark)
}
