package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/glamstock/glamstock/internal/stock"
)

type stubSource struct {
	snap stock.Snapshot
	err  error
}

func (s stubSource) Snapshot(context.Context) (stock.Snapshot, error) {
	return s.snap, s.err
}

func TestVerifyCommandJSONSuccess(t *testing.T) {
	repo := stock.NewMemoryRepository()
	ctx := context.Background()
	policy := stock.NewSalePolicy(stock.NewCoordinator(repo, stock.CoordinatorConfig{}))
	accounts := stock.NewAccounts(repo, policy, nil)
	key := stock.Key{VariantID: 3, BranchID: 1}
	_, err := accounts.Open(ctx, key, 12, 1)
	require.NoError(t, err)
	price := decimal.NewFromInt(25)
	_, err = policy.Sell(ctx, stock.SaleRequest{Key: key, Quantity: 5, UnitPrice: &price, ActorID: 1})
	require.NoError(t, err)

	cli, err := NewLedgerCLI(repo)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.VerifyCommand(ctx, VerifyOptions{JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Zero(t, exitCode)
	require.Empty(t, stderr.String())

	var summary VerifySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Equal(t, 1, summary.Accounts)
	require.Equal(t, 2, summary.Entries)
	require.Empty(t, summary.Mismatches)
}

func TestVerifyCommandReportsMismatches(t *testing.T) {
	snap := stock.Snapshot{
		TakenAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Accounts: []stock.Account{
			{Key: stock.Key{VariantID: 1, BranchID: 1}, Quantity: 7},
			{Key: stock.Key{VariantID: 2, BranchID: 2}, Quantity: 1},
		},
		Entries: []stock.LedgerEntry{
			{TransactionID: 1, VariantID: 1, BranchID: 1, Reason: stock.ReasonAdjustmentIn, Quantity: 10},
			{TransactionID: 2, VariantID: 1, BranchID: 1, Reason: stock.ReasonWriteOff, Quantity: 2},
			{TransactionID: 3, VariantID: 9, BranchID: 1, Reason: stock.ReasonAdjustmentIn, Quantity: 4},
			{TransactionID: 4, VariantID: 2, BranchID: 2, Reason: stock.ReasonAdjustmentIn, Quantity: 1},
		},
	}
	cli, err := NewLedgerCLI(stubSource{snap: snap})
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	exitCode := cli.VerifyCommand(context.Background(), VerifyOptions{BranchID: 1, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, 10, exitCode)

	out := stdout.String()
	require.True(t, strings.Contains(out, "2 mismatch(es) detected"), out)
	require.True(t, strings.Contains(out, "variant 1 @ branch 1: quantity 7, ledger sum 8"), out)
	require.True(t, strings.Contains(out, "variant 9 @ branch 1: ledger sum 4 without an account"), out)
	require.False(t, strings.Contains(out, "branch 2"), out)
}

func TestVerifyCommandSourceError(t *testing.T) {
	cli, err := NewLedgerCLI(stubSource{err: errors.New("connection refused")})
	require.NoError(t, err)

	stderr := new(bytes.Buffer)
	exitCode := cli.VerifyCommand(context.Background(), VerifyOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "connection refused")
}
