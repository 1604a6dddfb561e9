package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/glamstock/glamstock/internal/stock"
)

// SnapshotSource reads a consistent view of accounts and ledger entries.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (stock.Snapshot, error)
}

// LedgerCLI runs reconciliation checks against the stock ledger.
type LedgerCLI struct {
	source SnapshotSource
}

// NewLedgerCLI constructs the ledger helpers.
func NewLedgerCLI(source SnapshotSource) (*LedgerCLI, error) {
	if source == nil {
		return nil, errors.New("ledger cli: snapshot source required")
	}
	return &LedgerCLI{source: source}, nil
}

// VerifyOptions defines available flags for the ledger verify command.
type VerifyOptions struct {
	BranchID   int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary describes the JSON response for ledger verify.
type VerifySummary struct {
	OK         bool       `json:"ok"`
	TakenAt    time.Time  `json:"taken_at"`
	Accounts   int        `json:"accounts"`
	Entries    int        `json:"entries"`
	Mismatches []Mismatch `json:"mismatches"`
}

// Mismatch reports a position whose quantity disagrees with its ledger.
type Mismatch struct {
	VariantID int64 `json:"variant_id"`
	BranchID  int64 `json:"branch_id"`
	Quantity  int64 `json:"quantity"`
	LedgerSum int64 `json:"ledger_sum"`
	// Orphaned marks ledger entries whose account no longer exists.
	Orphaned bool `json:"orphaned,omitempty"`
}

// VerifyCommand checks that every account quantity equals the signed sum of
// its ledger entries. It returns 10 when mismatches are found.
func (c *LedgerCLI) VerifyCommand(ctx context.Context, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.BranchID < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "ledger verify: --branch must be positive")
		return 1
	}
	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: %v\n", err)
		return 1
	}
	summary := reconcile(snap, opts.BranchID)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "ledger verify: encode json: %v\n", err)
			return 1
		}
	} else {
		renderVerifyHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func reconcile(snap stock.Snapshot, branchID int64) VerifySummary {
	sums := make(map[stock.Key]int64)
	entries := 0
	for _, e := range snap.Entries {
		if branchID > 0 && e.BranchID != branchID {
			continue
		}
		entries++
		sums[stock.Key{VariantID: e.VariantID, BranchID: e.BranchID}] += e.SignedDelta()
	}
	mismatches := make([]Mismatch, 0)
	accounts := 0
	for _, acc := range snap.Accounts {
		if branchID > 0 && acc.Key.BranchID != branchID {
			continue
		}
		accounts++
		sum := sums[acc.Key]
		delete(sums, acc.Key)
		if sum != acc.Quantity {
			mismatches = append(mismatches, Mismatch{
				VariantID: acc.Key.VariantID,
				BranchID:  acc.Key.BranchID,
				Quantity:  acc.Quantity,
				LedgerSum: sum,
			})
		}
	}
	for key, sum := range sums {
		mismatches = append(mismatches, Mismatch{VariantID: key.VariantID, BranchID: key.BranchID, LedgerSum: sum, Orphaned: true})
	}
	sort.Slice(mismatches, func(i, j int) bool {
		if mismatches[i].BranchID == mismatches[j].BranchID {
			return mismatches[i].VariantID < mismatches[j].VariantID
		}
		return mismatches[i].BranchID < mismatches[j].BranchID
	})
	return VerifySummary{
		OK:         len(mismatches) == 0,
		TakenAt:    snap.TakenAt,
		Accounts:   accounts,
		Entries:    entries,
		Mismatches: mismatches,
	}
}

func renderVerifyHuman(out io.Writer, summary VerifySummary) {
	_, _ = fmt.Fprintf(out, "Ledger verification at %s: %d account(s), %d entr(ies)\n",
		summary.TakenAt.Format(time.RFC3339), summary.Accounts, summary.Entries)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "Every quantity matches its ledger.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d mismatch(es) detected:\n", len(summary.Mismatches))
	for _, m := range summary.Mismatches {
		if m.Orphaned {
			_, _ = fmt.Fprintf(out, " - variant %d @ branch %d: ledger sum %d without an account\n", m.VariantID, m.BranchID, m.LedgerSum)
			continue
		}
		_, _ = fmt.Fprintf(out, " - variant %d @ branch %d: quantity %d, ledger sum %d\n", m.VariantID, m.BranchID, m.Quantity, m.LedgerSum)
	}
}
