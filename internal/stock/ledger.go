package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/glamstock/glamstock/internal/platform/db"
)

// Snapshot is a consistent, committed-only view of accounts and ledger.
type Snapshot struct {
	TakenAt  time.Time
	Accounts []Account
	Entries  []LedgerEntry
}

// Snapshot reads accounts and ledger inside one repeatable-read, read-only
// transaction. It takes no row locks, so writers are never blocked by it.
func (r *Repository) Snapshot(ctx context.Context) (Snapshot, error) {
	if r == nil || r.pool == nil {
		return Snapshot{}, errors.New("stock repository not initialised")
	}
	var snap Snapshot
	err := db.WithTx(ctx, r.pool, db.SnapshotReadOnly, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&snap.TakenAt); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT variant_id, branch_id, quantity, updated_at FROM stock_accounts ORDER BY branch_id, variant_id`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var acc Account
			if err := rows.Scan(&acc.VariantID, &acc.BranchID, &acc.Quantity, &acc.UpdatedAt); err != nil {
				rows.Close()
				return err
			}
			snap.Accounts = append(snap.Accounts, acc)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		entryRows, err := tx.Query(ctx, `SELECT id, variant_id, branch_id, reason, actor_id, quantity, unit_price, recorded_at, COALESCE(request_key::text, '')
FROM stock_ledger
ORDER BY recorded_at ASC, id ASC`)
		if err != nil {
			return err
		}
		defer entryRows.Close()
		snap.Entries, err = scanEntries(entryRows)
		return err
	})
	if err != nil {
		return Snapshot{}, classify(err)
	}
	return snap, nil
}

// LedgerReader serves read-only ledger queries to reporting collaborators.
type LedgerReader struct {
	repo RepositoryPort
}

// NewLedgerReader constructs LedgerReader.
func NewLedgerReader(repo RepositoryPort) *LedgerReader {
	return &LedgerReader{repo: repo}
}

// QueryByVariant lists entries of one variant across branches, oldest first.
func (l *LedgerReader) QueryByVariant(ctx context.Context, variantID int64, limit int) ([]LedgerEntry, error) {
	if variantID <= 0 {
		return nil, ErrInvalidKey
	}
	return l.repo.QueryLedger(ctx, LedgerFilter{VariantID: variantID, Limit: limit})
}

// QueryByBranch lists entries recorded at one branch, oldest first.
func (l *LedgerReader) QueryByBranch(ctx context.Context, branchID int64, limit int) ([]LedgerEntry, error) {
	if branchID <= 0 {
		return nil, ErrInvalidKey
	}
	return l.repo.QueryLedger(ctx, LedgerFilter{BranchID: branchID, Limit: limit})
}

// QueryByDateRange lists entries recorded within [from, to], oldest first.
func (l *LedgerReader) QueryByDateRange(ctx context.Context, from, to time.Time, limit int) ([]LedgerEntry, error) {
	return l.Query(ctx, LedgerFilter{From: from, To: to, Limit: limit})
}

// Query applies an arbitrary combination of filters.
func (l *LedgerReader) Query(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, ErrInvalidRange
	}
	return l.repo.QueryLedger(ctx, filter)
}
