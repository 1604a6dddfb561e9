package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glamstock/glamstock/internal/platform/db"
)

// TxRepository exposes the locked operations available inside one atomic unit.
type TxRepository interface {
	// CreateLocked inserts a zero position that stays locked until the
	// transaction ends. Nothing is visible to other transactions before commit.
	CreateLocked(ctx context.Context, key Key) (Account, error)
	GetForUpdate(ctx context.Context, key Key) (Account, error)
	SetQuantity(ctx context.Context, key Key, quantity int64) error
	Append(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
}

// RepositoryPort abstracts persistence for the coordinator and readers.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CreateAccount(ctx context.Context, key Key, initial int64) (Account, error)
	DeleteAccount(ctx context.Context, key Key) error
	GetAccount(ctx context.Context, key Key) (Account, error)
	ListAccountsByBranch(ctx context.Context, branchID int64) ([]Account, error)
	QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
}

const (
	defaultLedgerLimit   = 500
	requestKeyConstraint = "stock_ledger_request_key_key"
)

// Repository persists stock accounts and ledger entries in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. A positive lockTimeout bounds how long
// a writer waits for a row lock before failing with ErrTransient.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

type txRepository struct {
	tx     pgx.Tx
	locked map[Key]struct{}
}

// WithTx executes the callback inside a read-committed transaction. Row locks
// taken by GetForUpdate serialise writers; read committed lets the next lock
// holder see the balance committed by the previous one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("stock repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		if r.lockTimeout > 0 {
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())); err != nil {
				return err
			}
		}
		return fn(ctx, &txRepository{tx: tx, locked: make(map[Key]struct{})})
	})
	return classify(err)
}

func (r *Repository) CreateAccount(ctx context.Context, key Key, initial int64) (Account, error) {
	if initial < 0 {
		return Account{}, ErrInvalidQuantity
	}
	var acc Account
	err := r.pool.QueryRow(ctx, `INSERT INTO stock_accounts (variant_id, branch_id, quantity, updated_at)
VALUES ($1,$2,$3,NOW())
RETURNING variant_id, branch_id, quantity, updated_at`, key.VariantID, key.BranchID, initial).
		Scan(&acc.VariantID, &acc.BranchID, &acc.Quantity, &acc.UpdatedAt)
	if err != nil {
		return Account{}, classify(accountInsertError(err))
	}
	return acc, nil
}

func accountInsertError(err error) error {
	switch {
	case db.IsUniqueViolation(err):
		return ErrDuplicateAccount
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: unknown variant or branch", ErrNotFound)
	default:
		return err
	}
}

// DeleteAccount removes an empty position that never appeared in the ledger.
// The row is locked first so a concurrent writer cannot slip an entry in.
func (r *Repository) DeleteAccount(ctx context.Context, key Key) error {
	return r.WithTx(ctx, func(ctx context.Context, repo TxRepository) error {
		txr := repo.(*txRepository)
		acc, err := txr.GetForUpdate(ctx, key)
		if err != nil {
			return err
		}
		var history bool
		if err := txr.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stock_ledger WHERE variant_id=$1 AND branch_id=$2)`, key.VariantID, key.BranchID).Scan(&history); err != nil {
			return err
		}
		if acc.Quantity != 0 || history {
			return ErrAccountHasHistory
		}
		_, err = txr.tx.Exec(ctx, `DELETE FROM stock_accounts WHERE variant_id=$1 AND branch_id=$2`, key.VariantID, key.BranchID)
		return err
	})
}

func (r *Repository) GetAccount(ctx context.Context, key Key) (Account, error) {
	var acc Account
	err := r.pool.QueryRow(ctx, `SELECT variant_id, branch_id, quantity, updated_at FROM stock_accounts WHERE variant_id=$1 AND branch_id=$2`, key.VariantID, key.BranchID).
		Scan(&acc.VariantID, &acc.BranchID, &acc.Quantity, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, classify(err)
	}
	return acc, nil
}

func (r *Repository) ListAccountsByBranch(ctx context.Context, branchID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT variant_id, branch_id, quantity, updated_at FROM stock_accounts WHERE branch_id=$1 ORDER BY variant_id`, branchID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	accounts := []Account{}
	for rows.Next() {
		var acc Account
		if err := rows.Scan(&acc.VariantID, &acc.BranchID, &acc.Quantity, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return accounts, nil
}

func (r *Repository) QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLedgerLimit
	}
	rows, err := r.pool.Query(ctx, `SELECT id, variant_id, branch_id, reason, actor_id, quantity, unit_price, recorded_at, COALESCE(request_key::text, '')
FROM stock_ledger
WHERE ($1::bigint = 0 OR variant_id=$1)
  AND ($2::bigint = 0 OR branch_id=$2)
  AND recorded_at BETWEEN COALESCE($3, '-infinity'::timestamptz) AND COALESCE($4, 'infinity'::timestamptz)
ORDER BY recorded_at ASC, id ASC
LIMIT $5`, filter.VariantID, filter.BranchID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *txRepository) CreateLocked(ctx context.Context, key Key) (Account, error) {
	var acc Account
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_accounts (variant_id, branch_id, quantity, updated_at)
VALUES ($1,$2,0,NOW())
RETURNING variant_id, branch_id, quantity, updated_at`, key.VariantID, key.BranchID).
		Scan(&acc.VariantID, &acc.BranchID, &acc.Quantity, &acc.UpdatedAt)
	if err != nil {
		return Account{}, accountInsertError(err)
	}
	r.locked[key] = struct{}{}
	return acc, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, key Key) (Account, error) {
	var acc Account
	err := r.tx.QueryRow(ctx, `SELECT variant_id, branch_id, quantity, updated_at FROM stock_accounts WHERE variant_id=$1 AND branch_id=$2 FOR UPDATE`, key.VariantID, key.BranchID).
		Scan(&acc.VariantID, &acc.BranchID, &acc.Quantity, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	r.locked[key] = struct{}{}
	return acc, nil
}

func (r *txRepository) SetQuantity(ctx context.Context, key Key, quantity int64) error {
	if _, ok := r.locked[key]; !ok {
		return ErrLockNotHeld
	}
	_, err := r.tx.Exec(ctx, `UPDATE stock_accounts SET quantity=$3, updated_at=NOW() WHERE variant_id=$1 AND branch_id=$2`, key.VariantID, key.BranchID, quantity)
	return err
}

func (r *txRepository) Append(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger (variant_id, branch_id, reason, actor_id, quantity, unit_price, request_key, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,clock_timestamp())
RETURNING id, recorded_at`, entry.VariantID, entry.BranchID, string(entry.Reason), entry.ActorID, entry.Quantity, entry.UnitPrice, nullString(entry.RequestKey)).
		Scan(&entry.TransactionID, &entry.RecordedAt)
	if err != nil {
		return LedgerEntry{}, ledgerInsertError(err)
	}
	return entry, nil
}

func ledgerInsertError(err error) error {
	if !db.IsUniqueViolation(err) {
		return err
	}
	if db.ConstraintName(err) == requestKeyConstraint {
		return ErrDuplicateRequest
	}
	return ErrDuplicateLedgerKey
}

func scanEntries(rows pgx.Rows) ([]LedgerEntry, error) {
	entries := []LedgerEntry{}
	for rows.Next() {
		var entry LedgerEntry
		var reason string
		if err := rows.Scan(&entry.TransactionID, &entry.VariantID, &entry.BranchID, &reason, &entry.ActorID, &entry.Quantity, &entry.UnitPrice, &entry.RecordedAt, &entry.RequestKey); err != nil {
			return nil, err
		}
		entry.Reason = ReasonCode(reason)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// classify folds infrastructure failures into ErrTransient and leaves domain
// errors untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrTransient) || IsValidation(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, db.ErrBegin) || errors.Is(err, db.ErrCommit) || db.IsTransient(err) {
		return transient("postgres", err)
	}
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
