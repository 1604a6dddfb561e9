package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps accounts and the ledger in process. Every account
// owns a one-slot semaphore that plays the role of the row lock; writes are
// buffered per transaction and become visible together at commit.
type MemoryRepository struct {
	mu          sync.Mutex
	accounts    map[Key]*memoryAccount
	ledger      []LedgerEntry
	requestKeys map[string]struct{}
	nextID      int64
	clock       func() time.Time
}

type memoryAccount struct {
	lock      chan struct{}
	quantity  int64
	updatedAt time.Time
}

// NewMemoryRepository constructs an empty in-process store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:    make(map[Key]*memoryAccount),
		requestKeys: make(map[string]struct{}),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source for deterministic tests.
func (r *MemoryRepository) WithClock(clock func() time.Time) *MemoryRepository {
	if clock != nil {
		r.clock = clock
	}
	return r
}

type memoryTx struct {
	repo    *MemoryRepository
	held    map[Key]*memoryAccount
	created map[Key]*memoryAccount
	writes  map[Key]int64
	entries []LedgerEntry
}

func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{
		repo:    r,
		held:    make(map[Key]*memoryAccount),
		created: make(map[Key]*memoryAccount),
		writes:  make(map[Key]int64),
	}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (r *MemoryRepository) CreateAccount(_ context.Context, key Key, initial int64) (Account, error) {
	if initial < 0 {
		return Account{}, ErrInvalidQuantity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[key]; ok {
		return Account{}, ErrDuplicateAccount
	}
	acc := &memoryAccount{lock: make(chan struct{}, 1), quantity: initial, updatedAt: r.clock()}
	r.accounts[key] = acc
	return Account{Key: key, Quantity: acc.quantity, UpdatedAt: acc.updatedAt}, nil
}

func (r *MemoryRepository) DeleteAccount(ctx context.Context, key Key) error {
	return r.WithTx(ctx, func(ctx context.Context, repo TxRepository) error {
		acc, err := repo.GetForUpdate(ctx, key)
		if err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if acc.Quantity != 0 || r.hasHistoryLocked(key) {
			return ErrAccountHasHistory
		}
		delete(r.accounts, key)
		return nil
	})
}

func (r *MemoryRepository) GetAccount(_ context.Context, key Key) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[key]
	if !ok {
		return Account{}, ErrNotFound
	}
	return Account{Key: key, Quantity: acc.quantity, UpdatedAt: acc.updatedAt}, nil
}

func (r *MemoryRepository) ListAccountsByBranch(_ context.Context, branchID int64) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	accounts := []Account{}
	for key, acc := range r.accounts {
		if key.BranchID != branchID {
			continue
		}
		accounts = append(accounts, Account{Key: key, Quantity: acc.quantity, UpdatedAt: acc.updatedAt})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].VariantID < accounts[j].VariantID })
	return accounts, nil
}

func (r *MemoryRepository) QueryLedger(_ context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLedgerLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := []LedgerEntry{}
	for _, entry := range r.ledger {
		if filter.VariantID != 0 && entry.VariantID != filter.VariantID {
			continue
		}
		if filter.BranchID != 0 && entry.BranchID != filter.BranchID {
			continue
		}
		if !filter.From.IsZero() && entry.RecordedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && entry.RecordedAt.After(filter.To) {
			continue
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Snapshot copies every account and ledger entry under one critical section.
func (r *MemoryRepository) Snapshot(_ context.Context) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{TakenAt: r.clock(), Entries: make([]LedgerEntry, len(r.ledger))}
	copy(snap.Entries, r.ledger)
	for key, acc := range r.accounts {
		snap.Accounts = append(snap.Accounts, Account{Key: key, Quantity: acc.quantity, UpdatedAt: acc.updatedAt})
	}
	sortEntries(snap.Entries)
	sortAccounts(snap.Accounts)
	return snap, nil
}

func (r *MemoryRepository) hasHistoryLocked(key Key) bool {
	for _, entry := range r.ledger {
		if entry.Key() == key {
			return true
		}
	}
	return false
}

func (tx *memoryTx) CreateLocked(_ context.Context, key Key) (Account, error) {
	if _, ok := tx.held[key]; ok {
		return Account{}, ErrDuplicateAccount
	}
	tx.repo.mu.Lock()
	_, exists := tx.repo.accounts[key]
	now := tx.repo.clock()
	tx.repo.mu.Unlock()
	if exists {
		return Account{}, ErrDuplicateAccount
	}
	acc := &memoryAccount{lock: make(chan struct{}, 1), updatedAt: now}
	acc.lock <- struct{}{}
	tx.held[key] = acc
	tx.created[key] = acc
	return Account{Key: key, UpdatedAt: now}, nil
}

func (tx *memoryTx) GetForUpdate(ctx context.Context, key Key) (Account, error) {
	if acc, ok := tx.held[key]; ok {
		return tx.view(key, acc), nil
	}
	tx.repo.mu.Lock()
	acc, ok := tx.repo.accounts[key]
	tx.repo.mu.Unlock()
	if !ok {
		return Account{}, ErrNotFound
	}
	select {
	case acc.lock <- struct{}{}:
	case <-ctx.Done():
		return Account{}, lockWaitError(ctx.Err())
	}
	tx.repo.mu.Lock()
	current, ok := tx.repo.accounts[key]
	tx.repo.mu.Unlock()
	if !ok || current != acc {
		<-acc.lock
		return Account{}, ErrNotFound
	}
	tx.held[key] = acc
	return tx.view(key, acc), nil
}

func (tx *memoryTx) SetQuantity(_ context.Context, key Key, quantity int64) error {
	if _, ok := tx.held[key]; !ok {
		return ErrLockNotHeld
	}
	if quantity < 0 {
		return fmt.Errorf("stock: refusing to store negative quantity %d for %s", quantity, key)
	}
	tx.writes[key] = quantity
	return nil
}

func (tx *memoryTx) Append(_ context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if entry.Quantity <= 0 {
		return LedgerEntry{}, ErrInvalidQuantity
	}
	repo := tx.repo
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if entry.RequestKey != "" {
		if _, dup := repo.requestKeys[entry.RequestKey]; dup {
			return LedgerEntry{}, ErrDuplicateRequest
		}
		for _, pending := range tx.entries {
			if pending.RequestKey == entry.RequestKey {
				return LedgerEntry{}, ErrDuplicateRequest
			}
		}
	}
	repo.nextID++
	entry.TransactionID = repo.nextID
	entry.RecordedAt = repo.clock()
	tx.entries = append(tx.entries, entry)
	return entry, nil
}

func (tx *memoryTx) view(key Key, acc *memoryAccount) Account {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	out := Account{Key: key, Quantity: acc.quantity, UpdatedAt: acc.updatedAt}
	if qty, ok := tx.writes[key]; ok {
		out.Quantity = qty
	}
	return out
}

func (tx *memoryTx) commit() error {
	repo := tx.repo
	repo.mu.Lock()
	defer repo.mu.Unlock()
	// A request key may have been committed by another transaction after
	// Append checked it; re-check before anything becomes visible.
	for _, entry := range tx.entries {
		if entry.RequestKey == "" {
			continue
		}
		if _, dup := repo.requestKeys[entry.RequestKey]; dup {
			return ErrDuplicateRequest
		}
	}
	for key := range tx.created {
		if _, dup := repo.accounts[key]; dup {
			return ErrDuplicateAccount
		}
	}
	now := repo.clock()
	for key, acc := range tx.created {
		repo.accounts[key] = acc
	}
	for key, qty := range tx.writes {
		acc := tx.held[key]
		acc.quantity = qty
		acc.updatedAt = now
	}
	for _, entry := range tx.entries {
		if entry.RequestKey != "" {
			repo.requestKeys[entry.RequestKey] = struct{}{}
		}
		repo.ledger = append(repo.ledger, entry)
	}
	return nil
}

func (tx *memoryTx) release() {
	for key, acc := range tx.held {
		<-acc.lock
		delete(tx.held, key)
	}
}

func lockWaitError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return transient("lock wait", err)
}

func sortEntries(entries []LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].RecordedAt.Equal(entries[j].RecordedAt) {
			return entries[i].TransactionID < entries[j].TransactionID
		}
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})
}

func sortAccounts(accounts []Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].BranchID == accounts[j].BranchID {
			return accounts[i].VariantID < accounts[j].VariantID
		}
		return accounts[i].BranchID < accounts[j].BranchID
	})
}
