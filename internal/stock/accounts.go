package stock

import (
	"context"
	"log/slog"
)

// Accounts manages the lifecycle of stock positions. Opening stock is booked
// as an adjustment so the ledger always explains the current quantity.
type Accounts struct {
	repo   RepositoryPort
	policy *SalePolicy
	logger *slog.Logger
}

// NewAccounts constructs Accounts.
func NewAccounts(repo RepositoryPort, policy *SalePolicy, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{repo: repo, policy: policy, logger: logger.With(slog.String("component", "stock.accounts"))}
}

// Open creates the position and, when initial is positive, books the opening
// balance as an adjustment_in by actorID. Both happen in one transaction.
func (a *Accounts) Open(ctx context.Context, key Key, initial, actorID int64) (Account, error) {
	acc, err := a.policy.coord.Open(ctx, OpenRequest{Key: key, Initial: initial, ActorID: actorID})
	if err != nil {
		return Account{}, err
	}
	a.logger.Info("stock position opened",
		slog.Int64("variant_id", key.VariantID),
		slog.Int64("branch_id", key.BranchID),
		slog.Int64("initial", initial))
	return acc, nil
}

// Close removes an empty position without ledger history.
func (a *Accounts) Close(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := a.repo.DeleteAccount(ctx, key); err != nil {
		return err
	}
	a.logger.Info("stock position closed",
		slog.Int64("variant_id", key.VariantID),
		slog.Int64("branch_id", key.BranchID))
	return nil
}

// Get returns one position.
func (a *Accounts) Get(ctx context.Context, key Key) (Account, error) {
	if err := key.validate(); err != nil {
		return Account{}, err
	}
	return a.repo.GetAccount(ctx, key)
}

// ListByBranch returns every position held at branchID ordered by variant.
func (a *Accounts) ListByBranch(ctx context.Context, branchID int64) ([]Account, error) {
	if branchID <= 0 {
		return nil, ErrInvalidKey
	}
	return a.repo.ListAccountsByBranch(ctx, branchID)
}
