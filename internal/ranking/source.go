package ranking

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/glamstock/glamstock/internal/stock"
)

// LedgerSource yields a consistent, committed-only view of accounts and
// ledger without taking account locks.
type LedgerSource interface {
	Snapshot(ctx context.Context) (stock.Snapshot, error)
}

// CostSource resolves the acquisition cost of each variant.
type CostSource interface {
	AcquisitionCosts(ctx context.Context) (map[int64]decimal.Decimal, error)
}

// PostgresCosts reads acquisition costs from the variants reference table.
type PostgresCosts struct {
	pool *pgxpool.Pool
}

// NewPostgresCosts constructs PostgresCosts.
func NewPostgresCosts(pool *pgxpool.Pool) *PostgresCosts {
	return &PostgresCosts{pool: pool}
}

func (p *PostgresCosts) AcquisitionCosts(ctx context.Context) (map[int64]decimal.Decimal, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, acquisition_price FROM variants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	costs := map[int64]decimal.Decimal{}
	for rows.Next() {
		var (
			id   int64
			cost decimal.Decimal
		)
		if err := rows.Scan(&id, &cost); err != nil {
			return nil, err
		}
		costs[id] = cost
	}
	return costs, rows.Err()
}

// StaticCosts serves fixed costs, used with the in-memory store.
type StaticCosts map[int64]decimal.Decimal

func (s StaticCosts) AcquisitionCosts(context.Context) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal, len(s))
	for id, cost := range s {
		out[id] = cost
	}
	return out, nil
}
