package stock

import (
	"context"

	"github.com/shopspring/decimal"
)

// SalePolicy admits sales, write-offs and manual corrections through the
// Coordinator. Every operation is all-or-nothing.
type SalePolicy struct {
	coord *Coordinator
}

// NewSalePolicy constructs SalePolicy.
func NewSalePolicy(coord *Coordinator) *SalePolicy {
	return &SalePolicy{coord: coord}
}

// Sell decrements stock by req.Quantity and records a sale at req.UnitPrice.
// When stock is short the returned *InsufficientStockError reports both the
// available and the requested quantity.
func (p *SalePolicy) Sell(ctx context.Context, req SaleRequest) (ApplyResult, error) {
	if req.Quantity <= 0 {
		return ApplyResult{}, ErrInvalidQuantity
	}
	if req.UnitPrice == nil {
		return ApplyResult{}, ErrPriceRequired
	}
	if err := validatePrice(*req.UnitPrice); err != nil {
		return ApplyResult{}, err
	}
	return p.coord.Apply(ctx, ApplyRequest{
		Key:        req.Key,
		Reason:     ReasonSale,
		Delta:      -req.Quantity,
		ActorID:    req.ActorID,
		UnitPrice:  req.UnitPrice,
		RequestKey: req.RequestKey,
	})
}

// WriteOff removes damaged or lost units.
func (p *SalePolicy) WriteOff(ctx context.Context, req WriteOffRequest) (ApplyResult, error) {
	if req.Quantity <= 0 {
		return ApplyResult{}, ErrInvalidQuantity
	}
	return p.coord.Apply(ctx, ApplyRequest{
		Key:        req.Key,
		Reason:     ReasonWriteOff,
		Delta:      -req.Quantity,
		ActorID:    req.ActorID,
		RequestKey: req.RequestKey,
	})
}

// Adjust applies a signed manual correction, choosing the in or out reason
// from the sign of the delta.
func (p *SalePolicy) Adjust(ctx context.Context, req AdjustRequest) (ApplyResult, error) {
	if req.Delta == 0 {
		return ApplyResult{}, ErrInvalidQuantity
	}
	return p.coord.Apply(ctx, ApplyRequest{
		Key:        req.Key,
		Reason:     adjustmentReason(req.Delta),
		Delta:      req.Delta,
		ActorID:    req.ActorID,
		RequestKey: req.RequestKey,
	})
}

// SetQuantity moves the position to req.Target. The delta is computed while
// the row lock is held, so a concurrent mutation cannot be overwritten.
// Reaching a target equal to the current quantity commits nothing.
func (p *SalePolicy) SetQuantity(ctx context.Context, req SetQuantityRequest) (ApplyResult, error) {
	if req.Target < 0 {
		return ApplyResult{}, ErrNegativeTarget
	}
	if err := validateCommon(req.Key, req.ActorID, req.RequestKey); err != nil {
		return ApplyResult{}, err
	}
	return p.coord.applyWith(ctx, "set_quantity", req.Key, req.ActorID, req.RequestKey, func(current Account) (mutation, error) {
		delta := req.Target - current.Quantity
		if delta == 0 {
			return mutation{}, nil
		}
		return mutation{Reason: adjustmentReason(delta), Delta: delta, UnitPrice: decimal.Zero}, nil
	})
}

func adjustmentReason(delta int64) ReasonCode {
	if delta > 0 {
		return ReasonAdjustmentIn
	}
	return ReasonAdjustmentOut
}
