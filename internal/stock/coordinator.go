package stock

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glamstock/glamstock/internal/stock"

// RefreshTrigger is notified after every committed mutation. Implementations
// must not block the caller.
type RefreshTrigger interface {
	Trigger()
}

// CoordinatorConfig groups optional collaborators.
type CoordinatorConfig struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
	Refresh RefreshTrigger
}

// Coordinator is the single path through which stock changes are committed.
// Each call locks one account row, checks the balance, writes the new
// quantity and appends the ledger entry as one transaction.
type Coordinator struct {
	repo    RepositoryPort
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	refresh RefreshTrigger
}

// NewCoordinator builds Coordinator.
func NewCoordinator(repo RepositoryPort, cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Coordinator{
		repo:    repo,
		logger:  logger.With(slog.String("component", "stock.coordinator")),
		metrics: cfg.Metrics,
		tracer:  tracer,
		refresh: cfg.Refresh,
	}
}

// Apply commits one signed change against the (variant, branch) position.
// NotFound, InsufficientStock and Conflict are terminal; ErrTransient means
// nothing was committed and the caller may retry. No retry happens here.
func (c *Coordinator) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if err := validateApply(req); err != nil {
		c.metrics.observe("apply", outcomeOf(err))
		return ApplyResult{}, err
	}
	price := decimal.Zero
	if req.Reason.RequiresPrice() {
		price = *req.UnitPrice
	}
	m := mutation{Reason: req.Reason, Delta: req.Delta, UnitPrice: price}
	return c.applyWith(ctx, "apply", req.Key, req.ActorID, req.RequestKey, func(Account) (mutation, error) {
		return m, nil
	})
}

// Open creates the position and books a positive initial quantity as an
// adjustment_in in the same transaction, so a failed open leaves no row
// behind and can be retried.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (Account, error) {
	if err := validateOpen(req); err != nil {
		c.metrics.observe("open", outcomeOf(err))
		return Account{}, err
	}
	var opened Account
	_, err := c.run(ctx, "open", req.Key, req.ActorID, req.RequestKey,
		func(ctx context.Context, tx TxRepository) (Account, bool, error) {
			acc, err := tx.CreateLocked(ctx, req.Key)
			opened = acc
			return acc, true, err
		},
		func(Account) (mutation, error) {
			return mutation{Reason: ReasonAdjustmentIn, Delta: req.Initial, UnitPrice: decimal.Zero}, nil
		})
	if err != nil {
		return Account{}, err
	}
	opened.Key = req.Key
	opened.Quantity = req.Initial
	return opened, nil
}

type mutation struct {
	Reason    ReasonCode
	Delta     int64
	UnitPrice decimal.Decimal
}

// planFunc decides the mutation once the row lock is held and the current
// balance is known. A zero Delta commits nothing.
type planFunc func(current Account) (mutation, error)

// acquireFunc returns the locked account a plan operates on and whether the
// transaction created it.
type acquireFunc func(ctx context.Context, tx TxRepository) (Account, bool, error)

func (c *Coordinator) applyWith(ctx context.Context, op string, key Key, actorID int64, requestKey string, plan planFunc) (ApplyResult, error) {
	return c.run(ctx, op, key, actorID, requestKey, func(ctx context.Context, tx TxRepository) (Account, bool, error) {
		acc, err := tx.GetForUpdate(ctx, key)
		return acc, false, err
	}, plan)
}

func (c *Coordinator) run(ctx context.Context, op string, key Key, actorID int64, requestKey string, acquire acquireFunc, plan planFunc) (ApplyResult, error) {
	ctx, span := c.tracer.Start(ctx, "stock."+op, trace.WithAttributes(
		attribute.Int64("stock.variant_id", key.VariantID),
		attribute.Int64("stock.branch_id", key.BranchID),
		attribute.Int64("stock.actor_id", actorID),
	))
	defer span.End()

	var (
		result  ApplyResult
		applied LedgerEntry
		created bool
	)
	err := c.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acc, isNew, err := acquire(ctx, tx)
		if err != nil {
			return err
		}
		created = isNew
		m, err := plan(acc)
		if err != nil {
			return err
		}
		if m.Delta == 0 {
			result = ApplyResult{NewQuantity: acc.Quantity}
			return nil
		}
		if overflows(acc.Quantity, m.Delta) {
			return ErrInvalidQuantity
		}
		newQty := acc.Quantity + m.Delta
		if newQty < 0 {
			return &InsufficientStockError{Key: key, Current: acc.Quantity, Requested: -m.Delta}
		}
		if err := tx.SetQuantity(ctx, key, newQty); err != nil {
			return err
		}
		entry, err := tx.Append(ctx, LedgerEntry{
			VariantID:  key.VariantID,
			BranchID:   key.BranchID,
			Reason:     m.Reason,
			ActorID:    actorID,
			Quantity:   abs(m.Delta),
			UnitPrice:  m.UnitPrice,
			RequestKey: requestKey,
		})
		if err != nil {
			return err
		}
		applied = entry
		result = ApplyResult{NewQuantity: newQty, TransactionID: entry.TransactionID, Changed: true}
		return nil
	})
	if err != nil {
		err = classify(err)
		outcome := outcomeOf(err)
		c.metrics.observe(op, outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		level := slog.LevelInfo
		if outcome == outcomeTransient || outcome == outcomeError {
			level = slog.LevelWarn
		}
		c.logger.Log(ctx, level, "stock mutation rejected",
			slog.String("op", op),
			slog.Int64("variant_id", key.VariantID),
			slog.Int64("branch_id", key.BranchID),
			slog.Int64("actor_id", actorID),
			slog.String("outcome", outcome),
			slog.Any("error", err))
		return ApplyResult{}, err
	}
	if !result.Changed {
		if created {
			c.metrics.observe(op, outcomeCommitted)
		} else {
			c.metrics.observe(op, outcomeNoop)
		}
		return result, nil
	}
	c.metrics.observe(op, outcomeCommitted)
	span.SetAttributes(attribute.Int64("stock.transaction_id", applied.TransactionID))
	c.logger.Info("stock mutation committed",
		slog.String("op", op),
		slog.Int64("transaction_id", applied.TransactionID),
		slog.Int64("variant_id", key.VariantID),
		slog.Int64("branch_id", key.BranchID),
		slog.String("reason", string(applied.Reason)),
		slog.Int64("delta", applied.SignedDelta()),
		slog.Int64("actor_id", actorID),
		slog.Int64("new_quantity", result.NewQuantity))
	if c.refresh != nil {
		c.refresh.Trigger()
	}
	return result, nil
}

func validateApply(req ApplyRequest) error {
	if err := validateCommon(req.Key, req.ActorID, req.RequestKey); err != nil {
		return err
	}
	if !req.Reason.Valid() {
		return ErrUnknownReason
	}
	if req.Delta == 0 || req.Delta == math.MinInt64 {
		return ErrInvalidQuantity
	}
	if (req.Delta > 0) != (req.Reason.Direction() > 0) {
		return ErrDirectionMismatch
	}
	if req.UnitPrice == nil {
		if req.Reason.RequiresPrice() {
			return ErrPriceRequired
		}
		return nil
	}
	return validatePrice(*req.UnitPrice)
}

func validateOpen(req OpenRequest) error {
	if err := req.Key.validate(); err != nil {
		return err
	}
	if req.Initial < 0 {
		return ErrInvalidQuantity
	}
	if req.Initial > 0 || req.RequestKey != "" {
		return validateCommon(req.Key, req.ActorID, req.RequestKey)
	}
	return nil
}

// validatePrice accepts non-negative prices with at most two decimal places,
// the precision the ledger stores.
func validatePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return ErrInvalidPrice
	}
	if !price.Equal(price.Round(priceScale)) {
		return ErrPricePrecision
	}
	return nil
}

const priceScale = 2

// overflows reports whether current+delta leaves the int64 range.
func overflows(current, delta int64) bool {
	return delta == math.MinInt64 || (delta > 0 && current > math.MaxInt64-delta)
}

func validateCommon(key Key, actorID int64, requestKey string) error {
	if err := key.validate(); err != nil {
		return err
	}
	if actorID <= 0 {
		return ErrInvalidActor
	}
	if requestKey != "" {
		if _, err := uuid.Parse(requestKey); err != nil {
			return ErrInvalidRequestKey
		}
	}
	return nil
}

const (
	outcomeCommitted    = "committed"
	outcomeNoop         = "noop"
	outcomeNotFound     = "not_found"
	outcomeInsufficient = "insufficient_stock"
	outcomeConflict     = "conflict"
	outcomeTransient    = "transient"
	outcomeInvalid      = "invalid"
	outcomeCanceled     = "canceled"
	outcomeError        = "error"
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeCommitted
	case errors.Is(err, ErrInsufficientStock):
		return outcomeInsufficient
	case errors.Is(err, ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, ErrConflict):
		return outcomeConflict
	case errors.Is(err, ErrTransient):
		return outcomeTransient
	case errors.Is(err, context.Canceled):
		return outcomeCanceled
	case IsValidation(err):
		return outcomeInvalid
	default:
		return outcomeError
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
