package stock

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReasonCode classifies why a stock position changed.
type ReasonCode string

const (
	// ReasonSale records a customer sale.
	ReasonSale ReasonCode = "sale"
	// ReasonWriteOff records damaged, lost or expired goods.
	ReasonWriteOff ReasonCode = "write_off"
	// ReasonAdjustmentIn records a manual stock-in correction.
	ReasonAdjustmentIn ReasonCode = "adjustment_in"
	// ReasonAdjustmentOut records a manual stock-out correction.
	ReasonAdjustmentOut ReasonCode = "adjustment_out"
)

// admissionRule describes how a reason code moves stock.
type admissionRule struct {
	direction     int64
	requiresPrice bool
	label         string
}

var admissionRules = map[ReasonCode]admissionRule{
	ReasonSale:          {direction: -1, requiresPrice: true, label: "Sale"},
	ReasonWriteOff:      {direction: -1, label: "Write-off"},
	ReasonAdjustmentIn:  {direction: 1, label: "Stock-in adjustment"},
	ReasonAdjustmentOut: {direction: -1, label: "Stock-out adjustment"},
}

// Reasons lists the reason codes in catalogue order.
func Reasons() []ReasonCode {
	return []ReasonCode{ReasonSale, ReasonWriteOff, ReasonAdjustmentIn, ReasonAdjustmentOut}
}

// ParseReasonCode converts raw input into a known reason code.
func ParseReasonCode(raw string) (ReasonCode, error) {
	code := ReasonCode(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := admissionRules[code]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownReason, raw)
	}
	return code, nil
}

// Valid reports whether the code belongs to the closed catalogue.
func (r ReasonCode) Valid() bool {
	_, ok := admissionRules[r]
	return ok
}

// Direction returns +1 for inbound reasons and -1 for outbound ones.
func (r ReasonCode) Direction() int64 {
	return admissionRules[r].direction
}

// RequiresPrice reports whether ledger entries of this reason must carry a unit price.
func (r ReasonCode) RequiresPrice() bool {
	return admissionRules[r].requiresPrice
}

// Label returns the human readable name of the reason.
func (r ReasonCode) Label() string {
	if rule, ok := admissionRules[r]; ok {
		return rule.label
	}
	return string(r)
}

// Key identifies one stock position.
type Key struct {
	VariantID int64
	BranchID  int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.VariantID, k.BranchID)
}

func (k Key) validate() error {
	if k.VariantID <= 0 || k.BranchID <= 0 {
		return ErrInvalidKey
	}
	return nil
}

// Account is the current quantity of one variant at one branch.
type Account struct {
	Key
	Quantity  int64
	UpdatedAt time.Time
}

// LedgerEntry is the immutable record of one committed stock mutation.
type LedgerEntry struct {
	TransactionID int64
	VariantID     int64
	BranchID      int64
	Reason        ReasonCode
	ActorID       int64
	Quantity      int64
	UnitPrice     decimal.Decimal
	RecordedAt    time.Time
	RequestKey    string
}

// Key returns the stock position the entry belongs to.
func (e LedgerEntry) Key() Key {
	return Key{VariantID: e.VariantID, BranchID: e.BranchID}
}

// SignedDelta restores the signed quantity change implied by the reason code.
func (e LedgerEntry) SignedDelta() int64 {
	return e.Reason.Direction() * e.Quantity
}

// LedgerFilter narrows ledger queries. Zero values mean "any".
type LedgerFilter struct {
	VariantID int64
	BranchID  int64
	From      time.Time
	To        time.Time
	Limit     int
}

// ApplyRequest is the single mutation primitive accepted by the Coordinator.
// UnitPrice is required for sales and ignored for every other reason.
type ApplyRequest struct {
	Key        Key
	Reason     ReasonCode
	Delta      int64
	ActorID    int64
	UnitPrice  *decimal.Decimal
	RequestKey string
}

// OpenRequest creates a position with an optional opening balance.
type OpenRequest struct {
	Key        Key
	Initial    int64
	ActorID    int64
	RequestKey string
}

// ApplyResult reports the committed outcome of a mutation.
type ApplyResult struct {
	NewQuantity   int64
	TransactionID int64
	Changed       bool
}

// SaleRequest sells Quantity units at UnitPrice.
type SaleRequest struct {
	Key        Key
	Quantity   int64
	UnitPrice  *decimal.Decimal
	ActorID    int64
	RequestKey string
}

// WriteOffRequest removes Quantity units from stock.
type WriteOffRequest struct {
	Key        Key
	Quantity   int64
	ActorID    int64
	RequestKey string
}

// AdjustRequest applies a signed manual correction.
type AdjustRequest struct {
	Key        Key
	Delta      int64
	ActorID    int64
	RequestKey string
}

// SetQuantityRequest moves a position to an absolute quantity.
type SetQuantityRequest struct {
	Key        Key
	Target     int64
	ActorID    int64
	RequestKey string
}
