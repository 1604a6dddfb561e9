package stock

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/glamstock/glamstock/internal/platform/httpx"
)

// ActorHeader carries the authenticated operator id, verified upstream.
const ActorHeader = "X-Actor-ID"

// Handler exposes the stock API over JSON.
type Handler struct {
	logger     *slog.Logger
	accounts   *Accounts
	policy     *SalePolicy
	ledger     *LedgerReader
	retryAfter time.Duration
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, accounts *Accounts, policy *SalePolicy, ledger *LedgerReader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, accounts: accounts, policy: policy, ledger: ledger, retryAfter: time.Second}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reasons", h.handleReasons)
	r.Get("/ledger", h.handleLedger)
	r.Get("/branches/{branch}/accounts", h.handleListBranch)
	r.Get("/accounts/{variant}/{branch}", h.handleGetAccount)
	r.Group(func(r chi.Router) {
		r.Use(requireActor)
		r.Post("/accounts", h.handleOpenAccount)
		r.Delete("/accounts/{variant}/{branch}", h.handleCloseAccount)
		r.Put("/accounts/{variant}/{branch}/quantity", h.handleSetQuantity)
		r.Post("/sales", h.handleSale)
		r.Post("/write-offs", h.handleWriteOff)
		r.Post("/adjustments", h.handleAdjustment)
	})
}

type openAccountRequest struct {
	VariantID int64 `json:"variant_id" validate:"required,gt=0"`
	BranchID  int64 `json:"branch_id" validate:"required,gt=0"`
	Initial   int64 `json:"initial_quantity" validate:"gte=0"`
}

type saleRequest struct {
	VariantID  int64            `json:"variant_id" validate:"required,gt=0"`
	BranchID   int64            `json:"branch_id" validate:"required,gt=0"`
	Quantity   int64            `json:"quantity" validate:"required,gt=0"`
	UnitPrice  *decimal.Decimal `json:"unit_price" validate:"required"`
	RequestKey string           `json:"request_key" validate:"omitempty,uuid"`
}

type writeOffRequest struct {
	VariantID  int64  `json:"variant_id" validate:"required,gt=0"`
	BranchID   int64  `json:"branch_id" validate:"required,gt=0"`
	Quantity   int64  `json:"quantity" validate:"required,gt=0"`
	RequestKey string `json:"request_key" validate:"omitempty,uuid"`
}

type adjustmentRequest struct {
	VariantID  int64  `json:"variant_id" validate:"required,gt=0"`
	BranchID   int64  `json:"branch_id" validate:"required,gt=0"`
	Delta      int64  `json:"delta" validate:"required,ne=0"`
	RequestKey string `json:"request_key" validate:"omitempty,uuid"`
}

type setQuantityRequest struct {
	Quantity   *int64 `json:"quantity" validate:"required,gte=0"`
	RequestKey string `json:"request_key" validate:"omitempty,uuid"`
}

type accountResponse struct {
	VariantID int64     `json:"variant_id"`
	BranchID  int64     `json:"branch_id"`
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

type applyResponse struct {
	TransactionID int64 `json:"transaction_id,omitempty"`
	NewQuantity   int64 `json:"new_quantity"`
	Changed       bool  `json:"changed"`
}

type ledgerEntryResponse struct {
	TransactionID int64           `json:"transaction_id"`
	VariantID     int64           `json:"variant_id"`
	BranchID      int64           `json:"branch_id"`
	Reason        ReasonCode      `json:"reason"`
	ActorID       int64           `json:"actor_id"`
	Quantity      int64           `json:"quantity"`
	Delta         int64           `json:"delta"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	RecordedAt    time.Time       `json:"recorded_at"`
	RequestKey    string          `json:"request_key,omitempty"`
}

type reasonResponse struct {
	Code          ReasonCode `json:"code"`
	Label         string     `json:"label"`
	Direction     int64      `json:"direction"`
	RequiresPrice bool       `json:"requires_price"`
}

type insufficientProblem struct {
	httpx.ProblemDetail
	Current   int64 `json:"current"`
	Requested int64 `json:"requested"`
}

func (h *Handler) handleReasons(w http.ResponseWriter, _ *http.Request) {
	out := make([]reasonResponse, 0, len(Reasons()))
	for _, code := range Reasons() {
		out = append(out, reasonResponse{Code: code, Label: code.Label(), Direction: code.Direction(), RequiresPrice: code.RequiresPrice()})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		filter LedgerFilter
		err    error
	)
	if filter.VariantID, err = optionalID(q.Get("variant_id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	if filter.BranchID, err = optionalID(q.Get("branch_id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	if filter.From, err = parseDate(q.Get("from"), false); err != nil {
		h.respondError(w, r, err)
		return
	}
	if filter.To, err = parseDate(q.Get("to"), true); err != nil {
		h.respondError(w, r, err)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, convErr := strconv.Atoi(raw)
		if convErr != nil || limit <= 0 {
			h.respondError(w, r, fmt.Errorf("%w: limit", httpx.ErrBadParam))
			return
		}
		filter.Limit = limit
	}
	entries, err := h.ledger.Query(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryResponse{
			TransactionID: e.TransactionID,
			VariantID:     e.VariantID,
			BranchID:      e.BranchID,
			Reason:        e.Reason,
			ActorID:       e.ActorID,
			Quantity:      e.Quantity,
			Delta:         e.SignedDelta(),
			UnitPrice:     e.UnitPrice,
			RecordedAt:    e.RecordedAt,
			RequestKey:    e.RequestKey,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleListBranch(w http.ResponseWriter, r *http.Request) {
	branchID, err := pathID(r, "branch")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	accounts, err := h.accounts.ListByBranch(r.Context(), branchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, toAccountResponse(acc))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	acc, err := h.accounts.Get(r.Context(), key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(acc))
}

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	acc, err := h.accounts.Open(r.Context(), Key{VariantID: req.VariantID, BranchID: req.BranchID}, req.Initial, actorFrom(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountResponse(acc))
}

func (h *Handler) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.accounts.Close(r.Context(), key); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.policy.Sell(r.Context(), SaleRequest{
		Key:        Key{VariantID: req.VariantID, BranchID: req.BranchID},
		Quantity:   req.Quantity,
		UnitPrice:  req.UnitPrice,
		ActorID:    actorFrom(r),
		RequestKey: req.RequestKey,
	})
	h.respondApply(w, r, res, err)
}

func (h *Handler) handleWriteOff(w http.ResponseWriter, r *http.Request) {
	var req writeOffRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.policy.WriteOff(r.Context(), WriteOffRequest{
		Key:        Key{VariantID: req.VariantID, BranchID: req.BranchID},
		Quantity:   req.Quantity,
		ActorID:    actorFrom(r),
		RequestKey: req.RequestKey,
	})
	h.respondApply(w, r, res, err)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.policy.Adjust(r.Context(), AdjustRequest{
		Key:        Key{VariantID: req.VariantID, BranchID: req.BranchID},
		Delta:      req.Delta,
		ActorID:    actorFrom(r),
		RequestKey: req.RequestKey,
	})
	h.respondApply(w, r, res, err)
}

func (h *Handler) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req setQuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.policy.SetQuantity(r.Context(), SetQuantityRequest{
		Key:        key,
		Target:     *req.Quantity,
		ActorID:    actorFrom(r),
		RequestKey: req.RequestKey,
	})
	h.respondApply(w, r, res, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := httpx.Validate(target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) respondApply(w http.ResponseWriter, r *http.Request, res ApplyResult, err error) {
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Changed {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, applyResponse{TransactionID: res.TransactionID, NewQuantity: res.NewQuantity, Changed: res.Changed})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var short *InsufficientStockError
	switch {
	case errors.As(err, &short):
		httpx.ProblemBody(w, http.StatusConflict, insufficientProblem{
			ProblemDetail: httpx.ProblemDetail{Title: "Insufficient Stock", Status: http.StatusConflict, Detail: short.Error()},
			Current:       short.Current,
			Requested:     short.Requested,
		})
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrTransient):
		httpx.RetryAfter(w, h.retryAfter)
		httpx.Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", "the stock change was not applied; retry the request")
	case IsValidation(err):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if !errors.Is(err, httpx.ErrBadParam) && !errors.Is(err, httpx.ErrUnauthorized) {
			h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorFrom(r) <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: missing or invalid %s header", httpx.ErrUnauthorized, ActorHeader))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.Header.Get(ActorHeader), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func pathKey(r *http.Request) (Key, error) {
	variantID, err := pathID(r, "variant")
	if err != nil {
		return Key{}, err
	}
	branchID, err := pathID(r, "branch")
	if err != nil {
		return Key{}, err
	}
	return Key{VariantID: variantID, BranchID: branchID}, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s", httpx.ErrBadParam, name)
	}
	return id, nil
}

func optionalID(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", httpx.ErrBadParam, raw)
	}
	return id, nil
}

// parseDate accepts RFC3339 or YYYY-MM-DD; a bare end date covers the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", httpx.ErrBadParam, raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func toAccountResponse(acc Account) accountResponse {
	return accountResponse{VariantID: acc.VariantID, BranchID: acc.BranchID, Quantity: acc.Quantity, UpdatedAt: acc.UpdatedAt}
}
