package ranking

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/glamstock/glamstock/internal/platform/httpx"
)

// Handler serves the derived rankings.
type Handler struct {
	logger    *slog.Logger
	refresher *Refresher
}

// NewHandler constructs ranking handler.
func NewHandler(logger *slog.Logger, refresher *Refresher) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, refresher: refresher}
}

// MountRoutes registers ranking routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleLatest)
	r.Post("/refresh", h.handleRefresh)
}

type branchView struct {
	GeneratedAt     time.Time     `json:"generated_at"`
	LedgerWatermark int64         `json:"ledger_watermark"`
	Ranking         BranchRanking `json:"ranking"`
	Summary         BranchSummary `json:"summary"`
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := h.refresher.Latest(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	raw := r.URL.Query().Get("branch_id")
	if raw == "" {
		httpx.JSON(w, http.StatusOK, snap)
		return
	}
	branchID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || branchID <= 0 {
		httpx.RespondError(w, httpx.ErrBadParam)
		return
	}
	ranking, summary, ok := snap.Branch(branchID)
	if !ok {
		ranking = BranchRanking{BranchID: branchID, MostSold: []VariantRanking{}, LeastSold: []VariantRanking{}}
		summary = BranchSummary{BranchID: branchID}
	}
	httpx.JSON(w, http.StatusOK, branchView{
		GeneratedAt:     snap.GeneratedAt,
		LedgerWatermark: snap.LedgerWatermark,
		Ranking:         ranking,
		Summary:         summary,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := h.refresher.Refresh(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrBusy) {
		httpx.RetryAfter(w, time.Second)
		httpx.Problem(w, http.StatusServiceUnavailable, "Refresh In Progress", err.Error())
		return
	}
	h.logger.Error("rankings request failed", slog.Any("error", err))
	httpx.RetryAfter(w, 5*time.Second)
	httpx.Problem(w, http.StatusServiceUnavailable, "Rankings Unavailable", "")
}
