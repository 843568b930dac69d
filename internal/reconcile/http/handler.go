package reconcilehttp

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/smashbros/backoffice/internal/discrepancy"
	"github.com/smashbros/backoffice/internal/platform/httpx"
	"github.com/smashbros/backoffice/internal/reconcile"
	"github.com/smashbros/backoffice/internal/shift"
)

// Problem type codes returned by the reconciliation endpoints.
const (
	ProblemInvalidKey       = "invalid_shift_key"
	ProblemNotProcessed     = "shift_not_processed"
	ProblemProcessingFailed = "processing_failed"
)

// Reconciler produces reconciliation results. *reconcile.Service satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, shiftKey string) (reconcile.Result, error)
}

// Handler exposes reconciliation endpoints.
type Handler struct {
	logger         *slog.Logger
	service        Reconciler
	calc           *shift.Calculator
	toleranceMinor int64
}

// NewHandler constructs handler.
func NewHandler(logger *slog.Logger, service Reconciler, calc *shift.Calculator, toleranceMinor int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, calc: calc, toleranceMinor: toleranceMinor}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/shifts/{key}/reconciliation", h.show)
	r.Get("/shifts/{key}/reconciliation/export", h.export)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	res, ok := h.reconcile(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	res, ok := h.reconcile(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=reconciliation-%s.csv", res.ShiftKey))
	writer := csv.NewWriter(w)
	for _, row := range exportRows(res, h.toleranceMinor) {
		if err := writer.Write(row); err != nil {
			h.logger.Warn("write reconciliation csv", slog.String("shift_key", res.ShiftKey), slog.Any("error", err))
			break
		}
	}
	writer.Flush()
}

// reconcile loads the result, coalescing concurrent requests for one shift.
func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) (reconcile.Result, bool) {
	window, err := h.calc.WindowForKey(chi.URLParam(r, "key"))
	if err != nil {
		httpx.ProblemType(w, http.StatusBadRequest, ProblemInvalidKey, "Invalid Shift Key", err.Error())
		return reconcile.Result{}, false
	}
	key := window.Key()
	val, err, _ := singleflightReconcile(r.Context(), key, func(ctx context.Context) (interface{}, error) {
		return h.service.Reconcile(ctx, key)
	})
	switch {
	case err == nil:
		return val.(reconcile.Result), true
	case errors.Is(err, reconcile.ErrNoSnapshot):
		httpx.ProblemType(w, http.StatusNotFound, ProblemNotProcessed, "Shift Not Processed", "no snapshot stored for "+key)
	case errors.Is(err, reconcile.ErrProcessingFailed):
		httpx.ProblemType(w, http.StatusConflict, ProblemProcessingFailed, "Processing Failed", err.Error())
	default:
		h.logger.Error("reconcile shift", slog.String("shift_key", key), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
	return reconcile.Result{}, false
}

func exportRows(res reconcile.Result, toleranceMinor int64) [][]string {
	rows := discrepancy.ExportRows(reconcile.AxisIngredients, res.Discrepancies)
	items := discrepancy.ExportRows(reconcile.AxisItems, res.ItemDiscrepancies)
	rows = append(rows, items[1:]...)
	rows = append(rows, []string{
		"banking",
		"cash_plus_qr",
		major(res.TotalSalesMinor),
		major(res.CashBankedMinor + res.QRTransferredMinor),
		major(res.BankingDifferenceMinor),
		major(toleranceMinor),
		strconv.FormatBool(!res.IsBalanced),
		"",
	})
	return rows
}

func major(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
