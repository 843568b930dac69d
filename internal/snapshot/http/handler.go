package snapshothttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/smashbros/backoffice/internal/platform/httpx"
	"github.com/smashbros/backoffice/internal/pos"
	"github.com/smashbros/backoffice/internal/shift"
	"github.com/smashbros/backoffice/internal/snapshot"
	"github.com/smashbros/backoffice/jobs"
)

// Problem type codes returned by the snapshot endpoints.
const (
	ProblemInvalidKey        = "invalid_shift_key"
	ProblemNotProcessed      = "shift_not_processed"
	ProblemProcessingFailed  = "processing_failed"
	ProblemRebuildInProgress = "rebuild_in_progress"
	ProblemSourceUnavailable = "source_unavailable"
)

// Service is the snapshot surface used by the handler. *snapshot.Builder satisfies it.
type Service interface {
	Get(ctx context.Context, shiftKey string) (snapshot.Snapshot, error)
	Run(ctx context.Context, shiftKey string) (snapshot.Run, error)
	MarkPending(ctx context.Context, shiftKey string) error
	MarkFailed(ctx context.Context, shiftKey, msg string) error
	Rebuild(ctx context.Context, window shift.Window, storeID string) (snapshot.Snapshot, error)
}

// Enqueuer submits background rebuilds. *jobs.Client satisfies it.
type Enqueuer interface {
	EnqueueSnapshotRebuild(ctx context.Context, payload jobs.SnapshotRebuildPayload) (*asynq.TaskInfo, error)
}

// Handler exposes shift and snapshot endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Service
	calc      *shift.Calculator
	jobs      Enqueuer
	validator *validator.Validate
	clock     func() time.Time
}

// NewHandler constructs the handler. A nil enqueuer makes every rebuild synchronous.
func NewHandler(logger *slog.Logger, service Service, calc *shift.Calculator, enqueuer Enqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		calc:      calc,
		jobs:      enqueuer,
		validator: validator.New(),
		clock:     time.Now,
	}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(6, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP, shiftKeyFromPath),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "snapshot rebuild rate limit exceeded")
		}),
	)

	r.Get("/shifts/current", h.current)
	r.Get("/shifts/{key}/snapshot", h.show)
	r.Get("/shifts/{key}/snapshot/status", h.status)
	r.With(limiter).Post("/shifts/{key}/snapshot", h.rebuild)
}

type windowView struct {
	Key   string    `json:"shift_key"`
	Start time.Time `json:"start_utc"`
	End   time.Time `json:"end_utc"`
}

func viewOf(w shift.Window) windowView {
	return windowView{Key: w.Key(), Start: w.Start, End: w.End}
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	httpx.JSON(w, http.StatusOK, map[string]any{
		"current":     viewOf(h.calc.ComputeWindow(now)),
		"last_closed": viewOf(h.calc.LastClosed(now)),
	})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	snap, err := h.service.Get(r.Context(), window.Key())
	if err != nil {
		h.respondMissing(w, r, window.Key(), err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	run, err := h.service.Run(r.Context(), window.Key())
	if errors.Is(err, snapshot.ErrRunNotFound) {
		httpx.ProblemType(w, http.StatusNotFound, ProblemNotProcessed, "Shift Not Processed", "no rebuild recorded for "+window.Key())
		return
	}
	if err != nil {
		h.logger.Error("load snapshot run", slog.String("shift_key", window.Key()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

type rebuildRequest struct {
	StoreID string `json:"store_id" validate:"omitempty,max=64,printascii"`
	Async   bool   `json:"async"`
}

func (h *Handler) rebuild(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	var req rebuildRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.RespondError(w, fmt.Errorf("%w: malformed JSON body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	logger := h.logger.With(slog.String("shift_key", window.Key()))

	if req.Async && h.jobs != nil {
		// PENDING goes first so a fast worker's READY is never overwritten.
		if err := h.service.MarkPending(r.Context(), window.Key()); err != nil {
			logger.Warn("mark snapshot pending", slog.Any("error", err))
		}
		_, err := h.jobs.EnqueueSnapshotRebuild(r.Context(), jobs.SnapshotRebuildPayload{ShiftKey: window.Key(), StoreID: req.StoreID})
		if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
			logger.Error("enqueue snapshot rebuild", slog.Any("error", err))
			if err := h.service.MarkFailed(context.WithoutCancel(r.Context()), window.Key(), "enqueue: "+err.Error()); err != nil {
				logger.Warn("mark snapshot failed", slog.Any("error", err))
			}
			httpx.RespondError(w, fmt.Errorf("%w: job queue: %v", httpx.ErrUnavailable, err))
			return
		}
		httpx.JSON(w, http.StatusAccepted, snapshot.Run{ShiftKey: window.Key(), Status: snapshot.RunPending, UpdatedAt: h.clock().UTC()})
		return
	}

	snap, err := h.service.Rebuild(r.Context(), window, req.StoreID)
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, snap)
	case errors.Is(err, snapshot.ErrConcurrentRebuild):
		httpx.ProblemType(w, http.StatusConflict, ProblemRebuildInProgress, "Rebuild In Progress", err.Error())
	case errors.Is(err, pos.ErrSourceAuth), errors.Is(err, pos.ErrSourceUnavailable):
		httpx.ProblemType(w, http.StatusBadGateway, ProblemSourceUnavailable, "Source Unavailable", err.Error())
	default:
		httpx.RespondError(w, err)
	}
}

// respondMissing distinguishes a shift never built from one whose last
// rebuild failed.
func (h *Handler) respondMissing(w http.ResponseWriter, r *http.Request, key string, err error) {
	if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
		h.logger.Error("load snapshot", slog.String("shift_key", key), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if run, runErr := h.service.Run(r.Context(), key); runErr == nil && run.Status == snapshot.RunFailed {
		httpx.ProblemType(w, http.StatusConflict, ProblemProcessingFailed, "Processing Failed", run.Error)
		return
	}
	httpx.ProblemType(w, http.StatusNotFound, ProblemNotProcessed, "Shift Not Processed", "no snapshot stored for "+key)
}

func (h *Handler) window(w http.ResponseWriter, r *http.Request) (shift.Window, bool) {
	window, err := h.calc.WindowForKey(chi.URLParam(r, "key"))
	if err != nil {
		httpx.ProblemType(w, http.StatusBadRequest, ProblemInvalidKey, "Invalid Shift Key", err.Error())
		return shift.Window{}, false
	}
	return window, true
}

func shiftKeyFromPath(r *http.Request) (string, error) {
	return "shift:" + strings.TrimSpace(chi.URLParam(r, "key")), nil
}
