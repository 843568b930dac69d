package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smashbros/backoffice/internal/platform/db"
	"github.com/smashbros/backoffice/internal/usage"
)

// Store is the persistence contract used by the builder and readers.
type Store interface {
	Get(ctx context.Context, shiftKey string) (Snapshot, error)
	Upsert(ctx context.Context, snap Snapshot) error
	GetRun(ctx context.Context, shiftKey string) (Run, error)
	SaveRun(ctx context.Context, run Run) error
}

// Repository persists snapshots in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repo.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type payload struct {
	PaymentBreakdown map[string]usage.PaymentTotal          `json:"payment_breakdown"`
	ItemsSold        map[string]usage.ItemSale              `json:"items_sold"`
	CategoryTotals   map[usage.Category]usage.CategoryTotal `json:"category_totals"`
	ModifierCounts   map[string]float64                     `json:"modifier_counts"`
	IngredientUsage  usage.Map                              `json:"ingredient_usage"`
	UnresolvedItems  []string                               `json:"unresolved_items"`
	Diagnostics      []usage.Diagnostic                     `json:"diagnostics"`
}

const upsertSnapshotSQL = `
INSERT INTO shift_snapshots (
    shift_key, id, window_start, window_end, total_receipts, excluded_receipts,
    total_sales_minor, truncated, payload, computed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (shift_key) DO UPDATE SET
    id = EXCLUDED.id,
    window_start = EXCLUDED.window_start,
    window_end = EXCLUDED.window_end,
    total_receipts = EXCLUDED.total_receipts,
    excluded_receipts = EXCLUDED.excluded_receipts,
    total_sales_minor = EXCLUDED.total_sales_minor,
    truncated = EXCLUDED.truncated,
    payload = EXCLUDED.payload,
    computed_at = EXCLUDED.computed_at`

// Upsert replaces every stored field for the shift key in one transaction.
// A transaction-scoped advisory lock serializes writers per key.
func (r *Repository) Upsert(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(payload{
		PaymentBreakdown: snap.PaymentBreakdown,
		ItemsSold:        snap.ItemsSold,
		CategoryTotals:   snap.CategoryTotals,
		ModifierCounts:   snap.ModifierCounts,
		IngredientUsage:  snap.IngredientUsage,
		UnresolvedItems:  snap.UnresolvedItems,
		Diagnostics:      snap.Diagnostics,
	})
	if err != nil {
		return fmt.Errorf("snapshot: encode payload: %w", err)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, snap.ShiftKey); err != nil {
			return fmt.Errorf("snapshot: advisory lock: %w", err)
		}
		_, err := tx.Exec(ctx, upsertSnapshotSQL,
			snap.ShiftKey,
			snap.ID.String(),
			snap.WindowStart,
			snap.WindowEnd,
			snap.TotalReceipts,
			snap.ExcludedReceipts,
			snap.TotalSalesMinor,
			snap.Truncated,
			body,
			snap.ComputedAt,
		)
		if err != nil {
			return fmt.Errorf("snapshot: upsert %s: %w", snap.ShiftKey, err)
		}
		return nil
	})
}

// Get loads the snapshot for a shift key.
func (r *Repository) Get(ctx context.Context, shiftKey string) (Snapshot, error) {
	var (
		snap Snapshot
		id   string
		body []byte
	)
	err := r.pool.QueryRow(ctx, `
SELECT shift_key, id::text, window_start, window_end, total_receipts, excluded_receipts,
       total_sales_minor, truncated, payload, computed_at
FROM shift_snapshots WHERE shift_key = $1`, shiftKey).Scan(
		&snap.ShiftKey, &id, &snap.WindowStart, &snap.WindowEnd, &snap.TotalReceipts,
		&snap.ExcludedReceipts, &snap.TotalSalesMinor, &snap.Truncated, &body, &snap.ComputedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	snap.ID = IDForKey(snap.ShiftKey)
	var p payload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: decode payload: %w", err)
		}
	}
	snap.PaymentBreakdown = p.PaymentBreakdown
	snap.ItemsSold = p.ItemsSold
	snap.CategoryTotals = p.CategoryTotals
	snap.ModifierCounts = p.ModifierCounts
	snap.IngredientUsage = p.IngredientUsage
	snap.UnresolvedItems = p.UnresolvedItems
	snap.Diagnostics = p.Diagnostics
	snap.WindowStart = snap.WindowStart.UTC()
	snap.WindowEnd = snap.WindowEnd.UTC()
	snap.ComputedAt = snap.ComputedAt.UTC()
	return snap, nil
}

// GetRun loads the rebuild state for a shift key.
func (r *Repository) GetRun(ctx context.Context, shiftKey string) (Run, error) {
	var (
		run    Run
		status string
	)
	err := r.pool.QueryRow(ctx, `
SELECT shift_key, status, COALESCE(error_message, ''), updated_at
FROM shift_snapshot_runs WHERE shift_key = $1`, shiftKey).Scan(&run.ShiftKey, &status, &run.Error, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	run.Status = RunStatus(status)
	return run, nil
}

// SaveRun records the rebuild state for a shift key.
func (r *Repository) SaveRun(ctx context.Context, run Run) error {
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now().UTC()
	}
	var errMsg *string
	if run.Error != "" {
		errMsg = &run.Error
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO shift_snapshot_runs (shift_key, status, error_message, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (shift_key) DO UPDATE SET
    status = EXCLUDED.status,
    error_message = EXCLUDED.error_message,
    updated_at = EXCLUDED.updated_at`, run.ShiftKey, string(run.Status), errMsg, run.UpdatedAt)
	return err
}
