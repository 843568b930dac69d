// Package snapshot builds and persists the per-shift aggregation record.
package snapshot

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/smashbros/backoffice/internal/shift"
	"github.com/smashbros/backoffice/internal/usage"
)

// RunStatus tracks the lifecycle of a snapshot rebuild.
type RunStatus string

const (
	// RunPending indicates a rebuild was queued.
	RunPending RunStatus = "PENDING"
	// RunInProgress indicates a rebuild is executing.
	RunInProgress RunStatus = "IN_PROGRESS"
	// RunReady indicates the snapshot was stored.
	RunReady RunStatus = "READY"
	// RunFailed indicates the last rebuild errored.
	RunFailed RunStatus = "FAILED"
)

var (
	// ErrSnapshotNotFound occurs when no snapshot exists for a shift key.
	ErrSnapshotNotFound = errors.New("snapshot: not found")
	// ErrRunNotFound occurs when a shift key was never queued or built.
	ErrRunNotFound = errors.New("snapshot: run not found")
	// ErrConcurrentRebuild occurs when another rebuild holds the shift key.
	ErrConcurrentRebuild = errors.New("snapshot: concurrent rebuild in progress")
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:backoffice:shift-snapshot"))

// Snapshot is the authoritative aggregation of one shift. Money is in minor units.
type Snapshot struct {
	ID               uuid.UUID                              `json:"id"`
	ShiftKey         string                                 `json:"shift_key"`
	WindowStart      time.Time                              `json:"window_start"`
	WindowEnd        time.Time                              `json:"window_end"`
	TotalReceipts    int                                    `json:"total_receipts"`
	ExcludedReceipts int                                    `json:"excluded_receipts"`
	TotalSalesMinor  int64                                  `json:"total_sales_minor"`
	PaymentBreakdown map[string]usage.PaymentTotal          `json:"payment_breakdown"`
	ItemsSold        map[string]usage.ItemSale              `json:"items_sold"`
	CategoryTotals   map[usage.Category]usage.CategoryTotal `json:"category_totals"`
	ModifierCounts   map[string]float64                     `json:"modifier_counts"`
	IngredientUsage  usage.Map                              `json:"ingredient_usage"`
	UnresolvedItems  []string                               `json:"unresolved_items"`
	Diagnostics      []usage.Diagnostic                     `json:"diagnostics"`
	Truncated        bool                                   `json:"truncated"`
	ComputedAt       time.Time                              `json:"computed_at"`
}

// Run is the last known rebuild state of a shift key.
type Run struct {
	ShiftKey  string    `json:"shift_key"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IDForKey derives the stable snapshot id for a shift key.
func IDForKey(key string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(key))
}

// New assembles a snapshot from an aggregation. It does not touch storage.
func New(window shift.Window, agg usage.Aggregation, truncated bool, computedAt time.Time) Snapshot {
	return Snapshot{
		ID:               IDForKey(window.Key()),
		ShiftKey:         window.Key(),
		WindowStart:      window.Start,
		WindowEnd:        window.End,
		TotalReceipts:    agg.ValidReceiptCount,
		ExcludedReceipts: agg.ExcludedReceiptCount,
		TotalSalesMinor:  agg.TotalSalesMinor,
		PaymentBreakdown: agg.PaymentBreakdown,
		ItemsSold:        agg.ItemSales,
		CategoryTotals:   agg.CategoryTotals,
		ModifierCounts:   agg.ModifierCounts,
		IngredientUsage:  agg.IngredientUsage,
		UnresolvedItems:  agg.UnresolvedItems,
		Diagnostics:      agg.Diagnostics,
		Truncated:        truncated,
		ComputedAt:       computedAt.UTC(),
	}
}
