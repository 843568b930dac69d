// Package reconcile compares a shift snapshot with the staff closing form.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/smashbros/backoffice/internal/discrepancy"
	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/snapshot"
	"github.com/smashbros/backoffice/internal/usage"
)

var (
	// ErrNoSnapshot occurs when the shift has not been processed yet.
	ErrNoSnapshot = errors.New("reconcile: shift not processed")
	// ErrProcessingFailed occurs when the last snapshot rebuild for the shift failed.
	ErrProcessingFailed = errors.New("reconcile: shift processing failed")
)

// Discrepancy axes.
const (
	AxisIngredients = "ingredients"
	AxisItems       = "items"
)

// SnapshotReader loads snapshots and their rebuild state.
type SnapshotReader interface {
	Get(ctx context.Context, shiftKey string) (snapshot.Snapshot, error)
	Run(ctx context.Context, shiftKey string) (snapshot.Run, error)
}

// StaffFormReader loads the staff closing form. A missing form reports false.
type StaffFormReader interface {
	Get(ctx context.Context, shiftKey string) (StaffForm, bool, error)
}

// StaffForm is the end-of-shift report filled in by staff. Money is in minor units.
type StaffForm struct {
	ShiftKey           string             `json:"shift_key"`
	StartingCashMinor  int64              `json:"starting_cash_minor"`
	ClosingCashMinor   int64              `json:"closing_cash_minor"`
	CashBankedMinor    int64              `json:"cash_banked_minor"`
	QRTransferredMinor int64              `json:"qr_transferred_minor"`
	ExpensesMinor      int64              `json:"expenses_minor"`
	IngredientCounts   map[string]float64 `json:"ingredient_counts"`
	ItemCounts         map[string]float64 `json:"item_counts"`
}

// CashDrawer checks the register against starting cash, cash sales and expenses.
type CashDrawer struct {
	ExpectedClosingMinor int64 `json:"expected_closing_minor"`
	ClosingMinor         int64 `json:"closing_minor"`
	DifferenceMinor      int64 `json:"difference_minor"`
	IsBalanced           bool  `json:"is_balanced"`
}

// Result is the reconciliation outcome for one shift.
type Result struct {
	ShiftKey               string               `json:"shift_key"`
	TotalSalesMinor        int64                `json:"total_sales_minor"`
	CashBankedMinor        int64                `json:"cash_banked_minor"`
	QRTransferredMinor     int64                `json:"qr_transferred_minor"`
	BankingDifferenceMinor int64                `json:"banking_difference_minor"`
	IsBalanced             bool                 `json:"is_balanced"`
	StaffFormPresent       bool                 `json:"staff_form_present"`
	NoSales                bool                 `json:"no_sales"`
	Truncated              bool                 `json:"truncated"`
	CashDrawer             *CashDrawer          `json:"cash_drawer,omitempty"`
	Discrepancies          []discrepancy.Record `json:"ingredient_discrepancies"`
	ItemDiscrepancies      []discrepancy.Record `json:"item_discrepancies"`
	UnresolvedItems        []string             `json:"unresolved_items"`
}

// Flagged counts out-of-bounds records across both axes.
func (r Result) Flagged() int {
	return len(discrepancy.Flagged(r.Discrepancies)) + len(discrepancy.Flagged(r.ItemDiscrepancies))
}

// Config tunes reconciliation.
type Config struct {
	// BalanceToleranceMinor is the allowed absolute banking difference.
	BalanceToleranceMinor int64
	Policy                discrepancy.Policy
	// CountedCategories limits the item axis to categories staff count.
	CountedCategories []usage.Category
}

// DefaultConfig allows a 50.00 banking difference and counts drinks.
func DefaultConfig() Config {
	return Config{
		BalanceToleranceMinor: 5000,
		Policy:                discrepancy.DefaultPolicy(),
		CountedCategories:     []usage.Category{usage.CategoryDrinks},
	}
}

// Service produces reconciliation results.
type Service struct {
	snapshots SnapshotReader
	forms     StaffFormReader
	cfg       Config
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewService builds the service.
func NewService(snapshots SnapshotReader, forms StaffFormReader, cfg Config, logger *slog.Logger, metrics *jobmetrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{snapshots: snapshots, forms: forms, cfg: cfg, logger: logger, metrics: metrics}
}

// Reconcile compares the stored snapshot of shiftKey with its staff form. A
// missing snapshot is never replaced by zeros; a missing form is.
func (s *Service) Reconcile(ctx context.Context, shiftKey string) (Result, error) {
	snap, err := s.snapshots.Get(ctx, shiftKey)
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return Result{}, s.missingSnapshot(ctx, shiftKey)
		}
		return Result{}, fmt.Errorf("reconcile: load snapshot %s: %w", shiftKey, err)
	}

	form, present, err := s.forms.Get(ctx, shiftKey)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: load staff form %s: %w", shiftKey, err)
	}

	diff := form.CashBankedMinor + form.QRTransferredMinor - snap.TotalSalesMinor
	res := Result{
		ShiftKey:               shiftKey,
		TotalSalesMinor:        snap.TotalSalesMinor,
		CashBankedMinor:        form.CashBankedMinor,
		QRTransferredMinor:     form.QRTransferredMinor,
		BankingDifferenceMinor: diff,
		IsBalanced:             abs(diff) <= s.cfg.BalanceToleranceMinor,
		StaffFormPresent:       present,
		NoSales:                snap.TotalReceipts == 0,
		Truncated:              snap.Truncated,
		Discrepancies:          []discrepancy.Record{},
		ItemDiscrepancies:      []discrepancy.Record{},
		UnresolvedItems:        snap.UnresolvedItems,
	}
	if res.UnresolvedItems == nil {
		res.UnresolvedItems = []string{}
	}
	if present {
		res.CashDrawer = s.cashDrawer(snap, form)
	}
	if len(form.IngredientCounts) > 0 {
		res.Discrepancies = s.cfg.Policy.Analyze(snap.IngredientUsage, form.IngredientCounts)
	}
	if len(form.ItemCounts) > 0 {
		res.ItemDiscrepancies = s.cfg.Policy.Analyze(s.countedItems(snap), form.ItemCounts)
	}

	flaggedIngredients := len(discrepancy.Flagged(res.Discrepancies))
	flaggedItems := len(discrepancy.Flagged(res.ItemDiscrepancies))
	s.metrics.AddDiscrepancies(AxisIngredients, flaggedIngredients)
	s.metrics.AddDiscrepancies(AxisItems, flaggedItems)
	if !res.IsBalanced || flaggedIngredients+flaggedItems > 0 {
		s.logger.Warn("shift out of balance",
			slog.String("shift_key", shiftKey),
			slog.Int64("banking_difference_minor", diff),
			slog.Int("flagged_ingredients", flaggedIngredients),
			slog.Int("flagged_items", flaggedItems),
		)
	}
	return res, nil
}

func (s *Service) missingSnapshot(ctx context.Context, shiftKey string) error {
	run, err := s.snapshots.Run(ctx, shiftKey)
	if err == nil && run.Status == snapshot.RunFailed {
		if run.Error != "" {
			return fmt.Errorf("%w: %s", ErrProcessingFailed, run.Error)
		}
		return ErrProcessingFailed
	}
	if err != nil && !errors.Is(err, snapshot.ErrRunNotFound) {
		s.logger.Warn("load snapshot run", slog.String("shift_key", shiftKey), slog.Any("error", err))
	}
	return ErrNoSnapshot
}

func (s *Service) cashDrawer(snap snapshot.Snapshot, form StaffForm) *CashDrawer {
	expected := form.StartingCashMinor + snap.PaymentBreakdown["CASH"].AmountMinor - form.ExpensesMinor
	diff := form.ClosingCashMinor - expected
	return &CashDrawer{
		ExpectedClosingMinor: expected,
		ClosingMinor:         form.ClosingCashMinor,
		DifferenceMinor:      diff,
		IsBalanced:           abs(diff) <= s.cfg.BalanceToleranceMinor,
	}
}

// countedItems returns sold quantities for the categories staff count by hand.
func (s *Service) countedItems(snap snapshot.Snapshot) map[string]float64 {
	counted := make(map[usage.Category]bool, len(s.cfg.CountedCategories))
	for _, c := range s.cfg.CountedCategories {
		counted[c] = true
	}
	out := make(map[string]float64)
	for key, sale := range snap.ItemsSold {
		if len(counted) > 0 && !counted[sale.Category] {
			continue
		}
		name := sale.Name
		if name == "" {
			name = key
		}
		out[name] += sale.Quantity
	}
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
