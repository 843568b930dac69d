package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StaffFormRepository reads staff closing forms from Postgres.
type StaffFormRepository struct {
	pool *pgxpool.Pool
}

// NewStaffFormRepository constructs a repo.
func NewStaffFormRepository(pool *pgxpool.Pool) *StaffFormRepository {
	return &StaffFormRepository{pool: pool}
}

// Get loads the form for a shift key. A missing form is not an error.
func (r *StaffFormRepository) Get(ctx context.Context, shiftKey string) (StaffForm, bool, error) {
	var (
		form        StaffForm
		ingredients []byte
		items       []byte
	)
	err := r.pool.QueryRow(ctx, `
SELECT shift_key, starting_cash_minor, closing_cash_minor, cash_banked_minor,
       qr_transferred_minor, expenses_minor, ingredient_counts, item_counts
FROM staff_forms WHERE shift_key = $1`, shiftKey).Scan(
		&form.ShiftKey, &form.StartingCashMinor, &form.ClosingCashMinor, &form.CashBankedMinor,
		&form.QRTransferredMinor, &form.ExpensesMinor, &ingredients, &items,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StaffForm{ShiftKey: shiftKey}, false, nil
		}
		return StaffForm{}, false, err
	}
	if len(ingredients) > 0 {
		if err := json.Unmarshal(ingredients, &form.IngredientCounts); err != nil {
			return StaffForm{}, false, fmt.Errorf("reconcile: decode ingredient counts: %w", err)
		}
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &form.ItemCounts); err != nil {
			return StaffForm{}, false, fmt.Errorf("reconcile: decode item counts: %w", err)
		}
	}
	return form, true, nil
}

// Save upserts the staff form for its shift key.
func (r *StaffFormRepository) Save(ctx context.Context, form StaffForm) error {
	ingredients, err := json.Marshal(nonNilCounts(form.IngredientCounts))
	if err != nil {
		return fmt.Errorf("reconcile: encode ingredient counts: %w", err)
	}
	items, err := json.Marshal(nonNilCounts(form.ItemCounts))
	if err != nil {
		return fmt.Errorf("reconcile: encode item counts: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO staff_forms (
    shift_key, starting_cash_minor, closing_cash_minor, cash_banked_minor,
    qr_transferred_minor, expenses_minor, ingredient_counts, item_counts, submitted_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (shift_key) DO UPDATE SET
    starting_cash_minor = EXCLUDED.starting_cash_minor,
    closing_cash_minor = EXCLUDED.closing_cash_minor,
    cash_banked_minor = EXCLUDED.cash_banked_minor,
    qr_transferred_minor = EXCLUDED.qr_transferred_minor,
    expenses_minor = EXCLUDED.expenses_minor,
    ingredient_counts = EXCLUDED.ingredient_counts,
    item_counts = EXCLUDED.item_counts,
    submitted_at = NOW()`,
		form.ShiftKey, form.StartingCashMinor, form.ClosingCashMinor, form.CashBankedMinor,
		form.QRTransferredMinor, form.ExpensesMinor, ingredients, items,
	)
	if err != nil {
		return fmt.Errorf("reconcile: save staff form %s: %w", form.ShiftKey, err)
	}
	return nil
}

func nonNilCounts(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
