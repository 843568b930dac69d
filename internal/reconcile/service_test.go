package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/snapshot"
	"github.com/smashbros/backoffice/internal/usage"
)

type stubSnapshots struct {
	snaps map[string]snapshot.Snapshot
	runs  map[string]snapshot.Run
	err   error
}

func (s stubSnapshots) Get(_ context.Context, key string) (snapshot.Snapshot, error) {
	if s.err != nil {
		return snapshot.Snapshot{}, s.err
	}
	snap, ok := s.snaps[key]
	if !ok {
		return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound
	}
	return snap, nil
}

func (s stubSnapshots) Run(_ context.Context, key string) (snapshot.Run, error) {
	run, ok := s.runs[key]
	if !ok {
		return snapshot.Run{}, snapshot.ErrRunNotFound
	}
	return run, nil
}

type stubForms map[string]StaffForm

func (f stubForms) Get(_ context.Context, key string) (StaffForm, bool, error) {
	form, ok := f[key]
	return form, ok, nil
}

func newTestService(snaps stubSnapshots, forms stubForms) *Service {
	return NewService(snaps, forms, DefaultConfig(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		jobmetrics.NewMetrics(prometheus.NewRegistry()))
}

func snapWithSales(total int64) snapshot.Snapshot {
	return snapshot.Snapshot{
		ShiftKey:        "2024-05-01",
		TotalReceipts:   40,
		TotalSalesMinor: total,
		PaymentBreakdown: map[string]usage.PaymentTotal{
			"CASH":    {AmountMinor: 500000, Count: 25},
			"SCAN_QR": {AmountMinor: total - 500000, Count: 15},
		},
		IngredientUsage: usage.Map{"bun": 40, "patty_grams": 5700},
		ItemsSold: map[string]usage.ItemSale{
			"Coke":            {Name: "Coke", Category: usage.CategoryDrinks, Quantity: 24},
			"Double Smash":    {Name: "Double Smash", Category: usage.CategoryBurgers, Quantity: 30},
			"Sparkling Water": {Name: "Sparkling Water", Category: usage.CategoryDrinks, Quantity: 6},
		},
	}
}

func TestReconcileBalanced(t *testing.T) {
	svc := newTestService(
		stubSnapshots{snaps: map[string]snapshot.Snapshot{"2024-05-01": snapWithSales(700000)}},
		stubForms{"2024-05-01": {CashBankedMinor: 500000, QRTransferredMinor: 200000}},
	)
	res, err := svc.Reconcile(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Zero(t, res.BankingDifferenceMinor)
	assert.True(t, res.IsBalanced)
	assert.True(t, res.StaffFormPresent)
	assert.False(t, res.NoSales)
}

func TestReconcileOutsideTolerance(t *testing.T) {
	svc := newTestService(
		stubSnapshots{snaps: map[string]snapshot.Snapshot{"2024-05-01": snapWithSales(710000)}},
		stubForms{"2024-05-01": {CashBankedMinor: 500000, QRTransferredMinor: 200000}},
	)
	res, err := svc.Reconcile(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, int64(-10000), res.BankingDifferenceMinor)
	assert.False(t, res.IsBalanced)
}

func TestReconcileToleranceIsInclusive(t *testing.T) {
	svc := newTestService(
		stubSnapshots{snaps: map[string]snapshot.Snapshot{"2024-05-01": snapWithSales(705000)}},
		stubForms{"2024-05-01": {CashBankedMinor: 500000, QRTransferredMinor: 200000}},
	)
	res, err := svc.Reconcile(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, int64(-5000), res.BankingDifferenceMinor)
	assert.True(t, res.IsBalanced)
}

func TestReconcileMissingSnapshotIsDistinct(t *testing.T) {
	svc := newTestService(
		stubSnapshots{runs: map[string]snapshot.Run{"2024-05-02": {Status: snapshot.RunFailed, Error: "pos: source unavailable"}}},
		stubForms{"2024-05-01": {CashBankedMinor: 100}},
	)
	_, err := svc.Reconcile(context.Background(), "2024-05-01")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = svc.Reconcile(context.Background(), "2024-05-02")
	assert.ErrorIs(t, err, ErrProcessingFailed)
	assert.False(t, errors.Is(err, ErrNoSnapshot))
	assert.Contains(t, err.Error(), "source unavailable")
}

func TestReconcileStoreFailureSurfaces(t *testing.T) {
	svc := newTestService(stubSnapshots{err: errors.New("connection refused")}, stubForms{})
	_, err := svc.Reconcile(context.Background(), "2024-05-01")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoSnapshot))
}

func TestReconcileMissingFormDefaultsToZero(t *testing.T) {
	svc := newTestService(
		stubSnapshots{snaps: map[string]snapshot.Snapshot{"2024-05-01": snapWithSales(700000)}},
		stubForms{},
	)
	res, err := svc.Reconcile(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.False(t, res.StaffFormPresent)
	assert.Equal(t, int64(-700000), res.BankingDifferenceMinor)
	assert.Nil(t, res.CashDrawer)
	assert.Empty(t, res.Discrepancies)
	assert.NotNil(t, res.Discrepancies)
	assert.Empty(t, res.ItemDiscrepancies)
}

func TestReconcileEmptyShiftReportsNoSales(t *testing.T) {
	svc := newTestService(
		stubSnapshots{snaps: map[string]snapshot.Snapshot{"2024-05-01": {ShiftKey: "2024-05-01"}}},
		stubForms{},
	)
	res, err := svc.Reconcile(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.True(t, res.NoSales)
	assert.True(t, res.IsBalanced)
}

func TestReconcileDiscrepancyAxes(t *testing.T) {
	svc := newTestService(
		stubSnapshots{snaps: map[string]snapshot.Snapshot{"2024-05-01": snapWithSales(700000)}},
		stubForms{"2024-05-01": {
			CashBankedMinor:    500000,
			QRTransferredMinor: 200000,
			IngredientCounts:   map[string]float64{"bun": 52, "patty_grams": 5750, "napkins": 300},
			ItemCounts:         map[string]float64{"Coke": 24},
		}},
	)
	res, err := svc.Reconcile(context.Background(), "2024-05-01")
	require.NoError(t, err)

	require.Len(t, res.Discrepancies, 2)
	// patty differs by 50 against a threshold of 1140; bun by 12 against 8.
	assert.Equal(t, "patty_grams", res.Discrepancies[0].Key)
	assert.False(t, res.Discrepancies[0].OutOfBounds)
	assert.Equal(t, "bun", res.Discrepancies[1].Key)
	assert.True(t, res.Discrepancies[1].OutOfBounds)

	// Burgers are not hand counted; Sparkling Water was sold but not reported.
	require.Len(t, res.ItemDiscrepancies, 2)
	assert.Equal(t, "Sparkling Water", res.ItemDiscrepancies[0].Key)
	assert.Equal(t, -6.0, res.ItemDiscrepancies[0].Difference)
	assert.True(t, res.ItemDiscrepancies[0].OutOfBounds)
	assert.Equal(t, "Coke", res.ItemDiscrepancies[1].Key)
	assert.False(t, res.ItemDiscrepancies[1].OutOfBounds)
	assert.Equal(t, 2, res.Flagged())
}

func TestReconcileCashDrawer(t *testing.T) {
	svc := newTestService(
		stubSnapshots{snaps: map[string]snapshot.Snapshot{"2024-05-01": snapWithSales(700000)}},
		stubForms{"2024-05-01": {
			StartingCashMinor: 200000,
			ExpensesMinor:     30000,
			ClosingCashMinor:  660000,
		}},
	)
	res, err := svc.Reconcile(context.Background(), "2024-05-01")
	require.NoError(t, err)
	require.NotNil(t, res.CashDrawer)
	assert.Equal(t, int64(670000), res.CashDrawer.ExpectedClosingMinor)
	assert.Equal(t, int64(-10000), res.CashDrawer.DifferenceMinor)
	assert.False(t, res.CashDrawer.IsBalanced)
}
