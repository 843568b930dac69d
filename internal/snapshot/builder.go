package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"

	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/pos"
	"github.com/smashbros/backoffice/internal/shared"
	"github.com/smashbros/backoffice/internal/shift"
	"github.com/smashbros/backoffice/internal/usage"
)

// DefaultLockTTL is the lease on a shift key. A running rebuild renews it every
// third of the TTL, so a long fetch keeps the key.
const DefaultLockTTL = 10 * time.Minute

// Locker obtains distributed locks. *redislock.Client satisfies it.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// ReceiptSource walks the receipts of one shift window page by page.
type ReceiptSource interface {
	Walk(ctx context.Context, window shift.Window, storeID string, fn func(pos.Page) error) (pos.Summary, error)
}

// BuilderConfig wires a Builder.
type BuilderConfig struct {
	Store         Store
	Source        ReceiptSource
	Resolver      usage.Resolver
	CategoryRules []usage.CategoryRule
	Locker        Locker
	LockTTL       time.Duration
	Logger        *slog.Logger
	Metrics       *jobmetrics.Metrics
	Clock         func() time.Time
}

// Builder fetches, aggregates and stores shift snapshots. Rebuilds of the same
// shift key are serialized through the locker; the store serializes writes too.
type Builder struct {
	store    Store
	source   ReceiptSource
	resolver usage.Resolver
	rules    []usage.CategoryRule
	locker   Locker
	lockTTL  time.Duration
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewBuilder constructs a builder. A nil Locker disables the redis lock and
// leaves serialization to the store.
func NewBuilder(cfg BuilderConfig) *Builder {
	b := &Builder{
		store:    cfg.Store,
		source:   cfg.Source,
		resolver: cfg.Resolver,
		rules:    cfg.CategoryRules,
		locker:   cfg.Locker,
		lockTTL:  cfg.LockTTL,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
	}
	if b.lockTTL <= 0 {
		b.lockTTL = DefaultLockTTL
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	return b
}

// Get returns the stored snapshot for a shift key.
func (b *Builder) Get(ctx context.Context, shiftKey string) (Snapshot, error) {
	return b.store.Get(ctx, shiftKey)
}

// Run returns the last rebuild state for a shift key.
func (b *Builder) Run(ctx context.Context, shiftKey string) (Run, error) {
	return b.store.GetRun(ctx, shiftKey)
}

// MarkPending records that a rebuild is about to be queued.
func (b *Builder) MarkPending(ctx context.Context, shiftKey string) error {
	return b.store.SaveRun(ctx, Run{ShiftKey: shiftKey, Status: RunPending, UpdatedAt: b.now()})
}

// MarkFailed records a rebuild that never ran.
func (b *Builder) MarkFailed(ctx context.Context, shiftKey, msg string) error {
	return b.store.SaveRun(ctx, Run{ShiftKey: shiftKey, Status: RunFailed, Error: msg, UpdatedAt: b.now()})
}

// BuildAndStore persists an already computed aggregation as the snapshot of
// window, replacing any previous one.
func (b *Builder) BuildAndStore(ctx context.Context, window shift.Window, agg usage.Aggregation, truncated bool) (Snapshot, error) {
	snap := New(window, agg, truncated, b.now())
	err := b.withLock(ctx, window.Key(), func(ctx context.Context, held func(context.Context) error) error {
		if err := held(ctx); err != nil {
			return err
		}
		return b.store.Upsert(ctx, snap)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Rebuild fetches every receipt of window, aggregates them and stores the
// result. A failed fetch leaves the previous snapshot untouched.
func (b *Builder) Rebuild(ctx context.Context, window shift.Window, storeID string) (Snapshot, error) {
	key := window.Key()
	logger := b.logger.With(slog.String("shift_key", key))

	var snap Snapshot
	err := b.withLock(ctx, key, func(ctx context.Context, held func(context.Context) error) error {
		b.saveRun(ctx, key, RunInProgress, "")
		acc := usage.NewAccumulator(b.resolver, b.rules)
		summary, err := b.source.Walk(ctx, window, storeID, func(page pos.Page) error {
			acc.Skip(page.Skipped...)
			for _, r := range page.Receipts {
				acc.Add(r)
			}
			return nil
		})
		if err != nil {
			if lost := held(ctx); lost != nil {
				return lost
			}
			return fmt.Errorf("snapshot: fetch %s: %w", key, err)
		}
		if err := held(ctx); err != nil {
			logger.Warn("snapshot lock lost before store", slog.Any("error", err))
			return err
		}
		agg := acc.Result()
		b.metrics.AddReceipts("valid", agg.ValidReceiptCount)
		b.metrics.AddReceipts("excluded", agg.ExcludedReceiptCount)
		snap = New(window, agg, summary.Truncated, b.now())
		if err := b.store.Upsert(ctx, snap); err != nil {
			return err
		}
		logger.Info("snapshot stored",
			slog.Int("pages", summary.Pages),
			slog.Int("receipts", agg.ValidReceiptCount),
			slog.Int("excluded", agg.ExcludedReceiptCount),
			slog.Int64("sales_minor", agg.TotalSalesMinor),
			slog.Bool("truncated", summary.Truncated),
		)
		return nil
	})
	switch {
	case errors.Is(err, ErrConcurrentRebuild):
		return Snapshot{}, err
	case err != nil:
		b.saveRun(ctx, key, RunFailed, err.Error())
		logger.Error("snapshot rebuild failed", slog.Any("error", err))
		return Snapshot{}, err
	}
	b.saveRun(ctx, key, RunReady, "")
	return snap, nil
}

// withLock runs fn while holding the shift key lock. fn receives held, which
// reports ErrConcurrentRebuild once the lease was lost; fn must call it before
// writing. The lease is renewed in the background until fn returns.
func (b *Builder) withLock(ctx context.Context, shiftKey string, fn func(ctx context.Context, held func(context.Context) error) error) error {
	if b.locker == nil {
		return fn(ctx, func(context.Context) error { return nil })
	}
	lock, err := b.locker.Obtain(ctx, shared.SnapshotLockKey(shiftKey), b.lockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrConcurrentRebuild
	}
	if err != nil {
		return fmt.Errorf("snapshot: obtain lock: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go b.renewLock(runCtx, lock, shiftKey, cancel, done)
	defer func() {
		cancel(nil)
		<-done
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			b.logger.Warn("release snapshot lock", slog.String("shift_key", shiftKey), slog.Any("error", err))
		}
	}()

	held := func(ctx context.Context) error {
		if cause := context.Cause(runCtx); errors.Is(cause, ErrConcurrentRebuild) {
			return cause
		}
		ttl, err := lock.TTL(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("snapshot: check lock: %w", err)
		}
		if ttl <= 0 {
			return ErrConcurrentRebuild
		}
		return nil
	}
	return fn(runCtx, held)
}

// renewLock extends the lease until ctx ends. A failed renewal cancels the
// rebuild with ErrConcurrentRebuild.
func (b *Builder) renewLock(ctx context.Context, lock *redislock.Lock, shiftKey string, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, b.lockTTL, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("snapshot lock lost", slog.String("shift_key", shiftKey), slog.Any("error", err))
				cancel(ErrConcurrentRebuild)
				return
			}
		}
	}
}

func (b *Builder) saveRun(ctx context.Context, shiftKey string, status RunStatus, msg string) {
	run := Run{ShiftKey: shiftKey, Status: status, Error: msg, UpdatedAt: b.now()}
	if err := b.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		b.logger.Warn("save snapshot run", slog.String("shift_key", shiftKey), slog.String("status", string(status)), slog.Any("error", err))
	}
}

func (b *Builder) now() time.Time {
	return b.clock().UTC()
}
