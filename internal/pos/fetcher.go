package pos

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/shift"
)

// Summary describes a completed walk over the receipt pages of a window.
type Summary struct {
	Pages   int       `json:"pages"`
	Fetched int       `json:"fetched"`
	Skipped []Skipped `json:"skipped,omitempty"`
	// Truncated is set when the page cap stopped the walk with pages remaining.
	Truncated bool `json:"truncated"`
}

// Fetcher walks the paginated receipts of a shift window.
type Fetcher struct {
	source  PageSource
	cfg     Config
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewFetcher wires a fetcher over source.
func NewFetcher(source PageSource, cfg Config, logger *slog.Logger, metrics *jobmetrics.Metrics) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{source: source, cfg: cfg.withDefaults(), logger: logger, metrics: metrics}
}

// Walk requests pages for window in arrival order and hands each to fn until the
// source has no continuation token or returns an empty page. Receipts created
// outside the window are dropped as skipped. Each call starts from the first
// page. A fetch error aborts the walk; hitting the page cap does not.
func (f *Fetcher) Walk(ctx context.Context, window shift.Window, storeID string, fn func(Page) error) (Summary, error) {
	if storeID == "" {
		storeID = f.cfg.StoreID
	}
	logger := f.logger.With(slog.String("shift_key", window.Key()))
	var summary Summary
	cursor := ""
	for {
		if summary.Pages >= f.cfg.MaxPages {
			summary.Truncated = true
			f.metrics.MarkTruncated()
			logger.Warn("receipt fetch hit page cap", slog.Int("max_pages", f.cfg.MaxPages), slog.Int("fetched", summary.Fetched))
			break
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		page, err := f.source.Page(ctx, Query{
			CreatedMin: window.Start,
			CreatedMax: window.End.Add(-time.Millisecond),
			Limit:      f.cfg.PageLimit,
			StoreID:    storeID,
			Cursor:     cursor,
		})
		if err != nil {
			logger.Error("fetch receipt page", slog.Int("page", summary.Pages+1), slog.Any("error", err))
			return summary, err
		}
		summary.Pages++
		f.metrics.AddPage()
		if len(page.Receipts) == 0 && len(page.Skipped) == 0 {
			break
		}

		page = clipToWindow(page, window)
		summary.Fetched += len(page.Receipts)
		summary.Skipped = append(summary.Skipped, page.Skipped...)
		f.metrics.AddReceipts("skipped", len(page.Skipped))
		if err := fn(page); err != nil {
			return summary, fmt.Errorf("pos: consume page %d: %w", summary.Pages, err)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	logger.Info("receipt fetch complete",
		slog.Int("pages", summary.Pages),
		slog.Int("fetched", summary.Fetched),
		slog.Int("skipped", len(summary.Skipped)),
		slog.Bool("truncated", summary.Truncated))
	return summary, nil
}

// FetchAll collects every receipt of the window.
func (f *Fetcher) FetchAll(ctx context.Context, window shift.Window, storeID string) ([]Receipt, Summary, error) {
	var out []Receipt
	summary, err := f.Walk(ctx, window, storeID, func(p Page) error {
		out = append(out, p.Receipts...)
		return nil
	})
	if err != nil {
		return nil, summary, err
	}
	return out, summary, nil
}

func clipToWindow(page Page, window shift.Window) Page {
	kept := page.Receipts[:0:0]
	for i, r := range page.Receipts {
		if !r.CreatedAt.IsZero() && !window.Contains(r.CreatedAt) {
			page.Skipped = append(page.Skipped, Skipped{Index: i, ReceiptID: r.ID, Reason: "created outside shift window"})
			continue
		}
		kept = append(kept, r)
	}
	page.Receipts = kept
	return page
}
