package shift

import (
	"errors"
	"testing"
	"time"
)

func bangkok() *Calculator {
	return NewCalculator("Asia/Bangkok", 7*time.Hour)
}

func localTime(c *Calculator, y int, m time.Month, d, h, min, s, ns int) time.Time {
	return time.Date(y, m, d, h, min, s, ns, c.Location())
}

func TestComputeWindowAttribution(t *testing.T) {
	c := bangkok()
	cases := []struct {
		name string
		ref  time.Time
		want string
	}{
		{"evening opens today", localTime(c, 2024, 3, 10, 17, 0, 0, 0), "2024-03-10"},
		{"late evening", localTime(c, 2024, 3, 10, 23, 59, 59, 0), "2024-03-10"},
		{"after midnight", localTime(c, 2024, 3, 11, 0, 30, 0, 0), "2024-03-10"},
		{"just before close", localTime(c, 2024, 3, 11, 2, 59, 59, 999999999), "2024-03-10"},
		{"close boundary", localTime(c, 2024, 3, 11, 3, 0, 0, 0), "2024-03-10"},
		{"morning gap", localTime(c, 2024, 3, 11, 9, 0, 0, 0), "2024-03-10"},
		{"just before open", localTime(c, 2024, 3, 11, 16, 59, 59, 0), "2024-03-10"},
		{"month rollover", localTime(c, 2024, 3, 1, 1, 0, 0, 0), "2024-02-29"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.ComputeWindow(tc.ref)
			if got.Date != tc.want {
				t.Fatalf("expected shift date %s, got %s", tc.want, got.Date)
			}
		})
	}
}

func TestComputeWindowPreviousDayForDaytimeHours(t *testing.T) {
	c := bangkok()
	for h := 3; h < 17; h++ {
		ref := localTime(c, 2024, 6, 15, h, 15, 0, 0)
		if got := c.ComputeWindow(ref).Date; got != "2024-06-14" {
			t.Fatalf("hour %d: expected previous day, got %s", h, got)
		}
	}
	for h := 17; h < 24; h++ {
		ref := localTime(c, 2024, 6, 15, h, 15, 0, 0)
		if got := c.ComputeWindow(ref).Date; got != "2024-06-15" {
			t.Fatalf("hour %d: expected same day, got %s", h, got)
		}
	}
}

func TestComputeWindowUsesOffsetNotHostZone(t *testing.T) {
	c := bangkok()
	// 10:30 UTC is 17:30 in UTC+7.
	ref := time.Date(2024, 1, 5, 10, 30, 0, 0, time.UTC)
	w := c.ComputeWindow(ref)
	if w.Date != "2024-01-05" {
		t.Fatalf("expected 2024-01-05, got %s", w.Date)
	}
	if !w.Start.Equal(time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %s", w.Start)
	}
	if !w.Contains(ref) {
		t.Fatalf("window should contain reference instant")
	}

	utc := NewCalculator("UTC", 0)
	if got := utc.ComputeWindow(ref).Date; got != "2024-01-04" {
		t.Fatalf("expected offset to change attribution, got %s", got)
	}
}

func TestWindowForDateIsTenHours(t *testing.T) {
	c := bangkok()
	day := time.Date(2023, 12, 1, 0, 0, 0, 0, c.Location())
	for i := 0; i < 400; i++ {
		w := c.WindowForDate(day.AddDate(0, 0, i))
		if w.End.Sub(w.Start) != 10*time.Hour {
			t.Fatalf("window %s has duration %s", w.Date, w.End.Sub(w.Start))
		}
		if w.Start.Location() != time.UTC || w.End.Location() != time.UTC {
			t.Fatalf("window bounds must be UTC")
		}
	}
}

func TestWindowContainsIsHalfOpen(t *testing.T) {
	c := bangkok()
	w, err := c.WindowForKey("2024-03-10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Contains(w.Start) {
		t.Fatalf("start must be inside the window")
	}
	if w.Contains(w.End) {
		t.Fatalf("end must be outside the window")
	}
}

func TestWindowForKeyRejectsGarbage(t *testing.T) {
	c := bangkok()
	if _, err := c.WindowForKey("10/03/2024"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestLastClosed(t *testing.T) {
	c := bangkok()
	open := localTime(c, 2024, 3, 11, 20, 0, 0, 0)
	if got := c.LastClosed(open).Date; got != "2024-03-10" {
		t.Fatalf("running shift should yield previous one, got %s", got)
	}
	closed := localTime(c, 2024, 3, 11, 3, 0, 0, 0)
	if got := c.LastClosed(closed).Date; got != "2024-03-10" {
		t.Fatalf("shift closing at ref should count as closed, got %s", got)
	}
}

func TestRange(t *testing.T) {
	c := bangkok()
	windows, err := c.Range("2024-02-27", "2024-03-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 4 {
		t.Fatalf("expected 4 windows, got %d", len(windows))
	}
	if windows[2].Date != "2024-02-29" || windows[3].Date != "2024-03-01" {
		t.Fatalf("unexpected dates %v", windows)
	}
	if _, err := c.Range("2024-03-02", "2024-03-01"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected reversed range error, got %v", err)
	}
}
