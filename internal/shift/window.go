// Package shift computes the 17:00 to 03:00 business shift windows used as the
// unit of reconciliation.
package shift

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// KeyLayout formats the shift key, the local date of the 17:00 opening.
	KeyLayout = "2006-01-02"
	// OpenHour is the local hour a shift opens.
	OpenHour = 17
	// Length is the fixed duration of a shift.
	Length = 10 * time.Hour
)

// ErrInvalidKey occurs when a shift key is not a YYYY-MM-DD date.
var ErrInvalidKey = errors.New("shift: invalid shift key")

// Window is the half-open interval [Start, End) of one shift.
type Window struct {
	Date  string    `json:"shift_date"`
	Start time.Time `json:"start_utc"`
	End   time.Time `json:"end_utc"`
}

// Key returns the shift key used for persistence.
func (w Window) Key() string {
	return w.Date
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Calculator derives shift windows for a fixed-offset business timezone.
type Calculator struct {
	loc *time.Location
}

// NewCalculator builds a calculator for the named zone at the given UTC offset.
func NewCalculator(zoneName string, offset time.Duration) *Calculator {
	if zoneName == "" {
		zoneName = fmt.Sprintf("UTC%+d", int(offset.Hours()))
	}
	return &Calculator{loc: time.FixedZone(zoneName, int(offset.Seconds()))}
}

// Location exposes the business timezone.
func (c *Calculator) Location() *time.Location {
	return c.loc
}

// ComputeWindow returns the shift an instant is attributed to. Any local time
// before 17:00 belongs to the shift opened the previous local day, which covers
// both the tail of a running shift (00:00 to 03:00) and the closed gap after it.
// Local 03:00 exactly therefore stays with the shift that is ending.
func (c *Calculator) ComputeWindow(ref time.Time) Window {
	local := ref.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	if local.Hour() < OpenHour {
		day = day.AddDate(0, 0, -1)
	}
	return c.windowFrom(day)
}

// WindowForDate returns the shift opening at 17:00 on the given local date.
func (c *Calculator) WindowForDate(date time.Time) Window {
	local := date.In(c.loc)
	return c.windowFrom(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc))
}

// WindowForKey parses a shift key and returns its window.
func (c *Calculator) WindowForKey(key string) (Window, error) {
	day, err := time.ParseInLocation(KeyLayout, strings.TrimSpace(key), c.loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return c.windowFrom(day), nil
}

// LastClosed returns the most recent shift whose window has fully elapsed at ref.
func (c *Calculator) LastClosed(ref time.Time) Window {
	w := c.ComputeWindow(ref)
	if ref.Before(w.End) {
		start, _ := time.ParseInLocation(KeyLayout, w.Date, c.loc)
		return c.windowFrom(start.AddDate(0, 0, -1))
	}
	return w
}

// Range lists windows for every local date from..to inclusive.
func (c *Calculator) Range(from, to string) ([]Window, error) {
	first, err := c.WindowForKey(from)
	if err != nil {
		return nil, err
	}
	last, err := c.WindowForKey(to)
	if err != nil {
		return nil, err
	}
	if last.Start.Before(first.Start) {
		return nil, fmt.Errorf("%w: range %s..%s is reversed", ErrInvalidKey, from, to)
	}
	var out []Window
	for w := first; !w.Start.After(last.Start); w = c.WindowForDate(w.Start.In(c.loc).AddDate(0, 0, 1)) {
		out = append(out, w)
	}
	return out, nil
}

func (c *Calculator) windowFrom(day time.Time) Window {
	start := time.Date(day.Year(), day.Month(), day.Day(), OpenHour, 0, 0, 0, c.loc)
	return Window{
		Date:  start.Format(KeyLayout),
		Start: start.UTC(),
		End:   start.Add(Length).UTC(),
	}
}
