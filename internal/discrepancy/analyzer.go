// Package discrepancy compares expected and reported quantities under a
// tolerance policy.
package discrepancy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Policy configures the tolerance applied per key.
type Policy struct {
	MinimumThreshold float64
	TolerancePercent float64
}

// DefaultPolicy allows the larger of 5 units or 20% of the expected quantity.
func DefaultPolicy() Policy {
	return Policy{MinimumThreshold: 5, TolerancePercent: 0.20}
}

// Record is the comparison outcome for one key.
type Record struct {
	Key         string  `json:"key"`
	Expected    float64 `json:"expected"`
	Actual      float64 `json:"actual"`
	Difference  float64 `json:"difference"`
	Threshold   float64 `json:"threshold"`
	OutOfBounds bool    `json:"is_out_of_bounds"`
	Alert       *string `json:"alert_message"`
}

// Threshold returns max(MinimumThreshold, floor(expected * TolerancePercent)).
func (p Policy) Threshold(expected float64) float64 {
	return math.Max(p.MinimumThreshold, math.Floor(expected*p.TolerancePercent))
}

// Analyze compares every key of expected against actual. Keys only present in
// actual are ignored and a missing actual counts as zero. Records are ordered by
// descending absolute difference, then by key.
func (p Policy) Analyze(expected, actual map[string]float64) []Record {
	records := make([]Record, 0, len(expected))
	for key, exp := range expected {
		act := actual[key]
		rec := Record{
			Key:        key,
			Expected:   exp,
			Actual:     act,
			Difference: act - exp,
			Threshold:  p.Threshold(exp),
		}
		if math.Abs(rec.Difference) > rec.Threshold {
			rec.OutOfBounds = true
			msg := alertMessage(rec.Difference)
			rec.Alert = &msg
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		di, dj := math.Abs(records[i].Difference), math.Abs(records[j].Difference)
		if di != dj {
			return di > dj
		}
		return records[i].Key < records[j].Key
	})
	return records
}

// Flagged returns the out-of-bounds records, preserving order.
func Flagged(records []Record) []Record {
	out := make([]Record, 0)
	for _, r := range records {
		if r.OutOfBounds {
			out = append(out, r)
		}
	}
	return out
}

func alertMessage(difference float64) string {
	direction := "over"
	if difference < 0 {
		direction = "under"
	}
	return fmt.Sprintf("%s units %s expected usage", formatQty(math.Abs(difference)), direction)
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ExportRows formats records into CSV-ready strings.
func ExportRows(axis string, records []Record) [][]string {
	out := make([][]string, 0, len(records)+1)
	out = append(out, []string{"Axis", "Key", "Expected", "Actual", "Difference", "Threshold", "Out Of Bounds", "Alert"})
	for _, r := range records {
		alert := ""
		if r.Alert != nil {
			alert = *r.Alert
		}
		out = append(out, []string{
			axis,
			r.Key,
			formatQty(r.Expected),
			formatQty(r.Actual),
			formatQty(r.Difference),
			formatQty(r.Threshold),
			fmt.Sprintf("%t", r.OutOfBounds),
			alert,
		})
	}
	return out
}
