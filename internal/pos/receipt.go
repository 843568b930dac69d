// Package pos retrieves receipts from the point-of-sale API.
package pos

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Receipt is a decoded POS receipt. Amounts are minor currency units.
type Receipt struct {
	ID          string
	CreatedAt   time.Time
	TotalMinor  int64
	HasTotal    bool
	Status      string
	Refunded    bool
	Voided      bool
	PaymentType string
	Payments    []Payment
	LineItems   []LineItem
	// Missing lists optional fields that were absent and defaulted.
	Missing []string
}

// Payment is one tender on a receipt.
type Payment struct {
	Method      string
	AmountMinor int64
}

// LineItem is one sold item on a receipt.
type LineItem struct {
	Name           string
	SKU            string
	Quantity       float64
	LineTotalMinor int64
	HasLineTotal   bool
	UnitPriceMinor int64
	HasUnitPrice   bool
	Modifiers      []Modifier
}

// Modifier is one option applied to a line item.
type Modifier struct {
	Name     string
	Quantity float64
}

// Revenue returns the line total, or unit price times quantity when the line
// total is absent.
func (li LineItem) Revenue() int64 {
	if li.HasLineTotal {
		return li.LineTotalMinor
	}
	if li.HasUnitPrice {
		return decimal.NewFromInt(li.UnitPriceMinor).Mul(decimal.NewFromFloat(li.Quantity)).Round(0).IntPart()
	}
	return 0
}

// GroupKey is the SKU when present, otherwise the item name.
func (li LineItem) GroupKey() string {
	if li.SKU != "" {
		return li.SKU
	}
	return li.Name
}

// Skipped records a receipt dropped during decoding or filtering.
type Skipped struct {
	Index     int    `json:"index"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Reason    string `json:"reason"`
}

// Exclusion reasons reported by IsValidSale.
const (
	ReasonNegativeTotal = "negative total"
	ReasonRefund        = "refund"
	ReasonVoided        = "voided"
)

// IsValidSale reports whether a receipt counts towards sales, with the reason
// when it does not.
func IsValidSale(r Receipt) (bool, string) {
	switch {
	case r.HasTotal && r.TotalMinor < 0:
		return false, ReasonNegativeTotal
	case r.Refunded, strings.Contains(strings.ToLower(r.Status), "refund"):
		return false, ReasonRefund
	case r.Voided:
		return false, ReasonVoided
	}
	return true, ""
}

// NormalizePaymentMethod maps upstream tender labels onto reporting buckets.
func NormalizePaymentMethod(label string) string {
	upper := strings.ToUpper(strings.TrimSpace(label))
	switch {
	case upper == "":
		return "OTHER"
	case strings.Contains(upper, "CASH"):
		return "CASH"
	case strings.Contains(upper, "GRAB"):
		return "GRAB"
	case strings.Contains(upper, "SCAN"), strings.Contains(upper, "QR"), strings.Contains(upper, "PROMPT"):
		return "SCAN_QR"
	case strings.Contains(upper, "CARD"), strings.Contains(upper, "VISA"), strings.Contains(upper, "MASTER"):
		return "CARD"
	case strings.Contains(upper, "MOMO"), upper == "LINE", strings.HasPrefix(upper, "LINE "), strings.Contains(upper, "WALLET"):
		return "WALLET"
	}
	return upper
}
