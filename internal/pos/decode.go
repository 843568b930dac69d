package pos

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Upstream field aliases. Each list is consulted in order before a field is
// considered absent.
var (
	idFields          = []string{"receipt_number", "id", "receipt_id"}
	createdFields     = []string{"created_at", "receipt_date", "createdAt"}
	totalFields       = []string{"total_money", "total", "totalAmount", "total_amount"}
	statusFields      = []string{"receipt_type", "type", "status"}
	voidFields        = []string{"voided", "is_void", "void", "cancelled_at"}
	paymentTypeFields = []string{"payment_type", "paymentType"}
	paymentsFields    = []string{"payments", "tenders"}
	paymentNameFields = []string{"name", "type", "method", "payment_type"}
	paymentAmtFields  = []string{"money_amount", "amount", "value"}
	lineItemsFields   = []string{"line_items", "items"}
	itemNameFields    = []string{"item_name", "name", "title"}
	itemSKUFields     = []string{"sku", "item_sku", "variant_sku"}
	quantityFields    = []string{"quantity", "qty"}
	lineTotalFields   = []string{"total_money", "total", "gross_total_money"}
	unitPriceFields   = []string{"price", "price_money", "unit_price"}
	modifiersFields   = []string{"line_modifiers", "modifiers", "option_modifiers"}
	modifierFields    = []string{"option", "name", "title", "modifier_name"}
	receiptsFields    = []string{"receipts", "data"}
	cursorFields      = []string{"cursor", "next_page_token", "nextPageToken", "page_token"}
)

var hundred = decimal.NewFromInt(100)

type object map[string]json.RawMessage

// DecodeReceipt parses one upstream receipt document.
func DecodeReceipt(raw []byte) (Receipt, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Receipt{}, errors.New("receipt is not a JSON object")
	}
	var r Receipt
	var err error

	r.ID, _ = obj.str(idFields...)
	if created, ok := obj.str(createdFields...); ok {
		ts, perr := time.Parse(time.RFC3339Nano, created)
		if perr != nil {
			return Receipt{}, fmt.Errorf("created_at %q: %w", created, perr)
		}
		r.CreatedAt = ts.UTC()
	} else {
		r.Missing = append(r.Missing, "created_at")
	}
	if r.TotalMinor, r.HasTotal, err = obj.money(totalFields...); err != nil {
		return Receipt{}, fmt.Errorf("total: %w", err)
	}
	if !r.HasTotal {
		r.Missing = append(r.Missing, "total")
	}
	r.Status, _ = obj.str(statusFields...)
	for _, status := range obj.strs(statusFields...) {
		if strings.Contains(strings.ToLower(status), "refund") {
			r.Refunded = true
		}
	}
	r.Voided = obj.truthy(voidFields...)
	r.PaymentType, _ = obj.str(paymentTypeFields...)

	for i, p := range obj.list(paymentsFields...) {
		payment, perr := decodePayment(p)
		if perr != nil {
			return Receipt{}, fmt.Errorf("payment %d: %w", i, perr)
		}
		r.Payments = append(r.Payments, payment)
	}
	for i, li := range obj.list(lineItemsFields...) {
		item, missing, lerr := decodeLineItem(li)
		if lerr != nil {
			return Receipt{}, fmt.Errorf("line item %d: %w", i, lerr)
		}
		for _, field := range missing {
			r.Missing = append(r.Missing, fmt.Sprintf("line_items[%d].%s", i, field))
		}
		r.LineItems = append(r.LineItems, item)
	}
	return r, nil
}

func decodePayment(raw json.RawMessage) (Payment, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Payment{}, errors.New("payment is not a JSON object")
	}
	method, _ := obj.str(paymentNameFields...)
	amount, _, err := obj.money(paymentAmtFields...)
	if err != nil {
		return Payment{}, err
	}
	return Payment{Method: method, AmountMinor: amount}, nil
}

func decodeLineItem(raw json.RawMessage) (LineItem, []string, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return LineItem{}, nil, errors.New("line item is not a JSON object")
	}
	var (
		item    LineItem
		missing []string
		err     error
		ok      bool
	)
	item.Name, _ = obj.str(itemNameFields...)
	item.SKU, _ = obj.str(itemSKUFields...)
	if item.Quantity, ok, err = obj.number(quantityFields...); err != nil {
		return LineItem{}, nil, fmt.Errorf("quantity: %w", err)
	} else if !ok {
		missing = append(missing, "quantity")
	}
	if item.LineTotalMinor, item.HasLineTotal, err = obj.money(lineTotalFields...); err != nil {
		return LineItem{}, nil, fmt.Errorf("line total: %w", err)
	}
	if item.UnitPriceMinor, item.HasUnitPrice, err = obj.money(unitPriceFields...); err != nil {
		return LineItem{}, nil, fmt.Errorf("unit price: %w", err)
	}
	if !item.HasLineTotal && !item.HasUnitPrice {
		missing = append(missing, "total")
	}
	for i, m := range obj.list(modifiersFields...) {
		var mod object
		if err := json.Unmarshal(m, &mod); err != nil {
			return LineItem{}, nil, fmt.Errorf("modifier %d is not a JSON object", i)
		}
		name, _ := mod.str(modifierFields...)
		qty, ok, err := mod.number(quantityFields...)
		if err != nil {
			return LineItem{}, nil, fmt.Errorf("modifier %d quantity: %w", i, err)
		}
		if !ok {
			qty = 1
		}
		item.Modifiers = append(item.Modifiers, Modifier{Name: name, Quantity: qty})
	}
	return item, missing, nil
}

// decodePage parses a page envelope. Receipts that fail to decode are reported
// as skipped instead of failing the page.
func decodePage(raw []byte) (Page, error) {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Page{}, errors.New("page is not a JSON object")
	}
	var page Page
	page.NextCursor, _ = obj.str(cursorFields...)
	for i, rec := range obj.list(receiptsFields...) {
		receipt, err := DecodeReceipt(rec)
		if err != nil {
			page.Skipped = append(page.Skipped, Skipped{Index: i, ReceiptID: peekID(rec), Reason: err.Error()})
			continue
		}
		page.Receipts = append(page.Receipts, receipt)
	}
	return page, nil
}

func peekID(raw json.RawMessage) string {
	var obj object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	id, _ := obj.str(idFields...)
	return id
}

// first returns the first alias that is present and not null.
func (o object) first(keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		v, ok := o[k]
		if !ok {
			continue
		}
		if trimmed := bytes.TrimSpace(v); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		return v, true
	}
	return nil, false
}

func (o object) str(keys ...string) (string, bool) {
	raw, ok := o.first(keys...)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// strs returns every alias that holds a non-empty string, in alias order.
func (o object) strs(keys ...string) []string {
	var out []string
	for _, k := range keys {
		if s, ok := o.str(k); ok {
			out = append(out, s)
		}
	}
	return out
}

func (o object) number(keys ...string) (float64, bool, error) {
	raw, ok := o.first(keys...)
	if !ok {
		return 0, false, nil
	}
	d, err := parseDecimal(raw)
	if err != nil {
		return 0, false, err
	}
	f, _ := d.Float64()
	return f, true, nil
}

// money returns a major-unit amount converted to minor units.
func (o object) money(keys ...string) (int64, bool, error) {
	raw, ok := o.first(keys...)
	if !ok {
		return 0, false, nil
	}
	var nested object
	if err := json.Unmarshal(raw, &nested); err == nil && nested != nil {
		return nested.money("amount", "money_amount", "value")
	}
	d, err := parseDecimal(raw)
	if err != nil {
		return 0, false, err
	}
	return d.Mul(hundred).Round(0).IntPart(), true, nil
}

func (o object) truthy(keys ...string) bool {
	for _, k := range keys {
		raw, ok := o[k]
		if !ok {
			continue
		}
		if isTruthy(raw) {
			return true
		}
	}
	return false
}

func (o object) list(keys ...string) []json.RawMessage {
	raw, ok := o.first(keys...)
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return decimal.Zero, fmt.Errorf("not a number: %q", s)
		}
		return d, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %s", string(raw))
	}
	return decimal.NewFromString(n.String())
}

func isTruthy(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")), bytes.Equal(trimmed, []byte("false")):
		return false
	case bytes.Equal(trimmed, []byte("true")):
		return true
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "", "false", "0", "no", "null":
			return false
		}
		return true
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err == nil {
		return f != 0
	}
	return true
}
