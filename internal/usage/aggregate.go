// Package usage folds POS receipts into sales, payment and ingredient totals.
package usage

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/smashbros/backoffice/internal/bom"
	"github.com/smashbros/backoffice/internal/pos"
)

// Map holds ingredient quantities keyed by ingredient name.
type Map map[string]float64

// Resolver is the subset of the BOM resolver the aggregator needs.
type Resolver interface {
	ResolveItemKey(name, sku string) bom.Key
	ResolveModifier(name string) (bom.ModifierDelta, bool)
	Recipe(key bom.Key) (bom.Recipe, bool)
}

// ItemSale totals one item group.
type ItemSale struct {
	Name       string   `json:"name"`
	SKU        string   `json:"sku,omitempty"`
	Recipe     bom.Key  `json:"recipe"`
	Category   Category `json:"category"`
	Quantity   float64  `json:"qty"`
	SalesMinor int64    `json:"sales_minor"`
}

// CategoryTotal totals one report bucket.
type CategoryTotal struct {
	Quantity   float64 `json:"qty"`
	SalesMinor int64   `json:"sales_minor"`
}

// PaymentTotal totals one payment method.
type PaymentTotal struct {
	AmountMinor int64 `json:"amount_minor"`
	Count       int   `json:"count"`
}

// Diagnostic statuses.
const (
	StatusOK         = "ok"
	StatusSkipped    = "skipped"
	StatusDefaulted  = "defaulted"
	StatusUnresolved = "unresolved"
	StatusNegative   = "negative_usage"
)

// Diagnostic is a per-record outcome or data-quality signal.
type Diagnostic struct {
	ReceiptID string `json:"receipt_id,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Aggregation is the result of folding one receipt set.
type Aggregation struct {
	ItemSales            map[string]ItemSale        `json:"item_sales"`
	ModifierCounts       map[string]float64         `json:"modifier_counts"`
	PaymentBreakdown     map[string]PaymentTotal    `json:"payment_breakdown"`
	CategoryTotals       map[Category]CategoryTotal `json:"category_totals"`
	IngredientUsage      Map                        `json:"ingredient_usage"`
	ValidReceiptCount    int                        `json:"valid_receipt_count"`
	ExcludedReceiptCount int                        `json:"excluded_receipt_count"`
	TotalSalesMinor      int64                      `json:"total_sales_minor"`
	UnresolvedItems      []string                   `json:"unresolved_items"`
	Diagnostics          []Diagnostic               `json:"diagnostics"`
}

// NegativeUsage lists ingredients whose total went below zero, sorted by name.
func (a Aggregation) NegativeUsage() []string {
	var out []string
	for name, qty := range a.IngredientUsage {
		if qty < 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Accumulator builds an Aggregation receipt by receipt. It belongs to a single
// aggregation run and is not safe for concurrent use.
type Accumulator struct {
	resolver   Resolver
	rules      []CategoryRule
	agg        Aggregation
	unresolved map[string]struct{}
}

// NewAccumulator starts an empty aggregation. Nil rules select DefaultCategoryRules.
func NewAccumulator(resolver Resolver, rules []CategoryRule) *Accumulator {
	if rules == nil {
		rules = DefaultCategoryRules
	}
	return &Accumulator{
		resolver: resolver,
		rules:    rules,
		agg: Aggregation{
			ItemSales:        map[string]ItemSale{},
			ModifierCounts:   map[string]float64{},
			PaymentBreakdown: map[string]PaymentTotal{},
			CategoryTotals:   map[Category]CategoryTotal{},
			IngredientUsage:  Map{},
			UnresolvedItems:  []string{},
			Diagnostics:      []Diagnostic{},
		},
		unresolved: map[string]struct{}{},
	}
}

// Skip records receipts that could not be decoded upstream.
func (a *Accumulator) Skip(skipped ...pos.Skipped) {
	for _, s := range skipped {
		a.diag(s.ReceiptID, StatusSkipped, s.Reason)
	}
}

// Add folds one receipt. Receipts failing pos.IsValidSale are counted as
// excluded and contribute nothing else.
func (a *Accumulator) Add(r pos.Receipt) {
	if ok, reason := pos.IsValidSale(r); !ok {
		a.agg.ExcludedReceiptCount++
		a.diag(r.ID, StatusSkipped, reason)
		return
	}
	a.agg.ValidReceiptCount++
	a.diag(r.ID, StatusOK, "")
	for _, field := range r.Missing {
		a.diag(r.ID, StatusDefaulted, field+" missing")
	}

	var lineSum int64
	for _, li := range r.LineItems {
		lineSum += a.addLine(r.ID, li)
	}

	total := r.TotalMinor
	if !r.HasTotal {
		total = lineSum
	}
	a.agg.TotalSalesMinor += total
	a.addPayments(r, total)
}

func (a *Accumulator) addLine(receiptID string, li pos.LineItem) int64 {
	key := li.GroupKey()
	if key == "" {
		key = "UNNAMED"
	}
	revenue := li.Revenue()
	recipeKey := a.resolver.ResolveItemKey(li.Name, li.SKU)

	sale, seen := a.agg.ItemSales[key]
	if !seen {
		sale = ItemSale{Name: li.Name, SKU: li.SKU, Recipe: recipeKey, Category: Categorize(li.Name, a.rules)}
	}
	sale.Quantity += li.Quantity
	sale.SalesMinor += revenue
	a.agg.ItemSales[key] = sale

	cat := a.agg.CategoryTotals[sale.Category]
	cat.Quantity += li.Quantity
	cat.SalesMinor += revenue
	a.agg.CategoryTotals[sale.Category] = cat

	for _, mod := range li.Modifiers {
		name := strings.TrimSpace(mod.Name)
		if name == "" {
			a.diag(receiptID, StatusDefaulted, fmt.Sprintf("modifier on %q has no name", key))
			continue
		}
		factor := li.Quantity * mod.Quantity
		a.agg.ModifierCounts[name] += factor
		if delta, ok := a.resolver.ResolveModifier(name); ok {
			a.apply(delta.Delta, factor)
		}
	}

	if recipe, ok := a.resolver.Recipe(recipeKey); ok {
		a.apply(recipe.Ingredients, li.Quantity)
	} else if _, noted := a.unresolved[key]; !noted {
		a.unresolved[key] = struct{}{}
		a.agg.UnresolvedItems = append(a.agg.UnresolvedItems, key)
		a.diag(receiptID, StatusUnresolved, fmt.Sprintf("no recipe for %q", key))
	}
	return revenue
}

func (a *Accumulator) addPayments(r pos.Receipt, total int64) {
	if len(r.Payments) == 0 {
		method := pos.NormalizePaymentMethod(r.PaymentType)
		pt := a.agg.PaymentBreakdown[method]
		pt.AmountMinor += total
		pt.Count++
		a.agg.PaymentBreakdown[method] = pt
		return
	}
	for _, p := range r.Payments {
		method := pos.NormalizePaymentMethod(p.Method)
		pt := a.agg.PaymentBreakdown[method]
		pt.AmountMinor += p.AmountMinor
		pt.Count++
		a.agg.PaymentBreakdown[method] = pt
	}
}

func (a *Accumulator) apply(quantities map[string]float64, factor float64) {
	if factor == 0 {
		return
	}
	names := make([]string, 0, len(quantities))
	for name := range quantities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a.agg.IngredientUsage[name] += quantities[name] * factor
	}
}

func (a *Accumulator) diag(receiptID, status, reason string) {
	a.agg.Diagnostics = append(a.agg.Diagnostics, Diagnostic{ReceiptID: receiptID, Status: status, Reason: reason})
}

// Result returns the aggregation. Negative ingredient totals are kept as-is and
// flagged with a diagnostic each.
func (a *Accumulator) Result() Aggregation {
	out := a.agg
	out.ItemSales = maps.Clone(a.agg.ItemSales)
	out.ModifierCounts = maps.Clone(a.agg.ModifierCounts)
	out.PaymentBreakdown = maps.Clone(a.agg.PaymentBreakdown)
	out.CategoryTotals = maps.Clone(a.agg.CategoryTotals)
	out.IngredientUsage = maps.Clone(a.agg.IngredientUsage)
	out.UnresolvedItems = append([]string{}, a.agg.UnresolvedItems...)
	sort.Strings(out.UnresolvedItems)
	out.Diagnostics = append([]Diagnostic(nil), a.agg.Diagnostics...)
	for _, name := range out.NegativeUsage() {
		out.Diagnostics = append(out.Diagnostics, Diagnostic{
			Status: StatusNegative,
			Reason: fmt.Sprintf("%s total is %v", name, out.IngredientUsage[name]),
		})
	}
	if out.Diagnostics == nil {
		out.Diagnostics = []Diagnostic{}
	}
	return out
}

// Aggregate folds receipts in order.
func Aggregate(receipts []pos.Receipt, resolver Resolver) Aggregation {
	acc := NewAccumulator(resolver, nil)
	for _, r := range receipts {
		acc.Add(r)
	}
	return acc.Result()
}
