package usage

import "strings"

// Category is a report bucket for sold items.
type Category string

// Report buckets.
const (
	CategoryBurgers      Category = "BURGERS"
	CategorySideOrders   Category = "SIDE_ORDERS"
	CategoryBurgerExtras Category = "BURGER_EXTRAS"
	CategoryDrinks       Category = "DRINKS"
	CategoryOther        Category = "OTHER"
)

// CategoryRule assigns Category to names containing any of Keywords.
type CategoryRule struct {
	Category Category
	Keywords []string
}

// DefaultCategoryRules is evaluated top to bottom; the first match wins.
var DefaultCategoryRules = []CategoryRule{
	{Category: CategoryBurgers, Keywords: []string{"burger", "smash", "single", "double", "triple", "crispy chicken"}},
	{Category: CategorySideOrders, Keywords: []string{"fries", "rings", "nugget", "side"}},
	{Category: CategoryBurgerExtras, Keywords: []string{"cheese", "bacon", "animal style"}},
	{Category: CategoryDrinks, Keywords: []string{"coke", "water", "juice", "beer", "fanta", "sprite", "drink", "soda"}},
}

// Categorize returns the first matching bucket for name, or CategoryOther.
func Categorize(name string, rules []CategoryRule) Category {
	lowered := strings.ToLower(name)
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lowered, kw) {
				return rule.Category
			}
		}
	}
	return CategoryOther
}
