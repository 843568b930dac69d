// Package bom maps sold menu items and modifiers to the ingredients they consume.
package bom

import (
	"strings"
)

// Resolver answers recipe and modifier lookups against a catalog. It is
// read-only after construction and safe for concurrent use.
type Resolver struct {
	recipes   map[Key]Recipe
	modifiers map[string]ModifierDelta
	skus      map[string]Key
	rules     []Rule
}

// NewResolver indexes the catalog.
func NewResolver(cat Catalog) *Resolver {
	r := &Resolver{
		recipes:   make(map[Key]Recipe, len(cat.Recipes)),
		modifiers: make(map[string]ModifierDelta, len(cat.Modifiers)),
		skus:      make(map[string]Key, len(cat.SKUs)),
		rules:     make([]Rule, 0, len(cat.Rules)),
	}
	for _, recipe := range cat.Recipes {
		r.recipes[recipe.Key] = recipe
	}
	for _, mod := range cat.Modifiers {
		r.modifiers[normalize(mod.Name)] = mod
	}
	for sku, key := range cat.SKUs {
		r.skus[strings.TrimSpace(sku)] = key
	}
	for _, rule := range cat.Rules {
		keywords := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			keywords = append(keywords, normalize(kw))
		}
		r.rules = append(r.rules, Rule{Key: rule.Key, Keywords: keywords})
	}
	return r
}

// ResolveItemKey returns the recipe key for an item. An exact SKU hit wins over
// name rules; the first rule whose keywords all appear in the name wins next.
func (r *Resolver) ResolveItemKey(name, sku string) Key {
	if sku = strings.TrimSpace(sku); sku != "" {
		if key, ok := r.skus[sku]; ok {
			return key
		}
	}
	lowered := normalize(name)
	if lowered == "" {
		return Unknown
	}
	for _, rule := range r.rules {
		if matchesAll(lowered, rule.Keywords) {
			return rule.Key
		}
	}
	return Unknown
}

// ResolveModifier looks up a modifier by case-insensitive exact name.
func (r *Resolver) ResolveModifier(name string) (ModifierDelta, bool) {
	mod, ok := r.modifiers[normalize(name)]
	return mod, ok
}

// Recipe returns the recipe for key.
func (r *Resolver) Recipe(key Key) (Recipe, bool) {
	if key == Unknown {
		return Recipe{}, false
	}
	recipe, ok := r.recipes[key]
	return recipe, ok
}

func matchesAll(name string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(name, kw) {
			return false
		}
	}
	return len(keywords) > 0
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
