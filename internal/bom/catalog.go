package bom

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Key identifies a recipe.
type Key string

// Unknown is returned for items that match no SKU or name rule.
const Unknown Key = "UNKNOWN"

// Recipe lists per-unit ingredient quantities for one menu item.
type Recipe struct {
	Key         Key                `yaml:"key" validate:"required"`
	Ingredients map[string]float64 `yaml:"ingredients" validate:"required,min=1"`
}

// ModifierDelta lists signed ingredient changes applied per modifier occurrence.
type ModifierDelta struct {
	Name  string             `yaml:"name" validate:"required"`
	Delta map[string]float64 `yaml:"delta" validate:"required,min=1"`
}

// Rule maps items whose name contains every keyword to Key.
type Rule struct {
	Key      Key      `yaml:"key" validate:"required"`
	Keywords []string `yaml:"keywords" validate:"required,min=1,dive,required"`
}

// Catalog is the reference data the resolver is built from. Rules are
// evaluated in order, so more specific keyword combinations come first.
type Catalog struct {
	Recipes   []Recipe        `yaml:"recipes" validate:"dive"`
	Modifiers []ModifierDelta `yaml:"modifiers" validate:"dive"`
	SKUs      map[string]Key  `yaml:"skus"`
	Rules     []Rule          `yaml:"rules" validate:"dive"`
}

// ErrInvalidCatalog occurs when a catalog fails validation.
var ErrInvalidCatalog = errors.New("bom: invalid catalog")

// DefaultCatalog returns the restaurant's built-in menu.
func DefaultCatalog() Catalog {
	return Catalog{
		Recipes: []Recipe{
			{Key: "SINGLE_SMASH", Ingredients: map[string]float64{"bun": 1, "patty_grams": 95, "cheese_grams": 20, "sauce_grams": 20}},
			{Key: "DOUBLE_SMASH", Ingredients: map[string]float64{"bun": 1, "patty_grams": 190, "cheese_grams": 40, "sauce_grams": 25}},
			{Key: "TRIPLE_SMASH", Ingredients: map[string]float64{"bun": 1, "patty_grams": 285, "cheese_grams": 60, "sauce_grams": 30}},
			{Key: "CRISPY_CHICKEN", Ingredients: map[string]float64{"bun": 1, "chicken_grams": 120, "sauce_grams": 20}},
			{Key: "SUPER_DOUBLE_BACON", Ingredients: map[string]float64{"bun": 1, "patty_grams": 190, "cheese_grams": 40, "bacon_grams": 30, "sauce_grams": 25}},
			{Key: "ULTIMATE_DOUBLE", Ingredients: map[string]float64{"bun": 1, "patty_grams": 190, "cheese_grams": 40, "sauce_grams": 30}},
		},
		Modifiers: []ModifierDelta{
			{Name: "Extra Patty", Delta: map[string]float64{"patty_grams": 95}},
			{Name: "No Cheese", Delta: map[string]float64{"cheese_grams": -20}},
			{Name: "Large Fries", Delta: map[string]float64{"fries_grams": 75}},
			{Name: "Extra Cheese", Delta: map[string]float64{"cheese_grams": 20}},
			{Name: "Extra Bacon", Delta: map[string]float64{"bacon_grams": 15}},
		},
		SKUs: map[string]Key{
			"10019": "SUPER_DOUBLE_BACON",
			"10066": "CRISPY_CHICKEN",
			"10006": "ULTIMATE_DOUBLE",
			"10004": "SINGLE_SMASH",
			"10009": "TRIPLE_SMASH",
			"10036": "SUPER_DOUBLE_BACON",
			"10032": "ULTIMATE_DOUBLE",
			"10033": "SINGLE_SMASH",
			"10069": "SINGLE_SMASH",
			"10003": "SINGLE_SMASH",
		},
		Rules: []Rule{
			{Key: "SUPER_DOUBLE_BACON", Keywords: []string{"super", "double", "bacon"}},
			{Key: "CRISPY_CHICKEN", Keywords: []string{"crispy", "chicken"}},
			{Key: "ULTIMATE_DOUBLE", Keywords: []string{"ultimate", "double"}},
			{Key: "TRIPLE_SMASH", Keywords: []string{"triple"}},
			{Key: "SINGLE_SMASH", Keywords: []string{"single"}},
			{Key: "DOUBLE_SMASH", Keywords: []string{"double"}},
		},
	}
}

// LoadCatalog reads a YAML catalog from path. An empty path yields the default catalog.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("bom: read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(raw []byte) (Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// Validate checks structural rules and that every SKU and rule points at a known recipe.
func (c Catalog) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	known := make(map[Key]struct{}, len(c.Recipes))
	for _, r := range c.Recipes {
		if _, dup := known[r.Key]; dup {
			return fmt.Errorf("%w: duplicate recipe %s", ErrInvalidCatalog, r.Key)
		}
		known[r.Key] = struct{}{}
	}
	for sku, key := range c.SKUs {
		if _, ok := known[key]; !ok {
			return fmt.Errorf("%w: sku %s maps to unknown recipe %s", ErrInvalidCatalog, sku, key)
		}
	}
	for _, rule := range c.Rules {
		if _, ok := known[rule.Key]; !ok {
			return fmt.Errorf("%w: rule maps to unknown recipe %s", ErrInvalidCatalog, rule.Key)
		}
	}
	return nil
}
