package cart

import (
	"fmt"
	"strings"

	"github.com/noah-isme/toko-cart/internal/pricing"
)

// Key identifies a line by product and optional variant.
type Key struct {
	ProductID string
	VariantID string
}

func (k Key) normalized() Key {
	return Key{ProductID: strings.TrimSpace(k.ProductID), VariantID: strings.TrimSpace(k.VariantID)}
}

func (k Key) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariantID
}

// Line is one product/variant entry in the cart.
type Line struct {
	ProductID      string `json:"productId"`
	VariantID      string `json:"variantId,omitempty"`
	Name           string `json:"name"`
	UnitPriceMinor int64  `json:"unitPriceMinor"`
	CurrencyCode   string `json:"currencyCode"`
	Quantity       int    `json:"quantity"`
	ImageURL       string `json:"imageUrl,omitempty"`
	MaxQuantity    int    `json:"maxQuantity,omitempty"`
}

// Key returns the line's identity.
func (l Line) Key() Key {
	return Key{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Total returns unit price times quantity.
func (l Line) Total() int64 {
	return pricing.LineTotal(l.UnitPriceMinor, l.Quantity)
}

// QuantityLimit caps the quantity of any single line.
const QuantityLimit = 9999

// Cart is the aggregate owned by a Store. Only Lines, CurrencyCode and
// Version are persisted; every figure is derived from Lines.
type Cart struct {
	Lines        []Line `json:"lines"`
	CurrencyCode string `json:"currencyCode,omitempty"`
	Version      uint64 `json:"version"`
}

// Subtotal sums line totals.
func (c Cart) Subtotal() int64 {
	return c.Summary().Subtotal
}

// Total equals Subtotal; shipping and tax are added by checkout.
func (c Cart) Total() int64 {
	return c.Summary().Total
}

// ItemCount sums line quantities.
func (c Cart) ItemCount() int {
	return c.Summary().ItemCount
}

// Summary computes the cart figures from its lines.
func (c Cart) Summary() pricing.Summary {
	items := make([]pricing.Item, 0, len(c.Lines))
	for _, l := range c.Lines {
		items = append(items, pricing.Item{Qty: l.Quantity, UnitPrice: l.UnitPriceMinor})
	}
	return pricing.Compute(items)
}

// checkTotals reports whether every line total and the subtotal fit in
// int64 minor units.
func (c Cart) checkTotals() error {
	totals := make([]int64, 0, len(c.Lines))
	for _, l := range c.Lines {
		t, err := pricing.CheckedLineTotal(l.UnitPriceMinor, l.Quantity)
		if err != nil {
			return fmt.Errorf("line %s: %w", l.Key(), err)
		}
		totals = append(totals, t)
	}
	if _, err := pricing.CheckedSum(totals...); err != nil {
		return fmt.Errorf("subtotal: %w", err)
	}
	return nil
}

// Empty reports whether the cart has no lines.
func (c Cart) Empty() bool {
	return len(c.Lines) == 0
}

// Clone returns a deep copy of the cart.
func (c Cart) Clone() Cart {
	out := Cart{CurrencyCode: c.CurrencyCode, Version: c.Version}
	if c.Lines != nil {
		out.Lines = make([]Line, len(c.Lines))
		copy(out.Lines, c.Lines)
	}
	return out
}

// Find returns the index of the line with the given key.
func (c Cart) Find(key Key) (int, bool) {
	for i, l := range c.Lines {
		if l.Key() == key {
			return i, true
		}
	}
	return -1, false
}

// Item carries the catalog attributes supplied when a product is added.
type Item struct {
	ProductID      string
	VariantID      string
	Name           string
	UnitPriceMinor int64
	CurrencyCode   string
	Quantity       int
	ImageURL       string
	MaxQuantity    int
}

func (it Item) key() Key {
	return Key{ProductID: it.ProductID, VariantID: it.VariantID}
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// clamp caps qty at max, or at QuantityLimit when max is unset or larger.
func clamp(qty, max int) int {
	if max <= 0 || max > QuantityLimit {
		max = QuantityLimit
	}
	if qty > max {
		return max
	}
	return qty
}
