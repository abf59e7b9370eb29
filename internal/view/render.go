package view

import (
	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/pricing"
)

// DeferredLabel is shown for figures that checkout computes.
const DeferredLabel = "Calculated at checkout"

// LineView is one rendered cart row.
type LineView struct {
	ProductID          string `json:"productId"`
	VariantID          string `json:"variantId,omitempty"`
	Name               string `json:"name"`
	ImageURL           string `json:"imageUrl,omitempty"`
	Quantity           int    `json:"quantity"`
	MaxQuantity        int    `json:"maxQuantity,omitempty"`
	UnitPriceMinor     int64  `json:"unitPriceMinor"`
	UnitPriceFormatted string `json:"unitPrice"`
	LineTotalMinor     int64  `json:"lineTotalMinor"`
	LineTotalFormatted string `json:"lineTotal"`
	AtMaxQuantity      bool   `json:"atMaxQuantity"`
}

// SummaryView mirrors the order summary panel.
type SummaryView struct {
	SubtotalMinor     int64  `json:"subtotalMinor"`
	SubtotalFormatted string `json:"subtotal"`
	Shipping          string `json:"shipping"`
	Tax               string `json:"tax"`
	TotalMinor        int64  `json:"totalMinor"`
	TotalFormatted    string `json:"total"`
	ItemCount         int    `json:"itemCount"`
}

// CartView is everything the UI needs to draw the cart.
type CartView struct {
	Lines        []LineView  `json:"lines"`
	Summary      SummaryView `json:"summary"`
	CurrencyCode string      `json:"currencyCode,omitempty"`
	Version      uint64      `json:"version"`
	Empty        bool        `json:"empty"`
	Message      string      `json:"message,omitempty"`
}

// Render projects a snapshot into a view. Figures come from the cart and
// pricing packages only.
func Render(c cart.Cart) CartView {
	summary := c.Summary()
	v := CartView{
		Lines:        make([]LineView, 0, len(c.Lines)),
		CurrencyCode: c.CurrencyCode,
		Version:      c.Version,
		Empty:        c.Empty(),
		Summary: SummaryView{
			SubtotalMinor:     summary.Subtotal,
			SubtotalFormatted: pricing.Format(summary.Subtotal, c.CurrencyCode),
			TotalMinor:        summary.Total,
			TotalFormatted:    pricing.Format(summary.Total, c.CurrencyCode),
			ItemCount:         summary.ItemCount,
		},
	}
	if summary.Deferred {
		v.Summary.Shipping = DeferredLabel
		v.Summary.Tax = DeferredLabel
	}
	for _, l := range c.Lines {
		total := l.Total()
		v.Lines = append(v.Lines, LineView{
			ProductID:          l.ProductID,
			VariantID:          l.VariantID,
			Name:               l.Name,
			ImageURL:           l.ImageURL,
			Quantity:           l.Quantity,
			MaxQuantity:        l.MaxQuantity,
			UnitPriceMinor:     l.UnitPriceMinor,
			UnitPriceFormatted: pricing.Format(l.UnitPriceMinor, l.CurrencyCode),
			LineTotalMinor:     total,
			LineTotalFormatted: pricing.Format(total, l.CurrencyCode),
			AtMaxQuantity:      l.MaxQuantity > 0 && l.Quantity >= l.MaxQuantity,
		})
	}
	return v
}
