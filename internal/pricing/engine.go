package pricing

import (
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrOverflow is returned when an amount does not fit in int64 minor units.
var ErrOverflow = errors.New("pricing: amount out of range")

// Money represents a monetary value stored in minor units.
type Money = int64

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice Money
}

// Summary aggregates computed pricing components. Shipping and tax are
// resolved by checkout, so Deferred is always true for cart summaries.
type Summary struct {
	Subtotal  Money
	Total     Money
	ItemCount int
	Deferred  bool
}

// Compute calculates cart totals for the provided items.
func Compute(items []Item) Summary {
	totals := make([]Money, 0, len(items))
	count := 0
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		totals = append(totals, LineTotal(it.UnitPrice, it.Qty))
		count += it.Qty
	}
	subtotal := Sum(totals...)
	return Summary{
		Subtotal:  subtotal,
		Total:     subtotal,
		ItemCount: count,
		Deferred:  true,
	}
}

// LineTotal multiplies a unit price by a quantity, saturating instead of
// wrapping when the product does not fit.
func LineTotal(unit Money, qty int) Money {
	total, err := CheckedLineTotal(unit, qty)
	if err != nil {
		return saturate(unit)
	}
	return total
}

// CheckedLineTotal multiplies a unit price by a quantity and reports
// ErrOverflow instead of wrapping.
func CheckedLineTotal(unit Money, qty int) (Money, error) {
	if qty <= 0 {
		return 0, nil
	}
	q := Money(qty)
	if unit > math.MaxInt64/q || unit < math.MinInt64/q {
		return 0, ErrOverflow
	}
	return unit * q, nil
}

// Sum adds minor-unit amounts, saturating on overflow.
func Sum(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		next, ok := add(total, a)
		if !ok {
			return saturate(a)
		}
		total = next
	}
	return total
}

// CheckedSum adds minor-unit amounts and reports ErrOverflow instead of
// wrapping.
func CheckedSum(amounts ...Money) (Money, error) {
	var total Money
	for _, a := range amounts {
		next, ok := add(total, a)
		if !ok {
			return 0, ErrOverflow
		}
		total = next
	}
	return total, nil
}

func add(a, b Money) (Money, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func saturate(sign Money) Money {
	if sign < 0 {
		return math.MinInt64
	}
	return math.MaxInt64
}

var printer = message.NewPrinter(language.English)

// Format renders amountMinor for display in the given ISO 4217 currency using
// English symbols and digit grouping. Codes without an English symbol render
// as "CODE amount". Unrecognised codes fall back to a two-decimal amount
// followed by the code; Format never fails.
func Format(amountMinor Money, currencyCode string) string {
	code := strings.ToUpper(strings.TrimSpace(currencyCode))
	unit, err := currency.ParseISO(code)
	if err != nil {
		return generic(amountMinor, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	number := grouped(decimal.New(amountMinor, int32(-scale)).Abs(), int32(scale))
	sign := ""
	if amountMinor < 0 {
		sign = "-"
	}
	symbol := printer.Sprint(currency.Symbol(unit))
	if symbol == "" || symbol == unit.String() {
		return sign + unit.String() + " " + number
	}
	return sign + symbol + number
}

// grouped renders a non-negative amount with scale fraction digits and the
// printer's thousands separators on the integer part.
func grouped(amount decimal.Decimal, scale int32) string {
	whole := printer.Sprintf("%d", amount.IntPart())
	if scale <= 0 {
		return whole
	}
	_, frac, _ := strings.Cut(amount.StringFixed(scale), ".")
	return whole + "." + frac
}

func generic(amountMinor Money, code string) string {
	out := decimal.New(amountMinor, -2).StringFixed(2)
	if code == "" {
		return out
	}
	return out + " " + code
}
