package cart_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/cart"
)

func line(productID string, qty int) cart.Line {
	return cart.Line{ProductID: productID, Name: productID, UnitPriceMinor: 100, CurrencyCode: "USD", Quantity: qty}
}

func quantities(c cart.Cart) map[string]int {
	out := make(map[string]int, len(c.Lines))
	for _, l := range c.Lines {
		out[l.Key().String()] = l.Quantity
	}
	return out
}

func TestMergeAddsSharedQuantities(t *testing.T) {
	local := cart.Cart{Lines: []cart.Line{line("p1", 2)}, CurrencyCode: "USD", Version: 1}
	remote := cart.Cart{Lines: []cart.Line{line("p1", 1), line("p2", 3)}, CurrencyCode: "USD", Version: 2}

	merged, err := cart.Merge(local, remote)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"p1": 3, "p2": 3}, quantities(merged))
	require.Equal(t, uint64(3), merged.Version)
	require.Equal(t, "p1", merged.Lines[0].ProductID)
	require.Equal(t, "p2", merged.Lines[1].ProductID)
}

func TestMergeIsCommutativeOnQuantities(t *testing.T) {
	a := cart.Cart{Lines: []cart.Line{line("p1", 2), line("p3", 1)}, CurrencyCode: "USD", Version: 4}
	b := cart.Cart{Lines: []cart.Line{line("p1", 1), line("p2", 3)}, CurrencyCode: "USD", Version: 9}

	ab, err := cart.Merge(a, b)
	require.NoError(t, err)
	ba, err := cart.Merge(b, a)
	require.NoError(t, err)
	require.Equal(t, quantities(ab), quantities(ba))
	require.Equal(t, uint64(10), ab.Version)
	require.Equal(t, ab.Version, ba.Version)
}

func TestMergeOrdersRemoteFirst(t *testing.T) {
	local := cart.Cart{Lines: []cart.Line{line("l1", 1), line("shared", 1), line("l2", 1)}, CurrencyCode: "USD"}
	remote := cart.Cart{Lines: []cart.Line{line("r1", 1), line("shared", 1)}, CurrencyCode: "USD"}

	merged, err := cart.Merge(local, remote)
	require.NoError(t, err)
	var order []string
	for _, l := range merged.Lines {
		order = append(order, l.ProductID)
	}
	require.Equal(t, []string{"r1", "shared", "l1", "l2"}, order)
}

func TestMergeCapsAtSmallestCeiling(t *testing.T) {
	l := line("p1", 4)
	l.MaxQuantity = 5
	r := line("p1", 3)
	r.MaxQuantity = 6
	r.Name = "Remote name"

	merged, err := cart.Merge(
		cart.Cart{Lines: []cart.Line{l}, CurrencyCode: "USD"},
		cart.Cart{Lines: []cart.Line{r}, CurrencyCode: "USD"},
	)
	require.NoError(t, err)
	require.Len(t, merged.Lines, 1)
	require.Equal(t, 5, merged.Lines[0].Quantity)
	require.Equal(t, 5, merged.Lines[0].MaxQuantity)
	require.Equal(t, "Remote name", merged.Lines[0].Name)
}

func TestMergeVariantsStayDistinct(t *testing.T) {
	small := line("shirt", 1)
	small.VariantID = "s"
	large := line("shirt", 2)
	large.VariantID = "l"

	merged, err := cart.Merge(
		cart.Cart{Lines: []cart.Line{small}, CurrencyCode: "USD"},
		cart.Cart{Lines: []cart.Line{large}, CurrencyCode: "USD"},
	)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"shirt/s": 1, "shirt/l": 2}, quantities(merged))
}

func TestMergeWithEmptySide(t *testing.T) {
	local := cart.Cart{Lines: []cart.Line{line("p1", 2)}, CurrencyCode: "USD", Version: 3}

	merged, err := cart.Merge(local, cart.Cart{})
	require.NoError(t, err)
	require.Equal(t, "USD", merged.CurrencyCode)
	require.Equal(t, map[string]int{"p1": 2}, quantities(merged))
	require.Equal(t, uint64(4), merged.Version)

	merged, err = cart.Merge(cart.Cart{}, cart.Cart{})
	require.NoError(t, err)
	require.True(t, merged.Empty())
	require.Empty(t, merged.CurrencyCode)
	require.Equal(t, uint64(1), merged.Version)
}

func TestMergeRejectsCurrencyMismatch(t *testing.T) {
	eur := line("p2", 1)
	eur.CurrencyCode = "EUR"

	_, err := cart.Merge(
		cart.Cart{Lines: []cart.Line{line("p1", 1)}, CurrencyCode: "USD"},
		cart.Cart{Lines: []cart.Line{eur}, CurrencyCode: "EUR"},
	)
	require.ErrorIs(t, err, cart.ErrCurrencyMismatch)
}

func TestStoreMergeIn(t *testing.T) {
	store := cart.NewStore()
	_, err := store.AddItem(usd("p1", 100, 2))
	require.NoError(t, err)

	var notified []uint64
	store.Subscribe(func(c cart.Cart) { notified = append(notified, c.Version) })

	snap, err := store.MergeIn(cart.Cart{Lines: []cart.Line{line("p1", 1), line("p2", 3)}, CurrencyCode: "USD", Version: 2})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"p1": 3, "p2": 3}, quantities(snap))
	require.Equal(t, uint64(3), snap.Version)
	require.Equal(t, []uint64{3}, notified)

	eur := line("p9", 1)
	eur.CurrencyCode = "EUR"
	_, err = store.MergeIn(cart.Cart{Lines: []cart.Line{eur}, CurrencyCode: "EUR", Version: 10})
	require.ErrorIs(t, err, cart.ErrCurrencyMismatch)
	require.Equal(t, uint64(3), store.Snapshot().Version)
}

func TestMergeSaturatesQuantities(t *testing.T) {
	local := cart.Cart{Lines: []cart.Line{line("p1", int(^uint(0)>>1))}, CurrencyCode: "USD", Version: 1}
	remote := cart.Cart{Lines: []cart.Line{line("p1", cart.QuantityLimit)}, CurrencyCode: "USD", Version: 1}

	merged, err := cart.Merge(local, remote)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"p1": cart.QuantityLimit}, quantities(merged))
	require.Equal(t, int64(100*cart.QuantityLimit), merged.Subtotal())
}

func TestMergeRejectsSubtotalOverflow(t *testing.T) {
	big := cart.Line{ProductID: "p1", UnitPriceMinor: 1 << 62, CurrencyCode: "USD", Quantity: 1}
	other := big
	other.ProductID = "p2"
	local := cart.Cart{Lines: []cart.Line{big}, CurrencyCode: "USD", Version: 1}
	remote := cart.Cart{Lines: []cart.Line{other}, CurrencyCode: "USD", Version: 1}

	_, err := cart.Merge(local, remote)
	require.ErrorIs(t, err, cart.ErrInvalidInput)
}
