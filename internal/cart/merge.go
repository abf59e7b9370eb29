package cart

import "fmt"

// Merge reconciles a local (anonymous) cart with a remote (account) cart.
// Quantities for shared keys add up and are capped by the smallest known
// MaxQuantity. Remote lines keep their order and come first, followed by
// local-only lines in local order. Remote attributes win for shared keys.
// The result carries version max(local, remote) + 1.
func Merge(local, remote Cart) (Cart, error) {
	local = sanitize(local)
	remote = sanitize(remote)
	if !local.Empty() && !remote.Empty() && local.CurrencyCode != remote.CurrencyCode {
		return Cart{}, fmt.Errorf("merge %s into %s: %w", local.CurrencyCode, remote.CurrencyCode, ErrCurrencyMismatch)
	}

	merged := Cart{
		CurrencyCode: remote.CurrencyCode,
		Version:      max(local.Version, remote.Version) + 1,
	}
	if merged.CurrencyCode == "" {
		merged.CurrencyCode = local.CurrencyCode
	}

	localByKey := make(map[Key]Line, len(local.Lines))
	for _, l := range local.Lines {
		localByKey[l.Key()] = l
	}
	seen := make(map[Key]struct{}, len(remote.Lines))
	for _, r := range remote.Lines {
		line := r
		if l, ok := localByKey[r.Key()]; ok {
			line.MaxQuantity = minCeiling(r.MaxQuantity, l.MaxQuantity)
			line.Quantity = clamp(r.Quantity+l.Quantity, line.MaxQuantity)
		}
		seen[r.Key()] = struct{}{}
		merged.Lines = append(merged.Lines, line)
	}
	for _, l := range local.Lines {
		if _, ok := seen[l.Key()]; ok {
			continue
		}
		merged.Lines = append(merged.Lines, l)
	}
	if len(merged.Lines) == 0 {
		merged.CurrencyCode = ""
	}
	if err := merged.checkTotals(); err != nil {
		return Cart{}, fmt.Errorf("merge: %w: %w", ErrInvalidInput, err)
	}
	return merged, nil
}

// sanitize drops lines that cannot exist in a live cart and folds duplicate
// keys together, so records written by older clients still satisfy the
// store's invariants.
func sanitize(c Cart) Cart {
	out := Cart{CurrencyCode: normalizeCurrency(c.CurrencyCode), Version: c.Version}
	index := make(map[Key]int, len(c.Lines))
	for _, l := range c.Lines {
		l.CurrencyCode = normalizeCurrency(l.CurrencyCode)
		if l.ProductID == "" || l.Quantity <= 0 || l.UnitPriceMinor < 0 {
			continue
		}
		if out.CurrencyCode == "" {
			out.CurrencyCode = l.CurrencyCode
		}
		if l.CurrencyCode == "" {
			l.CurrencyCode = out.CurrencyCode
		}
		if l.CurrencyCode != out.CurrencyCode {
			continue
		}
		if i, ok := index[l.Key()]; ok {
			existing := &out.Lines[i]
			existing.MaxQuantity = minCeiling(existing.MaxQuantity, l.MaxQuantity)
			existing.Quantity = clamp(existing.Quantity+l.Quantity, existing.MaxQuantity)
			continue
		}
		l.Quantity = clamp(l.Quantity, l.MaxQuantity)
		index[l.Key()] = len(out.Lines)
		out.Lines = append(out.Lines, l)
	}
	if len(out.Lines) == 0 {
		out.CurrencyCode = ""
	}
	return out
}

func minCeiling(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
