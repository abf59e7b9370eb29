package persist_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/persist"
)

var errUnavailable = errors.New("backend unavailable")

// flakyBackend fails the first saveFailures saves and every load while
// loadDown is set. A non-nil gate blocks saves until it is closed.
type flakyBackend struct {
	inner persist.Backend

	mu           sync.Mutex
	saveFailures int
	saveDown     bool
	loadDown     bool
	saves        int
	gate         chan struct{}
	deletes      []persist.Scope
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{inner: persist.NewMemoryBackend()}
}

func (f *flakyBackend) Load(ctx context.Context, scope persist.Scope) (cart.Cart, bool, error) {
	f.mu.Lock()
	down := f.loadDown
	f.mu.Unlock()
	if down {
		return cart.Cart{}, false, errUnavailable
	}
	return f.inner.Load(ctx, scope)
}

func (f *flakyBackend) Save(ctx context.Context, scope persist.Scope, c cart.Cart) (bool, error) {
	f.mu.Lock()
	f.saves++
	gate := f.gate
	fail := f.saveDown
	if f.saveFailures > 0 {
		f.saveFailures--
		fail = true
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if fail {
		return false, errUnavailable
	}
	return f.inner.Save(ctx, scope, c)
}

func (f *flakyBackend) Delete(ctx context.Context, scope persist.Scope) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, scope)
	f.mu.Unlock()
	return f.inner.Delete(ctx, scope)
}

func (f *flakyBackend) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *flakyBackend) deleted() []persist.Scope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]persist.Scope(nil), f.deletes...)
}

func fastConfig() persist.Config {
	return persist.Config{
		MaxAttempts:  3,
		RetryBase:    time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		QueueSize:    8,
		Concurrency:  1,
	}
}

func storedVersion(b persist.Backend, scope persist.Scope) func() uint64 {
	return func() uint64 {
		c, ok, err := b.Load(context.Background(), scope)
		if err != nil || !ok {
			return 0
		}
		return c.Version
	}
}

func usd(productID string, price int64, qty int) cart.Item {
	return cart.Item{ProductID: productID, Name: productID, UnitPriceMinor: price, CurrencyCode: "USD", Quantity: qty}
}

func quantities(c cart.Cart) map[string]int {
	out := make(map[string]int, len(c.Lines))
	for _, l := range c.Lines {
		out[l.Key().String()] = l.Quantity
	}
	return out
}
