package persist

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/cart"
)

type countingBackend struct {
	*MemoryBackend
	mu    sync.Mutex
	saves []uint64
}

func (b *countingBackend) Save(ctx context.Context, scope Scope, c cart.Cart) (bool, error) {
	b.mu.Lock()
	b.saves = append(b.saves, c.Version)
	b.mu.Unlock()
	return b.MemoryBackend.Save(ctx, scope, c)
}

func TestPersistDiscardsStaleWritesBeforeIO(t *testing.T) {
	backend := &countingBackend{MemoryBackend: NewMemoryBackend()}
	a := NewAdapter(cart.NewStore(), backend, "dev", Config{MaxAttempts: 1})
	scope := DeviceScope("dev")
	ctx := context.Background()

	a.persist(ctx, write{scope: scope, cart: cart.Cart{Version: 6}})
	before := testutil.ToFloat64(WritesTotal.WithLabelValues("device", resultStale))
	a.persist(ctx, write{scope: scope, cart: cart.Cart{Version: 5}})
	a.persist(ctx, write{scope: scope, cart: cart.Cart{Version: 6}})

	require.Equal(t, []uint64{6}, backend.saves)
	require.Equal(t, before+2, testutil.ToFloat64(WritesTotal.WithLabelValues("device", resultStale)))
	require.Equal(t, uint64(6), a.recorded[scope])
}

func TestPersistCountsBackendRejectionAsStale(t *testing.T) {
	backend := &countingBackend{MemoryBackend: NewMemoryBackend()}
	scope := DeviceScope("dev")
	_, err := backend.MemoryBackend.Save(context.Background(), scope, cart.Cart{Version: 9})
	require.NoError(t, err)

	a := NewAdapter(cart.NewStore(), backend, "dev", Config{MaxAttempts: 1})
	a.persist(context.Background(), write{scope: scope, cart: cart.Cart{Version: 7}})

	require.Equal(t, []uint64{7}, backend.saves)
	require.Zero(t, a.recorded[scope])
	stored, _, err := backend.Load(context.Background(), scope)
	require.NoError(t, err)
	require.Equal(t, uint64(9), stored.Version)
}

func TestPersistSkipsRetiredScope(t *testing.T) {
	backend := &countingBackend{MemoryBackend: NewMemoryBackend()}
	a := NewAdapter(cart.NewStore(), backend, "dev", Config{MaxAttempts: 1})
	a.retired[DeviceScope("dev")] = true

	a.persist(context.Background(), write{scope: DeviceScope("dev"), cart: cart.Cart{Version: 1}})
	require.Empty(t, backend.saves)
}

func TestObserveDropsOldestWhenQueueFull(t *testing.T) {
	a := NewAdapter(cart.NewStore(), NewMemoryBackend(), "dev", Config{QueueSize: 2})
	for v := uint64(1); v <= 5; v++ {
		a.observe(cart.Cart{Version: v})
	}
	require.Len(t, a.queue, 2)
	first := <-a.queue
	second := <-a.queue
	require.Equal(t, uint64(4), first.cart.Version)
	require.Equal(t, uint64(5), second.cart.Version)
}

func TestSignInHoldsAccountWritesUntilMerged(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{MemoryBackend: NewMemoryBackend()}
	store := cart.NewStore()
	_, err := store.AddItem(cart.Item{ProductID: "p1", UnitPriceMinor: 500, CurrencyCode: "USD", Quantity: 2})
	require.NoError(t, err)
	a := NewAdapter(store, backend, "dev", Config{MaxAttempts: 1})
	account := AccountScope("acct")

	a.hold(account)
	require.Equal(t, account, a.Scope())
	a.persist(ctx, write{scope: account, cart: store.Snapshot()})
	require.Empty(t, backend.saves, "an unmerged cart must not reach the account record")

	merged, err := store.MergeIn(cart.Cart{
		Lines:        []cart.Line{{ProductID: "p2", UnitPriceMinor: 100, CurrencyCode: "USD", Quantity: 3}},
		CurrencyCode: "USD",
		Version:      4,
	})
	require.NoError(t, err)
	a.release(account, merged.Version)

	a.persist(ctx, write{scope: account, cart: cart.Cart{Version: merged.Version - 1}})
	require.Empty(t, backend.saves)

	queued := <-a.queue
	require.Equal(t, account, queued.scope)
	require.Equal(t, merged.Version, queued.cart.Version)
	a.persist(ctx, queued)
	require.Equal(t, []uint64{merged.Version}, backend.saves)
	require.True(t, a.retired[DeviceScope("dev")])
}
