package persist

import (
	"context"
	"sync"

	"github.com/noah-isme/toko-cart/internal/cart"
)

type memRecord struct {
	version uint64
	payload []byte
}

// MemoryBackend keeps records in process memory. Used in tests and when no
// Redis or Postgres is configured.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[Scope]memRecord
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[Scope]memRecord)}
}

func (m *MemoryBackend) Load(ctx context.Context, scope Scope) (cart.Cart, bool, error) {
	if !scope.Valid() {
		return cart.Cart{}, false, ErrInvalidScope
	}
	if err := ctx.Err(); err != nil {
		return cart.Cart{}, false, err
	}
	m.mu.Lock()
	rec, ok := m.records[scope]
	m.mu.Unlock()
	if !ok {
		return cart.Cart{}, false, nil
	}
	c, err := decode(rec.payload, rec.version)
	if err != nil {
		return cart.Cart{}, false, err
	}
	return c, true, nil
}

func (m *MemoryBackend) Save(ctx context.Context, scope Scope, c cart.Cart) (bool, error) {
	if !scope.Valid() {
		return false, ErrInvalidScope
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	payload, err := encode(c)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[scope]; ok && cur.version >= c.Version {
		return false, nil
	}
	m.records[scope] = memRecord{version: c.Version, payload: payload}
	return true, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, scope Scope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.records, scope)
	m.mu.Unlock()
	return nil
}
