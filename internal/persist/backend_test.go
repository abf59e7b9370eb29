package persist_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/persist"
)

func sampleCart(version uint64) cart.Cart {
	return cart.Cart{
		Lines: []cart.Line{
			{ProductID: "p1", Name: "Mug", UnitPriceMinor: 1250, CurrencyCode: "USD", Quantity: 2, MaxQuantity: 5},
			{ProductID: "p2", VariantID: "xl", Name: "Tee", UnitPriceMinor: 1999, CurrencyCode: "USD", Quantity: 1},
		},
		CurrencyCode: "USD",
		Version:      version,
	}
}

// exerciseBackend checks the compare-and-set contract shared by every backend.
func exerciseBackend(t *testing.T, b persist.Backend) {
	t.Helper()
	ctx := context.Background()
	scope := persist.DeviceScope("dev-1")

	_, found, err := b.Load(ctx, scope)
	require.NoError(t, err)
	require.False(t, found)

	applied, err := b.Save(ctx, scope, sampleCart(3))
	require.NoError(t, err)
	require.True(t, applied)

	loaded, found, err := b.Load(ctx, scope)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sampleCart(3), loaded)

	applied, err = b.Save(ctx, scope, cart.Cart{Version: 2})
	require.NoError(t, err)
	require.False(t, applied, "older version must not overwrite")
	applied, err = b.Save(ctx, scope, cart.Cart{Version: 3})
	require.NoError(t, err)
	require.False(t, applied, "equal version must not overwrite")

	applied, err = b.Save(ctx, scope, cart.Cart{Version: 4})
	require.NoError(t, err)
	require.True(t, applied)
	loaded, found, err = b.Load(ctx, scope)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, loaded.Empty())
	require.Equal(t, uint64(4), loaded.Version)

	other := persist.AccountScope("acct-1")
	_, found, err = b.Load(ctx, other)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, b.Delete(ctx, scope))
	_, found, err = b.Load(ctx, scope)
	require.NoError(t, err)
	require.False(t, found)

	_, err = b.Save(ctx, persist.Scope{Kind: persist.KindDevice}, sampleCart(1))
	require.ErrorIs(t, err, persist.ErrInvalidScope)
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, persist.NewMemoryBackend())
}

func TestRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseBackend(t, persist.NewRedisBackend(client, "", time.Hour))
}

func TestRedisBackendLayoutAndTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := persist.NewRedisBackend(client, "toko", 30*time.Minute)
	applied, err := b.Save(context.Background(), persist.DeviceScope("dev-9"), sampleCart(7))
	require.NoError(t, err)
	require.True(t, applied)

	key := "toko:cart:device:dev-9"
	require.True(t, mr.Exists(key))
	require.Equal(t, "7", mr.HGet(key, "version"))
	payload := mr.HGet(key, "payload")
	require.Contains(t, payload, `"lines"`)
	require.Contains(t, payload, `"currencyCode":"USD"`)
	require.Contains(t, payload, `"version":7`)
	require.NotContains(t, payload, "subtotal")
	require.Equal(t, 30*time.Minute, mr.TTL(key))

	mr.FastForward(31 * time.Minute)
	_, found, err := b.Load(context.Background(), persist.DeviceScope("dev-9"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestPostgresBackend(t *testing.T) {
	exerciseBackend(t, persist.NewPostgresBackend(newFakeDB()))
}

func TestPostgresBackendPropagatesErrors(t *testing.T) {
	db := newFakeDB()
	db.err = errors.New("connection reset")
	b := persist.NewPostgresBackend(db)

	_, _, err := b.Load(context.Background(), persist.AccountScope("acct"))
	require.ErrorContains(t, err, "connection reset")
	_, err = b.Save(context.Background(), persist.AccountScope("acct"), sampleCart(1))
	require.ErrorContains(t, err, "connection reset")
}

func TestScopedBackendRoutesByKind(t *testing.T) {
	device := persist.NewMemoryBackend()
	account := persist.NewMemoryBackend()
	b := persist.ScopedBackend{Device: device, Account: account}
	ctx := context.Background()

	_, err := b.Save(ctx, persist.DeviceScope("d"), sampleCart(1))
	require.NoError(t, err)
	_, err = b.Save(ctx, persist.AccountScope("a"), sampleCart(2))
	require.NoError(t, err)

	_, found, err := device.Load(ctx, persist.DeviceScope("d"))
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = account.Load(ctx, persist.AccountScope("a"))
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = device.Load(ctx, persist.AccountScope("a"))
	require.NoError(t, err)
	require.False(t, found)

	_, err = persist.ScopedBackend{Device: device}.Save(ctx, persist.AccountScope("a"), sampleCart(3))
	require.ErrorIs(t, err, persist.ErrInvalidScope)
}

// fakeDB emulates the cart_records upsert guard in memory.
type fakeDB struct {
	mu      sync.Mutex
	rows    map[string]fakeRecord
	err     error
	lastSQL string
}

type fakeRecord struct {
	version int64
	payload []byte
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string]fakeRecord)}
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.lastSQL = sql
	if db.err != nil {
		return pgconn.CommandTag{}, db.err
	}
	key := args[0].(string) + "/" + args[1].(string)
	switch {
	case strings.HasPrefix(sql, "INSERT INTO cart_records"):
		if !strings.Contains(sql, "WHERE cart_records.version < EXCLUDED.version") {
			return pgconn.CommandTag{}, errors.New("unguarded upsert")
		}
		version := args[2].(int64)
		if cur, ok := db.rows[key]; ok && cur.version >= version {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		db.rows[key] = fakeRecord{version: version, payload: append([]byte(nil), args[3].([]byte)...)}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.HasPrefix(sql, "DELETE FROM cart_records"):
		if _, ok := db.rows[key]; !ok {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(db.rows, key)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement")
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.lastSQL = sql
	if db.err != nil {
		return fakeRow{err: db.err}
	}
	rec, ok := db.rows[args[0].(string)+"/"+args[1].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{rec: rec}
}

type fakeRow struct {
	rec fakeRecord
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.rec.version
	*dest[1].(*[]byte) = append([]byte(nil), r.rec.payload...)
	return nil
}
