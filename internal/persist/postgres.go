package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noah-isme/toko-cart/internal/cart"
)

// DB is the subset of *pgxpool.Pool used by PostgresBackend.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	loadRecordSQL = `SELECT version, payload FROM cart_records WHERE scope_kind = $1 AND scope_id = $2`

	saveRecordSQL = `INSERT INTO cart_records (scope_kind, scope_id, version, payload, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (scope_kind, scope_id) DO UPDATE
SET version = EXCLUDED.version, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
WHERE cart_records.version < EXCLUDED.version`

	deleteRecordSQL = `DELETE FROM cart_records WHERE scope_kind = $1 AND scope_id = $2`
)

// PostgresBackend stores records in the cart_records table.
type PostgresBackend struct {
	db DB
}

// NewPostgresBackend constructs a backend over db.
func NewPostgresBackend(db DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Load(ctx context.Context, scope Scope) (cart.Cart, bool, error) {
	if b == nil || b.db == nil {
		return cart.Cart{}, false, errors.New("persist: database not configured")
	}
	if !scope.Valid() {
		return cart.Cart{}, false, ErrInvalidScope
	}
	var (
		version int64
		payload []byte
	)
	err := b.db.QueryRow(ctx, loadRecordSQL, string(scope.Kind), scope.ID).Scan(&version, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cart.Cart{}, false, nil
		}
		return cart.Cart{}, false, err
	}
	if version < 0 {
		return cart.Cart{}, false, fmt.Errorf("negative version for %s", scope)
	}
	c, err := decode(payload, uint64(version))
	if err != nil {
		return cart.Cart{}, false, err
	}
	return c, true, nil
}

func (b *PostgresBackend) Save(ctx context.Context, scope Scope, c cart.Cart) (bool, error) {
	if b == nil || b.db == nil {
		return false, errors.New("persist: database not configured")
	}
	if !scope.Valid() {
		return false, ErrInvalidScope
	}
	payload, err := encode(c)
	if err != nil {
		return false, err
	}
	tag, err := b.db.Exec(ctx, saveRecordSQL, string(scope.Kind), scope.ID, int64(c.Version), payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, scope Scope) error {
	if b == nil || b.db == nil {
		return errors.New("persist: database not configured")
	}
	_, err := b.db.Exec(ctx, deleteRecordSQL, string(scope.Kind), scope.ID)
	return err
}
