package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/toko-cart/internal/cart"
)

// ErrPersistence wraps every durable storage failure. It is logged, never
// surfaced to the shopper.
var ErrPersistence = errors.New("persist: storage failure")

// ErrInvalidScope is returned when a scope has no kind or id.
var ErrInvalidScope = errors.New("persist: invalid scope")

// Kind distinguishes anonymous device records from account records.
type Kind string

const (
	KindDevice  Kind = "device"
	KindAccount Kind = "account"
)

// Scope addresses one persisted cart record.
type Scope struct {
	Kind Kind
	ID   string
}

// DeviceScope returns the scope of an anonymous device cart.
func DeviceScope(id string) Scope { return Scope{Kind: KindDevice, ID: strings.TrimSpace(id)} }

// AccountScope returns the scope of a signed-in account cart.
func AccountScope(id string) Scope { return Scope{Kind: KindAccount, ID: strings.TrimSpace(id)} }

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// Valid reports whether the scope can address a record.
func (s Scope) Valid() bool {
	return (s.Kind == KindDevice || s.Kind == KindAccount) && s.ID != ""
}

// Backend stores one cart record per scope. Save is a compare-and-set on the
// cart version: it reports false without writing when the stored record's
// version is greater than or equal to the one offered.
type Backend interface {
	Load(ctx context.Context, scope Scope) (cart.Cart, bool, error)
	Save(ctx context.Context, scope Scope, c cart.Cart) (bool, error)
	Delete(ctx context.Context, scope Scope) error
}

// ScopedBackend routes device and account scopes to different backends.
type ScopedBackend struct {
	Device  Backend
	Account Backend
}

func (b ScopedBackend) pick(scope Scope) (Backend, error) {
	switch scope.Kind {
	case KindDevice:
		if b.Device != nil {
			return b.Device, nil
		}
	case KindAccount:
		if b.Account != nil {
			return b.Account, nil
		}
	}
	return nil, fmt.Errorf("no backend for %s: %w", scope, ErrInvalidScope)
}

func (b ScopedBackend) Load(ctx context.Context, scope Scope) (cart.Cart, bool, error) {
	be, err := b.pick(scope)
	if err != nil {
		return cart.Cart{}, false, err
	}
	return be.Load(ctx, scope)
}

func (b ScopedBackend) Save(ctx context.Context, scope Scope, c cart.Cart) (bool, error) {
	be, err := b.pick(scope)
	if err != nil {
		return false, err
	}
	return be.Save(ctx, scope, c)
}

func (b ScopedBackend) Delete(ctx context.Context, scope Scope) error {
	be, err := b.pick(scope)
	if err != nil {
		return err
	}
	return be.Delete(ctx, scope)
}

// record is the persisted layout: lines, currency and version only.
type record struct {
	Lines        []cart.Line `json:"lines"`
	CurrencyCode string      `json:"currencyCode,omitempty"`
	Version      uint64      `json:"version"`
}

func encode(c cart.Cart) ([]byte, error) {
	lines := c.Lines
	if lines == nil {
		lines = []cart.Line{}
	}
	return json.Marshal(record{Lines: lines, CurrencyCode: c.CurrencyCode, Version: c.Version})
}

func decode(payload []byte, version uint64) (cart.Cart, error) {
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return cart.Cart{}, fmt.Errorf("decode cart record: %w", err)
	}
	c := cart.Cart{Lines: rec.Lines, CurrencyCode: rec.CurrencyCode, Version: rec.Version}
	if version > 0 {
		c.Version = version
	}
	if len(c.Lines) == 0 {
		c.Lines = nil
	}
	return c, nil
}
