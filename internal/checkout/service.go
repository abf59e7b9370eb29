package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/lock"
	"github.com/noah-isme/toko-cart/internal/obs"
)

// ErrEmptyCart is returned when checkout is attempted with no lines.
var ErrEmptyCart = errors.New("checkout: cart is empty")

// ErrPlacement wraps failures reported by the order service.
var ErrPlacement = errors.New("checkout: order placement failed")

// ErrInProgress is returned when another checkout of the same session holds
// the guard.
var ErrInProgress = errors.New("checkout: already in progress")

// Cart is the part of a cart store checkout needs.
type Cart interface {
	Snapshot() cart.Cart
	Clear() (cart.Cart, error)
}

// Request is the frozen cart handed to the order service.
type Request struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	AccountID      string    `json:"accountId,omitempty"`
	Cart           cart.Cart `json:"cart"`
	SubtotalMinor  int64     `json:"subtotalMinor"`
	ItemCount      int       `json:"itemCount"`
}

// Order is the order service's answer. Shipping, tax and the payable total
// are computed there.
type Order struct {
	ID            string `json:"orderId"`
	Status        string `json:"status"`
	ShippingMinor int64  `json:"shippingMinor"`
	TaxMinor      int64  `json:"taxMinor"`
	TotalMinor    int64  `json:"totalMinor"`
	CurrencyCode  string `json:"currencyCode"`
	PaymentURL    string `json:"paymentUrl,omitempty"`
}

// Placer places an order for a frozen cart.
type Placer interface {
	Place(ctx context.Context, req Request) (Order, error)
}

// Guard serializes checkouts of one session across instances.
type Guard interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service hands cart snapshots to the order service.
type Service struct {
	placer   Placer
	logger   zerolog.Logger
	guard    Guard
	guardTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithGuard holds a per-session lock for the duration of each checkout.
func WithGuard(g Guard, ttl time.Duration) Option {
	return func(s *Service) {
		s.guard = g
		s.guardTTL = ttl
	}
}

// NewService constructs a checkout service.
func NewService(placer Placer, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{placer: placer, logger: logger.With().Str("component", "checkout").Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checkout snapshots the cart, places the order and clears the cart only once
// the order service has accepted it. The snapshot's version keys the request
// so a retried checkout of an unchanged cart is deduplicated downstream.
func (s *Service) Checkout(ctx context.Context, c Cart, sessionID, accountID string) (Order, cart.Cart, error) {
	if s == nil || s.placer == nil {
		return Order{}, cart.Cart{}, errors.New("checkout service not configured")
	}
	if s.guard == nil {
		return s.checkout(ctx, c, sessionID, accountID)
	}
	var (
		order   Order
		current cart.Cart
	)
	err := s.guard.WithLock(ctx, "checkout:"+sessionID, s.guardTTL, func(ctx context.Context) error {
		var err error
		order, current, err = s.checkout(ctx, c, sessionID, accountID)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return Order{}, c.Snapshot(), ErrInProgress
	}
	return order, current, err
}

func (s *Service) checkout(ctx context.Context, c Cart, sessionID, accountID string) (Order, cart.Cart, error) {
	snap := c.Snapshot()
	if snap.Empty() {
		obs.ObserveCheckout("empty", 0)
		return Order{}, snap, ErrEmptyCart
	}
	req := Request{
		IdempotencyKey: common.Sha256Hex(sessionID + ":" + strconv.FormatUint(snap.Version, 10)),
		AccountID:      accountID,
		Cart:           snap,
		SubtotalMinor:  snap.Subtotal(),
		ItemCount:      snap.ItemCount(),
	}
	start := time.Now()
	order, err := s.placer.Place(ctx, req)
	if err != nil {
		obs.ObserveCheckout("failed", obs.DurationMillis(time.Since(start)))
		s.logger.Error().Err(err).
			Uint64("version", snap.Version).
			Int64("subtotal_minor", req.SubtotalMinor).
			Msg("checkout_place_failed")
		return Order{}, snap, fmt.Errorf("%w: %w", ErrPlacement, err)
	}
	obs.ObserveCheckout("placed", obs.DurationMillis(time.Since(start)))
	cleared, err := c.Clear()
	if err != nil {
		return order, cleared, err
	}
	s.logger.Info().
		Str("order_id", order.ID).
		Uint64("version", snap.Version).
		Int("items", req.ItemCount).
		Msg("checkout_completed")
	return order, cleared, nil
}
