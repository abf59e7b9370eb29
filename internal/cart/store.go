package cart

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Listener receives the snapshot produced by a committed mutation.
type Listener func(Cart)

// Store is the only writer of cart state. Mutations are serialised and each
// commits a new Version before listeners are notified. Listeners run in
// version order and must not call mutating methods synchronously.
type Store struct {
	mu    sync.Mutex
	state Cart

	// notifyMu is acquired before mu is released so notifications cannot
	// overtake one another.
	notifyMu  sync.Mutex
	subMu     sync.Mutex
	listeners []subscription
	nextSubID uint64

	logger zerolog.Logger
}

type subscription struct {
	id uint64
	fn Listener
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for listener failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns a copy of the current cart.
func (s *Store) Snapshot() Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// AddItem appends a new line or increases the quantity of an existing one,
// capping at the line's MaxQuantity and at QuantityLimit.
func (s *Store) AddItem(item Item) (Cart, error) {
	item.ProductID = strings.TrimSpace(item.ProductID)
	item.VariantID = strings.TrimSpace(item.VariantID)
	item.CurrencyCode = normalizeCurrency(item.CurrencyCode)
	if item.ProductID == "" {
		return s.Snapshot(), fmt.Errorf("product id required: %w", ErrInvalidInput)
	}
	if item.CurrencyCode == "" {
		return s.Snapshot(), fmt.Errorf("currency code required: %w", ErrInvalidInput)
	}
	if item.UnitPriceMinor < 0 {
		return s.Snapshot(), fmt.Errorf("unit price must not be negative: %w", ErrInvalidInput)
	}
	if item.Quantity < 0 || item.MaxQuantity < 0 {
		return s.Snapshot(), fmt.Errorf("quantity must not be negative: %w", ErrInvalidInput)
	}
	if item.Quantity > QuantityLimit {
		return s.Snapshot(), fmt.Errorf("quantity above %d: %w", QuantityLimit, ErrInvalidInput)
	}
	if item.Quantity == 0 {
		item.Quantity = 1
	}

	return s.apply(func(c *Cart) (bool, error) {
		if c.CurrencyCode != "" && c.CurrencyCode != item.CurrencyCode {
			return false, fmt.Errorf("cart holds %s, got %s: %w", c.CurrencyCode, item.CurrencyCode, ErrCurrencyMismatch)
		}
		if idx, ok := c.Find(item.key()); ok {
			line := &c.Lines[idx]
			if item.MaxQuantity > 0 {
				line.MaxQuantity = item.MaxQuantity
			}
			line.Quantity = clamp(line.Quantity+item.Quantity, line.MaxQuantity)
			return true, nil
		}
		c.CurrencyCode = item.CurrencyCode
		c.Lines = append(c.Lines, Line{
			ProductID:      item.ProductID,
			VariantID:      item.VariantID,
			Name:           item.Name,
			UnitPriceMinor: item.UnitPriceMinor,
			CurrencyCode:   item.CurrencyCode,
			Quantity:       clamp(item.Quantity, item.MaxQuantity),
			ImageURL:       item.ImageURL,
			MaxQuantity:    item.MaxQuantity,
		})
		return true, nil
	})
}

// UpdateQuantity sets a line's quantity. A quantity of zero or less removes
// the line.
func (s *Store) UpdateQuantity(key Key, qty int) (Cart, error) {
	key = key.normalized()
	if qty > QuantityLimit {
		return s.Snapshot(), fmt.Errorf("quantity above %d: %w", QuantityLimit, ErrInvalidInput)
	}
	return s.apply(func(c *Cart) (bool, error) {
		idx, ok := c.Find(key)
		if !ok {
			return false, fmt.Errorf("update %s: %w", key, ErrLineNotFound)
		}
		if qty <= 0 {
			c.Lines = append(c.Lines[:idx], c.Lines[idx+1:]...)
			return true, nil
		}
		c.Lines[idx].Quantity = clamp(qty, c.Lines[idx].MaxQuantity)
		return true, nil
	})
}

// RemoveItem deletes the matching line. Removing a missing line is a no-op.
func (s *Store) RemoveItem(key Key) (Cart, error) {
	key = key.normalized()
	return s.apply(func(c *Cart) (bool, error) {
		idx, ok := c.Find(key)
		if !ok {
			return false, nil
		}
		c.Lines = append(c.Lines[:idx], c.Lines[idx+1:]...)
		return true, nil
	})
}

// Clear empties the cart.
func (s *Store) Clear() (Cart, error) {
	return s.apply(func(c *Cart) (bool, error) {
		c.Lines = nil
		return true, nil
	})
}

// Seed replaces the state with a cart loaded from durable storage. The
// committed version never moves backwards.
func (s *Store) Seed(loaded Cart) Cart {
	snap, err := s.apply(func(c *Cart) (bool, error) {
		*c = sanitize(loaded)
		return true, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Uint64("version", loaded.Version).Msg("cart_seed_rejected")
	}
	return snap
}

// MergeIn merges remote into the current state and commits the result with
// version max(local, remote) + 1.
func (s *Store) MergeIn(remote Cart) (Cart, error) {
	return s.apply(func(c *Cart) (bool, error) {
		merged, err := Merge(*c, remote)
		if err != nil {
			return false, err
		}
		*c = merged
		return true, nil
	})
}

// Subscribe registers fn for every committed mutation and returns a function
// that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.listeners = append(s.listeners, subscription{id: id, fn: fn})
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			for i, sub := range s.listeners {
				if sub.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// apply runs fn against a draft copy of the state. When fn reports a change
// the draft is committed and listeners are notified. The committed version is
// the draft's own version when fn raised it, otherwise the next one.
func (s *Store) apply(fn func(*Cart) (bool, error)) (Cart, error) {
	s.mu.Lock()
	draft := s.state.Clone()
	changed, err := fn(&draft)
	if err == nil && changed {
		if terr := draft.checkTotals(); terr != nil {
			err = fmt.Errorf("cart total out of range: %w: %w", ErrInvalidInput, terr)
		}
	}
	if err != nil || !changed {
		snap := s.state.Clone()
		s.mu.Unlock()
		return snap, err
	}
	if len(draft.Lines) == 0 {
		draft.Lines = nil
		draft.CurrencyCode = ""
	}
	if next := s.state.Version + 1; draft.Version < next {
		draft.Version = next
	}
	s.state = draft
	snap := draft.Clone()

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	s.notify(snap)
	return snap, nil
}

func (s *Store) notify(snap Cart) {
	s.subMu.Lock()
	subs := make([]subscription, len(s.listeners))
	copy(subs, s.listeners)
	s.subMu.Unlock()

	for _, sub := range subs {
		s.deliver(sub, snap.Clone())
	}
}

func (s *Store) deliver(sub subscription, snap Cart) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Uint64("listener", sub.id).
				Uint64("version", snap.Version).
				Interface("panic", r).
				Msg("cart_listener_panic")
		}
	}()
	sub.fn(snap)
}
