package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/persist"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

var (
	// ErrClosed is returned by Open once Shutdown has started.
	ErrClosed = errors.New("session: manager closed")
	// ErrInvalidDevice is returned for an empty device id.
	ErrInvalidDevice = errors.New("session: device id is required")

	errEntryClosed = errors.New("session: entry closed")
)

// Observer attaches to a freshly opened store and returns a detach func.
type Observer func(store *cart.Store, sessionID string) func()

// Config tunes the manager.
type Config struct {
	IdleTTL time.Duration
	Persist persist.Config
}

type entry struct {
	id      string
	store   *cart.Store
	adapter *persist.Adapter
	detach  []func()

	mu       sync.Mutex
	account  string
	lastSeen time.Time
	closed   bool
}

// Manager owns one Store and persistence Adapter per device. Stores live in
// memory until idle for IdleTTL.
type Manager struct {
	backend   persist.Backend
	cfg       Config
	breaker   *resilience.Breaker
	observers []Observer
	logger    zerolog.Logger
	now       func() time.Time

	group    singleflight.Group
	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBreaker shares breaker across every session's persistence calls.
func WithBreaker(b *resilience.Breaker) Option {
	return func(m *Manager) { m.breaker = b }
}

// WithObserver attaches obs to every store the manager opens.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a session manager writing through backend.
func NewManager(backend persist.Backend, cfg Config, opts ...Option) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	m := &Manager{
		backend:  backend,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "cart_sessions").Logger()
	return m
}

// Open returns the device's store, hydrating it on first use. A change of
// accountID since the last call signs the session in or out.
func (m *Manager) Open(ctx context.Context, deviceID, accountID string) (*cart.Store, error) {
	if deviceID == "" {
		return nil, ErrInvalidDevice
	}
	for {
		e, err := m.entry(ctx, deviceID, accountID)
		if err != nil {
			return nil, err
		}
		store, err := m.bind(ctx, e, accountID)
		if errors.Is(err, errEntryClosed) {
			continue
		}
		return store, err
	}
}

func (m *Manager) entry(ctx context.Context, deviceID, accountID string) (*entry, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := m.sessions[deviceID]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(deviceID, func() (any, error) {
		m.mu.Lock()
		if e, ok := m.sessions[deviceID]; ok {
			m.mu.Unlock()
			return e, nil
		}
		m.mu.Unlock()
		return m.create(context.WithoutCancel(ctx), deviceID, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (m *Manager) create(ctx context.Context, deviceID, accountID string) (*entry, error) {
	logger := m.logger.With().Str("device_id", deviceID).Logger()
	store := cart.NewStore(cart.WithLogger(logger))
	opts := []persist.Option{persist.WithLogger(logger)}
	if m.breaker != nil {
		opts = append(opts, persist.WithBreaker(m.breaker))
	}
	adapter := persist.NewAdapter(store, m.backend, deviceID, m.cfg.Persist, opts...)
	if _, err := adapter.Start(ctx, accountID); err != nil {
		_ = adapter.Close(ctx)
		return nil, fmt.Errorf("session: start %s: %w", deviceID, err)
	}

	e := &entry{
		id:       deviceID,
		store:    store,
		adapter:  adapter,
		account:  accountID,
		lastSeen: m.now(),
	}
	for _, observe := range m.observers {
		e.detach = append(e.detach, observe(store, deviceID))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeEntry(ctx, e)
		return nil, ErrClosed
	}
	m.sessions[deviceID] = e
	active := len(m.sessions)
	m.mu.Unlock()

	m.setActive(active)
	logger.Debug().Bool("signed_in", accountID != "").Msg("cart_session_opened")
	return e, nil
}

func (m *Manager) bind(ctx context.Context, e *entry, accountID string) (*cart.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEntryClosed
	}
	e.lastSeen = m.now()
	if accountID == e.account {
		return e.store, nil
	}
	if e.account != "" {
		if _, err := e.adapter.SignOut(ctx); err != nil {
			return nil, fmt.Errorf("session: sign out: %w", err)
		}
		e.account = ""
	}
	if accountID != "" {
		if _, err := e.adapter.SignIn(ctx, accountID); err != nil {
			return nil, fmt.Errorf("session: sign in: %w", err)
		}
		e.account = accountID
	}
	return e.store, nil
}

// Touch marks the device's session as in use.
func (m *Manager) Touch(deviceID string) {
	m.mu.Lock()
	e, ok := m.sessions[deviceID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.lastSeen = m.now()
	e.mu.Unlock()
}

// Len reports the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close drains the device's pending writes and drops its store.
func (m *Manager) Close(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	e, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
	}
	active := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.setActive(active)
	return m.closeEntry(ctx, e)
}

// Reap closes sessions idle for longer than IdleTTL and returns how many
// were closed.
func (m *Manager) Reap(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.IdleTTL)
	var idle []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		e.mu.Lock()
		stale := e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if stale {
			idle = append(idle, e)
			delete(m.sessions, id)
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	for _, e := range idle {
		if err := m.closeEntry(ctx, e); err != nil {
			m.logger.Warn().Err(err).Str("device_id", e.id).Msg("cart_session_close_failed")
		}
	}
	if len(idle) > 0 {
		m.setActive(active)
		if obs.CartSessionsReaped != nil {
			obs.CartSessionsReaped.Add(float64(len(idle)))
		}
		m.logger.Debug().Int("reaped", len(idle)).Int("active", active).Msg("cart_sessions_reaped")
	}
	return len(idle)
}

// Run reaps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

// Shutdown refuses new sessions and closes every open one, draining their
// queued writes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		all = append(all, e)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.setActive(0)

	var errs []error
	for _, e := range all {
		if err := m.closeEntry(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) closeEntry(ctx context.Context, e *entry) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	for _, detach := range e.detach {
		detach()
	}
	return e.adapter.Close(ctx)
}

func (m *Manager) setActive(n int) {
	if obs.CartSessionsActive != nil {
		obs.CartSessionsActive.Set(float64(n))
	}
}
