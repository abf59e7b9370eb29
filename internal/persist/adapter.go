package persist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

// ErrClosed is returned by operations on an Adapter after Close.
var ErrClosed = errors.New("persist: adapter closed")

// Config tunes the write path.
type Config struct {
	MaxAttempts  int
	RetryBase    time.Duration
	RetryJitter  float64
	WriteTimeout time.Duration
	QueueSize    int
	Concurrency  int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

type write struct {
	scope Scope
	cart  cart.Cart
}

// Adapter mirrors a Store into durable storage. It hydrates the Store when a
// session starts and writes every committed snapshot in the background. A
// failed write is retried and then abandoned; it never reaches the shopper.
type Adapter struct {
	store   *cart.Store
	backend Backend
	cfg     Config
	retrier resilience.Retrier
	logger  zerolog.Logger

	// io is held shared by every write in flight. Retiring a scope takes it
	// exclusively so no earlier write can land after the retirement.
	io sync.RWMutex

	mu       sync.Mutex
	device   Scope
	active   Scope
	recorded map[Scope]uint64
	retired  map[Scope]bool
	// floor holds back writes below a version; a scope being merged into
	// sits at MaxUint64 until the merged cart commits.
	floor    map[Scope]uint64
	started  bool
	closed   bool

	queue       chan write
	stop        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
	runCtx      context.Context
	cancel      context.CancelFunc
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithBreaker gates backend calls with breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(a *Adapter) { a.retrier.Breaker = b }
}

// NewAdapter binds store to backend for the given device.
func NewAdapter(store *cart.Store, backend Backend, deviceID string, cfg Config, opts ...Option) *Adapter {
	cfg = cfg.withDefaults()
	device := DeviceScope(deviceID)
	a := &Adapter{
		store:   store,
		backend: backend,
		cfg:     cfg,
		retrier: resilience.Retrier{
			MaxAttempts: cfg.MaxAttempts,
			BaseBackoff: cfg.RetryBase,
			Jitter:      cfg.RetryJitter,
			Timeout:     cfg.WriteTimeout,
		},
		logger:   zerolog.Nop(),
		device:   device,
		active:   device,
		recorded: make(map[Scope]uint64),
		retired:  make(map[Scope]bool),
		floor:    make(map[Scope]uint64),
		queue:    make(chan write, cfg.QueueSize),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "cart_persist").Str("device_id", device.ID).Logger()
	return a
}

// Scope returns the scope currently receiving writes.
func (a *Adapter) Scope() Scope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Start hydrates the store from the device record, starts the write workers
// and, when accountID is set, signs the session in. Load failures are logged
// and the session continues with whatever could be read.
func (a *Adapter) Start(ctx context.Context, accountID string) (cart.Cart, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return cart.Cart{}, ErrClosed
	}
	if a.started {
		a.mu.Unlock()
		return a.store.Snapshot(), nil
	}
	a.started = true
	a.runCtx, a.cancel = context.WithCancel(context.Background())
	a.unsubscribe = a.store.Subscribe(a.observe)
	for i := 0; i < a.cfg.Concurrency; i++ {
		a.wg.Add(1)
		go a.work()
	}
	a.mu.Unlock()

	if loaded, ok := a.load(ctx, a.device); ok {
		snap := a.store.Seed(loaded)
		a.logger.Debug().Uint64("version", snap.Version).Int("lines", len(snap.Lines)).Msg("cart_hydrated")
	}
	if accountID != "" {
		return a.SignIn(ctx, accountID)
	}
	return a.store.Snapshot(), nil
}

// SignIn merges the account record into the live cart and moves writes to
// the account scope. The device record is deleted on a best-effort basis.
// When the carts hold different currencies the account cart wins.
func (a *Adapter) SignIn(ctx context.Context, accountID string) (cart.Cart, error) {
	account := AccountScope(accountID)
	if !account.Valid() {
		return a.store.Snapshot(), fmt.Errorf("sign in: %w", ErrInvalidScope)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return a.store.Snapshot(), ErrClosed
	}
	if a.active == account {
		a.mu.Unlock()
		return a.store.Snapshot(), nil
	}
	a.mu.Unlock()

	remote, found := a.load(ctx, account)

	a.hold(account)
	snap, err := a.store.MergeIn(remote)
	if err != nil {
		if !errors.Is(err, cart.ErrCurrencyMismatch) {
			a.release(account, 0)
			return snap, err
		}
		a.logger.Warn().
			Str("account_id", account.ID).
			Str("local_currency", snap.CurrencyCode).
			Str("account_currency", remote.CurrencyCode).
			Int("dropped_lines", len(snap.Lines)).
			Msg("cart_merge_currency_mismatch")
		snap = a.store.Seed(remote)
	}
	a.release(account, snap.Version)
	a.logger.Info().
		Str("account_id", account.ID).
		Bool("account_record", found).
		Uint64("version", snap.Version).
		Msg("cart_signed_in")

	if err := a.backend.Delete(ctx, a.device); err != nil {
		a.logger.Warn().Err(fmt.Errorf("%w: delete %s: %w", ErrPersistence, a.device, err)).Msg("cart_device_record_delete_failed")
	}
	return snap, nil
}

// hold moves writes to account and retires the device scope. Nothing is
// written to account until release, so an unmerged cart committed in
// between cannot replace the account record.
func (a *Adapter) hold(account Scope) {
	a.io.Lock()
	a.mu.Lock()
	a.active = account
	a.retired[a.device] = true
	delete(a.retired, account)
	a.floor[account] = math.MaxUint64
	a.mu.Unlock()
	a.io.Unlock()
}

// release lets writes at or above version reach scope and queues the live
// cart, since writes held back in the meantime were discarded.
func (a *Adapter) release(scope Scope, version uint64) {
	a.mu.Lock()
	a.floor[scope] = version
	a.mu.Unlock()
	a.observe(a.store.Snapshot())
}

// SignOut moves writes back to the device scope and empties the live cart.
// The account record keeps its last state.
func (a *Adapter) SignOut(ctx context.Context) (cart.Cart, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return a.store.Snapshot(), ErrClosed
	}
	prev := a.active
	a.active = a.device
	delete(a.retired, a.device)
	a.mu.Unlock()

	snap, err := a.store.Clear()
	if err != nil {
		return snap, err
	}
	if prev != a.device {
		a.logger.Info().Str("account_id", prev.ID).Msg("cart_signed_out")
	}
	return snap, nil
}

// Close stops observing the store, drains queued writes and stops the
// workers. Writes still pending when ctx expires are abandoned.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	a.mu.Unlock()

	if !started {
		return nil
	}
	a.unsubscribe()
	close(a.stop)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.cancel()
		return nil
	case <-ctx.Done():
		a.cancel()
		<-done
		return ctx.Err()
	}
}

// observe runs inside the store's notification and must not block.
func (a *Adapter) observe(snap cart.Cart) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	w := write{scope: a.active, cart: snap}
	for {
		select {
		case a.queue <- w:
			return
		default:
		}
		select {
		case old := <-a.queue:
			WritesTotal.WithLabelValues(string(old.scope.Kind), resultDropped).Inc()
			a.logger.Debug().Uint64("version", old.cart.Version).Msg("cart_write_superseded")
		default:
		}
	}
}

func (a *Adapter) work() {
	defer a.wg.Done()
	for {
		select {
		case w := <-a.queue:
			a.persist(a.runCtx, w)
		case <-a.stop:
			for {
				select {
				case w := <-a.queue:
					a.persist(a.runCtx, w)
				default:
					return
				}
			}
		}
	}
}

func (a *Adapter) persist(ctx context.Context, w write) {
	a.io.RLock()
	defer a.io.RUnlock()
	kind := string(w.scope.Kind)
	if reason, skip := a.skip(w); skip {
		WritesTotal.WithLabelValues(kind, reason).Inc()
		return
	}

	applied := false
	attempts, err := a.retrier.Do(ctx, func(ctx context.Context) error {
		ok, err := a.backend.Save(ctx, w.scope, w.cart)
		if err != nil {
			if errors.Is(err, ErrInvalidScope) {
				return resilience.Permanent(err)
			}
			return err
		}
		applied = ok
		return nil
	})
	if err != nil {
		WritesTotal.WithLabelValues(kind, resultAbandoned).Inc()
		a.logger.Error().
			Err(fmt.Errorf("%w: save %s: %w", ErrPersistence, w.scope, err)).
			Str("scope", w.scope.String()).
			Uint64("version", w.cart.Version).
			Int("attempts", attempts).
			Msg("cart_write_abandoned")
		return
	}
	if !applied {
		WritesTotal.WithLabelValues(kind, resultStale).Inc()
		return
	}
	a.markRecorded(w.scope, w.cart.Version)
	WritesTotal.WithLabelValues(kind, resultOK).Inc()
}

func (a *Adapter) skip(w write) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retired[w.scope] {
		return resultRetired, true
	}
	if w.cart.Version < a.floor[w.scope] || w.cart.Version <= a.recorded[w.scope] {
		return resultStale, true
	}
	return "", false
}

func (a *Adapter) markRecorded(scope Scope, version uint64) {
	a.mu.Lock()
	if version > a.recorded[scope] {
		a.recorded[scope] = version
	}
	a.mu.Unlock()
}

func (a *Adapter) load(ctx context.Context, scope Scope) (cart.Cart, bool) {
	kind := string(scope.Kind)
	var (
		loaded cart.Cart
		found  bool
	)
	_, err := a.retrier.Do(ctx, func(ctx context.Context) error {
		c, ok, err := a.backend.Load(ctx, scope)
		if err != nil {
			if errors.Is(err, ErrInvalidScope) {
				return resilience.Permanent(err)
			}
			return err
		}
		loaded, found = c, ok
		return nil
	})
	if err != nil {
		LoadsTotal.WithLabelValues(kind, resultError).Inc()
		a.logger.Error().
			Err(fmt.Errorf("%w: load %s: %w", ErrPersistence, scope, err)).
			Str("scope", scope.String()).
			Msg("cart_load_failed")
		return cart.Cart{}, false
	}
	if !found {
		LoadsTotal.WithLabelValues(kind, resultMissing).Inc()
		return cart.Cart{}, false
	}
	LoadsTotal.WithLabelValues(kind, resultOK).Inc()
	a.markRecorded(scope, loaded.Version)
	return loaded, true
}
