package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/obs"
)

// Event is the payload published for every committed cart snapshot.
type Event struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"sessionId"`
	Version       uint64    `json:"version"`
	ItemCount     int       `json:"itemCount"`
	SubtotalMinor int64     `json:"subtotalMinor"`
	CurrencyCode  string    `json:"currencyCode,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that keys messages by session so one
// session's events stay on one partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Options tunes a Publisher.
type Options struct {
	Buffer       int
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Publisher forwards cart snapshots to Kafka off the store's notification
// path. A nil writer makes every method a no-op.
type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// NewPublisher starts the delivery goroutine for writer.
func NewPublisher(writer MessageWriter, opts Options) *Publisher {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	p := &Publisher{
		writer:  writer,
		timeout: opts.WriteTimeout,
		logger:  opts.Logger.With().Str("component", "cart_events").Logger(),
		now:     time.Now,
	}
	if writer == nil {
		return p
	}
	p.queue = make(chan kafka.Message, opts.Buffer)
	p.done = make(chan struct{})
	go p.run()
	return p
}

// Enabled reports whether events reach a broker.
func (p *Publisher) Enabled() bool { return p != nil && p.writer != nil }

// Observe subscribes to store and publishes one event per committed
// snapshot. The returned func detaches the subscription.
func (p *Publisher) Observe(store *cart.Store, sessionID string) func() {
	if !p.Enabled() {
		return func() {}
	}
	return store.Subscribe(func(snap cart.Cart) {
		p.publish(sessionID, snap)
	})
}

func (p *Publisher) publish(sessionID string, snap cart.Cart) {
	evt := Event{
		Type:          TypeCartUpdated,
		SessionID:     sessionID,
		Version:       snap.Version,
		ItemCount:     snap.ItemCount(),
		SubtotalMinor: snap.Subtotal(),
		CurrencyCode:  snap.CurrencyCode,
		OccurredAt:    p.now().UTC(),
	}
	if snap.Empty() {
		evt.Type = TypeCartCleared
	}
	data, err := json.Marshal(evt)
	if err != nil {
		obs.ObserveCartEvent(evt.Type, "error")
		return
	}
	msg := kafka.Message{
		Key:     []byte(sessionID),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(evt.Type)}},
		Time:    evt.OccurredAt,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		obs.ObserveCartEvent(evt.Type, "dropped")
		p.logger.Warn().Str("session_id", sessionID).Uint64("version", snap.Version).Msg("cart_event_dropped")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		eventType := headerValue(msg, "type")
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			obs.ObserveCartEvent(eventType, "error")
			p.logger.Error().Err(err).Str("key", string(msg.Key)).Msg("cart_event_publish_failed")
			continue
		}
		obs.ObserveCartEvent(eventType, "ok")
	}
}

// Close flushes queued events and closes the writer.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.writer.Close()
		return ctx.Err()
	}
	return p.writer.Close()
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
