package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/noah-isme/toko-cart/internal/obs"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

// MessageReader is the part of kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader returns a consumer-group reader for the cart activity topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	if topic == "" {
		topic = DefaultTopic
	}
	if groupID == "" {
		groupID = "toko-cart-activity"
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0,
	})
}

// Consumer folds cart events into an ActivityIndex. Messages are committed
// after they are applied, or skipped when undecodable.
type Consumer struct {
	Reader    MessageReader
	Index     ActivityIndex
	RecordTTL time.Duration
	Retry     resilience.Retrier
	Logger    zerolog.Logger
}

// Run consumes until ctx is done.
func (c Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// left uncommitted so the group redelivers it after a restart
			c.Logger.Error().Err(err).Int64("offset", msg.Offset).Msg("cart_event_apply_failed")
			continue
		}
		if err := c.Reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			c.Logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("cart_event_commit_failed")
		}
	}
}

func (c Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.SessionID == "" {
		obs.ObserveCartEvent(headerValue(msg, "type"), "invalid")
		c.Logger.Warn().Int64("offset", msg.Offset).Msg("cart_event_invalid")
		return nil
	}
	var applied bool
	_, err := c.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		applied, err = c.Index.Record(ctx, evt, c.RecordTTL)
		return err
	})
	if err != nil {
		obs.ObserveCartEvent(evt.Type, "error")
		return err
	}
	if applied {
		obs.ObserveCartEvent(evt.Type, "indexed")
	} else {
		obs.ObserveCartEvent(evt.Type, "stale")
	}
	return nil
}

// Close closes the underlying reader.
func (c Consumer) Close() error {
	if c.Reader == nil {
		return nil
	}
	return c.Reader.Close()
}
