package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/events"
	"github.com/noah-isme/toko-cart/internal/resilience"
)

type queueReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	allDone   chan struct{}
	want      int
}

func (q *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		msg := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return msg, nil
	}
	q.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (q *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range msgs {
		q.committed = append(q.committed, m.Offset)
	}
	if len(q.committed) == q.want {
		close(q.allDone)
	}
	return nil
}

func (q *queueReader) Close() error { return nil }

func message(t *testing.T, offset int64, evt events.Event) kafka.Message {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(evt.SessionID), Value: data}
}

func TestConsumerIndexesAndCommits(t *testing.T) {
	idx, _ := newIndex(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reader := &queueReader{
		pending: []kafka.Message{
			message(t, 1, activity("dev-1", 1, 2, base)),
			{Offset: 2, Value: []byte("not json")},
			message(t, 3, activity("dev-1", 2, 5, base.Add(time.Minute))),
		},
		allDone: make(chan struct{}),
		want:    3,
	}
	consumer := events.Consumer{Reader: reader, Index: idx, RecordTTL: time.Hour, Logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	select {
	case <-reader.allDone:
	case <-time.After(2 * time.Second):
		t.Fatal("messages were not committed")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	reader.mu.Lock()
	require.Equal(t, []int64{1, 2, 3}, reader.committed)
	reader.mu.Unlock()

	got, err := idx.Abandoned(context.Background(), base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(2), got[0].Version)
	require.Equal(t, 5, got[0].ItemCount)
}

func TestConsumerLeavesFailedMessagesUncommitted(t *testing.T) {
	idx, mr := newIndex(t)
	mr.SetError("LOADING redis is loading the dataset")
	reader := &queueReader{
		pending: []kafka.Message{message(t, 7, activity("dev-9", 1, 1, time.Now()))},
		allDone: make(chan struct{}),
		want:    1,
	}
	consumer := events.Consumer{
		Reader: reader,
		Index:  idx,
		Retry:  resilience.Retrier{MaxAttempts: 2, BaseBackoff: time.Millisecond},
		Logger: zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := consumer.Run(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	reader.mu.Lock()
	defer reader.mu.Unlock()
	require.Empty(t, reader.committed)
}
