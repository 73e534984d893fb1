package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/webhook"
)

func testEvent(provider, id string, receivedAt time.Time) webhook.PaymentEvent {
	return webhook.PaymentEvent{
		Provider:   provider,
		EventID:    id,
		Type:       "payment_intent.succeeded",
		Canonical:  webhook.EventPaymentSucceeded,
		ReceivedAt: receivedAt,
	}
}

func TestEventStorePutIfAbsent(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()
	event := testEvent("stripe", "evt_1", time.Now())

	inserted, err := s.PutIfAbsent(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.PutIfAbsent(ctx, event)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same event id under a different provider is a distinct event.
	inserted, err = s.PutIfAbsent(ctx, testEvent("paypal", "evt_1", time.Now()))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestEventStoreConcurrentPutIfAbsent(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()
	event := testEvent("stripe", "evt_race", time.Now())

	const racers = 30
	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.PutIfAbsent(ctx, event)
			if err == nil && ok {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inserted.Load())
}

func TestEventStoreMarkProcessed(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()
	event := testEvent("stripe", "evt_1", time.Now())

	_, err := s.PutIfAbsent(ctx, event)
	require.NoError(t, err)

	at := time.Now()
	require.NoError(t, s.MarkProcessed(ctx, "stripe", "evt_1", at))

	stored, err := s.Find(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored.ProcessedAt)
	assert.True(t, at.UTC().Equal(*stored.ProcessedAt))

	assert.Error(t, s.MarkProcessed(ctx, "stripe", "evt_missing", at))
}

func TestEventStoreListUnprocessedOldestFirst(t *testing.T) {
	s := NewMemoryEventStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		event := testEvent("stripe", fmt.Sprintf("evt_%d", i), base.Add(time.Duration(5-i)*time.Second))
		_, err := s.PutIfAbsent(ctx, event)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkProcessed(ctx, "stripe", "evt_2", time.Now()))

	pending, err := s.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	for i := 1; i < len(pending); i++ {
		assert.True(t, pending[i-1].ReceivedAt.Before(pending[i].ReceivedAt))
	}
	for _, event := range pending {
		assert.NotEqual(t, "evt_2", event.EventID)
	}
}
