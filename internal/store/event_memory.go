package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"keymint/internal/webhook"
)

// MemoryEventStore is the in-memory payment event store, unique on
// (provider, event_id). Events are immutable after insert except for the
// processed marker.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]webhook.PaymentEvent
}

// NewMemoryEventStore creates an empty event store
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]webhook.PaymentEvent)}
}

// PutIfAbsent inserts the event unless its key is already present.
// The existence check and the insert happen under one lock, which is the
// atomicity the admission decision depends on.
func (s *MemoryEventStore) PutIfAbsent(ctx context.Context, event webhook.PaymentEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := event.Key()
	if _, exists := s.events[key]; exists {
		return false, nil
	}
	s.events[key] = event
	return true, nil
}

// Find returns the stored event for (provider, eventID)
func (s *MemoryEventStore) Find(ctx context.Context, provider, eventID string) (webhook.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[provider+":"+eventID]
	if !ok {
		return webhook.PaymentEvent{}, fmt.Errorf("event %s:%s not found", provider, eventID)
	}
	return event, nil
}

// MarkProcessed records that the state machine finished applying the event
func (s *MemoryEventStore) MarkProcessed(ctx context.Context, provider, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + ":" + eventID
	event, ok := s.events[key]
	if !ok {
		return fmt.Errorf("event %s not found", key)
	}
	at = at.UTC()
	event.ProcessedAt = &at
	s.events[key] = event
	return nil
}

// ListUnprocessed returns admitted events the state machine has not yet
// applied, oldest first. Used for crash recovery on startup.
func (s *MemoryEventStore) ListUnprocessed(ctx context.Context) ([]webhook.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []webhook.PaymentEvent
	for _, event := range s.events {
		if event.ProcessedAt == nil {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}
