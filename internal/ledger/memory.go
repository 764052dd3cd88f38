package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu     sync.RWMutex
	events map[string]*Event // event_id -> Event
}

// NewInMemoryRepository creates a new in-memory ledger repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		events: make(map[string]*Event),
	}
}

// RecordEvent records a webhook event as processed.
func (r *InMemoryRepository) RecordEvent(ctx context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[eventID]; exists {
		return ErrEventAlreadyProcessed
	}

	r.events[eventID] = &Event{
		ID:          uuid.New().String(),
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *InMemoryRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.events[eventID]
	return exists, nil
}

// DeleteOlderThan removes entries older than the given age.
func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var deleted int64
	for id, e := range r.events {
		if e.ProcessedAt.Before(cutoff) {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}
