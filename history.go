package durable

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// HistoryStore is the durability contract the orchestrator needs: an
// append-only, ordered log of events per instance.
//
// Appends must be atomic per instance, and Load must return events in exactly
// the order they were appended -- the history's total order is what the
// engine's replay depends on. Different instances' histories are fully
// independent; the store needs no cross-instance coordination.
type HistoryStore interface {
	// Append adds one event to the end of the instance's history.
	Append(ctx context.Context, instanceID string, event Event) error

	// Load retrieves the instance's full history in append order. It returns
	// an error wrapping ErrInstanceNotFound for an unknown instance.
	Load(ctx context.Context, instanceID string) ([]Event, error)
}

// InstanceLister is an optional HistoryStore extension for stores that can
// enumerate their instances, used to resume in-flight sagas at boot.
type InstanceLister interface {
	Instances(ctx context.Context) ([]string, error)
}

// MemoryHistoryStore provides an in-memory implementation of HistoryStore
// for testing or scenarios where durability is not required.
type MemoryHistoryStore struct {
	logs *xsync.MapOf[string, *memoryLog]
}

type memoryLog struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryHistoryStore creates a new in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		logs: xsync.NewMapOf[string, *memoryLog](),
	}
}

// Append stores the event in memory.
func (m *MemoryHistoryStore) Append(ctx context.Context, instanceID string, event Event) error {
	log, _ := m.logs.LoadOrStore(instanceID, &memoryLog{})

	log.mu.Lock()
	defer log.mu.Unlock()

	log.events = append(log.events, event)
	return nil
}

// Load retrieves the instance's history from memory.
func (m *MemoryHistoryStore) Load(ctx context.Context, instanceID string) ([]Event, error) {
	log, exists := m.logs.Load(instanceID)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	// Return a copy to avoid external modifications.
	events := make([]Event, len(log.events))
	copy(events, log.events)
	return events, nil
}

// Instances implements the InstanceLister interface for MemoryHistoryStore.
func (m *MemoryHistoryStore) Instances(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	m.logs.Range(func(id string, _ *memoryLog) bool {
		ids = append(ids, id)
		return true
	})
	return ids, nil
}
