package nats

import (
	"context"
	"strings"
	"sync"
)

// MockPublisher records events in memory. Like a JetStream stream it drops
// events whose message id it has already accepted.
type MockPublisher struct {
	mu         sync.RWMutex
	events     []*TransactionEvent
	bySubject  map[string][]*TransactionEvent
	msgIDs     map[string]struct{}
	duplicates int
	publishErr error
	batchErr   error
	closed     bool
}

func NewMockPublisher() *MockPublisher {
	m := &MockPublisher{}
	m.reset()
	return m
}

func (m *MockPublisher) reset() {
	m.events = nil
	m.bySubject = make(map[string][]*TransactionEvent)
	m.msgIDs = make(map[string]struct{})
	m.duplicates = 0
}

// record must be called with the lock held.
func (m *MockPublisher) record(event *TransactionEvent) {
	id := event.MsgID()
	if _, dup := m.msgIDs[id]; dup {
		m.duplicates++
		return
	}
	m.msgIDs[id] = struct{}{}
	m.events = append(m.events, event)
	subject := event.Subject()
	m.bySubject[subject] = append(m.bySubject[subject], event)
}

func (m *MockPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.record(event)
	return nil
}

// PublishTransactionBatch fails the whole batch when a batch error is set.
func (m *MockPublisher) PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchErr != nil {
		return m.batchErr
	}
	for _, event := range events {
		m.record(event)
	}
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEventCount returns the number of events accepted.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// DuplicateCount returns how many events were dropped as duplicates.
func (m *MockPublisher) DuplicateCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.duplicates
}

// Subjects returns every subject that received at least one event.
func (m *MockPublisher) Subjects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subjects := make([]string, 0, len(m.bySubject))
	for s := range m.bySubject {
		subjects = append(subjects, s)
	}
	return subjects
}

// GetPublishedEventsForAddress returns events published for one listing
// address, narrowed to a kind unless kind is empty.
func (m *MockPublisher) GetPublishedEventsForAddress(address, kind string) []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if kind != "" {
		out := make([]*TransactionEvent, len(m.bySubject["txns."+address+"."+kind]))
		copy(out, m.bySubject["txns."+address+"."+kind])
		return out
	}
	prefix := "txns." + address + "."
	out := make([]*TransactionEvent, 0)
	for _, event := range m.events {
		if strings.HasPrefix(event.Subject(), prefix) {
			out = append(out, event)
		}
	}
	return out
}

func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *MockPublisher) SetPublishBatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchErr = err
}

// Reset forgets events, seen ids, configured errors and the closed flag.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	m.publishErr = nil
	m.batchErr = nil
	m.closed = false
}

func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
