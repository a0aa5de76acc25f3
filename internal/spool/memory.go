package spool

import (
	"fmt"
	"sync"
	"time"
)

// Memory is an in-memory Store, for unit tests of code that depends on
// Store without wanting a real filesystem.
type Memory struct {
	mu      sync.Mutex
	msgs    map[string]*Message
	entries map[string]*QueueEntry
}

// NewMemory returns an empty in-memory spool.
func NewMemory() *Memory {
	return &Memory{msgs: map[string]*Message{}, entries: map[string]*QueueEntry{}}
}

func (m *Memory) Accept(from string, to []string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := NewID()
	cp := make([]byte, len(data))
	copy(cp, data)

	m.msgs[id] = &Message{ID: id, From: from, To: append([]string(nil), to...), Data: cp, Received: time.Now()}

	recipients := make([]RecipientStatus, len(to))
	for i, addr := range to {
		recipients[i] = RecipientStatus{Address: addr}
	}
	m.entries[id] = &QueueEntry{ID: id, NextAttempt: time.Now(), Recipients: recipients}
	return id, nil
}

func (m *Memory) Load(id string) (*Message, *QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.msgs[id]
	if !ok {
		return nil, nil, fmt.Errorf("spool: no such message %s", id)
	}
	entry := m.entries[id]
	entryCopy := *entry
	entryCopy.Recipients = append([]RecipientStatus(nil), entry.Recipients...)
	return msg, &entryCopy, nil
}

func (m *Memory) SaveEntry(entry *QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.msgs[entry.ID]; !ok {
		return fmt.Errorf("spool: no such message %s", entry.ID)
	}
	cp := *entry
	cp.Recipients = append([]RecipientStatus(nil), entry.Recipients...)
	m.entries[entry.ID] = &cp
	return nil
}

func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.msgs, id)
	delete(m.entries, id)
	return nil
}

func (m *Memory) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.msgs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) Reconcile() error {
	// The in-memory backend cannot lose half of a pair, so there's
	// nothing to repair; it exists to satisfy Store for tests.
	return nil
}
