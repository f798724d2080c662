package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Store keeps sessions with a time-to-live. Expired sessions are invisible
// to Get. Stores do not serialize callers; see Locker.
type Store interface {
	Set(ctx context.Context, id string, s *Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	// Update applies fn to the stored session and writes it back without
	// changing its expiry.
	Update(ctx context.Context, id string, fn func(*Session) error) error
}

var errInvalidTTL = errors.New("session ttl must be positive")

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Values are held encoded so every Get
// returns an independent copy.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Set(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	if ttl <= 0 {
		return errInvalidTTL
	}

	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.ExpiresAt = now.Add(ttl)

	data, err := encode(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.entries[id] = memoryEntry{data: data, expiresAt: s.ExpiresAt}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}

	if !m.now().Before(entry.expiresAt) {
		m.mu.Lock()
		// re-check: a concurrent Set may have replaced the entry
		if current, ok := m.entries[id]; ok && !m.now().Before(current.expiresAt) {
			delete(m.entries, id)
		}
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	return decode(entry.data)
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok || !m.now().Before(entry.expiresAt) {
		delete(m.entries, id)
		return ErrSessionNotFound
	}

	s, err := decode(entry.data)
	if err != nil {
		return err
	}

	if err := fn(s); err != nil {
		return err
	}

	s.ExpiresAt = entry.expiresAt
	data, err := encode(s)
	if err != nil {
		return err
	}

	m.entries[id] = memoryEntry{data: data, expiresAt: entry.expiresAt}
	return nil
}

// Purge removes every entry expired at now and returns how many were dropped
func (m *MemoryStore) Purge(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, id)
			purged++
		}
	}
	return purged
}

// Len reports the number of stored entries, expired or not
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
