package shared

import "sync"

// KeyedMutex serialises critical sections per key. Order dispatch locks by
// order id, driver assignment by driver id, so unrelated operations never
// block each other.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex constructs a KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for key, blocking until available.
func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the mutex for key. Entries drop out of the map once the
// last waiter releases, keeping the map bounded by in-flight keys.
func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if ok {
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
	}
	m.mu.Unlock()

	if ok {
		l.mu.Unlock()
	}
}
