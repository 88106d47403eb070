// Package lockmap provides mutual exclusion keyed by resource name.
package lockmap

import "sync"

type holderLock struct {
	holders int
	mu      sync.Mutex
}

type Lockmap struct {
	l sync.Mutex
	m map[string]*holderLock
}

func New(initSize int) *Lockmap {
	return &Lockmap{
		m: make(map[string]*holderLock, initSize),
	}
}

// acquire registers interest in key so its entry survives while we wait on it.
func (l *Lockmap) acquire(key string) *holderLock {
	l.l.Lock()
	defer l.l.Unlock()
	hl, ok := l.m[key]
	if !ok {
		hl = &holderLock{}
		l.m[key] = hl
	}
	hl.holders++
	return hl
}

func (l *Lockmap) release(key string, hl *holderLock) {
	hl.holders--
	if hl.holders == 0 {
		delete(l.m, key)
	}
}

// Lock blocks until key is held exclusively by the caller.
func (l *Lockmap) Lock(key string) {
	hl := l.acquire(key)
	hl.mu.Lock()
}

// TryLock acquires key only if nobody holds it.
func (l *Lockmap) TryLock(key string) bool {
	hl := l.acquire(key)
	if hl.mu.TryLock() {
		return true
	}
	l.l.Lock()
	l.release(key, hl)
	l.l.Unlock()
	return false
}

// Unlock releases key. Unlocking a key that is not held panics.
func (l *Lockmap) Unlock(key string) {
	l.l.Lock()
	defer l.l.Unlock()
	hl, ok := l.m[key]
	if !ok {
		panic("lockmap: unlock of unlocked key " + key)
	}
	hl.mu.Unlock()
	l.release(key, hl)
}

// Locks returns the number of keys currently held or awaited.
func (l *Lockmap) Locks() int {
	l.l.Lock()
	defer l.l.Unlock()
	return len(l.m)
}
