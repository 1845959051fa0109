package keylock

import (
	"sort"
	"sync"
)

// Locker hands out mutexes per key. Entries are reference counted
// and dropped when unused, so the map only holds keys in flight.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty locker
func New() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock acquires every key in sorted order and returns the release function.
// Sorting makes overlapping key sets acquire in the same order, so they cannot deadlock.
func (k *Locker) Lock(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	uniq := sorted[:0]
	for i, key := range sorted {
		if i == 0 || key != sorted[i-1] {
			uniq = append(uniq, key)
		}
	}

	held := make([]*keyLock, 0, len(uniq))
	for _, key := range uniq {
		l := k.acquire(key)
		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.release(uniq[i])
		}
	}
}

// Len returns the number of keys currently locked or awaited
func (k *Locker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *Locker) acquire(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *Locker) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
