// Package lock provides the per-item mutual exclusion shared by worker instances.
package lock

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker is a non-blocking lock keyed by queue item id.
type Locker interface {
	// TryAcquire returns false without waiting when another holder owns the lock.
	TryAcquire(ctx context.Context, itemID string) (bool, error)
	// Release is idempotent. Releasing a lock this Locker does not hold is a no-op.
	Release(ctx context.Context, itemID string) error
}

// advisoryKey maps an item id onto the bigint key space of pg advisory locks.
func advisoryKey(itemID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(itemID))
	return int64(h.Sum64())
}

// reservations tracks the locks held by this process. A key is reserved before the
// backend is asked, so concurrent local callers never race each other to the backend.
type reservations[K comparable, V any] struct {
	mu   sync.Mutex
	held map[K]*V
}

func newReservations[K comparable, V any]() *reservations[K, V] {
	return &reservations[K, V]{held: make(map[K]*V)}
}

// reserve returns false when key is already reserved or held.
func (r *reservations[K, V]) reserve(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.held[key]; busy {
		return false
	}
	r.held[key] = nil
	return true
}

func (r *reservations[K, V]) commit(key K, v *V) {
	r.mu.Lock()
	r.held[key] = v
	r.mu.Unlock()
}

func (r *reservations[K, V]) cancel(key K) {
	r.mu.Lock()
	delete(r.held, key)
	r.mu.Unlock()
}

// take removes and returns a held value. It returns nil for keys that are unknown
// or still being acquired.
func (r *reservations[K, V]) take(key K) *V {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.held[key]
	if v == nil {
		return nil
	}
	delete(r.held, key)
	return v
}
