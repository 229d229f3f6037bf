package streaming

import "sync"

// withLock runs fn with mu held and returns whatever fn returns. Registries
// use this as their single mutation entry point: fn must not block or call
// back into the registry, so I/O always happens outside the lock using the
// values withLock returns.
func withLock[T any](mu *sync.Mutex, fn func() T) T {
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
