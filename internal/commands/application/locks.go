package application

import "sync"

// deviceLocks serializes queue operations per device so a device's
// contact, reply, and enqueue paths never interleave.
//
// Entries are a bare sync.Mutex per device and are never evicted; the
// map is bounded by the device population, not the command volume.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*sync.Mutex)}
}

// Acquire locks the device's mutex and returns its unlock function.
func (l *deviceLocks) Acquire(udid string) func() {
	l.mu.Lock()
	lock, ok := l.locks[udid]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[udid] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
