package moreatomic

import "sync"

type BusyMutex struct {
	busy Bool
	mut  sync.Mutex
}

// TryLock acquires the mutex only if nobody else holds it, reporting
// whether it did. The busy flag is claimed with a compare-and-swap before
// touching the real mutex, so two racing TryLock callers can never both
// pass the busy check and leave one of them blocking.
func (m *BusyMutex) TryLock() bool {
	if !m.busy.CompareAndSwap(false) {
		return false
	}

	m.mut.Lock()

	return true
}

func (m *BusyMutex) IsBusy() bool {
	return m.busy.Get()
}

func (m *BusyMutex) Lock() {
	m.mut.Lock()
	m.busy.Set(true)
}

func (m *BusyMutex) Unlock() {
	m.busy.Set(false)
	m.mut.Unlock()
}
