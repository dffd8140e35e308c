package atomic

import (
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

// KeyedRWMutex hands out one RWMutex per row identifier. Mutexes are never
// reclaimed; the set of identifiers touched by a process is expected to fit
// in memory alongside the rows themselves.
type KeyedRWMutex struct {
	mutexes *skipmap.Uint64Map[*sync.RWMutex]
}

func NewKeyedRWMutex() *KeyedRWMutex {
	return &KeyedRWMutex{
		mutexes: skipmap.NewUint64[*sync.RWMutex](),
	}
}

func (m *KeyedRWMutex) obtain(id int64) *sync.RWMutex {
	value, _ := m.mutexes.LoadOrStoreLazy(uint64(id), func() *sync.RWMutex {
		return &sync.RWMutex{}
	})
	return value
}

func (m *KeyedRWMutex) Lock(id int64) func() {
	mu := m.obtain(id)
	mu.Lock()

	return mu.Unlock
}

func (m *KeyedRWMutex) RLock(id int64) func() {
	mu := m.obtain(id)
	mu.RLock()

	return mu.RUnlock
}
