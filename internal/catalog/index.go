package catalog

import (
	"sync"
	"sync/atomic"
)

// Index is the read replica of the backing store. Writers serialize on mu and
// publish a fresh immutable Snapshot; readers load the current pointer without
// locking.
type Index struct {
	mu       sync.Mutex
	current  atomic.Pointer[Snapshot]
	revision uint64
	watchers map[int]chan uint64
	nextID   int
}

func NewIndex() *Index {
	idx := &Index{watchers: make(map[int]chan uint64)}
	idx.current.Store(Empty())
	return idx
}

// Snapshot returns the latest published snapshot.
func (i *Index) Snapshot() *Snapshot {
	return i.current.Load()
}

// Replace overwrites the whole catalog with a complete store delivery.
// Applying the same delivery twice yields the same contents.
func (i *Index) Replace(data Data) *Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.revision++
	next := NewSnapshot(i.revision, data)
	i.current.Store(next)
	i.notifyLocked(next.revision)
	return next
}

// Watch delivers the revision of every published snapshot. Slow receivers
// only see the most recent revision. The returned func stops delivery and
// closes the channel.
func (i *Index) Watch() (<-chan uint64, func()) {
	i.mu.Lock()
	defer i.mu.Unlock()

	id := i.nextID
	i.nextID++
	ch := make(chan uint64, 1)
	i.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			i.mu.Lock()
			defer i.mu.Unlock()
			delete(i.watchers, id)
			close(ch)
		})
	}
}

func (i *Index) notifyLocked(revision uint64) {
	for _, ch := range i.watchers {
		select {
		case ch <- revision:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- revision
		}
	}
}
