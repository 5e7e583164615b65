package transport

import (
	"sync"

	"github.com/servwatch/servwatch/pkg/types"
)

// buffer is a bounded FIFO of snapshots that drops its oldest item on
// overflow. Items carry a sequence number so a writer can remove exactly the
// item it sent even if an overflow evicted it in the meantime.
type buffer struct {
	mu      sync.Mutex
	items   []item
	cap     int
	nextSeq uint64
	dropped uint64
}

type item struct {
	seq  uint64
	snap types.Snapshot
}

func newBuffer(capacity int) *buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &buffer{items: make([]item, 0, capacity), cap: capacity}
}

// push appends snap and reports whether the oldest item was evicted.
func (b *buffer) push(snap types.Snapshot) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == b.cap {
		// Shift instead of reslicing so the backing array does not grow.
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		b.dropped++
		evicted = true
	}
	b.nextSeq++
	b.items = append(b.items, item{seq: b.nextSeq, snap: snap})
	return evicted
}

// peek returns the oldest item without removing it.
func (b *buffer) peek() (item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return item{}, false
	}
	return b.items[0], true
}

// ack removes the oldest item if it is still the one with seq.
func (b *buffer) ack(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) > 0 && b.items[0].seq == seq {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
	}
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *buffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// snapshots returns a copy of the buffered snapshots, oldest first.
func (b *buffer) snapshots() []types.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Snapshot, len(b.items))
	for i, it := range b.items {
		out[i] = it.snap
	}
	return out
}
