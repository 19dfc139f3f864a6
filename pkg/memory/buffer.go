package memory

import (
	"sync"
	"time"

	"github.com/johncui/chatmem/pkg/model"
)

// ObservationBuffer is an in-memory TTL buffer of user turns awaiting fact extraction.
type ObservationBuffer struct {
	mu       sync.Mutex
	items    []bufferItem
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

type bufferItem struct {
	at  time.Time
	obs model.Observation
}

func NewObservationBuffer(capacity int, ttl time.Duration) *ObservationBuffer {
	if capacity <= 0 {
		capacity = 128
	}
	return &ObservationBuffer{capacity: capacity, ttl: ttl, now: time.Now}
}

// Add pushes a new item, evicting the oldest if capacity exceeded.
func (b *ObservationBuffer) Add(obs model.Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, bufferItem{at: b.now(), obs: obs})
	if len(b.items) > b.capacity {
		b.items = b.items[len(b.items)-b.capacity:]
	}
}

// Drain removes and returns all non-expired items in arrival order.
func (b *ObservationBuffer) Drain() []model.Observation {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.ttl)
	var out []model.Observation
	for _, item := range b.items {
		if b.ttl <= 0 || item.at.After(cutoff) {
			out = append(out, item.obs)
		}
	}
	b.items = nil
	return out
}

// Requeue puts observations back at the front, e.g. after a failed extraction.
func (b *ObservationBuffer) Requeue(obs []model.Observation) {
	if len(obs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.now()
	items := make([]bufferItem, 0, len(obs)+len(b.items))
	for _, o := range obs {
		items = append(items, bufferItem{at: at, obs: o})
	}
	items = append(items, b.items...)
	if len(items) > b.capacity {
		items = items[len(items)-b.capacity:]
	}
	b.items = items
}

// Len reports the number of buffered items, expired ones included.
func (b *ObservationBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
