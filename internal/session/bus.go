package session

import "sync"

// FileOp classifies a transcript file change.
type FileOp string

const (
	FileCreated  FileOp = "create"
	FileModified FileOp = "modify"
	FileDeleted  FileOp = "delete"
)

// FileEvent is published when a transcript file changes on disk so that
// dependents can invalidate derived caches.
type FileEvent struct {
	Op   FileOp
	Path string
}

// Bus is a small in-process publish/subscribe hub for file events.
// Publishing never blocks: a subscriber with a full channel misses events.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan FileEvent
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan FileEvent)}
}

// Subscribe registers a listener. The returned cancel function removes it.
func (b *Bus) Subscribe(buffer int) (<-chan FileEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan FileEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(ev FileEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
