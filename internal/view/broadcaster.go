package view

import (
	"sync"

	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/internal/metrics"
)

// Broadcaster fans composed JPEG frames out to viewer channels. Each
// subscriber gets a small buffer; slow viewers skip frames rather than
// backing up the render loop.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	metrics *metrics.Metrics
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan []byte),
		metrics: m,
	}
}

// Subscribe adds a viewer and returns its id and frame channel.
func (b *Broadcaster) Subscribe() (int, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan []byte, 2)
	b.clients[id] = ch

	b.metrics.ActiveViewers.Store(uint64(len(b.clients)))
	b.metrics.TotalViewers.Add(1)
	logger.Debug("Broadcaster", "Viewer #%d subscribed (total: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a viewer and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.metrics.ActiveViewers.Store(uint64(len(b.clients)))
		logger.Debug("Broadcaster", "Viewer #%d unsubscribed (remaining: %d)", id, len(b.clients))
	}
}

// Publish offers a frame to every viewer without blocking.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients {
		select {
		case ch <- frame:
		default:
			b.metrics.FramesDropped.Add(1)
		}
	}
}

// ClientCount returns the number of subscribed viewers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
