package session

import (
	"log/slog"
	"sync"
)

// Broadcaster fans snapshots out to subscribers. Each subscriber channel
// holds at most one snapshot: a slow reader skips intermediate versions and
// always finds the newest one waiting.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Snapshot
	nextID uint64
	latest *Snapshot
	closed bool
	logger *slog.Logger
}

// NewBroadcaster creates an empty Broadcaster
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[uint64]chan Snapshot),
		logger: logger,
	}
}

// Subscribe returns a channel that immediately holds the latest snapshot (if
// any) and then every newer one, plus a function that ends the subscription.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.latest != nil {
		ch <- *b.latest
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish hands s to every subscriber, replacing any snapshot they have not
// read yet.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.latest = &s
	for _, ch := range b.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Full: drop the stale one and retry.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}

	b.logger.Debug("snapshot published",
		slog.Uint64("version", s.Version),
		slog.String("state", s.State.String()),
		slog.Int("subscribers", len(b.subs)))
}

// Latest returns the most recently published snapshot.
func (b *Broadcaster) Latest() (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return Snapshot{}, false
	}
	return *b.latest, true
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
