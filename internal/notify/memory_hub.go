package notify

import (
	"context"
	"sync"
)

// subscriberBuffer bounds how far a consumer may fall behind before events
// start being discarded for it.
const subscriberBuffer = 32

type hubSub struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is the in-process EventHub. Fanout is best-effort: a subscriber
// that stops draining its channel loses events instead of stalling the
// publisher.
type MemoryHub struct {
	mu      sync.Mutex
	subs    map[*hubSub]struct{}
	dropped uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*hubSub]struct{})}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped++
		}
	}
	return nil
}

// Subscribe registers a consumer for events passing the filter. The returned
// cancel detaches the consumer and closes its channel, so a loop ranging over
// the channel terminates cleanly; calling it more than once is safe.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &hubSub{ch: make(chan StreamEvent, subscriberBuffer), filter: filter}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Close under the lock so Publish can never send on a closed channel.
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}

// Dropped reports how many events were discarded for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

var _ EventHub = (*MemoryHub)(nil)
