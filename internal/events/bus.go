// Package events implements the broadcast bus that fans server events out
// to Sandstorm sessions and to the process log sinks.
package events

import (
	"sync"

	"dustdevil/internal/proto"

	log "github.com/sirupsen/logrus"
)

// DefaultQueueSize is the per-subscriber pending event buffer.
const DefaultQueueSize = 128

// Subscription is one subscriber's view of the stream. Events arrive on C
// in global order. For non-lossy subscribers, Overrun is closed when the
// queue fills and the subscription has been evicted; the owner is expected
// to terminate its session.
type Subscription struct {
	C       chan proto.Event
	overrun chan struct{}
	lossy   bool
	dropped uint64
}

func (s *Subscription) Overrun() <-chan struct{} {
	return s.overrun
}

// Dropped reports how many events a lossy subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped
}

// Bus broadcasts events to a dynamic set of subscribers. Publishing never
// blocks: a slow non-lossy subscriber is evicted, a slow lossy one just
// misses events.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber with the given queue capacity.
func (b *Bus) Subscribe(capacity int, lossy bool) *Subscription {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	sub := &Subscription{
		C:       make(chan proto.Event, capacity),
		overrun: make(chan struct{}),
		lossy:   lossy,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber without blocking. The
// caller serializes calls, which keeps per-subscriber delivery in global
// sequence order.
func (b *Bus) Publish(ev proto.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			if sub.lossy {
				sub.dropped++
				continue
			}
			delete(b.subs, sub)
			close(sub.overrun)
			log.WithField("seq", ev.Seq).Warn("Evicting event subscriber that cannot keep up")
		}
	}
}
