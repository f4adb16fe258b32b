// Package eventbus carries the trigger signals the scheduler's stateless
// executors emit for other subsystems (bored-command runs, raid posture
// changes).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the job executors.
const (
	TopicBoredRun = "bored.run"
	TopicRaidEnd  = "raid.end"
)

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no background
// goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently
		// and the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
